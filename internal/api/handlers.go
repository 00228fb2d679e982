// Package api provides the read-only HTTP status endpoints of the bridge.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/register-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/service"
)

// StatusProvider reports the bridge loop status. Implemented by service.Bridge.
type StatusProvider interface {
	Status() service.BridgeStatus
}

// TopicTracker provides a runtime view of recently published topics.
// Implemented by the MQTT publisher.
type TopicTracker interface {
	ActiveTopics(limit int) []mqtt.TopicStat
}

// CommandProvider exposes the write command handler state.
type CommandProvider interface {
	Enabled() bool
	Validity() float64
	SubscribedTopics() []string
	Stats() map[string]uint64
}

// TransportHealth reports the bus connection state. Implemented by the
// Modbus transport.
type TransportHealth interface {
	Health() modbus.Health
}

// APIHandler provides the status HTTP handlers.
type APIHandler struct {
	bridge      StatusProvider
	descriptors domain.DescriptorSource
	logger      zerolog.Logger

	topicTracker TopicTracker
	commands     CommandProvider
	transport    TransportHealth
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(bridge StatusProvider, descriptors domain.DescriptorSource, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		bridge:      bridge,
		descriptors: descriptors,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// SetTopicTracker wires in a runtime topic tracker (optional).
func (h *APIHandler) SetTopicTracker(tracker TopicTracker) {
	h.topicTracker = tracker
}

// SetCommandProvider wires in the write command handler (optional).
func (h *APIHandler) SetCommandProvider(provider CommandProvider) {
	h.commands = provider
}

// SetTransportHealth wires in the transport (optional).
func (h *APIHandler) SetTransportHealth(transport TransportHealth) {
	h.transport = transport
}

// Register mounts the handlers on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/status", h.StatusHandler)
	mux.HandleFunc("/api/protocols", h.ProtocolsHandler)
	mux.HandleFunc("/api/protocol", h.ProtocolHandler)
	mux.HandleFunc("/api/topics", h.TopicsHandler)
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Bridge    service.BridgeStatus `json:"bridge"`
	Transport *modbus.Health       `json:"transport,omitempty"`
	Writes    *WritesStatus        `json:"writes,omitempty"`
}

// WritesStatus describes the write command handler.
type WritesStatus struct {
	Enabled  bool              `json:"enabled"`
	Validity float64           `json:"validity"`
	Topics   []string          `json:"topics"`
	Stats    map[string]uint64 `json:"stats"`
}

// StatusHandler returns the bridge, transport and write status.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{Bridge: h.bridge.Status()}
	if h.transport != nil {
		health := h.transport.Health()
		resp.Transport = &health
	}
	if h.commands != nil {
		resp.Writes = &WritesStatus{
			Enabled:  h.commands.Enabled(),
			Validity: h.commands.Validity(),
			Topics:   h.commands.SubscribedTopics(),
			Stats:    h.commands.Stats(),
		}
	}
	h.writeJSON(w, resp)
}

// ProtocolsHandler lists the available protocol descriptors.
func (h *APIHandler) ProtocolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names, err := h.descriptors.List()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list protocols")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, names)
}

// ProtocolSummary is one descriptor as shown by /api/protocol.
type ProtocolSummary struct {
	Name        string         `json:"name"`
	InputSize   uint16         `json:"input_size"`
	HoldingSize uint16         `json:"holding_size"`
	Input       []EntrySummary `json:"input"`
	Holding     []EntrySummary `json:"holding"`
}

// EntrySummary is one register map entry.
type EntrySummary struct {
	Variable  string  `json:"variable"`
	Register  uint16  `json:"register"`
	Type      string  `json:"type"`
	Unit      string  `json:"unit,omitempty"`
	UnitMod   float64 `json:"unit_mod"`
	ValueMin  float64 `json:"value_min"`
	ValueMax  float64 `json:"value_max"`
	WriteMode string  `json:"write_mode"`
}

// ProtocolHandler returns the register maps of ?name=<protocol>.
func (h *APIHandler) ProtocolHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Protocol name is required", http.StatusBadRequest)
		return
	}

	desc, err := h.descriptors.Load(name)
	if errors.Is(err, domain.ErrUnknownProtocol) {
		http.Error(w, "Protocol not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("protocol", name).Msg("Failed to load protocol")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.writeJSON(w, ProtocolSummary{
		Name:        desc.Name,
		InputSize:   desc.InputSize,
		HoldingSize: desc.HoldingSize,
		Input:       summarize(desc.InputMap),
		Holding:     summarize(desc.HoldingMap),
	})
}

func summarize(entries []domain.RegisterMapEntry) []EntrySummary {
	out := make([]EntrySummary, len(entries))
	for i, e := range entries {
		out[i] = EntrySummary{
			Variable:  e.VariableName,
			Register:  e.Register,
			Type:      e.DataType.String(),
			Unit:      e.Unit,
			UnitMod:   e.UnitMod,
			ValueMin:  e.ValueMin,
			ValueMax:  e.ValueMax,
			WriteMode: string(e.WriteMode),
		}
	}
	return out
}

// TopicsHandler returns the most recently published topics (?limit=, default 50).
func (h *APIHandler) TopicsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.topicTracker == nil {
		h.writeJSON(w, []mqtt.TopicStat{})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	h.writeJSON(w, h.topicTracker.ActiveTopics(limit))
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
