package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// Subscriber delivers messages published on subscribed topics.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

// RegisterWriter is the part of the register engine the command handler needs.
type RegisterWriter interface {
	Descriptor() *domain.ProtocolDescriptor
	Validate(ctx context.Context, bank domain.Bank) (float64, error)
	Write(ctx context.Context, variable, value string) error
}

// CommandHandler accepts write commands on <base>/write/<variable> once the
// holding bank has been validated against the protocol descriptor.
// Commands go through a bounded queue and are executed one at a time.
type CommandHandler struct {
	config     CommandConfig
	writer     RegisterWriter
	subscriber Subscriber
	sink       domain.Sink
	logger     zerolog.Logger
	metrics    *metrics.Registry
	stats      *CommandStats

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	validity float64

	// topics maps each subscribed command topic to its variable
	topicsMu     sync.RWMutex
	topics       map[string]string
	commandQueue chan WriteCommand
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	DeviceID  string
	BaseTopic string

	// WriteTimeout bounds one guarded write, including its verification read
	WriteTimeout time.Duration

	// QoS is the MQTT QoS level for command subscriptions and responses
	QoS byte

	// EnableAcknowledgement publishes a response on <command topic>/response
	EnableAcknowledgement bool

	// CommandQueueSize is the max number of commands to queue before
	// rejecting new ones
	CommandQueueSize int
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		WriteTimeout:          30 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		CommandQueueSize:      16,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// WriteCommand is one write request received via MQTT.
type WriteCommand struct {
	RequestID string    `json:"request_id,omitempty"`
	Variable  string    `json:"variable"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	topic string
}

// WriteResponse is published after a command has been handled.
type WriteResponse struct {
	RequestID string        `json:"request_id"`
	DeviceID  string        `json:"device_id"`
	Variable  string        `json:"variable"`
	Value     string        `json:"value"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// commandPayload is the optional JSON form of a command message.
type commandPayload struct {
	RequestID string          `json:"request_id"`
	Value     json.RawMessage `json:"value"`
}

// NewCommandHandler creates a command handler.
func NewCommandHandler(
	config CommandConfig,
	writer RegisterWriter,
	subscriber Subscriber,
	sink domain.Sink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	defaults := DefaultCommandConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = defaults.CommandQueueSize
	}
	config.BaseTopic = strings.TrimSuffix(config.BaseTopic, "/")

	return &CommandHandler{
		config:       config,
		writer:       writer,
		subscriber:   subscriber,
		sink:         sink,
		logger:       logger.With().Str("component", "command-handler").Str("device_id", config.DeviceID).Logger(),
		metrics:      metricsReg,
		stats:        &CommandStats{},
		topics:       make(map[string]string),
		commandQueue: make(chan WriteCommand, config.CommandQueueSize),
	}
}

// CommandTopic returns the topic accepting writes for a variable.
func (h *CommandHandler) CommandTopic(variable string) string {
	return h.config.BaseTopic + "/write/" + domain.CleanName(variable)
}

// Start validates the holding bank and, when its validity clears the
// threshold, subscribes a command topic for every writable entry. It returns
// domain.ErrWriteNotEnabled when the device does not match well enough.
func (h *CommandHandler) Start(ctx context.Context) error {
	if h.running.Load() {
		return nil
	}

	percent, err := h.writer.Validate(ctx, domain.BankHolding)
	if err != nil {
		return fmt.Errorf("validate holding registers: %w", err)
	}
	h.validity = percent
	if h.metrics != nil {
		h.metrics.SetValidity(h.config.DeviceID, string(domain.BankHolding), percent)
	}

	if !engine.WriteEnabled(percent) {
		h.logger.Warn().
			Float64("validity", percent).
			Float64("threshold", engine.WriteEnableThreshold).
			Msg("Holding registers do not match the protocol, writes stay disabled")
		return fmt.Errorf("%w: holding validity %.1f%%", domain.ErrWriteNotEnabled, percent)
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.wg.Add(1)
	go h.processCommandQueue()

	entries := h.writer.Descriptor().HoldingMap
	for i := range entries {
		e := &entries[i]
		if !e.IsWritable() {
			continue
		}
		// Mapped before subscribing so a retained command is not dropped.
		topic := h.CommandTopic(e.VariableName)
		h.topicsMu.Lock()
		h.topics[topic] = e.VariableName
		h.topicsMu.Unlock()

		if err := h.subscriber.Subscribe(topic, h.config.QoS, h.handleWriteCommand); err != nil {
			h.topicsMu.Lock()
			delete(h.topics, topic)
			h.topicsMu.Unlock()
			h.unsubscribeAll()
			h.stopQueue()
			return fmt.Errorf("%w: %s: %v", domain.ErrMQTTSubscribeFailed, topic, err)
		}
	}

	h.running.Store(true)
	h.logger.Info().
		Float64("validity", percent).
		Int("topics", len(h.SubscribedTopics())).
		Msg("Writes enabled")
	return nil
}

// Stop unsubscribes the command topics and drains the queue.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.unsubscribeAll()
	h.stopQueue()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

func (h *CommandHandler) stopQueue() {
	h.cancel()
	h.wg.Wait()
}

func (h *CommandHandler) unsubscribeAll() {
	topics := h.SubscribedTopics()
	if len(topics) > 0 {
		if err := h.subscriber.Unsubscribe(topics...); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to unsubscribe command topics")
		}
	}
	h.topicsMu.Lock()
	h.topics = make(map[string]string)
	h.topicsMu.Unlock()
}

// SubscribedTopics returns the command topics, sorted.
func (h *CommandHandler) SubscribedTopics() []string {
	h.topicsMu.RLock()
	defer h.topicsMu.RUnlock()

	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Enabled reports whether writes are being accepted.
func (h *CommandHandler) Enabled() bool {
	return h.running.Load()
}

// Validity returns the holding bank validity measured at start.
func (h *CommandHandler) Validity() float64 {
	return h.validity
}

// processCommandQueue executes queued commands in arrival order.
func (h *CommandHandler) processCommandQueue() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.drainCommandQueue()
			return
		case cmd := <-h.commandQueue:
			h.processWriteCommand(cmd)
		}
	}
}

// drainCommandQueue rejects commands still queued at shutdown.
func (h *CommandHandler) drainCommandQueue() {
	for {
		select {
		case cmd := <-h.commandQueue:
			h.sendResponse(cmd, false, "service shutting down", 0)
			h.stats.CommandsRejected.Add(1)
		default:
			return
		}
	}
}

// handleWriteCommand queues a command received on a command topic. The
// payload is either the raw value or {"value": ..., "request_id": ...}.
func (h *CommandHandler) handleWriteCommand(topic string, payload []byte) {
	h.stats.CommandsReceived.Add(1)

	h.topicsMu.RLock()
	variable, ok := h.topics[topic]
	h.topicsMu.RUnlock()
	if !ok {
		h.logger.Warn().Str("topic", topic).Msg("Command on unknown topic")
		h.stats.CommandsRejected.Add(1)
		return
	}

	cmd := parseCommand(payload)
	cmd.Variable = variable
	cmd.Timestamp = time.Now()
	cmd.topic = topic
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewV4().String()
	}

	select {
	case h.commandQueue <- cmd:
	default:
		h.logger.Warn().
			Str("variable", cmd.Variable).
			Msg("Command rejected: queue full (back-pressure)")
		h.sendResponse(cmd, false, "command queue full, try again later", 0)
		h.stats.CommandsRejected.Add(1)
	}
}

func parseCommand(payload []byte) WriteCommand {
	raw := strings.TrimSpace(string(payload))

	var doc commandPayload
	if strings.HasPrefix(raw, "{") && json.Unmarshal(payload, &doc) == nil && len(doc.Value) > 0 {
		value := strings.TrimSpace(string(doc.Value))
		var s string
		if json.Unmarshal(doc.Value, &s) == nil {
			value = s
		}
		return WriteCommand{RequestID: doc.RequestID, Value: value}
	}
	return WriteCommand{Value: raw}
}

// processWriteCommand runs one command through the write guard.
func (h *CommandHandler) processWriteCommand(cmd WriteCommand) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()

	err := h.writer.Write(ctx, cmd.Variable, cmd.Value)
	if h.metrics != nil {
		h.metrics.RecordWrite(h.config.DeviceID, err == nil)
	}

	if err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", cmd.RequestID).
			Str("variable", cmd.Variable).
			Str("value", cmd.Value).
			Msg("Write command failed")
		h.sendResponse(cmd, false, err.Error(), time.Since(startTime))
		h.stats.CommandsFailed.Add(1)
		return
	}

	h.logger.Info().
		Str("request_id", cmd.RequestID).
		Str("variable", cmd.Variable).
		Str("value", cmd.Value).
		Dur("duration", time.Since(startTime)).
		Msg("Write command succeeded")

	h.sendResponse(cmd, true, "", time.Since(startTime))
	h.stats.CommandsSucceeded.Add(1)
}

// sendResponse publishes the outcome on <command topic>/response.
func (h *CommandHandler) sendResponse(cmd WriteCommand, success bool, errMsg string, duration time.Duration) {
	if !h.config.EnableAcknowledgement || h.sink == nil {
		return
	}

	response := WriteResponse{
		RequestID: cmd.RequestID,
		DeviceID:  h.config.DeviceID,
		Variable:  cmd.Variable,
		Value:     cmd.Value,
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now(),
		Duration:  duration,
	}

	payload, err := json.Marshal(response)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	// Shutdown responses must still go out after h.ctx is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sink.Publish(ctx, cmd.topic+"/response", payload, domain.PublishOptions{QoS: h.config.QoS}); err != nil {
		h.logger.Error().Err(err).Msg("Failed to publish response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
