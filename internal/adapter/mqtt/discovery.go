package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// DefaultDiscoveryPrefix is the Home Assistant discovery root.
const DefaultDiscoveryPrefix = "homeassistant"

// DiscoveryConfig describes how entities are announced.
type DiscoveryConfig struct {
	Prefix        string
	NodePrefix    string
	BaseTopic     string
	Serial        string
	InputPrefix   string
	HoldingPrefix string
	SendInput     bool
	SendHolding   bool
	Device        DiscoveryDevice
}

// DiscoveryDevice is the device block shared by every entity.
type DiscoveryDevice struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Identifiers  string `json:"identifiers"`
	Name         string `json:"name"`
}

// discoveryPayload is the per-entity sensor config document.
type discoveryPayload struct {
	AvailabilityTopic string          `json:"availability_topic"`
	Device            DiscoveryDevice `json:"device"`
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	Unit              string          `json:"unit_of_measurement,omitempty"`
}

// Discovery announces the decoded variables as Home Assistant sensors.
type Discovery struct {
	sink   domain.Sink
	config DiscoveryConfig
	logger zerolog.Logger
}

// NewDiscovery creates a discovery publisher writing to sink.
func NewDiscovery(sink domain.Sink, config DiscoveryConfig, logger zerolog.Logger) *Discovery {
	if config.Prefix == "" {
		config.Prefix = DefaultDiscoveryPrefix
	}
	if config.NodePrefix == "" {
		config.NodePrefix = "inverter"
	}
	config.BaseTopic = strings.TrimSuffix(config.BaseTopic, "/")
	if config.Device.Identifiers == "" {
		config.Device.Identifiers = "bridge_" + config.Serial
	}
	return &Discovery{
		sink:   sink,
		config: config,
		logger: logger.With().Str("component", "mqtt-discovery").Logger(),
	}
}

// AvailabilityTopic returns the topic carrying online/offline.
func (d *Discovery) AvailabilityTopic() string {
	return d.config.BaseTopic + "/availability"
}

// Topic returns the config topic for one entity.
func (d *Discovery) Topic(name string) string {
	return fmt.Sprintf("%s/sensor/%s-%s/%s/config", d.config.Prefix, d.config.NodePrefix, d.config.Serial, strings.ReplaceAll(name, " ", "_"))
}

// Publish announces every published, non-disabled entry of desc and marks
// the device online. It returns the number of configs sent.
func (d *Discovery) Publish(ctx context.Context, desc *domain.ProtocolDescriptor) (int, error) {
	var entries []domain.RegisterMapEntry
	if d.config.SendInput {
		entries = append(entries, desc.InputMap...)
	}
	if d.config.SendHolding {
		entries = append(entries, desc.HoldingMap...)
	}

	count := 0
	for i := range entries {
		e := &entries[i]
		if !e.IsGroupAnchor() || e.WriteMode == domain.WriteModeReadDisabled {
			continue
		}

		name := d.entityName(e)
		payload, err := json.Marshal(discoveryPayload{
			AvailabilityTopic: d.AvailabilityTopic(),
			Device:            d.config.Device,
			Name:              name,
			UniqueID:          d.config.Device.Identifiers + "_" + name,
			StateTopic:        d.config.BaseTopic + "/" + name,
			Unit:              e.Unit,
		})
		if err != nil {
			return count, err
		}

		if err := d.sink.Publish(ctx, d.Topic(name), payload, domain.PublishOptions{QoS: 1, Retain: true}); err != nil {
			return count, fmt.Errorf("discovery %s: %w", name, err)
		}
		count++
	}

	if err := d.sink.Publish(ctx, d.AvailabilityTopic(), []byte("online"), domain.PublishOptions{Retain: true}); err != nil {
		return count, err
	}

	d.logger.Info().Int("count", count).Msg("Published discovery topics")
	return count, nil
}

// entityName matches the key the bridge publishes the entry's state under.
func (d *Discovery) entityName(e *domain.RegisterMapEntry) string {
	prefix := ""
	switch e.Bank {
	case domain.BankInput:
		prefix = d.config.InputPrefix
	case domain.BankHolding:
		prefix = d.config.HoldingPrefix
	}
	return domain.CleanName(prefix + e.VariableName)
}
