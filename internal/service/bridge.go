// Package service provides the bridge loop that reads the device and
// publishes its values to MQTT, and the write command handler.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// Availability payloads published on <base>/availability.
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// BankReader is the part of the register engine the bridge loop needs.
type BankReader interface {
	Descriptor() *domain.ProtocolDescriptor
	ReadBank(ctx context.Context, bank domain.Bank) (domain.DecodedRegistry, error)
	ReaderState() engine.ReaderState
}

// BridgeConfig holds configuration for the bridge loop.
type BridgeConfig struct {
	DeviceID  string
	BaseTopic string

	// ErrorTopic defaults to <base>/error
	ErrorTopic string

	Interval      time.Duration
	ErrorInterval time.Duration

	SendInput     bool
	SendHolding   bool
	InputPrefix   string
	HoldingPrefix string

	// JSON publishes one document per cycle instead of a message per value
	JSON        bool
	Measurement string
	QoS         byte

	ShutdownTimeout time.Duration
}

// BridgeStats tracks bridge statistics.
type BridgeStats struct {
	TotalCycles     atomic.Uint64
	SuccessCycles   atomic.Uint64
	FailedCycles    atomic.Uint64
	ValuesPublished atomic.Uint64
}

// Bridge runs the read→decode→publish cycle for one device.
type Bridge struct {
	config  BridgeConfig
	engine  BankReader
	sink    domain.Sink
	logger  zerolog.Logger
	metrics *metrics.Registry
	stats   *BridgeStats

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	lastCycle time.Time
	lastError error
}

// ErrorReport is the payload published on the error topic.
type ErrorReport struct {
	Name      string `json:"name"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// NewBridge creates a bridge reading through eng and publishing to sink.
func NewBridge(config BridgeConfig, eng BankReader, sink domain.Sink, logger zerolog.Logger, metricsReg *metrics.Registry) *Bridge {
	config.BaseTopic = strings.TrimSuffix(config.BaseTopic, "/")
	if config.ErrorTopic == "" {
		config.ErrorTopic = config.BaseTopic + "/error"
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.ErrorInterval <= 0 {
		config.ErrorInterval = 60 * time.Second
	}
	if config.Measurement == "" {
		config.Measurement = config.DeviceID
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Bridge{
		config:  config,
		engine:  eng,
		sink:    sink,
		logger:  logger.With().Str("component", "bridge").Str("device_id", config.DeviceID).Logger(),
		metrics: metricsReg,
		stats:   &BridgeStats{},
	}
}

// AvailabilityTopic returns the retained online/offline topic.
func (b *Bridge) AvailabilityTopic() string {
	return b.config.BaseTopic + "/availability"
}

// Start begins the cycle loop.
func (b *Bridge) Start(ctx context.Context) error {
	if b.started.Load() {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started.Store(true)

	b.logger.Info().
		Str("protocol", b.engine.Descriptor().Name).
		Dur("interval", b.config.Interval).
		Bool("json", b.config.JSON).
		Msg("Starting bridge")

	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop cancels the loop, waits for the running cycle and publishes the
// offline availability.
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.started.Load() {
		return nil
	}

	b.logger.Info().Msg("Stopping bridge")
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn().Msg("Timeout waiting for bridge cycle to finish")
	}

	b.started.Store(false)
	return b.publishAvailability(ctx, AvailabilityOffline)
}

// run loops until the context ends. The next cycle starts only after the
// previous one has finished, waiting ErrorInterval after a failure.
func (b *Bridge) run() {
	defer b.wg.Done()

	for {
		wait := b.config.Interval
		if err := b.Cycle(b.ctx); err != nil {
			wait = b.config.ErrorInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Cycle performs one read→decode→publish pass.
func (b *Bridge) Cycle(ctx context.Context) error {
	b.stats.TotalCycles.Add(1)
	start := time.Now()

	if err := b.publishAvailability(ctx, AvailabilityOnline); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to publish availability")
	}

	snapshot := domain.NewSnapshot(b.config.DeviceID, b.config.Measurement)

	if b.config.SendInput {
		values, err := b.engine.ReadBank(ctx, domain.BankInput)
		if err != nil {
			return b.fail(ctx, "read_error", err)
		}
		snapshot.Add(b.config.InputPrefix, values)
	}

	if b.config.SendHolding {
		values, err := b.engine.ReadBank(ctx, domain.BankHolding)
		if err != nil {
			return b.fail(ctx, "read_error", err)
		}
		snapshot.Add(b.config.HoldingPrefix, values)
	}
	snapshot.Timestamp = time.Now()

	published, err := b.publish(ctx, snapshot)
	if err != nil {
		return b.fail(ctx, "publish_error", err)
	}

	b.stats.SuccessCycles.Add(1)
	b.stats.ValuesPublished.Add(uint64(published))
	b.mu.Lock()
	b.lastCycle = time.Now()
	b.lastError = nil
	b.mu.Unlock()

	duration := time.Since(start)
	if b.metrics != nil {
		b.metrics.RecordCycleSuccess(b.config.DeviceID, b.engine.Descriptor().Name, duration.Seconds(), len(snapshot.Fields))
	}

	b.logger.Debug().
		Int("values", len(snapshot.Fields)).
		Int("messages", published).
		Dur("duration", duration).
		Msg("Cycle completed")
	return nil
}

// publish sends the snapshot and returns the number of messages published.
func (b *Bridge) publish(ctx context.Context, snapshot *domain.Snapshot) (int, error) {
	opts := domain.PublishOptions{QoS: b.config.QoS}

	if b.config.JSON {
		payload, err := snapshot.ToJSON()
		if err != nil {
			return 0, err
		}
		if err := b.sink.Publish(ctx, b.config.BaseTopic, payload, opts); err != nil {
			return 0, err
		}
		return 1, nil
	}

	var (
		published int
		firstErr  error
	)
	for topic, payload := range snapshot.Messages(b.config.BaseTopic) {
		if err := b.sink.Publish(ctx, topic, payload, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published++
	}
	return published, firstErr
}

// fail records a failed cycle and reports it on the error topic.
func (b *Bridge) fail(ctx context.Context, errorType string, err error) error {
	b.stats.FailedCycles.Add(1)
	b.mu.Lock()
	b.lastError = err
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordCycleError(b.config.DeviceID, errorType)
	}

	if ctx.Err() != nil {
		return err
	}

	b.logger.Error().Err(err).Str("error_type", errorType).Msg("Cycle failed")

	payload, mErr := json.Marshal(NewErrorReport(err))
	if mErr == nil {
		if pErr := b.sink.Publish(ctx, b.config.ErrorTopic, payload, domain.PublishOptions{QoS: b.config.QoS}); pErr != nil {
			b.logger.Warn().Err(pErr).Msg("Failed to publish error report")
		}
	}
	return err
}

// NewErrorReport describes err for the error topic.
func NewErrorReport(err error) ErrorReport {
	report := ErrorReport{Name: "Error", Message: err.Error()}

	var be *domain.BusError
	if errors.As(err, &be) {
		report.Name = "BusError"
		report.ErrorCode = be.Code
	}
	return report
}

func (b *Bridge) publishAvailability(ctx context.Context, state string) error {
	return b.sink.Publish(ctx, b.AvailabilityTopic(), []byte(state), domain.PublishOptions{QoS: b.config.QoS, Retain: true})
}

// BridgeStatus holds the current status of the bridged device.
type BridgeStatus struct {
	DeviceID        string              `json:"device_id"`
	Protocol        string              `json:"protocol"`
	Status          domain.DeviceStatus `json:"status"`
	Running         bool                `json:"running"`
	LastCycle       time.Time           `json:"last_cycle"`
	LastError       string              `json:"last_error,omitempty"`
	TotalCycles     uint64              `json:"total_cycles"`
	FailedCycles    uint64              `json:"failed_cycles"`
	ValuesPublished uint64              `json:"values_published"`
	ReaderDelay     time.Duration       `json:"reader_delay_ns"`
	ReaderRetries   uint64              `json:"reader_retries"`
	ReaderAbandoned uint64              `json:"reader_abandoned"`
}

// Status returns the device status and statistics.
func (b *Bridge) Status() BridgeStatus {
	b.mu.RLock()
	lastCycle, lastError := b.lastCycle, b.lastError
	b.mu.RUnlock()

	reader := b.engine.ReaderState()
	status := BridgeStatus{
		DeviceID:        b.config.DeviceID,
		Protocol:        b.engine.Descriptor().Name,
		Running:         b.started.Load(),
		LastCycle:       lastCycle,
		TotalCycles:     b.stats.TotalCycles.Load(),
		FailedCycles:    b.stats.FailedCycles.Load(),
		ValuesPublished: b.stats.ValuesPublished.Load(),
		ReaderDelay:     reader.Delay,
		ReaderRetries:   reader.TotalRetries,
		ReaderAbandoned: reader.Abandoned,
	}

	switch {
	case lastError != nil:
		status.Status = domain.DeviceStatusError
		status.LastError = lastError.Error()
	case !lastCycle.IsZero() && status.Running:
		status.Status = domain.DeviceStatusOnline
	default:
		status.Status = domain.DeviceStatusOffline
	}
	return status
}

// StatsSnapshot holds a point-in-time snapshot of bridge statistics.
type StatsSnapshot struct {
	TotalCycles     uint64
	SuccessCycles   uint64
	FailedCycles    uint64
	ValuesPublished uint64
}

// Stats returns a snapshot of the bridge statistics.
func (b *Bridge) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalCycles:     b.stats.TotalCycles.Load(),
		SuccessCycles:   b.stats.SuccessCycles.Load(),
		FailedCycles:    b.stats.FailedCycles.Load(),
		ValuesPublished: b.stats.ValuesPublished.Load(),
	}
}
