// Package modbus provides the Modbus TCP/RTU transport with circuit breaking
// and reconnect backoff.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// handler is the connection side of a goburrow client handler.
type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Transport is a domain.Transport talking Modbus to a single device.
type Transport struct {
	config   Config
	deviceID string
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// newHandler builds a fresh handler for each connection attempt
	newHandler func() handler

	mu        sync.Mutex
	opMu      sync.Mutex // goburrow clients are not safe for concurrent use
	handler   handler
	client    modbus.Client
	connected atomic.Bool
	lastError error

	breaker *gobreaker.CircuitBreaker
	backoff *backoff.Backoff
	stats   *Stats
}

// NewTransport creates a transport for the device; it does not dial.
func NewTransport(deviceID string, config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Transport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: modbus address is required", domain.ErrInvalidConfig)
	}
	if config.SlaveID > 247 {
		return nil, domain.ErrInvalidSlaveID
	}
	defaults := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ReconnectMin == 0 {
		config.ReconnectMin = defaults.ReconnectMin
	}
	if config.ReconnectMax == 0 {
		config.ReconnectMax = defaults.ReconnectMax
	}

	t := &Transport{
		config:   config,
		deviceID: deviceID,
		logger: logger.With().
			Str("component", "modbus").
			Str("device_id", deviceID).
			Str("address", config.Address).
			Logger(),
		metrics: metricsReg,
		backoff: &backoff.Backoff{
			Min:    config.ReconnectMin,
			Max:    config.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
		stats: &Stats{},
	}

	switch config.Kind {
	case domain.TransportModbusTCP, "":
		t.newHandler = t.tcpHandler
	case domain.TransportModbusRTU:
		t.newHandler = t.rtuHandler
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransport, config.Kind)
	}

	t.breaker = newCircuitBreaker(deviceID, t.logger)
	return t, nil
}

func (t *Transport) tcpHandler() handler {
	h := modbus.NewTCPClientHandler(t.config.Address)
	h.Timeout = t.config.Timeout
	h.SlaveId = t.config.SlaveID
	h.IdleTimeout = t.config.IdleTimeout
	return h
}

func (t *Transport) rtuHandler() handler {
	h := modbus.NewRTUClientHandler(t.config.Address)
	h.Config = serial.Config{
		Address:  t.config.Address,
		BaudRate: t.config.BaudRate,
		DataBits: t.config.DataBits,
		StopBits: t.config.StopBits,
		Parity:   t.config.Parity,
		Timeout:  t.config.Timeout,
	}
	h.SlaveId = t.config.SlaveID
	h.IdleTimeout = t.config.IdleTimeout
	return h
}

// newCircuitBreaker creates the per-device circuit breaker. It trips on link
// failures only: exception responses prove the link works, and unanswered
// requests are left to the range reader's retry budget.
func newCircuitBreaker(deviceID string, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", deviceID),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
}

// Connect dials the device, retrying with exponential backoff until it
// succeeds, ConnectAttempts is exhausted or ctx ends.
func (t *Transport) Connect(ctx context.Context) error {
	for {
		err := t.dial()
		if err == nil {
			t.backoff.Reset()
			return nil
		}

		attempt := int(t.backoff.Attempt()) + 1
		if t.config.ConnectAttempts > 0 && attempt >= t.config.ConnectAttempts {
			return err
		}

		delay := t.backoff.Duration()
		t.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Modbus connect failed")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (t *Transport) dial() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}

	start := time.Now()
	h := t.newHandler()
	err := h.Connect()
	if t.metrics != nil {
		t.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		t.lastError = err
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	if t.handler != nil {
		t.stats.ReconnectCount.Add(1)
	}
	t.handler = h
	t.client = modbus.NewClient(h)
	t.connected.Store(true)
	t.lastError = nil

	t.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Close closes the connection to the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func (t *Transport) dropLocked() {
	if t.handler != nil {
		if err := t.handler.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Error closing Modbus connection")
		}
	}
	t.client = nil
	t.connected.Store(false)
}

// IsConnected returns true if the transport holds an open link.
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// ReadRegisters implements domain.Transport.
func (t *Transport) ReadRegisters(ctx context.Context, address, count uint16, bank domain.Bank) ([]uint16, error) {
	if count == 0 || count > MaxRegistersPerRead {
		return nil, domain.NewBusError(domain.BusCodeIO, fmt.Sprintf("invalid register count %d", count), domain.ErrModbusProtocolLimit)
	}

	start := time.Now()
	defer func() {
		t.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	}()
	t.stats.ReadCount.Add(1)

	result, err := t.execute(ctx, func(client modbus.Client) ([]byte, error) {
		if bank == domain.BankHolding {
			return client.ReadHoldingRegisters(address, count)
		}
		return client.ReadInputRegisters(address, count)
	})
	if err != nil {
		return nil, err
	}
	return bytesToWords(result), nil
}

// WriteRegister implements domain.Transport.
func (t *Transport) WriteRegister(ctx context.Context, address, value uint16, bank domain.Bank) error {
	if bank != domain.BankHolding {
		return domain.NewBusError(domain.BusCodeIO, "write to input bank", domain.ErrReadOnlyBank)
	}

	start := time.Now()
	defer func() {
		t.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	}()
	t.stats.WriteCount.Add(1)

	_, err := t.execute(ctx, func(client modbus.Client) ([]byte, error) {
		return client.WriteSingleRegister(address, value)
	})
	return err
}

// execute runs one transaction through the circuit breaker, dialling first
// if needed, and translates the outcome into a domain.BusError.
func (t *Transport) execute(ctx context.Context, op func(modbus.Client) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewBusError(domain.BusCodeIO, "context done", err)
	}

	if !t.connected.Load() {
		if err := t.dial(); err != nil {
			t.stats.ErrorCount.Add(1)
			return nil, domain.NewBusError(domain.BusCodeIO, "not connected", err)
		}
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, domain.NewBusError(domain.BusCodeIO, "not connected", domain.ErrConnectionClosed)
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return op(client)
	})
	if err != nil {
		t.stats.ErrorCount.Add(1)
		if isLinkError(err) {
			t.mu.Lock()
			t.lastError = err
			t.dropLocked()
			t.mu.Unlock()
		}
		return nil, translateError(err)
	}
	return result.([]byte), nil
}

// bytesToWords converts a big-endian register payload to words.
func bytesToWords(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
