// Package modbus provides types and utilities for Modbus TCP/RTU communication.
package modbus

import (
	"sync/atomic"
	"time"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// MaxRegistersPerRead is the protocol limit for one read request.
const MaxRegistersPerRead = 125

// Config holds configuration for a Modbus transport.
type Config struct {
	// Kind selects TCP or RTU framing
	Kind domain.TransportKind

	// Address is host:port for TCP or the serial device path for RTU
	Address string

	// SlaveID is the Modbus slave/unit ID (1-247)
	SlaveID byte

	// Timeout is the response timeout of a single transaction
	Timeout time.Duration

	// IdleTimeout closes the link after this long without traffic
	IdleTimeout time.Duration

	// Serial line settings (RTU only)
	BaudRate int
	DataBits int
	StopBits int
	Parity   string

	// Reconnect backoff bounds
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// ConnectAttempts bounds Connect; 0 retries until the context ends
	ConnectAttempts int
}

// DefaultConfig returns a TCP configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Kind:         domain.TransportModbusTCP,
		SlaveID:      1,
		Timeout:      5 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "N",
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// ConfigFromDevice derives the transport configuration from a device definition.
func ConfigFromDevice(device *domain.Device) Config {
	cfg := DefaultConfig()
	cfg.Kind = device.Transport
	cfg.SlaveID = device.Connection.SlaveID
	if device.Transport == domain.TransportModbusRTU {
		cfg.Address = device.Connection.SerialPort
	} else {
		port := device.Connection.Port
		if port == 0 {
			port = 502
		}
		cfg.Address = joinHostPort(device.Connection.Host, port)
	}
	if device.Connection.Timeout > 0 {
		cfg.Timeout = device.Connection.Timeout
	}
	if device.Connection.IdleTimeout > 0 {
		cfg.IdleTimeout = device.Connection.IdleTimeout
	}
	if device.Connection.BaudRate > 0 {
		cfg.BaudRate = device.Connection.BaudRate
	}
	if device.Connection.DataBits > 0 {
		cfg.DataBits = device.Connection.DataBits
	}
	if device.Connection.StopBits > 0 {
		cfg.StopBits = device.Connection.StopBits
	}
	if device.Connection.Parity != "" {
		cfg.Parity = device.Connection.Parity
	}
	return cfg
}

// Stats tracks transport performance counters.
type Stats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	ReconnectCount atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

// Health contains health information for the transport.
type Health struct {
	DeviceID           string        `json:"device_id"`
	Address            string        `json:"address"`
	Connected          bool          `json:"connected"`
	CircuitBreakerOpen bool          `json:"circuit_breaker_open"`
	LastError          string        `json:"last_error,omitempty"`
	ReadCount          uint64        `json:"read_count"`
	WriteCount         uint64        `json:"write_count"`
	ErrorCount         uint64        `json:"error_count"`
	ReconnectCount     uint64        `json:"reconnect_count"`
	AvgReadTime        time.Duration `json:"avg_read_time"`
}
