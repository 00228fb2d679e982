// Package domain contains core business entities.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// Bus error codes carried by BusError.
const (
	BusCodeIO         = 1 // link or framing failure
	BusCodeException  = 2 // device answered with a Modbus exception
	BusCodeNoResponse = 4 // timeout, busy device or open breaker; the only retryable code
)

// BusError is the error every Transport returns for a failed transaction.
type BusError struct {
	Code    int
	Message string

	// Err is the underlying cause, if any
	Err error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bus error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("bus error %d: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *BusError) Unwrap() error {
	return e.Err
}

// Is maps the code onto ErrTransportTimeout or ErrTransportFatal.
func (e *BusError) Is(target error) bool {
	switch target {
	case ErrTransportTimeout:
		return e.Retryable()
	case ErrTransportFatal:
		return !e.Retryable()
	}
	return false
}

// Retryable reports whether the transaction may be retried.
func (e *BusError) Retryable() bool {
	return e.Code == BusCodeNoResponse
}

// NewBusError creates a BusError wrapping cause.
func NewBusError(code int, message string, cause error) *BusError {
	return &BusError{Code: code, Message: message, Err: cause}
}

// IsRetryable returns true if err carries a retryable BusError.
func IsRetryable(err error) bool {
	var be *BusError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return false
}

// Transport performs single bus transactions against one device.
// Implementations must be safe to call from one goroutine at a time; callers
// serialize access per device.
type Transport interface {
	// ReadRegisters reads count consecutive words starting at address.
	ReadRegisters(ctx context.Context, address, count uint16, bank Bank) ([]uint16, error)

	// WriteRegister writes one holding register.
	WriteRegister(ctx context.Context, address, value uint16, bank Bank) error
}

// DescriptorSource resolves protocol names to immutable descriptors.
type DescriptorSource interface {
	Load(name string) (*ProtocolDescriptor, error)
	List() ([]string, error)
}

// PublishOptions controls delivery of one message.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Sink receives decoded telemetry.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
}

// ScanStore persists raw detector scans between runs.
type ScanStore interface {
	Save(ctx context.Context, bank Bank, raw RawRegistry) error

	// Load returns ErrScanNotFound when no scan was saved for bank.
	Load(ctx context.Context, bank Bank) (RawRegistry, error)
}
