package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/goburrow/modbus"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// Exception codes that mean the device is alive but could not answer yet.
const (
	exceptionAcknowledge         = 0x05
	exceptionServerBusy          = 0x06
	exceptionGatewayTargetFailed = 0x0B
)

// translateError maps goburrow/modbus and link errors onto domain.BusError.
// Timeouts and busy devices become the retryable no-response code; every
// other failure is fatal for the current read.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var be *domain.BusError
	if errors.As(err, &be) {
		return be
	}

	// An open breaker leaves the range to the reader's retry budget so the
	// rest of the read still runs.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewBusError(domain.BusCodeNoResponse, "circuit breaker open", domain.ErrCircuitBreakerOpen)
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		cause := domain.ModbusExceptionToError(mbErr.ExceptionCode)
		switch mbErr.ExceptionCode {
		case exceptionAcknowledge, exceptionServerBusy, exceptionGatewayTargetFailed:
			return domain.NewBusError(domain.BusCodeNoResponse, fmt.Sprintf("exception %#02x", mbErr.ExceptionCode), cause)
		}
		return domain.NewBusError(domain.BusCodeException, fmt.Sprintf("exception %#02x", mbErr.ExceptionCode), cause)
	}

	if isTimeout(err) {
		return domain.NewBusError(domain.BusCodeNoResponse, "timeout", err)
	}

	return domain.NewBusError(domain.BusCodeIO, "link error", err)
}

// countsAsFailure reports whether err should count against the circuit
// breaker. Exceptions and no-response outcomes do not.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	return !isTimeout(err)
}

// isTimeout checks if the error is a timeout error.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// goburrow/serial reports read timeouts as plain errors
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// isLinkError reports whether the connection should be dropped and re-dialled.
func isLinkError(err error) bool {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || isTimeout(err)
}
