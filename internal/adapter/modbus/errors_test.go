package modbus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantIs   error
	}{
		{"illegal address", &modbus.ModbusError{FunctionCode: 0x84, ExceptionCode: 0x02}, domain.BusCodeException, domain.ErrModbusIllegalAddress},
		{"busy", &modbus.ModbusError{FunctionCode: 0x84, ExceptionCode: 0x06}, domain.BusCodeNoResponse, domain.ErrModbusBusy},
		{"gateway target", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 0x0B}, domain.BusCodeNoResponse, domain.ErrModbusGatewayTargetFailed},
		{"breaker open", gobreaker.ErrOpenState, domain.BusCodeNoResponse, domain.ErrCircuitBreakerOpen},
		{"breaker half-open limit", gobreaker.ErrTooManyRequests, domain.BusCodeNoResponse, domain.ErrTransportTimeout},
		{"deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), domain.BusCodeNoResponse, domain.ErrTransportTimeout},
		{"serial timeout", errors.New("serial: timeout"), domain.BusCodeNoResponse, domain.ErrTransportTimeout},
		{"eof", io.EOF, domain.BusCodeIO, domain.ErrTransportFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(tt.err)
			var be *domain.BusError
			if !errors.As(err, &be) {
				t.Fatalf("got %T, want *domain.BusError", err)
			}
			if be.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", be.Code, tt.wantCode)
			}
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("%v does not match %v", err, tt.wantIs)
			}
		})
	}

	if translateError(nil) != nil {
		t.Error("nil error must stay nil")
	}
}

func TestIsLinkError(t *testing.T) {
	if isLinkError(&modbus.ModbusError{ExceptionCode: 0x02}) {
		t.Error("an exception response keeps the link")
	}
	if isLinkError(gobreaker.ErrOpenState) {
		t.Error("an open breaker keeps the link")
	}
	if !isLinkError(io.ErrUnexpectedEOF) {
		t.Error("a truncated frame drops the link")
	}
}

func TestCountsAsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"success", nil, false},
		{"exception", &modbus.ModbusError{ExceptionCode: 0x02}, false},
		{"deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), false},
		{"serial timeout", errors.New("serial: timeout"), false},
		{"eof", io.EOF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countsAsFailure(tt.err); got != tt.want {
				t.Errorf("countsAsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBytesToWords(t *testing.T) {
	got := bytesToWords([]byte{0x12, 0x34, 0xAB, 0xCD, 0xFF})
	if len(got) != 2 || got[0] != 0x1234 || got[1] != 0xABCD {
		t.Errorf("bytesToWords = %#v", got)
	}
}
