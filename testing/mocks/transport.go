// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// ReadCall records a call to ReadRegisters.
type ReadCall struct {
	Address uint16
	Count   uint16
	Bank    domain.Bank
}

// WriteCall records a call to WriteRegister.
type WriteCall struct {
	Address uint16
	Value   uint16
	Bank    domain.Bank
}

// MockTransport is an in-memory register device.
type MockTransport struct {
	mu sync.Mutex

	// Registers holds the device words per bank; absent addresses read as 0
	Registers map[domain.Bank]map[uint16]uint16

	// Errors is consumed one entry per ReadRegisters call; nil entries succeed
	Errors []error

	// Function overrides
	ReadFunc  func(address, count uint16, bank domain.Bank) ([]uint16, error)
	WriteFunc func(address, value uint16, bank domain.Bank) error

	// Call tracking
	ReadCalls  []ReadCall
	WriteCalls []WriteCall
}

// NewMockTransport creates an empty device.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Registers: map[domain.Bank]map[uint16]uint16{
			domain.BankInput:   {},
			domain.BankHolding: {},
		},
	}
}

// Set stores word at address in bank.
func (m *MockTransport) Set(bank domain.Bank, address, word uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registers[bank][address] = word
}

// Get returns the word stored at address in bank.
func (m *MockTransport) Get(bank domain.Bank, address uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Registers[bank][address]
}

// FailNext queues errors for the next ReadRegisters calls.
func (m *MockTransport) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, errs...)
}

// ReadRegisters implements domain.Transport.
func (m *MockTransport) ReadRegisters(ctx context.Context, address, count uint16, bank domain.Bank) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadCalls = append(m.ReadCalls, ReadCall{Address: address, Count: count, Bank: bank})

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		if err != nil {
			return nil, err
		}
	}

	if m.ReadFunc != nil {
		return m.ReadFunc(address, count, bank)
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = m.Registers[bank][address+uint16(i)]
	}
	return words, nil
}

// WriteRegister implements domain.Transport.
func (m *MockTransport) WriteRegister(ctx context.Context, address, value uint16, bank domain.Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WriteCalls = append(m.WriteCalls, WriteCall{Address: address, Value: value, Bank: bank})

	if m.WriteFunc != nil {
		return m.WriteFunc(address, value, bank)
	}
	m.Registers[bank][address] = value
	return nil
}

// ReadCallCount returns the number of ReadRegisters calls.
func (m *MockTransport) ReadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReadCalls)
}

// Writes returns a copy of the recorded writes.
func (m *MockTransport) Writes() []WriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteCall, len(m.WriteCalls))
	copy(out, m.WriteCalls)
	return out
}

// NoResponse returns the retryable bus error.
func NoResponse() error {
	return domain.NewBusError(domain.BusCodeNoResponse, "no response", nil)
}

// Exception returns a fatal bus error for a Modbus exception.
func Exception(code byte) error {
	return domain.NewBusError(domain.BusCodeException, "exception", domain.ModbusExceptionToError(code))
}
