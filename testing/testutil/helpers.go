// Package testutil provides shared utilities for testing.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// TestTimeout is the default timeout for test operations.
const TestTimeout = 5 * time.Second

// ContextWithTimeout returns a context with the default test timeout.
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("unexpected error: %v - %v", err, msgAndArgs)
		}
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertErrorIs checks that err wraps target.
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", target)
		return
	}
	if !errors.Is(err, target) {
		t.Errorf("expected error %v, got %v", target, err)
	}
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// MakeEntry creates a USHORT input entry with full-range bounds.
func MakeEntry(name string, register uint16) domain.RegisterMapEntry {
	return domain.RegisterMapEntry{
		VariableName:   name,
		DocumentedName: name,
		Register:       register,
		Bank:           domain.BankInput,
		DataType:       domain.DataType{Kind: domain.KindUShort},
		ValueMin:       0,
		ValueMax:       65535,
		UnitMod:        1,
		WriteMode:      domain.WriteModeRead,
	}
}

// MakeDescriptor creates a descriptor with derived ranges and sizes.
func MakeDescriptor(name string, input, holding []domain.RegisterMapEntry) *domain.ProtocolDescriptor {
	desc := &domain.ProtocolDescriptor{
		Name:        name,
		InputMap:    input,
		HoldingMap:  holding,
		Codes:       map[string]domain.CodeTable{},
		SendInput:   true,
		InputSize:   maxAddress(input),
		HoldingSize: maxAddress(holding),
	}
	desc.InputRanges = domain.BuildRanges(input, 45)
	desc.HoldingRanges = domain.BuildRanges(holding, 45)
	return desc
}

func maxAddress(entries []domain.RegisterMapEntry) uint16 {
	var max uint16
	for _, e := range entries {
		last := e.Register + e.DataType.WordCount() - 1
		if last > max {
			max = last
		}
	}
	return max
}
