// Package modbus provides health monitoring and diagnostics for Modbus connections.
package modbus

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// HealthCheck implements the health.Checker interface. The transport is
// unhealthy while its circuit breaker is open or it has no link.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if t.breaker.State() == gobreaker.StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	if !t.connected.Load() {
		t.mu.Lock()
		lastErr := t.lastError
		t.mu.Unlock()
		if lastErr != nil {
			return lastErr
		}
		return domain.ErrConnectionClosed
	}
	return nil
}

// Health returns a snapshot of the transport's state and counters.
func (t *Transport) Health() Health {
	readCount := t.stats.ReadCount.Load()
	var avgRead time.Duration
	if readCount > 0 {
		avgRead = time.Duration(t.stats.TotalReadTime.Load() / int64(readCount))
	}

	t.mu.Lock()
	lastErr := t.lastError
	t.mu.Unlock()

	h := Health{
		DeviceID:           t.deviceID,
		Address:            t.config.Address,
		Connected:          t.connected.Load(),
		CircuitBreakerOpen: t.breaker.State() == gobreaker.StateOpen,
		ReadCount:          readCount,
		WriteCount:         t.stats.WriteCount.Load(),
		ErrorCount:         t.stats.ErrorCount.Load(),
		ReconnectCount:     t.stats.ReconnectCount.Load(),
		AvgReadTime:        avgRead,
	}
	if lastErr != nil {
		h.LastError = lastErr.Error()
	}
	return h
}
