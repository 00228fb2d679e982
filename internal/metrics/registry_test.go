package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nexus-edge/register-bridge/internal/metrics"
)

func TestRegistry_Independent(t *testing.T) {
	a := metrics.NewRegistry()
	b := metrics.NewRegistry()

	a.RecordCycleError("inverter-1", "read_error")

	if got := promtest.ToFloat64(a.CycleErrors.WithLabelValues("inverter-1", "read_error")); got != 1 {
		t.Errorf("registry a errors = %v, want 1", got)
	}
	if got := promtest.ToFloat64(b.CycleErrors.WithLabelValues("inverter-1", "read_error")); got != 0 {
		t.Errorf("registry b errors = %v, want 0", got)
	}
}

func TestRegistry_Recorders(t *testing.T) {
	r := metrics.NewRegistry()

	r.RecordCycleSuccess("inverter-1", "growatt", 0.4, 12)
	r.RecordTransaction("inverter-1", "input", 45, nil)
	r.RecordTransaction("inverter-1", "input", 0, errors.New("no response"))
	r.RecordRetry("inverter-1", 0.9)
	r.RecordAbandoned("inverter-1", "holding")
	r.RecordWrite("inverter-1", true)
	r.RecordWrite("inverter-1", false)
	r.RecordMQTTPublish(false, 0.01)
	r.RecordConnection(false, 0.2)
	r.SetValidity("inverter-1", "holding", 95)
	r.SetDetectorScore("growatt", 42)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"cycles success", promtest.ToFloat64(r.CyclesTotal.WithLabelValues("inverter-1", "success")), 1},
		{"values decoded", promtest.ToFloat64(r.ValuesDecoded.WithLabelValues("inverter-1")), 12},
		{"registers read", promtest.ToFloat64(r.RegistersRead.WithLabelValues("inverter-1", "input")), 45},
		{"transactions error", promtest.ToFloat64(r.BusTransactions.WithLabelValues("inverter-1", "input", "error")), 1},
		{"retries", promtest.ToFloat64(r.BusRetries.WithLabelValues("inverter-1")), 1},
		{"delay", promtest.ToFloat64(r.AdaptiveDelay.WithLabelValues("inverter-1")), 0.9},
		{"abandoned", promtest.ToFloat64(r.AbandonedRanges.WithLabelValues("inverter-1", "holding")), 1},
		{"writes failed", promtest.ToFloat64(r.WriteCommands.WithLabelValues("inverter-1", "error")), 1},
		{"mqtt failed", promtest.ToFloat64(r.MQTTMessagesFailed), 1},
		{"connection errors", promtest.ToFloat64(r.ConnectionErrors), 1},
		{"validity", promtest.ToFloat64(r.ValidityScore.WithLabelValues("inverter-1", "holding")), 95},
		{"detector score", promtest.ToFloat64(r.DetectorScores.WithLabelValues("growatt")), 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := metrics.NewRegistry()
	r.UpdateSystem()
	r.RecordWrite("inverter-1", true)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"bridge_system_goroutines", "bridge_commands_writes_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
