package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okCheck() Checker {
	return CheckFunc(func(ctx context.Context) error { return nil })
}

func failingCheck(msg string) Checker {
	return CheckFunc(func(ctx context.Context) error { return errors.New(msg) })
}

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name      string
		transport Checker
		mqtt      Checker
		want      string
	}{
		{"all healthy", okCheck(), okCheck(), StatusHealthy},
		{"non-critical down", okCheck(), failingCheck("broker unreachable"), StatusDegraded},
		{"critical down", failingCheck("no route to device"), okCheck(), StatusUnhealthy},
		{"both down", failingCheck("a"), failingCheck("b"), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(Config{ServiceName: "register-bridge", ServiceVersion: "test"})
			h.AddCheck("transport", tt.transport, true)
			h.AddCheck("mqtt", tt.mqtt, false)

			resp := h.Check(context.Background())
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s", resp.Status, tt.want)
			}
			if len(resp.Checks) != 2 {
				t.Errorf("checks = %d, want 2", len(resp.Checks))
			}
		})
	}
}

func TestHealthChecker_GetStatus(t *testing.T) {
	h := NewChecker(Config{})
	h.AddCheck("mqtt", failingCheck("down"), false)

	if got := h.GetStatus("mqtt"); got.Status != StatusUnknown {
		t.Errorf("before first check = %s, want unknown", got.Status)
	}
	h.Check(context.Background())
	got := h.GetStatus("mqtt")
	if got.Status != StatusUnhealthy || got.Error != "down" {
		t.Errorf("after check = %+v", got)
	}
	if !h.IsHealthy(context.Background()) {
		t.Error("a failing non-critical check should not make the service unhealthy")
	}
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := NewChecker(Config{ServiceName: "register-bridge"})
	h.AddCheck("transport", failingCheck("timeout"), true)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
	}{
		{"health", h.HealthHandler, http.StatusServiceUnavailable},
		{"ready", h.ReadinessHandler, http.StatusServiceUnavailable},
		{"live", h.LivenessHandler, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if resp.Service != "register-bridge" {
				t.Errorf("service = %q", resp.Service)
			}
		})
	}
}
