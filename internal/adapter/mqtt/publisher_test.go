package mqtt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

func TestNewPublisher_RequiresBroker(t *testing.T) {
	cfg := mqtt.DefaultConfig()
	cfg.BrokerURL = ""
	if _, err := mqtt.NewPublisher(cfg, zerolog.Nop(), nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestPublisher_BuffersWhileDisconnected(t *testing.T) {
	cfg := mqtt.DefaultConfig()
	cfg.BufferSize = 2
	p, err := mqtt.NewPublisher(cfg, zerolog.Nop(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	ctx := context.Background()
	for _, topic := range []string{"a", "b", "c"} {
		if err := p.Publish(ctx, topic, []byte("1"), domain.PublishOptions{}); err != nil {
			t.Fatalf("Publish(%s): %v", topic, err)
		}
	}

	if got := p.BufferSize(); got != 2 {
		t.Errorf("BufferSize = %d, want 2 (oldest dropped)", got)
	}
	if got := p.Stats().MessagesBuffered.Load(); got != 2 {
		t.Errorf("MessagesBuffered = %d, want 2", got)
	}
	if !errors.Is(p.HealthCheck(ctx), domain.ErrMQTTNotConnected) {
		t.Error("HealthCheck should report not connected")
	}
}

func TestPublisher_SubscribeBeforeConnect(t *testing.T) {
	p, err := mqtt.NewPublisher(mqtt.DefaultConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	handler := func(topic string, payload []byte) {}
	if err := p.Subscribe("base/write/x", 1, handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := p.Subscribe("base/write/a", 1, handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs := p.Subscriptions()
	if len(subs) != 2 || subs[0] != "base/write/a" {
		t.Errorf("Subscriptions = %v", subs)
	}

	if err := p.Unsubscribe("base/write/a"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if subs := p.Subscriptions(); len(subs) != 1 {
		t.Errorf("Subscriptions after unsubscribe = %v", subs)
	}
}

func TestPublisher_ConnectTLSMissingCA(t *testing.T) {
	cfg := mqtt.DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSCAFile = "/nonexistent/ca.pem"
	p, err := mqtt.NewPublisher(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := p.Connect(context.Background()); err == nil {
		t.Error("Connect should fail when the CA file is missing")
	}
}
