package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/metrics"
	"github.com/nexus-edge/register-bridge/internal/service"
	"github.com/nexus-edge/register-bridge/testing/mocks"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

func newTestEngine(desc *domain.ProtocolDescriptor, transport domain.Transport) *engine.Engine {
	cfg := engine.Config{
		DeviceID:     "inverter-1",
		MaxPrecision: 2,
		Reader:       engine.DefaultReaderConfig(),
	}
	cfg.Reader.Sleep = func(time.Duration) {}
	return engine.New(desc, transport, cfg, zerolog.Nop(), metrics.NewRegistry())
}

func bridgeFixture() (*domain.ProtocolDescriptor, *mocks.MockTransport) {
	voltage := testutil.MakeEntry("Grid Voltage", 3)
	voltage.UnitMod = 0.1
	status := testutil.MakeEntry("Status", 4)
	status.Codes = domain.CodeTable{"1": "Normal"}

	limit := testutil.MakeEntry("Power Limit", 20)
	limit.Bank = domain.BankHolding

	desc := testutil.MakeDescriptor("growatt", []domain.RegisterMapEntry{voltage, status}, []domain.RegisterMapEntry{limit})

	transport := mocks.NewMockTransport()
	transport.Set(domain.BankInput, 3, 2301)
	transport.Set(domain.BankInput, 4, 1)
	transport.Set(domain.BankHolding, 20, 80)
	return desc, transport
}

func newTestBridge(config service.BridgeConfig, eng service.BankReader, sink domain.Sink) *service.Bridge {
	if config.DeviceID == "" {
		config.DeviceID = "inverter-1"
	}
	if config.BaseTopic == "" {
		config.BaseTopic = "home/inverter"
	}
	return service.NewBridge(config, eng, sink, zerolog.Nop(), metrics.NewRegistry())
}

func TestBridge_CyclePerKeyTopics(t *testing.T) {
	desc, transport := bridgeFixture()
	sink := mocks.NewMockSink()
	b := newTestBridge(service.BridgeConfig{
		SendInput:     true,
		SendHolding:   true,
		HoldingPrefix: "hold_",
	}, newTestEngine(desc, transport), sink)

	testutil.RequireNoError(t, b.Cycle(context.Background()))

	tests := []struct {
		topic string
		want  string
	}{
		{"home/inverter/grid_voltage", "230.1"},
		{"home/inverter/status", "Normal"},
		{"home/inverter/hold_power_limit", "80"},
	}
	for _, tt := range tests {
		msg, ok := sink.Last(tt.topic)
		if !ok {
			t.Errorf("nothing published on %s", tt.topic)
			continue
		}
		if msg.Payload != tt.want {
			t.Errorf("%s = %q, want %q", tt.topic, msg.Payload, tt.want)
		}
	}

	avail, ok := sink.Last("home/inverter/availability")
	if !ok || avail.Payload != service.AvailabilityOnline || !avail.Retain {
		t.Errorf("availability = %+v, want retained online", avail)
	}

	stats := b.Stats()
	if stats.SuccessCycles != 1 || stats.ValuesPublished != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBridge_StateTopicsMatchDiscovery(t *testing.T) {
	desc, transport := bridgeFixture()
	sink := mocks.NewMockSink()

	discovery := mqtt.NewDiscovery(sink, mqtt.DiscoveryConfig{
		BaseTopic:     "home/inverter",
		Serial:        "SN1",
		InputPrefix:   "Inv ",
		HoldingPrefix: "Hold ",
		SendInput:     true,
		SendHolding:   true,
	}, zerolog.Nop())
	_, err := discovery.Publish(context.Background(), desc)
	testutil.RequireNoError(t, err)

	var stateTopics []string
	for _, msg := range sink.Published() {
		var payload struct {
			StateTopic string `json:"state_topic"`
		}
		if json.Unmarshal([]byte(msg.Payload), &payload) == nil && payload.StateTopic != "" {
			stateTopics = append(stateTopics, payload.StateTopic)
		}
	}
	if len(stateTopics) != 3 {
		t.Fatalf("state topics = %v, want 3", stateTopics)
	}

	b := newTestBridge(service.BridgeConfig{
		SendInput:     true,
		SendHolding:   true,
		InputPrefix:   "Inv ",
		HoldingPrefix: "Hold ",
	}, newTestEngine(desc, transport), sink)
	testutil.RequireNoError(t, b.Cycle(context.Background()))

	for _, topic := range stateTopics {
		if _, ok := sink.Last(topic); !ok {
			t.Errorf("bridge never published on discovered state topic %s", topic)
		}
	}
	if _, ok := sink.Last("home/inverter/inv_grid_voltage"); !ok {
		t.Errorf("missing home/inverter/inv_grid_voltage; got %+v", sink.Published())
	}
}

func TestBridge_CycleJSON(t *testing.T) {
	desc, transport := bridgeFixture()
	sink := mocks.NewMockSink()
	b := newTestBridge(service.BridgeConfig{
		SendInput:   true,
		InputPrefix: "in_",
		JSON:        true,
		Measurement: "solar",
	}, newTestEngine(desc, transport), sink)

	testutil.RequireNoError(t, b.Cycle(context.Background()))

	msg, ok := sink.Last("home/inverter")
	if !ok {
		t.Fatal("no JSON document published on the base topic")
	}

	var doc struct {
		Measurement string                 `json:"measurement"`
		Timestamp   int64                  `json:"ts"`
		Fields      map[string]interface{} `json:"fields"`
	}
	testutil.RequireNoError(t, json.Unmarshal([]byte(msg.Payload), &doc))

	if doc.Measurement != "solar" || doc.Timestamp == 0 {
		t.Errorf("document = %+v", doc)
	}
	if doc.Fields["in_Grid Voltage"] != 230.1 || doc.Fields["in_Status"] != "Normal" {
		t.Errorf("fields = %v", doc.Fields)
	}
	if _, ok := doc.Fields["Power Limit"]; ok {
		t.Error("holding values published without SendHolding")
	}
}

func TestBridge_CycleErrorReport(t *testing.T) {
	desc, transport := bridgeFixture()
	transport.FailNext(mocks.Exception(0x02))
	sink := mocks.NewMockSink()
	b := newTestBridge(service.BridgeConfig{SendInput: true}, newTestEngine(desc, transport), sink)

	err := b.Cycle(context.Background())
	testutil.AssertErrorIs(t, err, domain.ErrTransportFatal)

	msg, ok := sink.Last("home/inverter/error")
	if !ok {
		t.Fatal("no error report published")
	}
	var report service.ErrorReport
	testutil.RequireNoError(t, json.Unmarshal([]byte(msg.Payload), &report))
	if report.Name != "BusError" || report.ErrorCode != domain.BusCodeException {
		t.Errorf("report = %+v", report)
	}

	status := b.Status()
	if status.Status != domain.DeviceStatusError || status.LastError == "" {
		t.Errorf("status = %+v", status)
	}
	if b.Stats().FailedCycles != 1 {
		t.Errorf("failed cycles = %d, want 1", b.Stats().FailedCycles)
	}
}

func TestBridge_PublishFailure(t *testing.T) {
	desc, transport := bridgeFixture()
	sink := mocks.NewMockSink()
	sink.PublishFunc = func(topic string, payload []byte) error {
		if topic == "home/inverter/status" {
			return domain.ErrMQTTPublishFailed
		}
		return nil
	}
	b := newTestBridge(service.BridgeConfig{SendInput: true, ErrorTopic: "alerts/inverter"}, newTestEngine(desc, transport), sink)

	err := b.Cycle(context.Background())
	testutil.AssertErrorIs(t, err, domain.ErrMQTTPublishFailed)

	if _, ok := sink.Last("home/inverter/grid_voltage"); !ok {
		t.Error("remaining values should still be published")
	}
	msg, ok := sink.Last("alerts/inverter")
	if !ok {
		t.Fatal("no error report on the configured error topic")
	}
	var report service.ErrorReport
	testutil.RequireNoError(t, json.Unmarshal([]byte(msg.Payload), &report))
	if report.Name != "Error" || report.ErrorCode != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestBridge_StartStop(t *testing.T) {
	desc, transport := bridgeFixture()
	sink := mocks.NewMockSink()
	b := newTestBridge(service.BridgeConfig{
		SendInput: true,
		Interval:  5 * time.Millisecond,
	}, newTestEngine(desc, transport), sink)

	testutil.RequireNoError(t, b.Start(context.Background()))
	testutil.WaitForCondition(t, func() bool {
		return b.Stats().SuccessCycles >= 2
	}, 2*time.Second, "bridge should keep cycling")

	if got := b.Status(); got.Status != domain.DeviceStatusOnline || !got.Running {
		t.Errorf("status = %+v", got)
	}

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, b.Stop(ctx))

	avail, ok := sink.Last(b.AvailabilityTopic())
	if !ok || avail.Payload != service.AvailabilityOffline || !avail.Retain {
		t.Errorf("availability = %+v, want retained offline", avail)
	}
	if b.Status().Running {
		t.Error("bridge still running after Stop")
	}
}

func TestNewErrorReport(t *testing.T) {
	report := service.NewErrorReport(errors.New("boom"))
	if report.Name != "Error" || report.Message != "boom" {
		t.Errorf("report = %+v", report)
	}

	wrapped := service.NewErrorReport(domain.NewBusError(domain.BusCodeNoResponse, "timeout", nil))
	if wrapped.ErrorCode != domain.BusCodeNoResponse {
		t.Errorf("error code = %d, want %d", wrapped.ErrorCode, domain.BusCodeNoResponse)
	}
}
