package mqtt_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/testing/mocks"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

func TestDiscovery_Publish(t *testing.T) {
	voltage := testutil.MakeEntry("Grid Voltage", 1)
	voltage.Unit = "V"
	hidden := testutil.MakeEntry("Debug", 2)
	hidden.WriteMode = domain.WriteModeReadDisabled

	serial := make([]domain.RegisterMapEntry, 2)
	for i := range serial {
		serial[i] = testutil.MakeEntry("Serial", uint16(10+i))
		serial[i].DataType = domain.DataType{Kind: domain.KindASCII}
		serial[i].Concatenate = true
		serial[i].ConcatenateRegisters = []uint16{10, 11}
	}

	limit := testutil.MakeEntry("Power Limit", 5)
	limit.Bank = domain.BankHolding

	input := append([]domain.RegisterMapEntry{voltage, hidden}, serial...)
	desc := testutil.MakeDescriptor("p", input, []domain.RegisterMapEntry{limit})

	sink := mocks.NewMockSink()
	d := mqtt.NewDiscovery(sink, mqtt.DiscoveryConfig{
		BaseTopic:     "home/inverter/",
		Serial:        "SN1",
		HoldingPrefix: "h_",
		SendInput:     true,
		SendHolding:   true,
		Device:        mqtt.DiscoveryDevice{Name: "Solar Inverter"},
	}, zerolog.Nop())

	n, err := d.Publish(context.Background(), desc)
	testutil.RequireNoError(t, err)
	if n != 3 {
		t.Fatalf("published %d configs, want 3", n)
	}

	msg, ok := sink.Last("homeassistant/sensor/inverter-SN1/grid_voltage/config")
	if !ok {
		t.Fatalf("missing grid_voltage config; got %+v", sink.Published())
	}
	if !msg.Retain || msg.QoS != 1 {
		t.Errorf("config must be retained at QoS 1: %+v", msg)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["state_topic"] != "home/inverter/grid_voltage" {
		t.Errorf("state_topic = %v", payload["state_topic"])
	}
	if payload["unit_of_measurement"] != "V" {
		t.Errorf("unit = %v", payload["unit_of_measurement"])
	}
	if payload["unique_id"] != "bridge_SN1_grid_voltage" {
		t.Errorf("unique_id = %v", payload["unique_id"])
	}

	if _, ok := sink.Last("homeassistant/sensor/inverter-SN1/h_power_limit/config"); !ok {
		t.Error("holding entry should carry the holding prefix")
	}
	if _, ok := sink.Last("homeassistant/sensor/inverter-SN1/debug/config"); ok {
		t.Error("readdisabled entry must not be announced")
	}

	avail, ok := sink.Last("home/inverter/availability")
	if !ok || avail.Payload != "online" || !avail.Retain {
		t.Errorf("availability = %+v", avail)
	}
}

func TestDiscovery_InputOnly(t *testing.T) {
	desc := testutil.MakeDescriptor("p",
		[]domain.RegisterMapEntry{testutil.MakeEntry("a", 0)},
		[]domain.RegisterMapEntry{testutil.MakeEntry("b", 0)},
	)
	sink := mocks.NewMockSink()
	d := mqtt.NewDiscovery(sink, mqtt.DiscoveryConfig{BaseTopic: "x", Serial: "1", SendInput: true}, zerolog.Nop())

	n, err := d.Publish(context.Background(), desc)
	testutil.RequireNoError(t, err)
	if n != 1 {
		t.Errorf("published %d configs, want 1", n)
	}
	if got := d.Topic("Some Name"); got != "homeassistant/sensor/inverter-1/Some_Name/config" {
		t.Errorf("Topic = %s", got)
	}
}
