package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

func entryAt(register uint16, kind domain.DataKind) domain.RegisterMapEntry {
	return domain.RegisterMapEntry{Register: register, DataType: domain.DataType{Kind: kind}}
}

func TestBuildRanges(t *testing.T) {
	entries := []domain.RegisterMapEntry{
		entryAt(0, domain.KindUShort),
		entryAt(3, domain.KindUInt),
		entryAt(44, domain.KindUShort),
		entryAt(45, domain.KindUShort),
		entryAt(200, domain.KindUShort),
	}

	got := domain.BuildRanges(entries, 45)
	want := []domain.Range{{Start: 0, Count: 45}, {Start: 45, Count: 1}, {Start: 200, Count: 1}}
	if len(got) != len(want) {
		t.Fatalf("BuildRanges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}

	if domain.BuildRanges(nil, 45) != nil {
		t.Error("empty map should produce no ranges")
	}
}

func TestValue_String(t *testing.T) {
	tests := []struct {
		v    domain.Value
		want string
	}{
		{domain.Number(230.1), "230.1"},
		{domain.Number(12), "12"},
		{domain.Number(-3.5), "-3.5"},
		{domain.Text("Normal"), "Normal"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	s := domain.NewSnapshot("inv-1", "solar")
	s.Add("", domain.DecodedRegistry{"Grid Voltage": domain.Number(230.1)})
	s.Add("holding_", domain.DecodedRegistry{"mode": domain.Text("On")})

	msgs := s.Messages("home/inverter/")
	if got := string(msgs["home/inverter/grid_voltage"]); got != "230.1" {
		t.Errorf("voltage payload = %q", got)
	}
	if got := string(msgs["home/inverter/holding_mode"]); got != "On" {
		t.Errorf("mode payload = %q", got)
	}

	data, err := s.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	var doc struct {
		Measurement string                 `json:"measurement"`
		Fields      map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Measurement != "solar" || doc.Fields["Grid Voltage"] != 230.1 || doc.Fields["holding_mode"] != "On" {
		t.Errorf("document = %+v", doc)
	}
}

func TestDescriptor_Entry(t *testing.T) {
	desc := &domain.ProtocolDescriptor{
		HoldingMap: []domain.RegisterMapEntry{
			{VariableName: "Serial Number", Register: 1, Bank: domain.BankHolding, Concatenate: true, ConcatenateRegisters: []uint16{1, 2}},
			{VariableName: "Serial Number", Register: 2, Bank: domain.BankHolding, Concatenate: true, ConcatenateRegisters: []uint16{1, 2}},
			{VariableName: "Mode", Register: 5, Bank: domain.BankHolding},
		},
	}

	e, ok := desc.Entry(domain.BankHolding, "serial_number")
	if !ok || e.Register != 1 {
		t.Fatalf("Entry(serial_number) = %+v, %v", e, ok)
	}
	if n := len(desc.GroupEntries(e)); n != 2 {
		t.Errorf("group size = %d, want 2", n)
	}
	if _, ok := desc.Entry(domain.BankInput, "mode"); ok {
		t.Error("Mode is not an input entry")
	}
}
