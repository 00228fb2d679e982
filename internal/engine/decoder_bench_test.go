package engine_test

import (
	"fmt"
	"testing"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

func benchBank(n int) ([]domain.RegisterMapEntry, domain.RawRegistry) {
	entries := make([]domain.RegisterMapEntry, 0, n)
	raw := make(domain.RawRegistry, n)
	for i := 0; i < n; i++ {
		e := testutil.MakeEntry(fmt.Sprintf("Value %d", i), uint16(i))
		e.UnitMod = 0.1
		entries = append(entries, e)
		raw[uint16(i)] = uint16(i * 7)
	}
	return entries, raw
}

// BenchmarkDecoder_Decode measures decoding a full bank.
func BenchmarkDecoder_Decode(b *testing.B) {
	entries, raw := benchBank(120)
	d := engine.NewDecoder(engine.DefaultMaxPrecision)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = d.Decode(raw, entries)
	}
}

// BenchmarkSnapshot_ToJSON measures building the per-cycle JSON document.
func BenchmarkSnapshot_ToJSON(b *testing.B) {
	entries, raw := benchBank(120)
	values := engine.NewDecoder(engine.DefaultMaxPrecision).Decode(raw, entries)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s := domain.NewSnapshot("inverter-1", "inverter")
		s.Add("", values)
		if _, err := s.ToJSON(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSnapshot_Messages measures building the per-value messages.
func BenchmarkSnapshot_Messages(b *testing.B) {
	entries, raw := benchBank(120)
	values := engine.NewDecoder(engine.DefaultMaxPrecision).Decode(raw, entries)
	s := domain.NewSnapshot("inverter-1", "inverter")
	s.Add("", values)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = s.Messages("inverter")
	}
}
