package engine_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/adapter/config"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/testing/mocks"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

func newTestDetector(transport domain.Transport, store domain.ScanStore) *engine.Detector {
	reader := newTestReader(transport, nil)
	return engine.NewDetector(reader, engine.NewDecoder(2), engine.DetectorConfig{Store: store}, zerolog.Nop())
}

func TestDetector_ScoreEntry(t *testing.T) {
	d := newTestDetector(mocks.NewMockTransport(), nil)

	tight := testutil.MakeEntry("tight", 0)
	tight.ValueMax = 500
	full := testutil.MakeEntry("full", 0)

	ascii := entryOf(domain.KindASCII, 0)
	regexed := entryOf(domain.KindASCII, 0)
	regexed.ValueRegex = regexp.MustCompile(`^AB$`)

	group := serialGroup()[0]
	group.ValueRegex = nil

	tests := []struct {
		name  string
		entry domain.RegisterMapEntry
		value domain.Value
		want  float64
	}{
		{"zero", tight, domain.Number(0), 0},
		{"out of bounds", tight, domain.Number(600), 0},
		{"tight bounds", tight, domain.Number(10), 2},
		{"full range", full, domain.Number(10), 1},
		{"label", full, domain.Text("Normal"), 2},
		{"ascii", ascii, domain.Text("AB"), 2},
		{"ascii invalid", ascii, domain.Text("A B"), 0},
		{"ascii regex match", regexed, domain.Text("AB"), 4},
		{"ascii regex mismatch", regexed, domain.Text("CD"), -4},
		{"ascii group", group, domain.Text("ABCD12"), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.ScoreEntry(&tt.entry, tt.value); got != tt.want {
				t.Errorf("ScoreEntry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetector_ScoreEntry_DeclaredMaximumOnly(t *testing.T) {
	const file = `
input:
  - {variable_name: Plain, register: 0}
  - {variable_name: Energy, register: 1, data_type: UINT}
  - {variable_name: Current, register: 3, data_type: SHORT}
  - {variable_name: Level, register: 4, data_type: 4BIT}
  - {variable_name: Power, register: 5, data_type: UINT, value_max: 100000}
  - {variable_name: Mode, register: 6, value_max: 65535}
`
	desc, err := config.ParseDescriptor("p", []byte(file), ".yaml", 45)
	testutil.RequireNoError(t, err)

	want := map[string]float64{
		"Plain":   1,
		"Energy":  1,
		"Current": 1,
		"Level":   1,
		"Power":   2,
		"Mode":    1,
	}

	d := newTestDetector(mocks.NewMockTransport(), nil)
	for i := range desc.InputMap {
		e := &desc.InputMap[i]
		t.Run(e.VariableName, func(t *testing.T) {
			if got := d.ScoreEntry(e, domain.Number(5)); got != want[e.VariableName] {
				t.Errorf("ScoreEntry(%s max=%v) = %v, want %v", e.DataType, e.ValueMax, got, want[e.VariableName])
			}
		})
	}
}

func TestDetector_RanksMatchingProtocolFirst(t *testing.T) {
	transport := mocks.NewMockTransport()
	transport.Set(domain.BankInput, 0, 1)
	transport.Set(domain.BankInput, 1, 230)
	transport.Set(domain.BankInput, 2, 50)
	transport.Set(domain.BankHolding, 0, 3)

	good := func() *domain.ProtocolDescriptor {
		status := testutil.MakeEntry("status", 0)
		status.Codes = domain.CodeTable{"1": "Normal"}
		voltage := testutil.MakeEntry("voltage", 1)
		voltage.ValueMin, voltage.ValueMax = 200, 260
		freq := testutil.MakeEntry("frequency", 2)
		freq.ValueMin, freq.ValueMax = 45, 65
		mode := testutil.MakeEntry("mode", 0)
		mode.Bank = domain.BankHolding
		mode.ValueMax = 5
		return testutil.MakeDescriptor("good", []domain.RegisterMapEntry{status, voltage, freq}, []domain.RegisterMapEntry{mode})
	}()

	bad := func() *domain.ProtocolDescriptor {
		a := testutil.MakeEntry("a", 0)
		a.ValueMin, a.ValueMax = 1000, 2000
		b := testutil.MakeEntry("b", 1)
		b.ValueMin, b.ValueMax = 1000, 2000
		return testutil.MakeDescriptor("bad", []domain.RegisterMapEntry{a, b}, nil)
	}()

	d := newTestDetector(transport, nil)
	results, err := d.Detect(context.Background(), []*domain.ProtocolDescriptor{bad, good})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	if results[0].Name != "good" {
		t.Fatalf("best = %s, want good (%+v)", results[0].Name, results)
	}
	if results[0].InputScore != 6 || results[0].HoldingScore != 2 {
		t.Errorf("good scores = %v/%v, want 6/2", results[0].InputScore, results[0].HoldingScore)
	}
	if results[0].InputValid != 3 || results[0].InputEntries != 3 {
		t.Errorf("valid = %d of %d", results[0].InputValid, results[0].InputEntries)
	}
	if results[1].Total != 0 || results[1].Tied {
		t.Errorf("bad = %+v", results[1])
	}
}

func TestDetector_FlagsTies(t *testing.T) {
	a := testutil.MakeDescriptor("alpha", []domain.RegisterMapEntry{testutil.MakeEntry("x", 0)}, nil)
	b := testutil.MakeDescriptor("beta", []domain.RegisterMapEntry{testutil.MakeEntry("y", 0)}, nil)

	d := newTestDetector(mocks.NewMockTransport(), nil)
	scan := engine.Scan{Input: domain.RawRegistry{0: 5}, Holding: domain.RawRegistry{}}
	results := d.Rank([]*domain.ProtocolDescriptor{b, a}, scan)

	if results[0].Name != "alpha" || results[1].Name != "beta" {
		t.Errorf("tie order = %s, %s", results[0].Name, results[1].Name)
	}
	if !results[0].Tied || !results[1].Tied {
		t.Error("expected both candidates flagged as tied")
	}
}

func TestDetector_NoCandidates(t *testing.T) {
	d := newTestDetector(mocks.NewMockTransport(), nil)
	_, err := d.Detect(context.Background(), nil)
	testutil.AssertErrorIs(t, err, domain.ErrNoCandidates)
}

type memoryScanStore struct {
	scans map[domain.Bank]domain.RawRegistry
	saves int
}

func (m *memoryScanStore) Save(ctx context.Context, bank domain.Bank, raw domain.RawRegistry) error {
	m.scans[bank] = raw
	m.saves++
	return nil
}

func (m *memoryScanStore) Load(ctx context.Context, bank domain.Bank) (domain.RawRegistry, error) {
	raw, ok := m.scans[bank]
	if !ok {
		return nil, domain.ErrScanNotFound
	}
	return raw, nil
}

func TestDetector_ReusesSavedScan(t *testing.T) {
	transport := mocks.NewMockTransport()
	transport.Set(domain.BankInput, 3, 9)
	store := &memoryScanStore{scans: map[domain.Bank]domain.RawRegistry{}}
	desc := testutil.MakeDescriptor("p", []domain.RegisterMapEntry{testutil.MakeEntry("x", 3)}, nil)

	d := newTestDetector(transport, store)
	first, err := d.Scan(context.Background(), []*domain.ProtocolDescriptor{desc})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if first.Input[3] != 9 {
		t.Errorf("scan missed register 3: %v", first.Input)
	}
	if store.saves != 2 {
		t.Errorf("saves = %d, want 2", store.saves)
	}

	calls := transport.ReadCallCount()
	second, err := d.Scan(context.Background(), []*domain.ProtocolDescriptor{desc})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if transport.ReadCallCount() != calls {
		t.Error("saved scan should not touch the bus")
	}
	if second.Input[3] != 9 {
		t.Errorf("loaded scan = %v", second.Input)
	}
}
