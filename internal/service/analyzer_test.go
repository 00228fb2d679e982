package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/metrics"
	"github.com/nexus-edge/register-bridge/internal/service"
	"github.com/nexus-edge/register-bridge/testing/mocks"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

type memoryScanStore struct {
	scans map[domain.Bank]domain.RawRegistry
	saves int
	loads int
}

func newMemoryScanStore() *memoryScanStore {
	return &memoryScanStore{scans: map[domain.Bank]domain.RawRegistry{}}
}

func (m *memoryScanStore) Save(ctx context.Context, bank domain.Bank, raw domain.RawRegistry) error {
	m.scans[bank] = raw
	m.saves++
	return nil
}

func (m *memoryScanStore) Load(ctx context.Context, bank domain.Bank) (domain.RawRegistry, error) {
	m.loads++
	raw, ok := m.scans[bank]
	if !ok {
		return nil, domain.ErrScanNotFound
	}
	return raw, nil
}

func analyzerCandidates() []*domain.ProtocolDescriptor {
	voltage := testutil.MakeEntry("voltage", 1)
	voltage.ValueMin, voltage.ValueMax = 200, 260
	good := testutil.MakeDescriptor("good", []domain.RegisterMapEntry{voltage}, nil)

	other := testutil.MakeEntry("other", 1)
	other.ValueMin, other.ValueMax = 1000, 2000
	bad := testutil.MakeDescriptor("bad", []domain.RegisterMapEntry{other}, nil)

	return []*domain.ProtocolDescriptor{bad, good}
}

func newTestAnalyzer(transport domain.Transport, store domain.ScanStore, load, save bool) *service.Analyzer {
	cfg := service.AnalyzerConfig{
		DeviceID:     "inverter-1",
		MaxPrecision: 2,
		Reader:       engine.DefaultReaderConfig(),
		LoadScan:     load,
		SaveScan:     save,
	}
	cfg.Reader.Sleep = func(time.Duration) {}
	return service.NewAnalyzer(transport, store, cfg, zerolog.Nop(), metrics.NewRegistry())
}

func TestAnalyzer_Run(t *testing.T) {
	transport := mocks.NewMockTransport()
	transport.Set(domain.BankInput, 1, 230)

	results, err := newTestAnalyzer(transport, nil, false, false).Run(context.Background(), analyzerCandidates())
	testutil.RequireNoError(t, err)

	if len(results) != 2 || results[0].Name != "good" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Total <= results[1].Total {
		t.Errorf("good total %v should exceed bad total %v", results[0].Total, results[1].Total)
	}
}

func TestAnalyzer_NoCandidates(t *testing.T) {
	_, err := newTestAnalyzer(mocks.NewMockTransport(), nil, false, false).Run(context.Background(), nil)
	testutil.AssertErrorIs(t, err, domain.ErrNoCandidates)
}

func TestAnalyzer_ScanStoreModes(t *testing.T) {
	transport := mocks.NewMockTransport()
	transport.Set(domain.BankInput, 1, 230)

	store := newMemoryScanStore()
	_, err := newTestAnalyzer(transport, store, false, true).Run(context.Background(), analyzerCandidates())
	testutil.RequireNoError(t, err)
	if store.saves != 2 || store.loads != 0 {
		t.Errorf("save-only run: saves = %d loads = %d", store.saves, store.loads)
	}

	calls := transport.ReadCallCount()
	results, err := newTestAnalyzer(transport, store, true, false).Run(context.Background(), analyzerCandidates())
	testutil.RequireNoError(t, err)
	if transport.ReadCallCount() != calls {
		t.Error("load-only run should reuse the saved scan")
	}
	if store.saves != 2 {
		t.Errorf("load-only run saved a scan (saves = %d)", store.saves)
	}
	if results[0].Name != "good" {
		t.Errorf("best = %s, want good", results[0].Name)
	}
}
