package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/engine"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// AnalyzerConfig holds configuration for protocol analysis.
type AnalyzerConfig struct {
	DeviceID     string
	BatchSize    uint16
	MaxPrecision int
	Reader       engine.ReaderConfig
	Weights      engine.DetectorWeights

	// LoadScan reuses a saved scan instead of reading the device
	LoadScan bool

	// SaveScan persists the scan for later runs
	SaveScan bool
}

// Analyzer ranks candidate protocols against the connected device.
type Analyzer struct {
	config   AnalyzerConfig
	detector *engine.Detector
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

// NewAnalyzer creates an analyzer reading through transport. store may be
// nil when scans are neither loaded nor saved.
func NewAnalyzer(transport domain.Transport, store domain.ScanStore, config AnalyzerConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Analyzer {
	logger = logger.With().Str("component", "analyzer").Str("device_id", config.DeviceID).Logger()
	config.Reader.DeviceID = config.DeviceID

	detectorConfig := engine.DetectorConfig{
		BatchSize: config.BatchSize,
		Weights:   config.Weights,
	}
	if store != nil && (config.LoadScan || config.SaveScan) {
		detectorConfig.Store = scanStoreMode{store: store, load: config.LoadScan, save: config.SaveScan}
	}

	reader := engine.NewRangeReader(transport, config.Reader, logger, metricsReg)
	return &Analyzer{
		config:   config,
		detector: engine.NewDetector(reader, engine.NewDecoder(config.MaxPrecision), detectorConfig, logger),
		logger:   logger,
		metrics:  metricsReg,
	}
}

// Run scans the device once and returns the candidates ranked best first.
func (a *Analyzer) Run(ctx context.Context, candidates []*domain.ProtocolDescriptor) ([]engine.CandidateScore, error) {
	a.logger.Info().Int("candidates", len(candidates)).Msg("Analyzing device protocol")

	results, err := a.detector.Detect(ctx, candidates)
	if err != nil {
		return nil, err
	}

	for i, r := range results {
		if a.metrics != nil {
			a.metrics.SetDetectorScore(r.Name, r.Total)
		}
		a.logger.Info().
			Int("rank", i+1).
			Str("protocol", r.Name).
			Float64("total", r.Total).
			Float64("input_score", r.InputScore).
			Float64("holding_score", r.HoldingScore).
			Int("input_valid", r.InputValid).
			Int("input_entries", r.InputEntries).
			Int("holding_valid", r.HoldingValid).
			Int("holding_entries", r.HoldingEntries).
			Bool("tied", r.Tied).
			Msg("Protocol candidate")
	}

	best := results[0]
	event := a.logger.Info()
	if best.Tied {
		event = a.logger.Warn()
	}
	event.Str("protocol", best.Name).Bool("tied", best.Tied).Msg("Best matching protocol")
	return results, nil
}

// scanStoreMode restricts a scan store to loading, saving or both.
type scanStoreMode struct {
	store      domain.ScanStore
	load, save bool
}

func (s scanStoreMode) Save(ctx context.Context, bank domain.Bank, raw domain.RawRegistry) error {
	if !s.save {
		return nil
	}
	return s.store.Save(ctx, bank, raw)
}

func (s scanStoreMode) Load(ctx context.Context, bank domain.Bank) (domain.RawRegistry, error) {
	if !s.load {
		return nil, domain.ErrScanNotFound
	}
	return s.store.Load(ctx, bank)
}
