package engine

import (
	"context"
	"errors"
	"regexp"
	"sort"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DetectorWeights are the scoring constants of the protocol detector.
type DetectorWeights struct {
	// ASCII is awarded for well-formed text, times the group size
	ASCII float64
	// RegexFactor multiplies the group multiplier on a regex match; its
	// negation is applied on a mismatch
	RegexFactor float64
	// Label is awarded for text on a non-ASCII entry
	Label float64
	// InBounds is awarded for a nonzero in-bounds number
	InBounds float64
	// TightBounds is added when the entry declares a narrower maximum than FullRange
	TightBounds float64
	FullRange   float64
}

// DefaultDetectorWeights returns the standard scoring constants.
func DefaultDetectorWeights() DetectorWeights {
	return DetectorWeights{
		ASCII:       2,
		RegexFactor: 2,
		Label:       2,
		InBounds:    1,
		TightBounds: 1,
		FullRange:   65535,
	}
}

// CandidateScore is one protocol's detection result.
type CandidateScore struct {
	Name string `json:"name"`

	InputScore   float64 `json:"input_score"`
	HoldingScore float64 `json:"holding_score"`
	Total        float64 `json:"total"`

	InputValid     int `json:"input_valid"`
	InputEntries   int `json:"input_entries"`
	HoldingValid   int `json:"holding_valid"`
	HoldingEntries int `json:"holding_entries"`

	InputCoverage   float64 `json:"input_coverage"`
	HoldingCoverage float64 `json:"holding_coverage"`

	// Tied is set when another candidate has the same total
	Tied bool `json:"tied"`
}

// Scan is one raw snapshot of both banks.
type Scan struct {
	Input   domain.RawRegistry
	Holding domain.RawRegistry
}

// DetectorConfig tunes the detector.
type DetectorConfig struct {
	BatchSize uint16
	Weights   DetectorWeights

	// Store, when set, is consulted before scanning and updated after
	Store domain.ScanStore
}

// Detector ranks candidate protocols against a device's observed registers.
type Detector struct {
	reader  *RangeReader
	decoder *Decoder
	config  DetectorConfig
	logger  zerolog.Logger
}

// NewDetector creates a detector scanning through reader.
func NewDetector(reader *RangeReader, decoder *Decoder, config DetectorConfig, logger zerolog.Logger) *Detector {
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Weights == (DetectorWeights{}) {
		config.Weights = DefaultDetectorWeights()
	}
	return &Detector{
		reader:  reader,
		decoder: decoder,
		config:  config,
		logger:  logger.With().Str("component", "detector").Logger(),
	}
}

// Detect scans the device once and ranks every candidate.
func (d *Detector) Detect(ctx context.Context, candidates []*domain.ProtocolDescriptor) ([]CandidateScore, error) {
	if len(candidates) == 0 {
		return nil, domain.ErrNoCandidates
	}
	scan, err := d.Scan(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return d.Rank(candidates, scan), nil
}

// Scan reads both banks up to the largest size declared by any candidate.
// Unreadable ranges become holes. A saved scan is reused when available.
func (d *Detector) Scan(ctx context.Context, candidates []*domain.ProtocolDescriptor) (Scan, error) {
	var maxInput, maxHolding uint16
	for _, c := range candidates {
		if c.InputSize > maxInput {
			maxInput = c.InputSize
		}
		if c.HoldingSize > maxHolding {
			maxHolding = c.HoldingSize
		}
	}

	input, err := d.scanBank(ctx, domain.BankInput, maxInput)
	if err != nil {
		return Scan{}, err
	}
	holding, err := d.scanBank(ctx, domain.BankHolding, maxHolding)
	if err != nil {
		return Scan{}, err
	}
	return Scan{Input: input, Holding: holding}, nil
}

func (d *Detector) scanBank(ctx context.Context, bank domain.Bank, size uint16) (domain.RawRegistry, error) {
	store := d.config.Store
	if store != nil {
		raw, err := store.Load(ctx, bank)
		switch {
		case err == nil:
			d.logger.Info().Str("bank", string(bank)).Int("registers", len(raw)).Msg("Using saved scan")
			return raw, nil
		case !errors.Is(err, domain.ErrScanNotFound):
			d.logger.Warn().Err(err).Str("bank", string(bank)).Msg("Failed to load saved scan, rescanning")
		}
	}

	raw := d.reader.ReadTolerant(ctx, ChunkRanges(0, size, d.config.BatchSize), bank)
	d.logger.Info().Str("bank", string(bank)).Uint16("size", size).Int("registers", len(raw)).Msg("Scanned bank")

	if store != nil {
		if err := store.Save(ctx, bank, raw); err != nil {
			d.logger.Warn().Err(err).Str("bank", string(bank)).Msg("Failed to save scan")
		}
	}
	return raw, nil
}

// Rank scores every candidate against scan, best first. Ties keep name
// order and are flagged. Every member of a concatenation group scores the
// group's value.
func (d *Detector) Rank(candidates []*domain.ProtocolDescriptor, scan Scan) []CandidateScore {
	results := make([]CandidateScore, 0, len(candidates))
	for _, c := range candidates {
		result := CandidateScore{Name: c.Name}
		result.InputScore, result.InputValid, result.InputEntries = d.scoreBank(c.InputMap, scan.Input)
		result.HoldingScore, result.HoldingValid, result.HoldingEntries = d.scoreBank(c.HoldingMap, scan.Holding)
		result.Total = result.InputScore + result.HoldingScore
		result.InputCoverage = ratio(result.InputValid, result.InputEntries)
		result.HoldingCoverage = ratio(result.HoldingValid, result.HoldingEntries)
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		return results[i].Name < results[j].Name
	})

	for i := range results {
		if i > 0 && results[i].Total == results[i-1].Total {
			results[i].Tied = true
			results[i-1].Tied = true
		}
	}
	return results
}

func (d *Detector) scoreBank(entries []domain.RegisterMapEntry, raw domain.RawRegistry) (score float64, valid, total int) {
	decoded := d.decoder.Decode(raw, entries)
	total = len(entries)
	for i := range entries {
		e := &entries[i]
		value, ok := decoded[e.VariableName]
		if !ok {
			continue
		}
		s := d.ScoreEntry(e, value)
		if s > 0 {
			valid++
		}
		score += s
	}
	return score, valid, total
}

// ScoreEntry returns the detection score of one decoded value.
func (d *Detector) ScoreEntry(e *domain.RegisterMapEntry, value domain.Value) float64 {
	w := d.config.Weights

	if e.DataType.Kind == domain.KindASCII {
		if !value.IsText || !identifierPattern.MatchString(value.Text) {
			return 0
		}
		mod := float64(e.GroupSize())
		if e.ValueRegex != nil {
			if e.ValueRegex.MatchString(value.Text) {
				mod *= w.RegexFactor
			} else {
				mod *= -w.RegexFactor
			}
		}
		return w.ASCII * mod
	}

	// Text on a non-ASCII entry came out of a code table or flag decode.
	if value.IsText {
		return w.Label
	}

	if value.Number == 0 || !e.InBounds(value.Number) {
		return 0
	}
	score := w.InBounds
	if !e.ImplicitMax && e.ValueMax != w.FullRange {
		score += w.TightBounds
	}
	return score
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
