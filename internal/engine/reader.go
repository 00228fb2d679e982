package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// Reader defaults.
const (
	DefaultBatchSize    = 45
	DefaultInitialDelay = 850 * time.Millisecond
	DefaultDelayStep    = 50 * time.Millisecond
	DefaultMaxDelay     = 60 * time.Second
	DefaultRetryBudget  = 7
)

// ReaderConfig tunes the range reader's adaptive pacing.
type ReaderConfig struct {
	DeviceID     string
	InitialDelay time.Duration
	DelayStep    time.Duration
	MaxDelay     time.Duration
	RetryBudget  int

	// Sleep replaces time.Sleep; used by tests to observe pacing
	Sleep func(time.Duration)
}

// DefaultReaderConfig returns the standard pacing parameters.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		InitialDelay: DefaultInitialDelay,
		DelayStep:    DefaultDelayStep,
		MaxDelay:     DefaultMaxDelay,
		RetryBudget:  DefaultRetryBudget,
	}
}

// ReaderState is the adaptive session state that persists across reads.
// Delay never shrinks.
type ReaderState struct {
	Delay        time.Duration
	TotalRetries uint64
	Abandoned    uint64
}

// RangeReader reads register ranges with pacing and bounded retries.
// One RangeReader serves one device and must not be shared between goroutines.
type RangeReader struct {
	transport domain.Transport
	config    ReaderConfig
	state     ReaderState
	logger    zerolog.Logger
	metrics   *metrics.Registry
	sleep     func(time.Duration)
}

// NewRangeReader creates a reader for transport.
func NewRangeReader(transport domain.Transport, config ReaderConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *RangeReader {
	defaults := DefaultReaderConfig()
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.DelayStep <= 0 {
		config.DelayStep = defaults.DelayStep
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.RetryBudget <= 0 {
		config.RetryBudget = defaults.RetryBudget
	}

	sleep := config.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &RangeReader{
		transport: transport,
		config:    config,
		state:     ReaderState{Delay: config.InitialDelay},
		logger:    logger.With().Str("component", "range-reader").Logger(),
		metrics:   metricsReg,
		sleep:     sleep,
	}
}

// State returns a copy of the reader's session state.
func (r *RangeReader) State() ReaderState {
	return r.state
}

// Read reads every range in order and merges the words by address. A
// no-response error grows the delay and retries the range; once the retry
// budget is spent the range is abandoned and the next one attempted. Any
// other transport error is returned immediately.
func (r *RangeReader) Read(ctx context.Context, ranges []domain.Range, bank domain.Bank) (domain.RawRegistry, error) {
	return r.read(ctx, ranges, bank, false)
}

// ReadTolerant behaves like Read but treats every failure as a hole in the
// result. Used for scans that probe past the device's implemented addresses.
func (r *RangeReader) ReadTolerant(ctx context.Context, ranges []domain.Range, bank domain.Bank) domain.RawRegistry {
	raw, _ := r.read(ctx, ranges, bank, true)
	return raw
}

// ReadSpan reads [start, end] in windows of batch registers.
func (r *RangeReader) ReadSpan(ctx context.Context, start, end, batch uint16, bank domain.Bank) (domain.RawRegistry, error) {
	return r.Read(ctx, ChunkRanges(start, end, batch), bank)
}

func (r *RangeReader) read(ctx context.Context, ranges []domain.Range, bank domain.Bank, tolerant bool) (domain.RawRegistry, error) {
	// A started read always runs to completion.
	ctx = context.WithoutCancel(ctx)

	registry := make(domain.RawRegistry)
	retry := 0

	for i := 0; i < len(ranges); i++ {
		rng := ranges[i]
		r.sleep(r.state.Delay)

		words, err := r.transport.ReadRegisters(ctx, rng.Start, rng.Count, bank)
		r.recordTransaction(bank, len(words), err)

		if err != nil {
			if !domain.IsRetryable(err) {
				if tolerant {
					r.logger.Debug().Err(err).Str("bank", string(bank)).
						Uint16("start", rng.Start).Uint16("count", rng.Count).
						Msg("Range unreadable, leaving hole")
					continue
				}
				return nil, fmt.Errorf("read %s registers %d-%d: %w", bank, rng.Start, rng.End(), err)
			}

			r.state.Delay += r.config.DelayStep
			if r.state.Delay > r.config.MaxDelay {
				r.state.Delay = r.config.MaxDelay
			}

			if retry > r.config.RetryBudget {
				r.state.Abandoned++
				r.logger.Warn().Err(err).Str("bank", string(bank)).
					Uint16("start", rng.Start).Uint16("count", rng.Count).
					Dur("delay", r.state.Delay).
					Msg("Retry budget exhausted, abandoning range")
				if r.metrics != nil {
					r.metrics.RecordAbandoned(r.config.DeviceID, string(bank))
				}
				continue
			}

			retry++
			r.state.TotalRetries++
			r.logger.Debug().Err(err).Str("bank", string(bank)).
				Uint16("start", rng.Start).Int("retry", retry).
				Dur("delay", r.state.Delay).
				Msg("No response, retrying range")
			if r.metrics != nil {
				r.metrics.RecordRetry(r.config.DeviceID, r.state.Delay.Seconds())
			}
			i--
			continue
		}

		if retry > 0 {
			retry--
		}

		for j, w := range words {
			if j >= int(rng.Count) {
				break
			}
			registry[rng.Start+uint16(j)] = w
		}
	}

	return registry, nil
}

func (r *RangeReader) recordTransaction(bank domain.Bank, words int, err error) {
	if r.metrics != nil {
		r.metrics.RecordTransaction(r.config.DeviceID, string(bank), words, err)
	}
}

// ChunkRanges splits the inclusive span [start, end] into windows of batch
// registers; the last window holds the remainder.
func ChunkRanges(start, end, batch uint16) []domain.Range {
	if batch == 0 {
		batch = DefaultBatchSize
	}
	if end < start {
		return nil
	}

	var ranges []domain.Range
	last := int(end)
	for s := int(start); s <= last; s += int(batch) {
		count := int(batch)
		if s+count > last+1 {
			count = last + 1 - s
		}
		ranges = append(ranges, domain.Range{Start: uint16(s), Count: uint16(count)})
	}
	return ranges
}
