package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// WriteEnableThreshold is the validity percentage a bank must exceed before
// writes are accepted.
const WriteEnableThreshold = 90.0

// ScoreEntry returns 1 when value satisfies the entry's declared constraints
// and 0 otherwise.
//
// Numbers must lie in [ValueMin, ValueMax]. Text is accepted when it is a
// label of the entry's code table, when it is a flag rendering, or when it
// matches ValueRegex (any non-empty text if no regex is declared). Text that
// parses as a number on a numeric entry is checked against the bounds.
func ScoreEntry(e *domain.RegisterMapEntry, value domain.Value) float64 {
	if !value.IsText {
		if e.InBounds(value.Number) {
			return 1
		}
		return 0
	}

	text := value.Text
	if e.Codes != nil {
		if _, ok := e.Codes.Key(text); ok {
			return 1
		}
	}

	switch e.DataType.Kind {
	case domain.KindFlags16, domain.KindFlags8:
		return 1
	case domain.KindASCII:
		return scoreText(e, text)
	}

	if e.Concatenate {
		return scoreText(e, text)
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0
	}
	if e.InBounds(n) {
		return 1
	}
	return 0
}

func scoreText(e *domain.RegisterMapEntry, text string) float64 {
	if e.ValueRegex != nil {
		if e.ValueRegex.MatchString(text) {
			return 1
		}
		return 0
	}
	if text != "" {
		return 1
	}
	return 0
}

// ScoreRegistry returns the percentage of entries whose decoded value
// satisfies its constraints. Concatenated entries are scored once, at their
// anchor register; every entry counts in the denominator.
func ScoreRegistry(entries []domain.RegisterMapEntry, decoded domain.DecodedRegistry) float64 {
	if len(entries) == 0 {
		return 0
	}

	var score float64
	for i := range entries {
		e := &entries[i]
		if !e.IsGroupAnchor() {
			continue
		}
		value, ok := decoded[e.VariableName]
		if !ok {
			continue
		}
		score += ScoreEntry(e, value)
	}
	return score * 100 / float64(len(entries))
}

// WriteEnabled reports whether percent clears the write threshold.
func WriteEnabled(percent float64) bool {
	return percent > WriteEnableThreshold
}

// Validator scores a live bank against a protocol descriptor.
type Validator struct {
	reader  *RangeReader
	decoder *Decoder
}

// NewValidator creates a validator reading through reader.
func NewValidator(reader *RangeReader, decoder *Decoder) *Validator {
	return &Validator{reader: reader, decoder: decoder}
}

// ValidateProtocol reads the bank's ranges, decodes them and returns the
// validity percentage.
func (v *Validator) ValidateProtocol(ctx context.Context, desc *domain.ProtocolDescriptor, bank domain.Bank) (float64, error) {
	raw, err := v.reader.Read(ctx, desc.Ranges(bank), bank)
	if err != nil {
		return 0, err
	}
	entries := desc.Map(bank)
	return ScoreRegistry(entries, v.decoder.Decode(raw, entries)), nil
}
