package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// WriteGuard writes a single holding register after checking that both the
// register's current content and the requested value are plausible.
// Nothing is written when any check fails.
type WriteGuard struct {
	reader    *RangeReader
	transport domain.Transport
	logger    zerolog.Logger
}

// NewWriteGuard creates a guard that reads through reader and writes through transport.
func NewWriteGuard(reader *RangeReader, transport domain.Transport, logger zerolog.Logger) *WriteGuard {
	return &WriteGuard{
		reader:    reader,
		transport: transport,
		logger:    logger.With().Str("component", "write-guard").Logger(),
	}
}

// Write stores value into entry's register. value is either a number or a
// label of the entry's code table.
func (g *WriteGuard) Write(ctx context.Context, e *domain.RegisterMapEntry, value string) error {
	if e.WriteMode != domain.WriteModeWrite {
		return fmt.Errorf("%w: %s", domain.ErrEntryNotWritable, e.VariableName)
	}
	kind := e.DataType.Kind
	if kind != domain.KindUShort && kind != domain.KindBits {
		return fmt.Errorf("%w: %s is %s", domain.ErrUnsupportedWrite, e.VariableName, e.DataType)
	}

	raw, err := g.reader.Read(ctx, []domain.Range{{Start: e.Register, Count: 1}}, e.Bank)
	if err != nil {
		return fmt.Errorf("read current value of %s: %w", e.VariableName, err)
	}
	current, ok := raw[e.Register]
	if !ok {
		return fmt.Errorf("%w: current value of %s unavailable", domain.ErrValidationFailed, e.VariableName)
	}

	if ScoreEntry(e, domain.Number(float64(fieldValue(e, current)))) == 0 {
		return fmt.Errorf("%w: register %d holds %d, unsafe to write", domain.ErrValidationFailed, e.Register, current)
	}
	if ScoreEntry(e, parseValue(value)) == 0 {
		return fmt.Errorf("%w: new value %q for %s", domain.ErrValidationFailed, value, e.VariableName)
	}

	if e.Codes != nil {
		if key, ok := e.Codes.Key(value); ok {
			value = key
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not an integer", domain.ErrInvalidWriteValue, value)
	}

	word, err := compose(e, current, n)
	if err != nil {
		return err
	}

	if err := g.transport.WriteRegister(ctx, e.Register, word, e.Bank); err != nil {
		return fmt.Errorf("write %s register %d: %w", e.Bank, e.Register, err)
	}

	g.logger.Info().
		Str("variable", e.VariableName).
		Uint16("register", e.Register).
		Uint16("previous", current).
		Uint16("written", word).
		Msg("Register written")
	return nil
}

// compose builds the word to write from the current word and the new field value.
func compose(e *domain.RegisterMapEntry, current uint16, n int64) (uint16, error) {
	switch e.DataType.Kind {
	case domain.KindUShort:
		if n < 0 || n > 0xFFFF {
			return 0, fmt.Errorf("%w: %d out of 0..65535", domain.ErrInvalidWriteValue, n)
		}
		return uint16(n), nil

	case domain.KindBits:
		size, offset := e.DataType.BitSize, e.BitOffset
		limit := int64(BitMask(size))
		if n < 0 || n > limit {
			return 0, fmt.Errorf("%w: %d out of 0..%d", domain.ErrInvalidWriteValue, n, limit)
		}
		mask := BitMask(size) << offset
		word := current&^mask | (uint16(n)<<offset)&mask
		if check := ExtractBits(word, offset, size); int64(check) != n {
			return 0, fmt.Errorf("%w: wrote %d, field reads %d", domain.ErrSelfCheckMismatch, n, check)
		}
		return word, nil
	}
	return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedWrite, e.DataType)
}

// fieldValue returns the unscaled field value held in word.
func fieldValue(e *domain.RegisterMapEntry, word uint16) uint16 {
	if e.DataType.Kind == domain.KindBits {
		return ExtractBits(word, e.BitOffset, e.DataType.BitSize)
	}
	return word
}

// parseValue interprets a command payload as a number when possible.
func parseValue(s string) domain.Value {
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return domain.Number(n)
	}
	return domain.Text(s)
}
