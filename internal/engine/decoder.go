// Package engine implements the register protocol engine: decoding, batched
// reads, validation, protocol detection and guarded writes.
package engine

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// DefaultMaxPrecision rounds decoded numbers to two decimals.
const DefaultMaxPrecision = 2

// Decoder turns raw register words into named values using a register map.
// A Decoder is stateless between calls and safe for concurrent use.
type Decoder struct {
	// MaxPrecision is the number of decimals kept after scaling; negative disables rounding
	MaxPrecision int
}

// NewDecoder creates a decoder rounding to maxPrecision decimals.
func NewDecoder(maxPrecision int) *Decoder {
	return &Decoder{MaxPrecision: maxPrecision}
}

// Decode interprets raw under entries. Entries whose words are missing are
// skipped; concatenation groups are emitted only once every member decoded.
func (d *Decoder) Decode(raw domain.RawRegistry, entries []domain.RegisterMapEntry) domain.DecodedRegistry {
	out := make(domain.DecodedRegistry, len(entries))
	concat := make(map[uint16]domain.Value)

	for i := range entries {
		e := &entries[i]

		value, ok := d.DecodeEntry(raw, e)
		if !ok {
			continue
		}

		if !e.Concatenate || len(e.ConcatenateRegisters) == 0 {
			out[e.VariableName] = value
			continue
		}

		concat[e.Register] = value
		var sb strings.Builder
		complete := true
		for _, reg := range e.ConcatenateRegisters {
			piece, have := concat[reg]
			if !have {
				complete = false
				break
			}
			sb.WriteString(piece.String())
		}
		if !complete {
			continue
		}
		out[e.VariableName] = domain.Text(sb.String())
		for _, reg := range e.ConcatenateRegisters {
			delete(concat, reg)
		}
	}

	return out
}

// DecodeEntry decodes a single entry without concatenation handling.
func (d *Decoder) DecodeEntry(raw domain.RawRegistry, e *domain.RegisterMapEntry) (domain.Value, bool) {
	word, ok := raw[e.Register]
	if !ok {
		return domain.Value{}, false
	}

	var value domain.Value
	switch e.DataType.Kind {
	case domain.KindUShort:
		value = domain.Number(float64(word))

	case domain.KindUInt:
		low, ok := nextWord(raw, e.Register)
		if !ok {
			return domain.Value{}, false
		}
		value = domain.Number(float64(uint32(word)<<16 | uint32(low)))

	case domain.KindShort:
		value = domain.Number(-float64(int16(word)))

	case domain.KindInt:
		low, ok := nextWord(raw, e.Register)
		if !ok {
			return domain.Value{}, false
		}
		value = domain.Number(-float64(int32(uint32(word)<<16 | uint32(low))))

	case domain.KindFlags16:
		return decodeFlags(word, 0, e.Codes), true

	case domain.KindFlags8:
		return decodeFlags(word, 8, e.Codes), true

	case domain.KindBits:
		value = domain.Number(float64(ExtractBits(word, e.BitOffset, e.DataType.BitSize)))

	case domain.KindASCII:
		b := []byte{byte(word >> 8), byte(word)}
		if !utf8.Valid(b) {
			return domain.Value{}, false
		}
		value = domain.Text(string(b))

	default:
		return domain.Value{}, false
	}

	if value.IsText {
		return value, true
	}

	n := value.Number
	if e.UnitMod != 0 && e.UnitMod != 1 {
		n *= e.UnitMod
	}
	if d.MaxPrecision >= 0 {
		n = roundTo(n, d.MaxPrecision)
	}

	if e.Codes != nil {
		if label, ok := e.Codes.Label(strconv.FormatInt(int64(n), 10)); ok {
			return domain.Text(label), true
		}
	}
	return domain.Number(n), true
}

// ExtractBits returns size bits of word starting at offset.
func ExtractBits(word uint16, offset, size uint8) uint16 {
	return (word >> offset) & BitMask(size)
}

// BitMask returns a mask of the size lowest bits.
func BitMask(size uint8) uint16 {
	if size >= 16 {
		return 0xFFFF
	}
	return uint16(1)<<size - 1
}

func nextWord(raw domain.RawRegistry, addr uint16) (uint16, bool) {
	if addr == math.MaxUint16 {
		return 0, false
	}
	w, ok := raw[addr+1]
	return w, ok
}

// decodeFlags scans bits start..15. With a code table the labels of set bits
// (keys "b<i>") are joined with ","; without one the scanned bits are
// rendered as a bitstring, bit start first.
func decodeFlags(word uint16, start uint, codes domain.CodeTable) domain.Value {
	if codes == nil {
		var sb strings.Builder
		for i := start; i < 16; i++ {
			if word&(1<<i) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return domain.Text(sb.String())
	}

	var labels []string
	for i := start; i < 16; i++ {
		if word&(1<<i) == 0 {
			continue
		}
		if label, ok := codes.Label("b" + strconv.Itoa(int(i))); ok {
			labels = append(labels, label)
		}
	}
	return domain.Text(strings.Join(labels, ","))
}

func roundTo(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}
