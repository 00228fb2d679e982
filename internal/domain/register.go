// Package domain contains core business entities.
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Bank identifies a register address space on the device.
type Bank string

const (
	BankInput   Bank = "input"   // Read-only, 16 bits
	BankHolding Bank = "holding" // Read/Write, 16 bits
)

// ParseBank converts a configuration string to a Bank.
func ParseBank(s string) (Bank, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "input_register", "ir":
		return BankInput, nil
	case "holding", "holding_register", "hr":
		return BankHolding, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBank, s)
	}
}

// DataKind is the closed set of register encodings understood by the decoder.
type DataKind int

const (
	KindUShort  DataKind = iota // unsigned 16-bit (default)
	KindUInt                    // unsigned 32-bit, two words
	KindShort                   // signed 16-bit
	KindInt                     // signed 32-bit, two words
	KindFlags16                 // bits 0..15 as flags
	KindFlags8                  // bits 8..15 as flags
	KindBits                    // BitSize bits at the entry's BitOffset
	KindASCII                   // two big-endian characters
)

var kindNames = map[DataKind]string{
	KindUShort:  "USHORT",
	KindUInt:    "UINT",
	KindShort:   "SHORT",
	KindInt:     "INT",
	KindFlags16: "16BIT_FLAGS",
	KindFlags8:  "8BIT_FLAGS",
	KindBits:    "BITS",
	KindASCII:   "ASCII",
}

// DataType describes how a register word is interpreted.
// BitSize is only meaningful for KindBits.
type DataType struct {
	Kind    DataKind
	BitSize uint8
}

// String returns the canonical descriptor-file spelling of the type.
func (t DataType) String() string {
	if t.Kind == KindBits {
		if t.BitSize == 8 {
			return "BYTE"
		}
		return fmt.Sprintf("%dBIT", t.BitSize)
	}
	if name, ok := kindNames[t.Kind]; ok {
		return name
	}
	return fmt.Sprintf("DataKind(%d)", int(t.Kind))
}

// WordCount returns the number of consecutive registers the type spans.
func (t DataType) WordCount() uint16 {
	switch t.Kind {
	case KindUInt, KindInt:
		return 2
	default:
		return 1
	}
}

// ParseDataType parses a data type name such as "USHORT", "16BIT_FLAGS",
// "BYTE" or "4BIT".
func ParseDataType(s string) (DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "", "USHORT", "UINT16":
		return DataType{Kind: KindUShort}, nil
	case "UINT", "UINT32":
		return DataType{Kind: KindUInt}, nil
	case "SHORT", "INT16":
		return DataType{Kind: KindShort}, nil
	case "INT", "INT32":
		return DataType{Kind: KindInt}, nil
	case "16BIT_FLAGS", "_16BIT_FLAGS":
		return DataType{Kind: KindFlags16}, nil
	case "8BIT_FLAGS", "_8BIT_FLAGS":
		return DataType{Kind: KindFlags8}, nil
	case "ASCII":
		return DataType{Kind: KindASCII}, nil
	case "BYTE":
		return DataType{Kind: KindBits, BitSize: 8}, nil
	}

	bits := strings.TrimPrefix(name, "_")
	if strings.HasSuffix(bits, "BIT") {
		n, err := strconv.Atoi(strings.TrimSuffix(bits, "BIT"))
		if err == nil && n >= 1 && n <= 16 {
			return DataType{Kind: KindBits, BitSize: uint8(n)}, nil
		}
	}
	return DataType{}, fmt.Errorf("%w: %q", ErrInvalidDataType, s)
}

// WriteMode controls whether an entry is published and whether it may be written.
type WriteMode string

const (
	WriteModeRead         WriteMode = "read"
	WriteModeWrite        WriteMode = "write"
	WriteModeReadDisabled WriteMode = "readdisabled"
)

// ParseWriteMode accepts the long and short spellings used in descriptor files.
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "r", "read", "ro":
		return WriteModeRead, nil
	case "w", "rw", "write":
		return WriteModeWrite, nil
	case "rd", "readdisabled", "disabled":
		return WriteModeReadDisabled, nil
	default:
		return "", fmt.Errorf("%w: write mode %q", ErrInvalidConfig, s)
	}
}

// CodeTable maps a code key ("1", "b3") to its human-readable label.
type CodeTable map[string]string

// Label returns the label for key.
func (c CodeTable) Label(key string) (string, bool) {
	label, ok := c[key]
	return label, ok
}

// Key returns the code key for a label; the reverse of Label.
func (c CodeTable) Key(label string) (string, bool) {
	for k, v := range c {
		if v == label {
			return k, true
		}
	}
	return "", false
}

// RegisterMapEntry is one named field of a bank's register map.
type RegisterMapEntry struct {
	// VariableName is the publish key; sisters of a concatenation group share it
	VariableName string

	// DocumentedName is the field name from the vendor documentation
	DocumentedName string

	// Register is the primary register address
	Register uint16

	// BitOffset is the first bit of a KindBits field within the word
	BitOffset uint8

	Bank     Bank
	DataType DataType

	// Concatenate marks a member of a group whose decoded pieces are joined
	// in ConcatenateRegisters order
	Concatenate          bool
	ConcatenateRegisters []uint16

	ValueMin float64
	ValueMax float64

	// ImplicitMax marks a ValueMax taken from the data type's range
	// because the descriptor declared none
	ImplicitMax bool

	ValueRegex *regexp.Regexp

	Unit    string
	UnitMod float64

	WriteMode WriteMode

	// Codes is the resolved code table; nil when the entry has none
	Codes CodeTable
}

// IsGroupAnchor reports whether the entry is scored and announced for its
// concatenation group. Non-concatenated entries are always their own anchor.
func (e *RegisterMapEntry) IsGroupAnchor() bool {
	if !e.Concatenate || len(e.ConcatenateRegisters) == 0 {
		return true
	}
	return e.Register == e.ConcatenateRegisters[0]
}

// GroupSize returns the number of registers in the entry's concatenation group.
func (e *RegisterMapEntry) GroupSize() int {
	if !e.Concatenate || len(e.ConcatenateRegisters) == 0 {
		return 1
	}
	return len(e.ConcatenateRegisters)
}

// InBounds reports whether v lies within the declared value range.
func (e *RegisterMapEntry) InBounds(v float64) bool {
	return v >= e.ValueMin && v <= e.ValueMax
}

// IsWritable returns true if the entry may be written through the write guard.
func (e *RegisterMapEntry) IsWritable() bool {
	return e.WriteMode == WriteModeWrite && e.Bank == BankHolding
}

// CleanName returns the variable name normalised for topics and identifiers.
func (e *RegisterMapEntry) CleanName() string {
	return CleanName(e.VariableName)
}

// CleanName lower-cases s and replaces spaces with underscores.
func CleanName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
