package domain

import (
	"sort"
	"strconv"
)

// RawRegistry is a sparse snapshot of register words keyed by address.
// It is produced fresh for every read cycle and discarded after decoding.
type RawRegistry map[uint16]uint16

// Merge copies every word of other into r, overwriting existing addresses.
func (r RawRegistry) Merge(other RawRegistry) {
	for addr, word := range other {
		r[addr] = word
	}
}

// Addresses returns the populated addresses in ascending order.
func (r RawRegistry) Addresses() []uint16 {
	addrs := make([]uint16, 0, len(r))
	for addr := range r {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Value is a decoded register value: either a number or text.
type Value struct {
	Number float64
	Text   string
	IsText bool
}

// Number wraps a numeric value.
func Number(f float64) Value {
	return Value{Number: f}
}

// Text wraps a textual value (labels, flag lists, ASCII).
func Text(s string) Value {
	return Value{Text: s, IsText: true}
}

// String renders the value the way it is published.
func (v Value) String() string {
	if v.IsText {
		return v.Text
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// Interface returns the value as a JSON-friendly Go value.
func (v Value) Interface() interface{} {
	if v.IsText {
		return v.Text
	}
	return v.Number
}

// DecodedRegistry maps variable names to decoded values.
type DecodedRegistry map[string]Value

// Range is one bus transaction: Count registers starting at Start.
type Range struct {
	Start uint16
	Count uint16
}

// End returns the last address covered by the range.
func (r Range) End() uint16 {
	return r.Start + r.Count - 1
}

// BuildRanges groups the addresses used by entries into ascending windows of at
// most batch registers. Multi-word types contribute their trailing word.
func BuildRanges(entries []RegisterMapEntry, batch uint16) []Range {
	if len(entries) == 0 || batch == 0 {
		return nil
	}

	seen := make(map[uint16]struct{}, len(entries))
	for i := range entries {
		e := &entries[i]
		for w := uint16(0); w < e.DataType.WordCount(); w++ {
			addr := e.Register + w
			if addr < e.Register {
				break // wrapped past 0xFFFF
			}
			seen[addr] = struct{}{}
		}
	}

	addrs := make([]int, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)

	var ranges []Range
	start, last := addrs[0], addrs[0]
	for _, addr := range addrs[1:] {
		if addr-start >= int(batch) {
			ranges = append(ranges, Range{Start: uint16(start), Count: uint16(last - start + 1)})
			start = addr
		}
		last = addr
	}
	ranges = append(ranges, Range{Start: uint16(start), Count: uint16(last - start + 1)})
	return ranges
}
