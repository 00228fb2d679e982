package domain

// ProtocolDescriptor is the immutable register map and code tables for one
// device protocol. It is built once by a DescriptorSource and never mutated.
type ProtocolDescriptor struct {
	// Name is the protocol identifier (descriptor file stem)
	Name string

	// Transport is the preferred transport hint ("modbus_tcp", "modbus_rtu")
	Transport string

	InputMap   []RegisterMapEntry
	HoldingMap []RegisterMapEntry

	// Codes holds every code table by name; entries reference theirs directly
	Codes map[string]CodeTable

	// InputSize and HoldingSize bound the highest address scanned per bank
	InputSize   uint16
	HoldingSize uint16

	InputRanges   []Range
	HoldingRanges []Range

	// SendInput and SendHolding are the protocol's publishing defaults
	SendInput   bool
	SendHolding bool
}

// Map returns the ordered register map for bank.
func (d *ProtocolDescriptor) Map(bank Bank) []RegisterMapEntry {
	if bank == BankHolding {
		return d.HoldingMap
	}
	return d.InputMap
}

// Ranges returns the precomputed read ranges for bank.
func (d *ProtocolDescriptor) Ranges(bank Bank) []Range {
	if bank == BankHolding {
		return d.HoldingRanges
	}
	return d.InputRanges
}

// Size returns the declared size bound for bank.
func (d *ProtocolDescriptor) Size(bank Bank) uint16 {
	if bank == BankHolding {
		return d.HoldingSize
	}
	return d.InputSize
}

// Entry finds an entry by variable name (case and space insensitive).
// For concatenation groups the anchor entry is returned.
func (d *ProtocolDescriptor) Entry(bank Bank, variable string) (*RegisterMapEntry, bool) {
	want := CleanName(variable)
	entries := d.Map(bank)
	for i := range entries {
		if entries[i].CleanName() == want && entries[i].IsGroupAnchor() {
			return &entries[i], true
		}
	}
	return nil, false
}

// GroupEntries returns every entry sharing e's concatenation group, in map order.
func (d *ProtocolDescriptor) GroupEntries(e *RegisterMapEntry) []RegisterMapEntry {
	if !e.Concatenate {
		return []RegisterMapEntry{*e}
	}
	var group []RegisterMapEntry
	for _, candidate := range d.Map(e.Bank) {
		if candidate.VariableName == e.VariableName && candidate.Concatenate {
			group = append(group, candidate)
		}
	}
	return group
}
