package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// DescriptorExtensions lists the supported descriptor file formats in lookup order.
var DescriptorExtensions = []string{".yaml", ".yml", ".toml", ".json"}

// DescriptorFile is the on-disk layout of a protocol descriptor.
type DescriptorFile struct {
	Name        string                       `yaml:"name" toml:"name" json:"name"`
	Transport   string                       `yaml:"transport" toml:"transport" json:"transport"`
	SendInput   *bool                        `yaml:"send_input" toml:"send_input" json:"send_input"`
	SendHolding *bool                        `yaml:"send_holding" toml:"send_holding" json:"send_holding"`
	InputSize   int                          `yaml:"input_size" toml:"input_size" json:"input_size"`
	HoldingSize int                          `yaml:"holding_size" toml:"holding_size" json:"holding_size"`
	Codes       map[string]map[string]string `yaml:"codes" toml:"codes" json:"codes"`
	Input       []EntryFile                  `yaml:"input" toml:"input" json:"input"`
	Holding     []EntryFile                  `yaml:"holding" toml:"holding" json:"holding"`
}

// EntryFile is one register map row. A row with ConcatenateRegisters expands
// into one entry per listed register.
type EntryFile struct {
	VariableName         string   `yaml:"variable_name" toml:"variable_name" json:"variable_name"`
	DocumentedName       string   `yaml:"documented_name" toml:"documented_name" json:"documented_name"`
	Register             int      `yaml:"register" toml:"register" json:"register"`
	BitOffset            int      `yaml:"bit_offset" toml:"bit_offset" json:"bit_offset"`
	DataType             string   `yaml:"data_type" toml:"data_type" json:"data_type"`
	ConcatenateRegisters []int    `yaml:"concatenate_registers" toml:"concatenate_registers" json:"concatenate_registers"`
	ValueMin             *float64 `yaml:"value_min" toml:"value_min" json:"value_min"`
	ValueMax             *float64 `yaml:"value_max" toml:"value_max" json:"value_max"`
	ValueRegex           string   `yaml:"value_regex" toml:"value_regex" json:"value_regex"`
	Unit                 string   `yaml:"unit" toml:"unit" json:"unit"`
	UnitMod              *float64 `yaml:"unit_mod" toml:"unit_mod" json:"unit_mod"`
	WriteMode            string   `yaml:"write_mode" toml:"write_mode" json:"write_mode"`
	Codes                string   `yaml:"codes" toml:"codes" json:"codes"`
}

// DescriptorLoader is a domain.DescriptorSource reading descriptor files
// from a directory. Parsed descriptors are cached.
type DescriptorLoader struct {
	dir   string
	batch uint16

	mu    sync.Mutex
	cache map[string]*domain.ProtocolDescriptor
}

// NewDescriptorLoader creates a loader for dir. batch bounds the derived
// read ranges.
func NewDescriptorLoader(dir string, batch int) *DescriptorLoader {
	if batch <= 0 || batch > math.MaxUint16 {
		batch = 45
	}
	return &DescriptorLoader{
		dir:   dir,
		batch: uint16(batch),
		cache: make(map[string]*domain.ProtocolDescriptor),
	}
}

// List returns the names of every descriptor in the directory, sorted.
func (l *DescriptorLoader) List() ([]string, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocols dir: %w", err)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := filepath.Ext(f.Name())
		if !supportedExtension(ext) {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ext)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load returns the descriptor called name.
func (l *DescriptorLoader) Load(name string) (*domain.ProtocolDescriptor, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProtocol, name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if desc, ok := l.cache[name]; ok {
		return desc, nil
	}

	for _, ext := range DescriptorExtensions {
		path := filepath.Join(l.dir, name+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
		}

		desc, err := ParseDescriptor(name, data, ext, l.batch)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: %w", path, err)
		}
		l.cache[name] = desc
		return desc, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProtocol, name)
}

// LoadAll loads every descriptor in the directory. Descriptors that fail to
// parse are returned in errs and skipped.
func (l *DescriptorLoader) LoadAll() (descs []*domain.ProtocolDescriptor, errs map[string]error, err error) {
	names, err := l.List()
	if err != nil {
		return nil, nil, err
	}
	errs = make(map[string]error)
	for _, name := range names {
		desc, loadErr := l.Load(name)
		if loadErr != nil {
			errs[name] = loadErr
			continue
		}
		descs = append(descs, desc)
	}
	return descs, errs, nil
}

func supportedExtension(ext string) bool {
	for _, e := range DescriptorExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ParseDescriptor decodes a descriptor in the format given by ext and
// resolves it into an immutable domain.ProtocolDescriptor.
func ParseDescriptor(name string, data []byte, ext string, batch uint16) (*domain.ProtocolDescriptor, error) {
	var file DescriptorFile
	var err error
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("%w: unsupported descriptor format %q", domain.ErrInvalidConfig, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if file.Name == "" {
		file.Name = name
	}
	return file.Build(batch)
}

// Build resolves code tables and regexes, expands concatenation groups and
// derives sizes and read ranges.
func (f *DescriptorFile) Build(batch uint16) (*domain.ProtocolDescriptor, error) {
	codes := make(map[string]domain.CodeTable, len(f.Codes))
	for name, table := range f.Codes {
		codes[name] = domain.CodeTable(table)
	}

	input, err := buildMap(f.Input, domain.BankInput, codes)
	if err != nil {
		return nil, err
	}
	holding, err := buildMap(f.Holding, domain.BankHolding, codes)
	if err != nil {
		return nil, err
	}

	desc := &domain.ProtocolDescriptor{
		Name:        f.Name,
		Transport:   f.Transport,
		InputMap:    input,
		HoldingMap:  holding,
		Codes:       codes,
		InputSize:   sizeOf(input, f.InputSize),
		HoldingSize: sizeOf(holding, f.HoldingSize),
		SendInput:   f.SendInput == nil || *f.SendInput,
		SendHolding: f.SendHolding != nil && *f.SendHolding,
	}
	desc.InputRanges = domain.BuildRanges(input, batch)
	desc.HoldingRanges = domain.BuildRanges(holding, batch)
	return desc, nil
}

func buildMap(rows []EntryFile, bank domain.Bank, codes map[string]domain.CodeTable) ([]domain.RegisterMapEntry, error) {
	entries := make([]domain.RegisterMapEntry, 0, len(rows))
	names := make(map[string]int)

	for i, row := range rows {
		base, err := buildEntry(row, bank, codes)
		if err != nil {
			return nil, fmt.Errorf("%s row %d (%s): %w", bank, i, row.VariableName, err)
		}

		clean := base.CleanName()
		if prev, dup := names[clean]; dup {
			return nil, fmt.Errorf("%w: %q in %s rows %d and %d", domain.ErrDuplicateVariable, row.VariableName, bank, prev, i)
		}
		names[clean] = i

		if len(row.ConcatenateRegisters) == 0 {
			entries = append(entries, base)
			continue
		}

		group := make([]uint16, len(row.ConcatenateRegisters))
		for j, r := range row.ConcatenateRegisters {
			addr, err := address(r)
			if err != nil {
				return nil, fmt.Errorf("%s row %d (%s): %w", bank, i, row.VariableName, err)
			}
			group[j] = addr
		}
		for _, addr := range group {
			e := base
			e.Register = addr
			e.Concatenate = true
			e.ConcatenateRegisters = group
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func buildEntry(row EntryFile, bank domain.Bank, codes map[string]domain.CodeTable) (domain.RegisterMapEntry, error) {
	if strings.TrimSpace(row.VariableName) == "" {
		return domain.RegisterMapEntry{}, fmt.Errorf("%w: variable_name is required", domain.ErrInvalidConfig)
	}

	dt, err := domain.ParseDataType(row.DataType)
	if err != nil {
		return domain.RegisterMapEntry{}, err
	}
	mode, err := domain.ParseWriteMode(row.WriteMode)
	if err != nil {
		return domain.RegisterMapEntry{}, err
	}
	reg, err := address(row.Register)
	if err != nil {
		return domain.RegisterMapEntry{}, err
	}
	if row.BitOffset < 0 || row.BitOffset > 15 || (dt.Kind == domain.KindBits && row.BitOffset+int(dt.BitSize) > 16) {
		return domain.RegisterMapEntry{}, fmt.Errorf("%w: bit offset %d", domain.ErrInvalidDataType, row.BitOffset)
	}

	documented := row.DocumentedName
	if documented == "" {
		documented = domain.CleanName(row.VariableName)
	}

	e := domain.RegisterMapEntry{
		VariableName:   row.VariableName,
		DocumentedName: documented,
		Register:       reg,
		BitOffset:      uint8(row.BitOffset),
		Bank:           bank,
		DataType:       dt,
		Unit:           row.Unit,
		UnitMod:        1,
		WriteMode:      mode,
	}

	e.ValueMin, e.ValueMax = defaultBounds(dt)
	if row.ValueMin != nil {
		e.ValueMin = *row.ValueMin
	}
	if row.ValueMax != nil {
		e.ValueMax = *row.ValueMax
	} else {
		e.ImplicitMax = true
	}
	if e.ValueMin > e.ValueMax {
		return domain.RegisterMapEntry{}, fmt.Errorf("%w: value_min %v > value_max %v", domain.ErrInvalidConfig, e.ValueMin, e.ValueMax)
	}
	if row.UnitMod != nil && *row.UnitMod != 0 {
		e.UnitMod = *row.UnitMod
	}

	if row.ValueRegex != "" {
		re, err := regexp.Compile(row.ValueRegex)
		if err != nil {
			return domain.RegisterMapEntry{}, fmt.Errorf("%w: %v", domain.ErrInvalidValueRegex, err)
		}
		e.ValueRegex = re
	}

	switch {
	case row.Codes != "":
		table, ok := codes[row.Codes]
		if !ok {
			return domain.RegisterMapEntry{}, fmt.Errorf("%w: %q", domain.ErrInvalidCodeTable, row.Codes)
		}
		e.Codes = table
	default:
		if table, ok := codes[documented+"_codes"]; ok {
			e.Codes = table
		}
	}

	return e, nil
}

func address(r int) (uint16, error) {
	if r < 0 || r > math.MaxUint16 {
		return 0, fmt.Errorf("%w: register %d out of range", domain.ErrInvalidConfig, r)
	}
	return uint16(r), nil
}

// defaultBounds returns the full value range of a data type.
func defaultBounds(dt domain.DataType) (float64, float64) {
	switch dt.Kind {
	case domain.KindShort:
		return -32768, 32768
	case domain.KindInt:
		return -2147483648, 2147483648
	case domain.KindUInt:
		return 0, math.MaxUint32
	case domain.KindBits:
		return 0, float64(uint32(1)<<dt.BitSize - 1)
	default:
		return 0, math.MaxUint16
	}
}

// sizeOf returns the highest address used by entries, or declared if larger.
func sizeOf(entries []domain.RegisterMapEntry, declared int) uint16 {
	var size uint16
	for _, e := range entries {
		last := e.Register + e.DataType.WordCount() - 1
		if last < e.Register {
			last = math.MaxUint16
		}
		if last > size {
			size = last
		}
	}
	if declared > int(size) && declared <= math.MaxUint16 {
		size = uint16(declared)
	}
	return size
}
