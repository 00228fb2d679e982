package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/internal/metrics"
)

// Config holds the per-device engine settings.
type Config struct {
	DeviceID     string
	MaxPrecision int
	Reader       ReaderConfig
}

// Engine binds one device's transport to a protocol descriptor. Bus access
// through the engine is serialized: a write never interleaves with a read.
type Engine struct {
	desc      *domain.ProtocolDescriptor
	transport domain.Transport
	reader    *RangeReader
	decoder   *Decoder
	validator *Validator
	guard     *WriteGuard
	logger    zerolog.Logger

	busMu sync.Mutex
}

// New creates an engine for desc over transport.
func New(desc *domain.ProtocolDescriptor, transport domain.Transport, config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	config.Reader.DeviceID = config.DeviceID
	logger = logger.With().Str("device_id", config.DeviceID).Str("protocol", desc.Name).Logger()

	reader := NewRangeReader(transport, config.Reader, logger, metricsReg)
	decoder := NewDecoder(config.MaxPrecision)

	return &Engine{
		desc:      desc,
		transport: transport,
		reader:    reader,
		decoder:   decoder,
		validator: NewValidator(reader, decoder),
		guard:     NewWriteGuard(reader, transport, logger),
		logger:    logger,
	}
}

// Descriptor returns the protocol descriptor in use.
func (e *Engine) Descriptor() *domain.ProtocolDescriptor {
	return e.desc
}

// ReaderState returns the adaptive state of the engine's range reader.
func (e *Engine) ReaderState() ReaderState {
	e.busMu.Lock()
	defer e.busMu.Unlock()
	return e.reader.State()
}

// ReadBank reads and decodes every mapped register of bank.
func (e *Engine) ReadBank(ctx context.Context, bank domain.Bank) (domain.DecodedRegistry, error) {
	e.busMu.Lock()
	raw, err := e.reader.Read(ctx, e.desc.Ranges(bank), bank)
	e.busMu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.decoder.Decode(raw, e.desc.Map(bank)), nil
}

// ReadVariable reads a single variable (including its whole concatenation
// group) from bank.
func (e *Engine) ReadVariable(ctx context.Context, bank domain.Bank, variable string) (domain.Value, error) {
	entry, ok := e.desc.Entry(bank, variable)
	if !ok {
		return domain.Value{}, fmt.Errorf("%w: %s %s", domain.ErrVariableNotFound, bank, variable)
	}

	group := e.desc.GroupEntries(entry)
	ranges := domain.BuildRanges(group, DefaultBatchSize)

	e.busMu.Lock()
	raw, err := e.reader.Read(ctx, ranges, bank)
	e.busMu.Unlock()
	if err != nil {
		return domain.Value{}, err
	}

	decoded := e.decoder.Decode(raw, group)
	value, ok := decoded[entry.VariableName]
	if !ok {
		return domain.Value{}, fmt.Errorf("%w: %s not readable", domain.ErrVariableNotFound, variable)
	}
	return value, nil
}

// Validate returns the validity percentage of bank against the descriptor.
func (e *Engine) Validate(ctx context.Context, bank domain.Bank) (float64, error) {
	e.busMu.Lock()
	defer e.busMu.Unlock()
	return e.validator.ValidateProtocol(ctx, e.desc, bank)
}

// Write writes value to a holding variable through the write guard.
func (e *Engine) Write(ctx context.Context, variable, value string) error {
	entry, ok := e.desc.Entry(domain.BankHolding, variable)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrVariableNotFound, variable)
	}

	e.busMu.Lock()
	defer e.busMu.Unlock()
	return e.guard.Write(ctx, entry, value)
}

// ReadWord reads the raw word at a variable's register without decoding.
func (e *Engine) ReadWord(ctx context.Context, bank domain.Bank, variable string) (uint16, error) {
	entry, ok := e.desc.Entry(bank, variable)
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", domain.ErrVariableNotFound, bank, variable)
	}

	e.busMu.Lock()
	raw, err := e.reader.Read(ctx, []domain.Range{{Start: entry.Register, Count: 1}}, bank)
	e.busMu.Unlock()
	if err != nil {
		return 0, err
	}
	word, ok := raw[entry.Register]
	if !ok {
		return 0, fmt.Errorf("%w: %s not readable", domain.ErrVariableNotFound, variable)
	}
	return word, nil
}
