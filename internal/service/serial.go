package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// Holding variables consulted for the device serial number.
const serialNumberVariable = "Serial Number"

var (
	serialWordVariables = []string{"Serial No 1", "Serial No 2", "Serial No 3", "Serial No 4", "Serial No 5"}
	serialPattern       = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// VariableReader reads single holding variables from the device.
type VariableReader interface {
	ReadVariable(ctx context.Context, bank domain.Bank, variable string) (domain.Value, error)
	ReadWord(ctx context.Context, bank domain.Bank, variable string) (uint16, error)
}

// ResolveSerial returns the configured serial when set. Otherwise it reads
// the "Serial Number" holding variable, and failing that joins the words of
// "Serial No 1..5": as text when every word spells printable identifier
// characters, else as their decimal concatenation.
func ResolveSerial(ctx context.Context, configured string, r VariableReader, logger zerolog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}

	value, err := r.ReadVariable(ctx, domain.BankHolding, serialNumberVariable)
	switch {
	case err == nil:
		if s := strings.TrimSpace(value.String()); s != "" {
			return s, nil
		}
	case !errors.Is(err, domain.ErrVariableNotFound):
		return "", fmt.Errorf("%w: %v", domain.ErrSerialNotAvailable, err)
	}

	var decimal, text strings.Builder
	found := 0
	for _, name := range serialWordVariables {
		word, err := r.ReadWord(ctx, domain.BankHolding, name)
		if errors.Is(err, domain.ErrVariableNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", domain.ErrSerialNotAvailable, name, err)
		}
		found++
		decimal.WriteString(strconv.Itoa(int(word)))
		text.WriteString(wordText(word))
		logger.Debug().Str("variable", name).Uint16("word", word).Msg("Read serial word")
	}

	if found == 0 {
		return "", domain.ErrSerialNotAvailable
	}
	if serialPattern.MatchString(text.String()) {
		return text.String(), nil
	}
	return decimal.String(), nil
}

// wordText returns the word's big-endian bytes, without leading zero bytes,
// as text. Invalid UTF-8 yields a string that fails serialPattern.
func wordText(word uint16) string {
	b := []byte{byte(word >> 8), byte(word)}
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if !utf8.Valid(b) {
		return "�"
	}
	return string(b)
}
