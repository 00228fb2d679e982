// Package scanstore persists raw detector scans so repeated analysis runs
// can skip the slow bus sweep.
package scanstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// FileStore keeps one JSON document per bank in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store writing to dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file holding bank's scan.
func (s *FileStore) Path(bank domain.Bank) string {
	return filepath.Join(s.dir, string(bank)+"_registry.json")
}

// Save implements domain.ScanStore.
func (s *FileStore) Save(ctx context.Context, bank domain.Bank, raw domain.RawRegistry) error {
	doc := make(map[string]uint16, len(raw))
	for addr, word := range raw {
		doc[strconv.Itoa(int(addr))] = word
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("scan store: %w", err)
	}
	tmp := s.Path(bank) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("scan store: %w", err)
	}
	return os.Rename(tmp, s.Path(bank))
}

// Load implements domain.ScanStore.
func (s *FileStore) Load(ctx context.Context, bank domain.Bank) (domain.RawRegistry, error) {
	data, err := os.ReadFile(s.Path(bank))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, bank)
	}
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}

	var doc map[string]uint16
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scan store %s: %w", s.Path(bank), err)
	}
	return decodeRegistry(doc)
}

func decodeRegistry(doc map[string]uint16) (domain.RawRegistry, error) {
	raw := make(domain.RawRegistry, len(doc))
	for key, word := range doc {
		addr, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("scan store: bad address %q", key)
		}
		raw[uint16(addr)] = word
	}
	return raw, nil
}
