// Package file persists the durable documents as JSON files under a data
// directory, the layout the service has always used: database.json for
// the purchase index and ledger.json for the verification ledger.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"vouchd.org/internal/ledger"
	"vouchd.org/internal/purchase"
	"vouchd.org/internal/store"
)

const (
	indexFile  = "database.json"
	ledgerFile = "ledger.json"
)

// Store reads and writes the JSON documents. Writes go to a temp file in
// the same directory followed by a rename, so a partial write never
// clobbers the previous state.
type Store struct {
	dir string
}

var _ store.Store = (*Store)(nil)

// Open ensures the data directory exists and returns a Store over it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file: data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) LoadIndex(ctx context.Context) (*purchase.Index, error) {
	ix := purchase.NewIndex()
	if err := s.load(indexFile, ix); err != nil {
		return nil, err
	}
	if ix.Customers == nil {
		ix.Customers = make(map[string][]string)
	}
	return ix, nil
}

func (s *Store) SaveIndex(ctx context.Context, ix *purchase.Index) error {
	return s.save(indexFile, ix)
}

func (s *Store) LoadLedger(ctx context.Context) (*ledger.Ledger, error) {
	l := ledger.New()
	if err := s.load(ledgerFile, l); err != nil {
		return nil, err
	}
	if l.Entries == nil {
		l.Entries = make(map[string]*ledger.Record)
	}
	return l, nil
}

func (s *Store) SaveLedger(ctx context.Context, l *ledger.Ledger) error {
	return s.save(ledgerFile, l)
}

func (s *Store) load(name string, dst any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("file: parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("file: temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("file: rename %s: %w", name, err)
	}
	return nil
}
