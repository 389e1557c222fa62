// Package tomlfile persists the registry as a single TOML document.
package tomlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/gosuda/cloudhost/internal/domain"
)

// DefaultFileName is the registry file name inside the config directory.
const DefaultFileName = "clouds-config.toml"

// Store reads and writes one TOML file. Writes replace the file atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store backed by path. The file need not exist yet.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load decodes the file. A missing file yields an empty snapshot.
func (s *Store) Load(_ context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap domain.Snapshot
	if _, err := toml.DecodeFile(s.path, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("tomlfile.Store.Load: %w", err)
	}

	return snap, nil
}

// Save encodes snap and atomically replaces the file. The parent directory
// is created if needed.
func (s *Store) Save(_ context.Context, snap domain.Snapshot) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("tomlfile.Store.Save: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("tomlfile.Store.Save: mkdir: %w", err)
	}

	// The file holds password hashes and signing secrets.
	if err := writeFileAtomic(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("tomlfile.Store.Save: %w", err)
	}

	return nil
}
