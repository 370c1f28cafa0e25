package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
)

// Store persists the user list. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the persisted users. A missing or unreadable record
	// yields an empty list, not an error.
	Load() ([]core.User, error)
	// Save replaces the persisted users.
	Save(users []core.User) error
}

// FileStore keeps the users as a JSON array in one file. Writes use a temp
// file in the same directory plus an atomic rename.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path, creating its parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("user store: create directory for %q: %w", path, err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() ([]core.User, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.GetLogger().WithError(err).WithField("file", s.path).Warn("user store: unreadable file, starting empty")
		}
		return nil, nil
	}
	var users []core.User
	if err := json.Unmarshal(data, &users); err != nil {
		log.GetLogger().WithError(err).WithField("file", s.path).Warn("user store: corrupt file, starting empty")
		return nil, nil
	}
	return users, nil
}

func (s *FileStore) Save(users []core.User) error {
	if users == nil {
		users = []core.User{}
	}
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("user store: marshal: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("user store: create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("user store: write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("user store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("user store: rename temp -> %q: %w", s.path, err)
	}

	log.GetLogger().WithField("users", len(users)).Debug("user list persisted")
	return nil
}

// MemoryStore keeps users in memory only.
type MemoryStore struct{}

func (MemoryStore) Load() ([]core.User, error) { return nil, nil }
func (MemoryStore) Save([]core.User) error     { return nil }

var (
	_ Store = (*FileStore)(nil)
	_ Store = MemoryStore{}
)
