// Package credstore persists agent credentials as a small JSON file
// with owner-only permissions.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TokenKey is the credential slot holding the aggregator API token.
const TokenKey = "codetally.token"

// Store is a file-backed credential store. A missing or corrupt file
// behaves like an empty store; writes recreate it.
type Store struct {
	path string
}

// New creates a store rooted at path. The file is created lazily on
// the first Set.
func New(path string) *Store {
	return &Store{path: path}
}

// Get returns the value for key, or "" when the key is absent. A file
// that cannot be read or parsed is treated as absent rather than
// failing the caller; the next Set rewrites it.
func (s *Store) Get(key string) string {
	creds := s.load()
	return creds[key]
}

// Set writes key to the store, creating the file with 0600 and its
// parent directory if needed.
func (s *Store) Set(key, value string) error {
	creds := s.load()
	creds[key] = value
	return s.save(creds)
}

// Delete removes key from the store. Deleting an absent key is a
// no-op.
func (s *Store) Delete(key string) error {
	creds := s.load()
	if _, ok := creds[key]; !ok {
		return nil
	}
	delete(creds, key)
	return s.save(creds)
}

func (s *Store) load() map[string]string {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]string{}
	}

	var creds map[string]string
	if err := json.Unmarshal(raw, &creds); err != nil || creds == nil {
		return map[string]string{}
	}
	return creds
}

func (s *Store) save(creds map[string]string) error {
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("credstore: create directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated
	// credentials file behind.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("credstore: rename: %w (cleanup: %v)", err, rmErr)
		}
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}
