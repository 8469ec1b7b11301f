// Package credstore manages per-tenant durable credential material on
// disk. Each tenant gets an isolated directory under a configured root;
// the directory is exclusively owned by that tenant's live backend.
package credstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("credstore: root path must not be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns the tenant's credential directory without creating it.
func (s *Store) Path(tenantID string) string {
	return filepath.Join(s.root, "session_"+sanitize(tenantID))
}

// Ensure creates the tenant's credential directory if needed and returns
// its path.
func (s *Store) Ensure(tenantID string) (string, error) {
	p := s.Path(tenantID)
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("credstore: create tenant dir: %w", err)
	}
	return p, nil
}

// Exists reports whether the tenant has stored credential material.
func (s *Store) Exists(tenantID string) bool {
	info, err := os.Stat(s.Path(tenantID))
	return err == nil && info.IsDir()
}

// Wipe removes all stored credential material for the tenant. Wiping a
// tenant that has none is not an error.
func (s *Store) Wipe(tenantID string) error {
	if err := os.RemoveAll(s.Path(tenantID)); err != nil {
		return fmt.Errorf("credstore: wipe tenant %s: %w", tenantID, err)
	}
	return nil
}

// sanitize keeps tenant identifiers filesystem-safe. Anything outside
// [a-zA-Z0-9_-] is dropped; an empty result falls back to "default".
func sanitize(tenantID string) string {
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
