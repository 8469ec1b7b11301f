package credstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_EnsureAndWipe(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if s.Exists("42") {
		t.Fatal("expected no credentials before Ensure")
	}

	p, err := s.Ensure("42")
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if filepath.Base(p) != "session_42" {
		t.Fatalf("unexpected tenant dir: %s", p)
	}
	if !s.Exists("42") {
		t.Fatal("expected credentials to exist after Ensure")
	}

	if err := os.WriteFile(filepath.Join(p, "creds.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Wipe("42"); err != nil {
		t.Fatalf("Wipe() error: %v", err)
	}
	if s.Exists("42") {
		t.Fatal("expected credentials gone after Wipe")
	}

	// Wiping again is a no-op success.
	if err := s.Wipe("42"); err != nil {
		t.Fatalf("second Wipe() error: %v", err)
	}
}

func TestStore_SanitizesTenantID(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		tenantID string
		wantDir  string
	}{
		{"user-7", "session_user-7"},
		{"../../etc", "session_etc"},
		{"a b/c", "session_abc"},
		{"!!!", "session_default"},
	}

	for _, tc := range tests {
		got := filepath.Base(s.Path(tc.tenantID))
		if got != tc.wantDir {
			t.Errorf("Path(%q) dir = %q, want %q", tc.tenantID, got, tc.wantDir)
		}
	}
}
