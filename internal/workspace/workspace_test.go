package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareEmptiesExistingWorkspace(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("app-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := m.Prepare("app-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	entries, err := os.ReadDir(again)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, found %d entries", len(entries))
	}
}

func TestCleanupByIDIsIdempotent(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, _ := m.Prepare("app-1")
	if err := m.CleanupByID("app-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err %v", err)
	}
	if err := m.CleanupByID("app-1"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestRejectsEscapingIdentifiers(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", "..", "../etc", "a/b"} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
	if err := m.Cleanup("/"); err == nil {
		t.Fatalf("expected cleanup outside root to be rejected")
	}
}
