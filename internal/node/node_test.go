package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/sneh-joshi/jobrelay/internal/node"
)

func TestLoad_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	first, err := node.Load(dir, "auto")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if first.ID().IsZero() || len(first.ID().String()) != 26 {
		t.Fatalf("expected 26-char ULID, got %q", first.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != first.ID().String() {
		t.Errorf("persisted id %q != %q", strings.TrimSpace(string(data)), first.ID())
	}

	second, err := node.Load(dir, "")
	if err != nil {
		t.Fatalf("second Load() error: %v", err)
	}
	if second.ID() != first.ID() {
		t.Errorf("id changed across restarts: %s != %s", first.ID(), second.ID())
	}
}

func TestLoad_Override(t *testing.T) {
	override := node.MustNewID()
	n, err := node.Load(t.TempDir(), override)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("expected override %s, got %s", override, n.ID())
	}

	if _, err := node.Load(t.TempDir(), "not-a-ulid"); err == nil {
		t.Fatal("expected error for invalid override")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := node.Load("", "auto"); err == nil {
		t.Fatal("expected error for empty data dir")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.Load(dir, "auto"); err == nil {
		t.Fatal("expected error for corrupt node_id file")
	}
}

func TestMustNewID_UniqueAndMonotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if id <= prev {
			t.Fatalf("ULIDs must increase: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestNewJobID_IsUUID(t *testing.T) {
	id := node.NewJobID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewJobID %q is not a UUID: %v", id, err)
	}
}
