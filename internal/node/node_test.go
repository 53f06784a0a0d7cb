package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snehjoshi/delaylog/internal/node"
)

func TestLoad_GeneratesIDOnFirstStart(t *testing.T) {
	id, err := node.Load(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(id.String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(id.String()), id)
	}
}

func TestLoad_PersistsIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := node.Load(dir, "auto")
	if err != nil {
		t.Fatalf("first Load() error: %v", err)
	}
	second, err := node.Load(dir, "")
	if err != nil {
		t.Fatalf("second Load() error: %v", err)
	}
	if first != second {
		t.Errorf("ID changed across restarts: %s != %s", first, second)
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != first.String() {
		t.Errorf("persisted ID %q != returned ID %q", data, first)
	}
}

func TestLoad_Override(t *testing.T) {
	const fixed = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	id, err := node.Load(t.TempDir(), fixed)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if id.String() != fixed {
		t.Errorf("override ignored: got %s", id)
	}
	if _, err := node.Load(t.TempDir(), "not-a-ulid"); err == nil {
		t.Error("expected error for invalid override")
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := node.Load(dir, "auto"); err == nil {
		t.Fatal("expected error for corrupt node_id")
	}
}

func TestLoad_EmptyDataDir(t *testing.T) {
	if _, err := node.Load("", "auto"); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}

func TestNewID_Monotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		id, err := node.NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s after %s", id, prev)
		}
		prev = id
	}
}
