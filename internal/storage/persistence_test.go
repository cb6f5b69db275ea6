package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetOrCreateSecretKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")

	first, err := GetOrCreateSecretKey(path)
	if err != nil {
		t.Fatalf("GetOrCreateSecretKey returned error: %v", err)
	}
	second, err := GetOrCreateSecretKey(path)
	if err != nil {
		t.Fatalf("GetOrCreateSecretKey returned error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected the same key on second call")
	}
}

func TestGetOrCreateSecretKeyRefusesToReplaceCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := GetOrCreateSecretKey(path); err == nil {
		t.Fatalf("expected error for corrupt key file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "short" {
		t.Fatalf("corrupt key file was overwritten")
	}
}

func TestWriteFileAtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "value")
	if err := writeFileAtomic(path, []byte("v")); err != nil {
		t.Fatalf("writeFileAtomic returned error: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be gone, got %v", err)
	}
	if err := removeIfExists(path); err != nil {
		t.Fatalf("removeIfExists returned error: %v", err)
	}
	if err := removeIfExists(path); err != nil {
		t.Fatalf("second removeIfExists returned error: %v", err)
	}
}
