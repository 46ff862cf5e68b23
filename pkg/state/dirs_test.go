package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirsCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	p, err := EnsureDirs(root)
	if err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{p.Store, p.Logs} {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
	if p.Session != filepath.Join(root, "session.yaml") {
		t.Fatalf("session path = %s", p.Session)
	}
}

func TestEnsureDirsRejectsFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "store"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureDirs(root); err == nil {
		t.Fatalf("expected error when store path is a file")
	}
}

func TestEnsureDirsRejectsEmpty(t *testing.T) {
	if _, err := EnsureDirs("  "); err == nil {
		t.Fatalf("expected error for empty data dir")
	}
}
