package atomicfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONRoundTripLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")

	in := map[string]any{"id": "abc", "progress": float64(40)}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteJSON(path, map[string]any{"id": "abc", "progress": float64(60)}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var out map[string]any
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["progress"] != float64(60) {
		t.Fatalf("expected overwritten progress 60, got %v", out["progress"])
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "nested", "*"+TempPattern))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestReadJSONDistinguishesMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	var v map[string]any

	err := ReadJSON(filepath.Join(dir, "missing.json"), &v)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err = ReadJSON(bad, &v)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt, got %v", err)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	if err := Remove(filepath.Join(t.TempDir(), "gone.json")); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}
