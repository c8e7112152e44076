package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	h1 := Hash([]byte("hello world"))
	h2 := Hash([]byte("hello world"))
	if h1 != h2 {
		t.Errorf("Hash not deterministic: %s != %s", h1, h2)
	}
	if h1 == Hash([]byte("different")) {
		t.Errorf("Hash collision for different input")
	}
	if len(h1) != 32 {
		t.Errorf("Hash length = %d, want 32", len(h1))
	}
}

func TestLoadNonExistent(t *testing.T) {
	lf, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load returned error for non-existent file: %v", err)
	}
	if lf.Version != Version {
		t.Errorf("Version = %d, want %d", lf.Version, Version)
	}
	if len(lf.Files) != 0 {
		t.Errorf("Files not empty: %v", lf.Files)
	}
	if lf.Summary() != "empty" {
		t.Errorf("Summary() = %q, want empty", lf.Summary())
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	lf, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lf.Update("p250320930_00001.json", "missing_00001.json", []byte(`{"a":"b"}`))
	lf.Update("p250320945_00001.json", "missing_00001.json", []byte(`{"a":"c"}`))
	lf.Update("t250320930_notes.json", "notes.json", []byte(`{}`))

	if err := lf.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}

	lf2, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	e, ok := lf2.Files["t250320930_notes.json"]
	if !ok || e.Input != "notes.json" || e.MD5 != Hash([]byte(`{}`)) {
		t.Fatalf("Files[t250320930_notes.json] = %+v, %v", e, ok)
	}
	if got := lf2.Summary(); got != "3 outputs from 2 inputs" {
		t.Fatalf("Summary() = %q", got)
	}
}

func TestCheck(t *testing.T) {
	lf, _ := Load(t.TempDir())
	v1, v2 := []byte(`{"a":"一"}`), []byte(`{"a":"一","b":"二"}`)

	if got := lf.Check("p1_1.json", "a_1.json", v1); got != Unknown {
		t.Fatalf("unrecorded output = %v, want Unknown", got)
	}

	// Run 1 translated v1, run 2 translated v2 of the same input.
	lf.Update("p1_1.json", "a_1.json", v1)
	lf.Update("p2_1.json", "a_1.json", v2)

	tests := []struct {
		name   string
		output string
		input  string
		data   []byte
		want   State
	}{
		{"older run output, input now v2", "p1_1.json", "a_1.json", v2, Changed},
		{"newer run output, input now v2", "p2_1.json", "a_1.json", v2, Current},
		{"input reverted to v1, older output", "p1_1.json", "a_1.json", v1, Current},
		{"input reverted to v1, newer output", "p2_1.json", "a_1.json", v1, Changed},
		{"output recorded for another input", "p1_1.json", "b_1.json", v1, Unknown},
	}
	for _, tc := range tests {
		if got := lf.Check(tc.output, tc.input, tc.data); got != tc.want {
			t.Errorf("%s: Check() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	lf, _ := Load(dir)
	for _, name := range []string{"o1.json", "o2.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	lf.Update("o1.json", "keep.json", []byte("1"))
	lf.Update("o2.json", "gone.json", []byte("2"))
	lf.Update("o3.json", "keep.json", []byte("1")) // output deleted

	if removed := lf.Clean([]string{"keep.json"}); removed != 2 {
		t.Fatalf("Clean removed %d records, want 2", removed)
	}
	if _, ok := lf.Files["o1.json"]; !ok || len(lf.Files) != 1 {
		t.Fatalf("Files after Clean = %v", lf.Files)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("files: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load of corrupt lock file succeeded, want error")
	}
}
