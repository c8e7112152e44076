// Package lockfile implements wwmtext.lock, a file kept in the translation
// output directory that records, for every written output, the input page it
// was translated from and that input's MD5 checksum. A resumed run consults
// it to report outputs whose source changed after they were written.
package lockfile

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// LockFileName is the lock file name inside the output directory.
const LockFileName = "wwmtext.lock"

// Version is the lock file format version.
const Version = 2

// Entry is the record for one written output: the input it was translated
// from and the input's checksum at that time.
type Entry struct {
	Input string `yaml:"input"`
	MD5   string `yaml:"md5"`
}

// LockFile represents the wwmtext.lock file structure.
type LockFile struct {
	Version int              `yaml:"version"`
	Files   map[string]Entry `yaml:"files"` // output file name -> entry

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// State is the provenance of an existing output.
type State int

const (
	// Current means the output was built from the input as it is now.
	Current State = iota
	// Changed means the input changed after the output was written.
	Changed
	// Unknown means no record ties the output to this input.
	Unknown
)

// Load reads the lock file from dir. A missing file yields an empty lock.
func Load(dir string) (*LockFile, error) {
	path := filepath.Join(dir, LockFileName)
	lf := &LockFile{
		Version: Version,
		Files:   make(map[string]Entry),
		path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	lf.path = path
	lf.Version = Version
	if lf.Files == nil {
		lf.Files = make(map[string]Entry)
	}
	return lf, nil
}

// Save writes the lock file to disk, creating the directory if needed.
func (lf *LockFile) Save() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lf.path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(lf.path), err)
	}
	if err := os.WriteFile(lf.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", lf.path, err)
	}
	return nil
}

// Hash computes the MD5 hex digest of data.
func Hash(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}

// Check reports whether output, an existing file, was built from input with
// content data.
func (lf *LockFile) Check(output, input string, data []byte) State {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	e, ok := lf.Files[output]
	switch {
	case !ok || e.Input != input:
		return Unknown
	case e.MD5 != Hash(data):
		return Changed
	}
	return Current
}

// Update records that output was translated from input with content data.
func (lf *LockFile) Update(output, input string, data []byte) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.Files[output] = Entry{Input: input, MD5: Hash(data)}
}

// Clean drops records whose input is not in inputs or whose output no
// longer exists next to the lock file. It returns the number dropped.
func (lf *LockFile) Clean(inputs []string) int {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	valid := make(map[string]bool, len(inputs))
	for _, name := range inputs {
		valid[name] = true
	}
	dir := filepath.Dir(lf.path)
	removed := 0
	for output, e := range lf.Files {
		if valid[e.Input] {
			if _, err := os.Stat(filepath.Join(dir, output)); err == nil {
				continue
			}
		}
		delete(lf.Files, output)
		removed++
	}
	return removed
}

// Summary returns a human-readable summary string.
func (lf *LockFile) Summary() string {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if len(lf.Files) == 0 {
		return "empty"
	}
	inputs := make(map[string]bool, len(lf.Files))
	for _, e := range lf.Files {
		inputs[e.Input] = true
	}
	return fmt.Sprintf("%d outputs from %d inputs", len(lf.Files), len(inputs))
}
