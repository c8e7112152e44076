// Package dict implements the ordered string dictionaries used for game text:
// flat JSON objects mapping an entry ID to its text.
//
// The expected file format is:
//
//	{
//	  "entry_id_1": "文本",
//	  "entry_id_2": "另一个文本"
//	}
//
// Key order is not significant for correctness, but it is preserved from the
// file and reproduced on write so merged and paginated output is stable.
package dict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Dictionary is a string -> string mapping that remembers first-insertion
// order. Overwriting an existing key keeps its original position.
type Dictionary struct {
	keys   []string
	values map[string]string
}

// New returns an empty dictionary.
func New() *Dictionary {
	return &Dictionary{values: make(map[string]string)}
}

// ParseFile reads and parses a dictionary JSON file.
func ParseFile(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a flat JSON object with string values, preserving key order.
func Parse(data []byte) (*Dictionary, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	t, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected {, got %v", t)
	}

	d := New()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %T", kt)
		}

		vt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		value, ok := vt.(string)
		if !ok {
			return nil, fmt.Errorf("expected string value for key %q, got %T", key, vt)
		}
		d.Set(key, value)
	}

	// Closing brace, then nothing but whitespace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after top-level object")
	}

	return d, nil
}

// Set stores value under key. New keys are appended to the key order.
func (d *Dictionary) Set(key, value string) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the value for key.
func (d *Dictionary) Get(key string) (string, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Dictionary) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Len returns the number of entries.
func (d *Dictionary) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (d *Dictionary) Keys() []string {
	return d.keys
}

// Merge folds other into d: keys of other overwrite d, unseen keys are appended.
func (d *Dictionary) Merge(other *Dictionary) {
	for _, k := range other.keys {
		d.Set(k, other.values[k])
	}
}

// Clone returns an independent copy of d.
func (d *Dictionary) Clone() *Dictionary {
	c := &Dictionary{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]string, len(d.values)),
	}
	copy(c.keys, d.keys)
	for k, v := range d.values {
		c.values[k] = v
	}
	return c
}

// Subset returns the entries for keys, in the order given. Unknown keys are skipped.
func (d *Dictionary) Subset(keys []string) *Dictionary {
	out := New()
	for _, k := range keys {
		if v, ok := d.values[k]; ok {
			out.Set(k, v)
		}
	}
	return out
}

// Pages splits d into consecutive dictionaries of at most size entries.
func (d *Dictionary) Pages(size int) []*Dictionary {
	if size <= 0 {
		size = len(d.keys)
	}
	var pages []*Dictionary
	for start := 0; start < len(d.keys); start += size {
		end := min(start+size, len(d.keys))
		pages = append(pages, d.Subset(d.keys[start:end]))
	}
	return pages
}

// Marshal produces 2-space indented JSON with keys in insertion order and a
// trailing newline. Non-ASCII text is written as UTF-8, not \u escapes.
func (d *Dictionary) Marshal() ([]byte, error) {
	if len(d.keys) == 0 {
		return []byte("{}\n"), nil
	}

	var b bytes.Buffer
	b.WriteString("{\n")
	for i, k := range d.keys {
		b.WriteString("  ")
		b.Write(jsonString(k))
		b.WriteString(": ")
		b.Write(jsonString(d.values[k]))
		if i < len(d.keys)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	return b.Bytes(), nil
}

// WriteFile marshals d and writes it to path atomically.
func (d *Dictionary) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, creating the parent directory if needed. A reader never sees a
// partially written file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// jsonString encodes s as a JSON string without HTML escaping.
func jsonString(s string) []byte {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	return bytes.TrimRight(b.Bytes(), "\n")
}
