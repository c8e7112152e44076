// Package merge implements merging of base text dictionaries with patch
// dictionaries, and extraction of the keys that no patch covers.
//
// Layout:
//
//	<base>/text/*.json      base dictionaries (flat string maps)
//	<patch>/*.json          patch dictionaries (missing.json is ignored)
//	<base>/entries.json     merged output
//	<base>/missing/         paginated untranslated keys (optional)
package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/wwmviet/wwmtext/dict"
)

const (
	// TextDirName is the base subdirectory holding the original dictionaries.
	TextDirName = "text"
	// EntriesFileName is the merged output written into the base directory.
	EntriesFileName = "entries.json"
	// MissingDirName is the base subdirectory receiving missing-key pages.
	MissingDirName = "missing"
	// IgnoredPatchFile is never read as a patch.
	IgnoredPatchFile = "missing.json"
	// DefaultPageSize is the number of entries per missing-key page.
	DefaultPageSize = 265
)

var missingPagePattern = regexp.MustCompile(`^missing_\d{5}\.json$`)

// ConfigError reports a fatal problem with the merge inputs.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Options controls a merge run.
type Options struct {
	// BaseDir must contain a text/ subdirectory.
	BaseDir string
	// PatchDir is a directory of patch dictionaries.
	PatchDir string
	// SaveMissing writes the missing-key pages.
	SaveMissing bool
	// PageSize overrides DefaultPageSize.
	PageSize int
	// DryRun computes everything but writes nothing.
	DryRun bool
	// OnLog emits progress messages.
	OnLog func(format string, args ...any)
	// OnWarn emits non-fatal problems (skipped patch files).
	OnWarn func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) warn(format string, args ...any) {
	if o.OnWarn != nil {
		o.OnWarn(format, args...)
	} else {
		o.log(format, args...)
	}
}

func (o *Options) pageSize() int {
	if o.PageSize > 0 {
		return o.PageSize
	}
	return DefaultPageSize
}

// Result describes a completed merge.
type Result struct {
	// Merged is the base set with patches applied.
	Merged *dict.Dictionary
	// BaseKeys are the keys of the base set in base order.
	BaseKeys []string
	// PatchedKeys are all keys seen in patch files, in first-seen order.
	PatchedKeys []string
	// Missing holds the base entries no patch mentioned. Nil unless SaveMissing.
	Missing *dict.Dictionary
	// EntriesPath is the written entries.json (empty on dry run).
	EntriesPath string
	// Pages are the written missing page paths.
	Pages []string
	// Skipped aggregates patch files that could not be parsed.
	Skipped error
}

// Run performs a full merge according to opts.
func Run(opts Options) (*Result, error) {
	textDir := filepath.Join(opts.BaseDir, TextDirName)
	if !isDir(textDir) {
		return nil, &ConfigError{Msg: fmt.Sprintf("Text directory %s does not exist", textDir)}
	}
	if !isDir(opts.PatchDir) {
		return nil, &ConfigError{Msg: fmt.Sprintf("Patch directory %s does not exist", opts.PatchDir)}
	}

	base, err := LoadBase(textDir)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Merged:   base.Clone(),
		BaseKeys: append([]string(nil), base.Keys()...),
	}

	patchFiles, err := jsonFiles(opts.PatchDir)
	if err != nil {
		return nil, err
	}

	patched := NewKeySet()
	var skipped *multierror.Error
	for _, name := range patchFiles {
		if name == IgnoredPatchFile {
			continue
		}
		path := filepath.Join(opts.PatchDir, name)
		patch, err := LoadPatch(path)
		if err != nil {
			opts.warn("Error decoding JSON from %s: %v", name, err)
			skipped = multierror.Append(skipped, fmt.Errorf("%s: %w", name, err))
			continue
		}
		ApplyPatch(res.Merged, patch, patched)
	}
	res.PatchedKeys = patched.Keys()
	res.Skipped = skipped.ErrorOrNil()

	if !opts.DryRun {
		res.EntriesPath = filepath.Join(opts.BaseDir, EntriesFileName)
		if err := res.Merged.WriteFile(res.EntriesPath); err != nil {
			return nil, err
		}
	}

	if opts.SaveMissing {
		missingKeys := MissingKeys(res.BaseKeys, patched)
		res.Missing = res.Merged.Subset(missingKeys)

		opts.log("Total base keys: %d", len(res.BaseKeys))
		opts.log("Total patched keys: %d", len(res.PatchedKeys))
		opts.log("Missing keys to translate: %d", res.Missing.Len())

		if !opts.DryRun {
			pages, err := WriteMissingPages(filepath.Join(opts.BaseDir, MissingDirName), res.Missing, opts.pageSize())
			if err != nil {
				return nil, err
			}
			res.Pages = pages
			opts.log("Saved %d missing entries to %d files.", res.Missing.Len(), len(pages))
		}
	}

	return res, nil
}

// LoadBase folds every *.json dictionary in dir into one set. Files are read
// in lexicographic filename order and later files overwrite earlier ones on
// key collision.
func LoadBase(dir string) (*dict.Dictionary, error) {
	names, err := jsonFiles(dir)
	if err != nil {
		return nil, err
	}
	base := dict.New()
	for _, name := range names {
		d, err := dict.ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		base.Merge(d)
	}
	return base, nil
}

// Patch is one parsed patch file: keys in document order with raw values.
type Patch struct {
	Keys   []string
	Values map[string]json.RawMessage
}

// LoadPatch parses a patch file. The top level must be a JSON object.
func LoadPatch(path string) (*Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePatch(data)
}

// ParsePatch parses patch JSON data.
func ParsePatch(data []byte) (*Patch, error) {
	keys, values, err := parseOrderedObject(data)
	if err != nil {
		return nil, err
	}
	return &Patch{Keys: keys, Values: values}, nil
}

// ApplyPatch records every patch key in patched and overwrites the keys that
// already exist in merged with their reduced value. It never inserts keys.
func ApplyPatch(merged *dict.Dictionary, patch *Patch, patched *KeySet) {
	for _, key := range patch.Keys {
		patched.Add(key)
		if !merged.Has(key) {
			continue
		}
		if v, ok := ReducePatchValue(patch.Values[key]); ok {
			merged.Set(key, v)
		}
	}
}

// ReducePatchValue picks the replacement text from a patch value:
//   - a string is taken as-is
//   - a non-empty array yields its last element
//   - a non-empty object yields the value of its last key
//
// Anything else, including a selected element that is not a string, yields
// no change.
func ReducePatchValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	var picked json.RawMessage
	switch raw[0] {
	case '"':
		picked = raw
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return "", false
		}
		picked = items[len(items)-1]
	case '{':
		keys, values, err := parseOrderedObject(raw)
		if err != nil || len(keys) == 0 {
			return "", false
		}
		picked = values[keys[len(keys)-1]]
	default:
		return "", false
	}

	var s string
	if err := json.Unmarshal(picked, &s); err != nil {
		return "", false
	}
	return s, true
}

// MissingKeys returns the base keys, in base order, that are not in patched.
func MissingKeys(baseKeys []string, patched *KeySet) []string {
	var out []string
	for _, k := range baseKeys {
		if !patched.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// PageName returns the file name of the 1-based missing page n.
func PageName(n int) string {
	return fmt.Sprintf("missing_%05d.json", n)
}

// WriteMissingPages writes missing as pages of size entries into dir, after
// removing pages left over from an earlier run. It returns the written paths.
func WriteMissingPages(dir string, missing *dict.Dictionary, size int) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := removeStalePages(dir); err != nil {
		return nil, err
	}

	var paths []string
	for i, page := range missing.Pages(size) {
		path := filepath.Join(dir, PageName(i+1))
		if err := page.WriteFile(path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func removeStalePages(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !missingPagePattern.MatchString(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("removing stale page %s: %w", e.Name(), err)
		}
	}
	return nil
}

// KeySet is an insertion-ordered set of keys.
type KeySet struct {
	keys []string
	seen map[string]struct{}
}

// NewKeySet returns an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{seen: make(map[string]struct{})}
}

// Add inserts key if absent.
func (s *KeySet) Add(key string) {
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
}

// Has reports whether key was added.
func (s *KeySet) Has(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Keys returns the keys in insertion order.
func (s *KeySet) Keys() []string { return s.keys }

// parseOrderedObject decodes a JSON object into its keys (first-occurrence
// order) and raw values (last occurrence wins).
func parseOrderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	t, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected JSON object, got %v", t)
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected string key, got %T", kt)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("value for key %q: %w", key, err)
		}
		if _, ok := values[key]; !ok {
			keys = append(keys, key)
		}
		values[key] = raw
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("unexpected data after top-level object")
	}
	return keys, values, nil
}

// jsonFiles lists the *.json regular files in dir, sorted by name.
func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
