// Package settings provides storage for wwmtext user settings, currently
// the Gemini API keys added with "wwmtext auth add".
//
// Settings are stored in the XDG data directory:
//
//	$XDG_DATA_HOME/wwmtext/  (default: ~/.local/share/wwmtext/)
//
// auth.json is a JSON object keyed by provider ID:
//
//	{"gemini": {"type": "api", "keys": ["AIza...", "AIza..."]}}
//
// File permissions are 0600 (owner read/write only).
//
// Lookup order for API keys:
//  1. --api-key flags (highest priority)
//  2. GEMINI_API_KEY, GEMINI_API_KEY_2 .. GEMINI_API_KEY_10
//  3. This credential store
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	dataDirName = "wwmtext"
	fileName    = "auth.json"

	// ProviderGemini is the store key holding Gemini API keys.
	ProviderGemini = "gemini"
)

// Info is the entry stored per provider in auth.json.
type Info struct {
	// Type is always "api".
	Type string   `json:"type"`
	Keys []string `json:"keys,omitempty"`
}

// Store holds all provider credentials, keyed by provider ID.
type Store map[string]*Info

// dataDir returns the XDG data directory for wwmtext.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

func filePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// FilePath returns the auth.json file path for display purposes.
func FilePath() string {
	p, err := filePath()
	if err != nil {
		return ""
	}
	return p
}

// DataDir returns the wwmtext data directory path.
func DataDir() (string, error) {
	return dataDir()
}

// Load reads the credential store from disk.
// Returns an empty store if the file doesn't exist or is invalid.
func Load() Store {
	path, err := filePath()
	if err != nil {
		return make(Store)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return make(Store)
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil || store == nil {
		return make(Store)
	}
	return store
}

// Save writes the credential store to disk with 0600 permissions.
func Save(store Store) error {
	path, err := filePath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing auth file: %w", err)
	}
	return nil
}

// Keys returns the stored Gemini API keys in the order they were added.
func Keys() []string {
	info := Load()[ProviderGemini]
	if info == nil {
		return nil
	}
	return append([]string(nil), info.Keys...)
}

// AddKey stores key. It reports false when the key was already stored.
func AddKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("empty API key")
	}

	store := Load()
	info := store[ProviderGemini]
	if info == nil {
		info = &Info{Type: "api"}
		store[ProviderGemini] = info
	}
	for _, k := range info.Keys {
		if k == key {
			return false, nil
		}
	}
	info.Keys = append(info.Keys, key)
	return true, Save(store)
}

// RemoveKey deletes a stored key. ref is the key itself, its masked form
// as printed by "auth list", or its 1-based position. It returns the
// removed key.
func RemoveKey(ref string) (string, error) {
	store := Load()
	info := store[ProviderGemini]
	if info == nil || len(info.Keys) == 0 {
		return "", fmt.Errorf("no stored API keys")
	}

	idx := -1
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(info.Keys) {
		idx = n - 1
	} else {
		for i, k := range info.Keys {
			if k == ref || MaskKey(k) == ref {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("no stored API key matches %q", ref)
	}

	removed := info.Keys[idx]
	info.Keys = append(info.Keys[:idx], info.Keys[idx+1:]...)
	if len(info.Keys) == 0 {
		delete(store, ProviderGemini)
	}
	return removed, Save(store)
}

// MaskKey returns a masked version of a key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// RemoveAll removes all stored credentials.
func RemoveAll() error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing auth file: %w", err)
	}
	return nil
}
