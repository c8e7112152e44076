package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDataDirAndFilePathUseXDGDataHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir() error: %v", err)
	}
	if want := filepath.Join(tmp, "wwmtext"); dir != want {
		t.Fatalf("DataDir() = %q, want %q", dir, want)
	}
	if want := filepath.Join(tmp, "wwmtext", "auth.json"); FilePath() != want {
		t.Fatalf("FilePath() = %q, want %q", FilePath(), want)
	}
}

func TestAddKeysLifecycle(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	if got := Keys(); len(got) != 0 {
		t.Fatalf("Keys() on empty store = %v", got)
	}

	for _, k := range []string{"AIzaFirstKey0001", "AIzaSecondKey002", " AIzaFirstKey0001 "} {
		if _, err := AddKey(k); err != nil {
			t.Fatalf("AddKey(%q): %v", k, err)
		}
	}
	if want := []string{"AIzaFirstKey0001", "AIzaSecondKey002"}; !reflect.DeepEqual(Keys(), want) {
		t.Fatalf("Keys() = %v, want %v", Keys(), want)
	}

	info, err := os.Stat(filepath.Join(tmp, "wwmtext", "auth.json"))
	if err != nil {
		t.Fatalf("stat auth.json: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("auth.json mode = %o, want 600", info.Mode().Perm())
	}

	added, err := AddKey("AIzaSecondKey002")
	if err != nil || added {
		t.Fatalf("AddKey(duplicate) = %v, %v; want false, nil", added, err)
	}
	if _, err := AddKey("   "); err == nil {
		t.Fatal("AddKey(blank) succeeded")
	}
}

func TestRemoveKey(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for _, k := range []string{"AIzaAAAA11111111", "AIzaBBBB22222222", "AIzaCCCC33333333"} {
		if _, err := AddKey(k); err != nil {
			t.Fatal(err)
		}
	}

	// By masked form.
	removed, err := RemoveKey(MaskKey("AIzaBBBB22222222"))
	if err != nil || removed != "AIzaBBBB22222222" {
		t.Fatalf("RemoveKey(masked) = %q, %v", removed, err)
	}
	// By position.
	removed, err = RemoveKey("2")
	if err != nil || removed != "AIzaCCCC33333333" {
		t.Fatalf("RemoveKey(2) = %q, %v", removed, err)
	}
	// By value.
	if _, err := RemoveKey("AIzaAAAA11111111"); err != nil {
		t.Fatalf("RemoveKey(value): %v", err)
	}

	if got := Keys(); len(got) != 0 {
		t.Fatalf("Keys() after removing all = %v", got)
	}
	if _, ok := Load()[ProviderGemini]; ok {
		t.Fatal("empty provider entry left in store")
	}
	if _, err := RemoveKey("1"); err == nil {
		t.Fatal("RemoveKey on empty store succeeded")
	}
}

func TestLoadIgnoresInvalidFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	path := filepath.Join(tmp, "wwmtext", "auth.json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Load(); len(got) != 0 {
		t.Fatalf("Load() of invalid file = %v, want empty", got)
	}

	if err := RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("auth.json still exists after RemoveAll")
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("short"); got != "****" {
		t.Fatalf("MaskKey(short) = %q", got)
	}
	if got := MaskKey("AIzaSyD1234567890xyz"); got != "AIza...0xyz" {
		t.Fatalf("MaskKey(long) = %q", got)
	}
}
