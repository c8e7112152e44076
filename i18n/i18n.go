// Package i18n translates the user-facing messages of wwmtext.
//
// It wraps the gotext library to provide simple T() and N() functions.
// Catalogs are embedded in the binary via //go:embed and loaded by Init().
//
// Usage:
//
//	i18n.Init("")  // auto-detect from LANGUAGE/LC_ALL/LC_MESSAGES/LANG
//	fmt.Println(i18n.T("Translation completed!"))
//	fmt.Println(i18n.N("Loaded %d API key", "Loaded %d API keys", n))
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/leonelquinteros/gotext"
)

// locales embeds the translation catalogs.
// Directory structure: locales/{lang}/LC_MESSAGES/wwmtext.po
//
//go:embed all:locales
var locales embed.FS

const domain = "wwmtext"

var po *gotext.Locale

// Init initializes the i18n system. If lang is empty, it auto-detects
// from the environment variables LANGUAGE, LC_ALL, LC_MESSAGES, LANG
// (in that order, matching GNU gettext behavior).
//
// Init should be called once at program startup, before any T() or N() calls.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}
	if !hasCatalog(lang) && hasCatalog(baseLanguage(lang)) {
		lang = baseLanguage(lang)
	}

	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// T translates a string, returning msgid unchanged when no translation exists.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N translates a string with plural forms.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// Languages returns the languages that have an embedded catalog, sorted.
func Languages() []string {
	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil
	}
	var langs []string
	for _, e := range entries {
		if e.IsDir() && hasCatalog(e.Name()) {
			langs = append(langs, e.Name())
		}
	}
	sort.Strings(langs)
	return langs
}

// Supported reports whether messages can be shown in lang: English, or a
// language whose catalog (or its base language's, "vi" for "vi_VN") is
// embedded.
func Supported(lang string) bool {
	base := baseLanguage(lang)
	return base == "en" || hasCatalog(lang) || hasCatalog(base)
}

func hasCatalog(lang string) bool {
	_, err := fs.Stat(locales, path.Join("locales", lang, "LC_MESSAGES", domain+".po"))
	return err == nil
}

// baseLanguage strips the region: "vi_VN" and "vi-VN" -> "vi".
func baseLanguage(lang string) string {
	if i := strings.IndexAny(lang, "_-"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}

// detectLanguage reads environment variables to determine the user's
// preferred language, following GNU gettext conventions.
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if val := os.Getenv(env); val != "" {
			// LANGUAGE can be a colon-separated list; take the first
			if env == "LANGUAGE" {
				val, _, _ = strings.Cut(val, ":")
			}
			// "vi_VN.UTF-8" -> "vi_VN"
			if idx := strings.IndexByte(val, '.'); idx >= 0 {
				val = val[:idx]
			}
			if val == "C" || val == "POSIX" || val == "" {
				continue
			}
			return val
		}
	}
	return "en"
}
