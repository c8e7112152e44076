package config

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// MaxEnvKeys is the highest numbered GEMINI_API_KEY_N variable read.
const MaxEnvKeys = 10

// EnvKeys returns GEMINI_API_KEY, GEMINI_API_KEY_2 .. GEMINI_API_KEY_10 as
// found through lookup, skipping unset ones.
func EnvKeys(lookup func(string) string) []string {
	var keys []string
	for i := 1; i <= MaxEnvKeys; i++ {
		name := "GEMINI_API_KEY"
		if i > 1 {
			name = fmt.Sprintf("GEMINI_API_KEY_%d", i)
		}
		if v := strings.TrimSpace(lookup(name)); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// APIKeys merges credential sources in priority order: flags, environment,
// stored keys. Blank entries and duplicates are dropped; first position wins.
func APIKeys(flags, env, stored []string) []string {
	all := make([]string, 0, len(flags)+len(env)+len(stored))
	for _, src := range [][]string{flags, env, stored} {
		for _, k := range src {
			all = append(all, strings.TrimSpace(k))
		}
	}
	return lo.Uniq(lo.Filter(all, func(k string, _ int) bool { return k != "" }))
}
