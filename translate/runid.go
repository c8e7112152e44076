package translate

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

var (
	runIDPattern     = regexp.MustCompile(`^\d{9}$`)
	outputRunPattern = regexp.MustCompile(`^[pt](\d{9})_`)
)

// RunID formats t as YYWWDHHMM: two-digit ISO year, two-digit ISO week,
// weekday (0 = Sunday), hour and minute.
func RunID(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%02d%02d%d%02d%02d", year%100, week, int(t.Weekday()), t.Hour(), t.Minute())
}

// ValidRunID reports whether s has the RunID shape.
func ValidRunID(s string) bool {
	return runIDPattern.MatchString(s)
}

// LatestRunID returns the run identifier of the most recently written
// output file in dir, or "" when there is none.
func LatestRunID(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}

	var latest string
	var latestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := outputRunPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest, latestMod = m[1], info.ModTime()
		}
	}
	return latest, nil
}
