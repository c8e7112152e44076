package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// numberedPattern matches page-style inputs such as missing_00012.json.
var numberedPattern = regexp.MustCompile(`^(.+?)_(\d+)\.json$`)

// ErrNoJSON is returned by ExtractJSON when the reply holds no valid object.
var ErrNoJSON = errors.New("response does not contain a valid JSON object")

// Job is one input file and the output it is translated into.
type Job struct {
	// Name is the input file name, used in logs and the lock file.
	Name   string
	Input  string
	Output string
}

// OutputName maps an input file name to its output name for runID:
// name_<digits>.json becomes p<runID>_<digits>.json, anything else
// becomes t<runID>_<filename>.
func OutputName(filename, runID string) string {
	if m := numberedPattern.FindStringSubmatch(filename); m != nil {
		return fmt.Sprintf("p%s_%s.json", runID, m[2])
	}
	return fmt.Sprintf("t%s_%s", runID, filename)
}

// ListJobs returns a job for every *.json file in sourceDir, in
// lexicographic filename order.
func ListJobs(sourceDir, outputDir, runID string) ([]Job, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sourceDir, err)
	}
	var jobs []Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		jobs = append(jobs, Job{
			Name:   e.Name(),
			Input:  filepath.Join(sourceDir, e.Name()),
			Output: filepath.Join(outputDir, OutputName(e.Name(), runID)),
		})
	}
	return jobs, nil
}

// Partition splits jobs into at most workers contiguous chunks of
// ceil(len(jobs)/workers), preserving order.
func Partition(jobs []Job, workers int) [][]Job {
	if len(jobs) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	size := (len(jobs) + workers - 1) / workers
	return lo.Chunk(jobs, size)
}

// ExtractJSON trims a model reply to the span between its first '{' and
// its last '}' and requires that span to be valid JSON.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", ErrNoJSON
	}
	out := text[start : end+1]
	if !json.Valid([]byte(out)) {
		return "", ErrNoJSON
	}
	return out, nil
}
