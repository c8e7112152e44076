package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wwmviet/wwmtext/logging"
	"github.com/wwmviet/wwmtext/translate"
)

// execute runs the CLI with args and returns the log output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeEnv(t, nil, args...)
}

// executeEnv is execute with extra environment variables set.
func executeEnv(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := logger
	logger = logging.New(&buf)
	t.Cleanup(func() { logger = prev })

	for _, name := range []string{"GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL", "PARALLEL_WORKERS", "WWMTEXT_LOG_FILE"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for name, value := range env {
		t.Setenv(name, value)
	}

	root := newRootCmd()
	root.SetOut(&buf)
	root.SetArgs(append([]string{"--ui-lang", "en"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMergeCommand(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "data")
	patches := filepath.Join(root, "patches")
	writeFile(t, filepath.Join(base, "text", "a.json"), `{"k1":"一","k2":"二","k3":"三"}`)
	writeFile(t, filepath.Join(patches, "vi.json"), `{"k2":["cũ","hai"],"k9":"x"}`)
	writeFile(t, filepath.Join(patches, "missing.json"), `{"k1":"bỏ qua"}`)

	out, err := execute(t, "merge", base, patches, "--miss")
	if err != nil {
		t.Fatalf("merge: %v\n%s", err, out)
	}
	wantLine := fmt.Sprintf("Merged text files %s into %s", patches, filepath.Join(base, "entries.json"))
	if !strings.Contains(out, wantLine) {
		t.Fatalf("output lacks %q:\n%s", wantLine, out)
	}

	entries, err := os.ReadFile(filepath.Join(base, "entries.json"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "{\n  \"k1\": \"一\",\n  \"k2\": \"hai\",\n  \"k3\": \"三\"\n}\n"; string(entries) != want {
		t.Fatalf("entries.json = %q, want %q", entries, want)
	}
	missing, err := os.ReadFile(filepath.Join(base, "missing", "missing_00001.json"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "{\n  \"k1\": \"一\",\n  \"k3\": \"三\"\n}\n"; string(missing) != want {
		t.Fatalf("missing page = %q, want %q", missing, want)
	}
}

func TestMergeCommandErrors(t *testing.T) {
	if _, err := execute(t, "merge", "only-one"); err == nil {
		t.Fatal("merge with one argument succeeded")
	}

	root := t.TempDir()
	_, err := execute(t, "merge", filepath.Join(root, "nope"), root)
	if err == nil || !strings.Contains(err.Error(), "Text directory") {
		t.Fatalf("merge error = %v, want missing text directory", err)
	}
}

func TestMergeIgnoresBadWorkerCount(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "data")
	patches := filepath.Join(root, "patches")
	writeFile(t, filepath.Join(base, "text", "a.json"), `{"k1":"一"}`)
	writeFile(t, filepath.Join(patches, "vi.json"), `{"k1":"một"}`)

	out, err := executeEnv(t, map[string]string{"PARALLEL_WORKERS": "abc"}, "merge", base, patches)
	if err != nil {
		t.Fatalf("merge with PARALLEL_WORKERS=abc: %v", err)
	}
	if !strings.Contains(out, `[WARN] ignoring PARALLEL_WORKERS="abc"`) {
		t.Fatalf("output lacks the ignored-value warning:\n%s", out)
	}
}

func TestTranslateCommandFatalErrors(t *testing.T) {
	root := t.TempDir()

	_, err := execute(t, "translate", filepath.Join(root, "absent"), filepath.Join(root, "out"))
	if err == nil || !strings.Contains(err.Error(), "Source folder") {
		t.Fatalf("error = %v, want missing source folder", err)
	}

	_, err = execute(t, "translate", root, filepath.Join(root, "out"))
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("error = %v, want missing API key", err)
	}

	_, err = execute(t, "translate", root, filepath.Join(root, "out"), "--api-key", "k", "--run-id", "12ab")
	if err == nil || !strings.Contains(err.Error(), "run identifier") {
		t.Fatalf("error = %v, want invalid run identifier", err)
	}
}

func TestTranslateCommandEndToEnd(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		chunk, _ := json.Marshal(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": "```json\n{\"k1\": \"Xin chào\"}\n```"}}},
			}},
		})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}))
	defer srv.Close()

	root := t.TempDir()
	src := filepath.Join(root, "missing")
	out := filepath.Join(root, "translated")
	writeFile(t, filepath.Join(src, "missing_00001.json"), `{"k1":"你好"}`)

	logs, err := execute(t, "translate", src, out,
		"--api-key", "test-key", "--base-url", srv.URL, "--run-id", "251234567")
	if err != nil {
		t.Fatalf("translate: %v\n%s", err, logs)
	}
	if gotKey != "test-key" {
		t.Fatalf("API key header = %q", gotKey)
	}

	data, err := os.ReadFile(filepath.Join(out, "p251234567_00001.json"))
	if err != nil {
		t.Fatalf("output not written: %v\n%s", err, logs)
	}
	if string(data) != `{"k1": "Xin chào"}` {
		t.Fatalf("output = %q", data)
	}
	if _, err := os.Stat(filepath.Join(out, "wwmtext.lock")); err != nil {
		t.Fatalf("lockfile not written: %v", err)
	}

	// Same run again: the output exists, nothing is sent.
	gotKey = ""
	logs, err = execute(t, "translate", src, out, "--api-key", "test-key", "--base-url", srv.URL, "--resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if gotKey != "" {
		t.Fatal("resumed run called the API again")
	}
	if !strings.Contains(logs, "Lock file: 1 outputs from 1 inputs") {
		t.Fatalf("resume output lacks the lock file summary:\n%s", logs)
	}
}

func TestAuthCommands(t *testing.T) {
	var buf bytes.Buffer
	prev := logger
	logger = logging.New(&buf)
	t.Cleanup(func() { logger = prev })
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("GEMINI_API_KEY", "")

	run := func(args ...string) string {
		t.Helper()
		buf.Reset()
		root := newRootCmd()
		root.SetOut(&buf)
		root.SetArgs(append([]string{"--ui-lang", "en"}, args...))
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return buf.String()
	}

	run("auth", "add", "AIzaFirstKey0001", "AIzaSecondKey002")
	if out := run("auth", "add", "AIzaFirstKey0001"); !strings.Contains(out, "already stored") {
		t.Fatalf("duplicate add output = %q", out)
	}

	out := run("auth", "list")
	if !strings.Contains(out, "1. AIza...0001") || !strings.Contains(out, "2. AIza...y002") {
		t.Fatalf("list output = %q", out)
	}

	run("auth", "remove", "1")
	out = run("auth", "list")
	if strings.Contains(out, "0001") || !strings.Contains(out, "1. AIza...y002") {
		t.Fatalf("list after remove = %q", out)
	}

	run("auth", "remove", "--all")
	if out := run("auth", "list"); strings.Count(out, "none") != 2 {
		t.Fatalf("list after remove --all = %q", out)
	}
}

func TestAuthAddPromptsOnStdin(t *testing.T) {
	var buf bytes.Buffer
	prev := logger
	logger = logging.New(&buf)
	t.Cleanup(func() { logger = prev })
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	root := newRootCmd()
	root.SetIn(strings.NewReader("  AIzaPromptedKey9\n"))
	root.SetArgs([]string{"--ui-lang", "en", "auth", "add"})
	if err := root.Execute(); err != nil {
		t.Fatalf("auth add: %v", err)
	}
	if !strings.Contains(buf.String(), "AIza...Key9") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "wwmtext version dev\n") {
		t.Fatalf("version output = %q", out)
	}
}

func TestResolveRunID(t *testing.T) {
	now := time.Date(2025, 3, 20, 9, 30, 0, 0, time.Local)
	dir := t.TempDir()

	if got, err := resolveRunID("", false, dir, now); err != nil || got != "251240930" {
		t.Fatalf("fresh run id = %q, %v", got, err)
	}
	if got, err := resolveRunID("250010000", true, dir, now); err != nil || got != "250010000" {
		t.Fatalf("explicit run id = %q, %v", got, err)
	}
	if _, err := resolveRunID("2501", false, dir, now); err == nil {
		t.Fatal("short run id accepted")
	}

	// Nothing to resume yet: a fresh id is used.
	if got, _ := resolveRunID("", true, dir, now); got != translate.RunID(now) {
		t.Fatalf("resume with empty dir = %q", got)
	}

	writeFile(t, filepath.Join(dir, "p249990101_00001.json"), "{}")
	if got, err := resolveRunID("", true, dir, now); err != nil || got != "249990101" {
		t.Fatalf("resume = %q, %v", got, err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{420 * time.Millisecond, "0.4s"},
		{42 * time.Second, "42 seconds"},
		{3*time.Minute + 5*time.Second + 400*time.Millisecond, "3 minutes 5 seconds"},
		{2*time.Hour + 10*time.Minute + 30*time.Second, "2 hours 10 minutes"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.in); got != tc.want {
			t.Fatalf("formatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProgressLine(t *testing.T) {
	job := translate.Job{Name: "missing_00003.json", Output: "/out/p251234567_00003.json"}
	tests := []struct {
		name string
		p    translate.Progress
		want string
	}{
		{
			name: "translated",
			p:    translate.Progress{Worker: 2, Job: job, Status: translate.StatusTranslated, Done: 3, Total: 10, Elapsed: 12340 * time.Millisecond, ETA: 90 * time.Second},
			want: "✓ [Worker 2] [3/10] missing_00003.json (12.3s) - ETA: 1 minute 30 seconds",
		},
		{
			name: "skipped",
			p:    translate.Progress{Worker: 1, Job: job, Status: translate.StatusSkipped, Done: 1, Total: 10},
			want: "✓ [Worker 1] [1/10] missing_00003.json (already translated)",
		},
		{
			name: "pending",
			p:    translate.Progress{Worker: 1, Job: job, Status: translate.StatusPending, Done: 1, Total: 2},
			want: "· [Worker 1] [1/2] missing_00003.json -> p251234567_00003.json",
		},
		{
			name: "failed",
			p:    translate.Progress{Worker: 3, Job: job, Status: translate.StatusFailed, Done: 4, Total: 10},
			want: "✗ [Worker 3] [4/10] missing_00003.json FAILED",
		},
	}
	for _, tc := range tests {
		if got := progressLine(tc.p); got != tc.want {
			t.Fatalf("%s: progressLine() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestReportRunErrors(t *testing.T) {
	var buf bytes.Buffer
	prev := logger
	logger = logging.New(&buf)
	t.Cleanup(func() { logger = prev })

	var err error
	err = multierror.Append(err,
		&translate.JobError{Job: "missing_00001.json", Err: translate.ErrNoJSON},
		fmt.Errorf("interrupted with 2 files not started: %w", context.Canceled),
		fmt.Errorf("saving lock file: %w", errors.New("permission denied")),
	)
	reportRunErrors(err)

	if got, want := buf.String(), "[WARN] saving lock file: permission denied\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}

	buf.Reset()
	reportRunErrors(errors.New("disk full"))
	if got := buf.String(); got != "[WARN] disk full\n" {
		t.Fatalf("output for a plain error = %q", got)
	}
}

func TestUnsupportedUILanguageWarns(t *testing.T) {
	out, err := executeEnv(t, nil, "--ui-lang", "fr_FR", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[WARN] No fr_FR translation of wwmtext messages (available: en, vi); using English") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "wwmtext version dev") {
		t.Fatalf("version not printed: %q", out)
	}
}
