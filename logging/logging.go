// Package logging sets up the console and file logging used by the wwmtext
// commands. Console lines carry colored [INFO]/[OK]/[WARN]/[ERROR] tags;
// the optional log file receives timestamped plain lines and is rotated by
// size.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
	colorGray   = "\033[0;90m"
)

// fieldOK marks an info entry as a success line.
const fieldOK = "ok"

// ConsoleFormatter prints "[TAG] message" lines.
type ConsoleFormatter struct {
	// Color enables ANSI colors on the tag.
	Color bool
}

// Format renders a single log entry.
func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	tag, color := levelTag(entry)
	if f.Color {
		buffer.WriteString(color + tag + colorReset)
	} else {
		buffer.WriteString(tag)
	}
	buffer.WriteByte(' ')
	buffer.WriteString(strings.TrimRight(entry.Message, "\r\n"))
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// FileFormatter prints "[2006-01-02 15:04:05] [level] message" lines.
type FileFormatter struct{}

// Format renders a single log entry.
func (f *FileFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tag, _ := levelTag(entry)
	line := fmt.Sprintf("[%s] %-7s %s\n",
		entry.Time.Format("2006-01-02 15:04:05"),
		tag,
		strings.TrimRight(entry.Message, "\r\n"))
	return []byte(line), nil
}

func levelTag(entry *logrus.Entry) (string, string) {
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "[ERROR]", colorRed
	case logrus.WarnLevel:
		return "[WARN]", colorYellow
	case logrus.DebugLevel, logrus.TraceLevel:
		return "[DEBUG]", colorGray
	}
	if ok, _ := entry.Data[fieldOK].(bool); ok {
		return "[OK]", colorGreen
	}
	return "[INFO]", colorBlue
}

// Logger is a logrus logger with an optional rotating file copy.
type Logger struct {
	*logrus.Logger

	mu   sync.Mutex
	file *lumberjack.Logger
}

// New returns a logger writing to w. Colors are used when w is a terminal
// and NO_COLOR is unset.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&ConsoleFormatter{Color: useColor(w)})
	return &Logger{Logger: l}
}

func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetVerbose enables debug lines.
func (l *Logger) SetVerbose(v bool) {
	if v {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
}

// AddFile mirrors every entry to path, rotating at 10 MB and keeping three
// old files.
func (l *Logger) AddFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
	}
	l.AddHook(&fileHook{w: l.file, formatter: &FileFormatter{}})
	return nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Success logs an [OK] line.
func (l *Logger) Success(format string, args ...any) {
	l.WithField(fieldOK, true).Infof(format, args...)
}

// fileHook writes every entry to a second writer with its own formatter.
type fileHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}
