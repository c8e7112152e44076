// Package config loads wwmtext settings from the optional .wwmtext.yaml
// file, a .env file and the process environment.
//
// Precedence, highest first: command-line flags (applied by the caller),
// environment variables, .wwmtext.yaml, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory.
const FileName = ".wwmtext.yaml"

// DotEnvName is the environment file loaded before reading variables.
const DotEnvName = ".env"

// File is the .wwmtext.yaml structure.
type File struct {
	// Model is the Gemini model name.
	Model string `yaml:"model,omitempty"`
	// BaseURL overrides the Google AI endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
	// Workers caps parallel translation workers.
	Workers int `yaml:"workers,omitempty"`
	// Timeout bounds one API call, e.g. "3m".
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Proxy is an HTTP(S) proxy URL.
	Proxy string `yaml:"proxy,omitempty"`
	// Temperature is passed in generationConfig when > 0.
	Temperature float64 `yaml:"temperature,omitempty"`
	// PageSize is the number of entries per missing page.
	PageSize int `yaml:"page_size,omitempty"`
	// Prompt replaces the built-in translation instruction.
	Prompt string `yaml:"prompt,omitempty"`
	// Acknowledgement replaces the model's priming answer.
	Acknowledgement string `yaml:"acknowledgement,omitempty"`
	// RequestsPerMinute limits calls per API key.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	// LogFile also writes logs to this file, with rotation.
	LogFile string `yaml:"log_file,omitempty"`
	// Language selects the UI message language.
	Language string `yaml:"language,omitempty"`
}

// LoadFile reads and parses a config file. Returns nil if it doesn't exist.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	switch {
	case f.Workers < 0:
		return fmt.Errorf("workers must not be negative")
	case f.PageSize < 0:
		return fmt.Errorf("page_size must not be negative")
	case f.RequestsPerMinute < 0:
		return fmt.Errorf("requests_per_minute must not be negative")
	case f.Timeout < 0:
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Env holds the settings read from environment variables.
type Env struct {
	Model   string `envconfig:"GEMINI_MODEL"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`
	Workers string `envconfig:"PARALLEL_WORKERS"`
	LogFile string `envconfig:"WWMTEXT_LOG_FILE"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("reading environment: %w", err)
	}
	return e, nil
}

// LoadDotEnv loads dir/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, DotEnvName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", DotEnvName, err)
	}
	return nil
}

// Settings is the effective configuration.
type Settings struct {
	Model             string
	BaseURL           string
	Workers           int
	Timeout           time.Duration
	Proxy             string
	Temperature       float64
	PageSize          int
	Prompt            string
	Acknowledgement   string
	RequestsPerMinute int
	LogFile           string
	Language          string

	// Warnings lists environment values that were ignored.
	Warnings []string
}

// Defaults returns the built-in settings. Zero values mean "let the
// consuming package pick its own default".
func Defaults() Settings {
	return Settings{
		Model:    "gemini-1.5-flash",
		Timeout:  5 * time.Minute,
		PageSize: 265,
	}
}

// Resolve layers file (may be nil) and env over Defaults.
func Resolve(file *File, env Env) Settings {
	s := Defaults()
	if file != nil {
		setString(&s.Model, file.Model)
		setString(&s.BaseURL, file.BaseURL)
		setInt(&s.Workers, file.Workers)
		if file.Timeout > 0 {
			s.Timeout = file.Timeout
		}
		setString(&s.Proxy, file.Proxy)
		if file.Temperature > 0 {
			s.Temperature = file.Temperature
		}
		setInt(&s.PageSize, file.PageSize)
		setString(&s.Prompt, file.Prompt)
		setString(&s.Acknowledgement, file.Acknowledgement)
		setInt(&s.RequestsPerMinute, file.RequestsPerMinute)
		setString(&s.LogFile, file.LogFile)
		setString(&s.Language, file.Language)
	}
	setString(&s.Model, env.Model)
	setString(&s.BaseURL, env.BaseURL)
	if w := strings.TrimSpace(env.Workers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n < 0 {
			s.Warnings = append(s.Warnings, fmt.Sprintf("ignoring PARALLEL_WORKERS=%q: not a worker count", env.Workers))
		} else {
			setInt(&s.Workers, n)
		}
	}
	setString(&s.LogFile, env.LogFile)
	return s
}

// Load reads .env and the config file (FileName in dir, or configPath when
// non-empty), then resolves Settings.
func Load(dir, configPath string) (Settings, error) {
	if err := LoadDotEnv(dir); err != nil {
		return Settings{}, err
	}
	path := configPath
	if path == "" {
		path = filepath.Join(dir, FileName)
	}
	file, err := LoadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if configPath != "" && file == nil {
		return Settings{}, fmt.Errorf("config file %s does not exist", configPath)
	}
	env, err := LoadEnv()
	if err != nil {
		return Settings{}, err
	}
	return Resolve(file, env), nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
