// Package config loads and validates the worker's YAML configuration and
// builds the toolchain registries it names.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lerna-cp/tester/toolchain"
)

// Config is the parsed configuration file.
type Config struct {
	DB        DB        `yaml:"db"`
	Dirs      Dirs      `yaml:"dirs"`
	Files     Files     `yaml:"files"`
	Behaviour Behaviour `yaml:"behaviour"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
	Tracing   Tracing   `yaml:"tracing"`

	// Exec holds the toolchain registries scanned from Dirs. Populated by
	// Load, rebuilt on every config reload.
	Exec Exec `yaml:"-"`
}

// DB names the attempt queue.
type DB struct {
	// Locator is "mysql://<dsn>" or "sqlite://<path>"; without a scheme
	// it is treated as a MySQL DSN.
	Locator string `yaml:"locator"`
}

// Dirs are the content roots. Each is expanded, resolved and must exist.
type Dirs struct {
	Problems  string `yaml:"problems"`
	Compilers string `yaml:"compilers"`
	Runners   string `yaml:"runners"`
	Checkers  string `yaml:"checkers"`
}

// Files are the well-known staging and log file names inside the working
// directory.
type Files struct {
	Stdin       string `yaml:"stdin"`
	Stdout      string `yaml:"stdout"`
	Stderr      string `yaml:"stderr"`
	EjudgeLog   string `yaml:"ejudge_log"`
	CompilerLog string `yaml:"compiler_log"`
}

// Behaviour tunes the worker loop and the judging pipeline.
type Behaviour struct {
	// Interval is the pause in seconds between empty-queue polls.
	Interval int `yaml:"interval"`

	// TimeMultiplier scales the time limit handed to the sandbox down and
	// the measurements it returns back up, compensating for slow judging
	// hosts. Must be >= 1; defaults to 1.
	TimeMultiplier float64 `yaml:"time_multiplier"`

	// CheckerCommentMaxLen caps the stored checker comment. Must be >= 3.
	CheckerCommentMaxLen int `yaml:"checker_comment_max_len"`

	// RequeueAfter, in seconds, releases attempts a crashed worker left in
	// a transient state. Zero disables the sweep.
	RequeueAfter int `yaml:"requeue_after"`
}

// Logging selects the event output.
type Logging struct {
	// Mode is "text" (default) or "json".
	Mode string `yaml:"mode"`

	// File receives the event stream; empty means stdout. A relative path
	// is resolved against the -l log directory.
	File string `yaml:"file"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the address for the /metrics HTTP listener, e.g.
	// "127.0.0.1:9300". Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Tracing configures OpenTelemetry span emission.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Exec holds the codename registries scanned from the toolchain dirs.
type Exec struct {
	Compilers toolchain.Registry
	Runners   toolchain.Registry
	Checkers  toolchain.Registry
}

// Load reads, validates and completes a configuration file: directories
// are resolved and checked, defaults applied, and the three toolchain
// registries scanned.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	// Tolerate a UTF-8 BOM; config files edited on Windows often carry one.
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Exec.Compilers, err = toolchain.Scan(cfg.Dirs.Compilers); err != nil {
		return nil, err
	}
	if cfg.Exec.Runners, err = toolchain.Scan(cfg.Dirs.Runners); err != nil {
		return nil, err
	}
	if cfg.Exec.Checkers, err = toolchain.Scan(cfg.Dirs.Checkers); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DB.Locator == "" {
		return fmt.Errorf("db.locator is not set")
	}

	dirs := []struct {
		key  string
		path *string
	}{
		{"problems", &c.Dirs.Problems},
		{"compilers", &c.Dirs.Compilers},
		{"runners", &c.Dirs.Runners},
		{"checkers", &c.Dirs.Checkers},
	}
	for _, dir := range dirs {
		if *dir.path == "" {
			return fmt.Errorf("dirs.%s is not set", dir.key)
		}
		resolved, err := resolveDir(*dir.path)
		if err != nil {
			return fmt.Errorf("dirs.%s: %w", dir.key, err)
		}
		*dir.path = resolved
	}

	files := map[string]string{
		"stdin":        c.Files.Stdin,
		"stdout":       c.Files.Stdout,
		"stderr":       c.Files.Stderr,
		"ejudge_log":   c.Files.EjudgeLog,
		"compiler_log": c.Files.CompilerLog,
	}
	for key, name := range files {
		if name == "" {
			return fmt.Errorf("files.%s is not set", key)
		}
	}

	if c.Behaviour.Interval <= 0 {
		return fmt.Errorf("behaviour.interval must be positive, got %d", c.Behaviour.Interval)
	}
	if c.Behaviour.TimeMultiplier == 0 {
		c.Behaviour.TimeMultiplier = 1
	}
	if c.Behaviour.TimeMultiplier < 1 {
		return fmt.Errorf("behaviour.time_multiplier must be >= 1, got %g", c.Behaviour.TimeMultiplier)
	}
	if c.Behaviour.CheckerCommentMaxLen < 3 {
		return fmt.Errorf("behaviour.checker_comment_max_len must be >= 3, got %d",
			c.Behaviour.CheckerCommentMaxLen)
	}
	if c.Behaviour.RequeueAfter < 0 {
		return fmt.Errorf("behaviour.requeue_after must not be negative, got %d",
			c.Behaviour.RequeueAfter)
	}

	switch c.Logging.Mode {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.mode must be \"text\" or \"json\", got %q", c.Logging.Mode)
	}
	return nil
}

// resolveDir expands a leading ~, makes the path absolute and verifies it
// is an existing directory.
func resolveDir(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%q is not a directory", abs)
	}
	return abs, nil
}
