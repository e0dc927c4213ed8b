// Package config holds the engine and command line settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.alis.build/alog"

	"github.com/vogtb/go-spreadsheet/packages/formula"
	"github.com/vogtb/go-spreadsheet/packages/sandbox"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

const fileName = "config.json"

type Config struct {
	IterationFactor int     `json:"iteration_factor,omitempty"`
	MinIterations   int     `json:"min_iterations,omitempty"`
	UndoLimit       int     `json:"undo_limit,omitempty"`
	LogLevel        string  `json:"log_level,omitempty"`
	Parallelism     int     `json:"parallelism,omitempty"`
	Sandbox         Sandbox `json:"sandbox,omitempty"`
}

// Sandbox configures the remote runner for python and javascript cells.
// An empty URL leaves those languages unregistered.
type Sandbox struct {
	URL       string   `json:"url,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
}

func Default() Config {
	return Config{
		IterationFactor: 100,
		MinIterations:   64,
		UndoLimit:       100,
		LogLevel:        "info",
		Parallelism:     4,
		Sandbox: Sandbox{
			Languages: []string{"python", "javascript"},
			Timeout:   "30s",
		},
	}
}

// Dir returns the directory holding config.json.
func Dir() (string, error) {
	if v := os.Getenv("GRIDCALC_CONFIG_DIR"); v != "" {
		return v, nil
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gridcalc"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gridcalc"), nil
}

// Path returns the default config file location.
func Path() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, fileName), nil
}

// Load reads the config file from Dir. See LoadFile.
func Load() (Config, error) {
	p, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(p)
}

// LoadFile reads the config at path. A missing file yields the defaults.
// Unset fields are filled from Default, then GRIDCALC_* environment
// variables override the result.
func LoadFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, err
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GRIDCALC_SANDBOX_URL"); v != "" {
		c.Sandbox.URL = v
	}
	if v := os.Getenv("GRIDCALC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GRIDCALC_ITERATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDCALC_ITERATION_FACTOR: %w", err)
		}
		c.IterationFactor = n
	}
	return nil
}

// Save writes cfg to the default location.
func Save(cfg Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(p, cfg)
}

// SaveFile writes cfg atomically using a temp file and rename.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	// os.Rename fails on Windows if the destination exists
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if c.IterationFactor < 1 {
		return fmt.Errorf("iteration_factor must be positive, got %d", c.IterationFactor)
	}
	if c.MinIterations < 1 {
		return fmt.Errorf("min_iterations must be positive, got %d", c.MinIterations)
	}
	if c.UndoLimit < 0 {
		return fmt.Errorf("undo_limit must not be negative, got %d", c.UndoLimit)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.SandboxTimeout(); err != nil {
		return err
	}
	for _, name := range c.Sandbox.Languages {
		lang, err := spreadsheet.ParseLanguage(name)
		if err != nil {
			return err
		}
		if lang == spreadsheet.LanguageFormula {
			return fmt.Errorf("formula cells cannot run in the sandbox")
		}
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (alog.LogLevel, error) {
	return ParseLevel(c.LogLevel)
}

func ParseLevel(s string) (alog.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return alog.LevelDebug, nil
	case "", "info":
		return alog.LevelInfo, nil
	case "notice":
		return alog.LevelNotice, nil
	case "warn", "warning":
		return alog.LevelWarning, nil
	case "error":
		return alog.LevelError, nil
	case "critical":
		return alog.LevelCritical, nil
	default:
		return alog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (c Config) SandboxTimeout() (time.Duration, error) {
	if c.Sandbox.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sandbox.Timeout)
	if err != nil {
		return 0, fmt.Errorf("sandbox timeout: %w", err)
	}
	return d, nil
}

// SandboxRunner returns a runner for the configured sandbox, or nil when no
// URL is set. The caller closes it.
func (c Config) SandboxRunner() *sandbox.Runner {
	if c.Sandbox.URL == "" {
		return nil
	}
	timeout, _ := c.SandboxTimeout()
	return sandbox.NewRunner(c.Sandbox.URL, sandbox.WithTimeout(timeout))
}

// DocumentOptions turns the config into document options. Formula cells
// always run in process; the sandbox languages go to remote when it is
// non-nil.
func (c Config) DocumentOptions(remote spreadsheet.Runner) ([]spreadsheet.Option, error) {
	opts := []spreadsheet.Option{
		spreadsheet.WithIterationFactor(c.IterationFactor),
		spreadsheet.WithMinIterations(c.MinIterations),
		spreadsheet.WithUndoLimit(c.UndoLimit),
		spreadsheet.WithRunner(spreadsheet.LanguageFormula, formula.NewRunner()),
	}
	if remote == nil {
		return opts, nil
	}
	for _, name := range c.Sandbox.Languages {
		lang, err := spreadsheet.ParseLanguage(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, spreadsheet.WithRunner(lang, remote))
	}
	return opts, nil
}
