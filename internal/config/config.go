package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/harrison/ralph/internal/models"
)

// Retry context modes
const (
	ModePlain    = "plain"
	ModeLearning = "learning"
)

// HistoryConfig represents attempt history database configuration
type HistoryConfig struct {
	// Enabled records every attempt in the history database
	Enabled bool

	// DBPath is the path to the SQLite history database
	DBPath string
}

// DiagnosisConfig bounds the learning-mode diagnosis call
type DiagnosisConfig struct {
	// MaxTurns is the turn budget of the auxiliary diagnosis call
	MaxTurns int

	// Timeout bounds each auxiliary (diagnose/convert) call
	Timeout time.Duration

	// DiffMaxLines bounds the captured change-set
	DiffMaxLines int
}

// RateLimitConfig controls pausing for provider usage limits between attempts
type RateLimitConfig struct {
	// Enabled waits for a detected usage limit to reset before retrying
	Enabled bool

	// MaxWait is the longest reset worth waiting for; later resets retry at once
	MaxWait time.Duration

	// SafetyBuffer is added after the reported reset time
	SafetyBuffer time.Duration
}

// Config represents ralph configuration options. It is resolved once at
// startup by Resolve and passed by value afterwards.
type Config struct {
	// Backend selects the agent CLI (claude, codex, gemini)
	Backend string

	// Binary overrides the backend executable path
	Binary string

	// Model is passed to the backend when set
	Model string

	// MaxRetries is the maximum number of attempts per task
	MaxRetries int

	// Timeout bounds each backend execute call
	Timeout time.Duration

	// MaxTurns is the per-call turn budget (0 = backend default)
	MaxTurns int

	// Mode selects how retry context is built (plain, learning)
	Mode string

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string

	// LogDir is the directory where logs will be written
	LogDir string

	// StateFile is the crash-safe state file
	StateFile string

	// ArtifactsDir holds per-run attempt artifacts
	ArtifactsDir string

	// DryRun builds prompts without invoking the backend
	DryRun bool

	// Resume continues from the state file instead of starting fresh
	Resume bool

	History   HistoryConfig
	Diagnosis DiagnosisConfig
	RateLimit RateLimitConfig
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() Config {
	return Config{
		Backend:      "claude",
		MaxRetries:   3,
		Timeout:      30 * time.Minute,
		MaxTurns:     0,
		Mode:         ModePlain,
		LogLevel:     "info",
		LogDir:       filepath.Join(DirName, "logs"),
		StateFile:    filepath.Join(DirName, "state.json"),
		ArtifactsDir: filepath.Join(DirName, "runs"),
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(DirName, "history.db"),
		},
		Diagnosis: DiagnosisConfig{
			MaxTurns:     3,
			Timeout:      5 * time.Minute,
			DiffMaxLines: 200,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			MaxWait:      time.Hour,
			SafetyBuffer: 30 * time.Second,
		},
	}
}

// fileConfig mirrors Config for config files. Pointer fields distinguish
// "absent" from zero values, so only keys present in the file override.
type fileConfig struct {
	Backend      *string `yaml:"backend" toml:"backend"`
	Binary       *string `yaml:"binary" toml:"binary"`
	Model        *string `yaml:"model" toml:"model"`
	MaxRetries   *int    `yaml:"max_retries" toml:"max_retries"`
	Timeout      *string `yaml:"timeout" toml:"timeout"`
	MaxTurns     *int    `yaml:"max_turns" toml:"max_turns"`
	Mode         *string `yaml:"mode" toml:"mode"`
	LogLevel     *string `yaml:"log_level" toml:"log_level"`
	LogDir       *string `yaml:"log_dir" toml:"log_dir"`
	StateFile    *string `yaml:"state_file" toml:"state_file"`
	ArtifactsDir *string `yaml:"artifacts_dir" toml:"artifacts_dir"`
	History      *struct {
		Enabled *bool   `yaml:"enabled" toml:"enabled"`
		DBPath  *string `yaml:"db_path" toml:"db_path"`
	} `yaml:"history" toml:"history"`
	Diagnosis *struct {
		MaxTurns     *int    `yaml:"max_turns" toml:"max_turns"`
		Timeout      *string `yaml:"timeout" toml:"timeout"`
		DiffMaxLines *int    `yaml:"diff_max_lines" toml:"diff_max_lines"`
	} `yaml:"diagnosis" toml:"diagnosis"`
	RateLimit *struct {
		Enabled      *bool   `yaml:"enabled" toml:"enabled"`
		MaxWait      *string `yaml:"max_wait" toml:"max_wait"`
		SafetyBuffer *string `yaml:"safety_buffer" toml:"safety_buffer"`
	} `yaml:"rate_limit" toml:"rate_limit"`
}

// LoadConfig loads configuration from the specified file path on top of the
// defaults. The format follows the extension (.toml, otherwise YAML).
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.Backend, fc.Backend)
	setString(&c.Binary, fc.Binary)
	setString(&c.Model, fc.Model)
	setInt(&c.MaxRetries, fc.MaxRetries)
	setInt(&c.MaxTurns, fc.MaxTurns)
	setString(&c.Mode, fc.Mode)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogDir, fc.LogDir)
	setString(&c.StateFile, fc.StateFile)
	setString(&c.ArtifactsDir, fc.ArtifactsDir)
	if err := setDuration(&c.Timeout, fc.Timeout, "timeout"); err != nil {
		return err
	}
	if h := fc.History; h != nil {
		if h.Enabled != nil {
			c.History.Enabled = *h.Enabled
		}
		setString(&c.History.DBPath, h.DBPath)
	}
	if d := fc.Diagnosis; d != nil {
		setInt(&c.Diagnosis.MaxTurns, d.MaxTurns)
		setInt(&c.Diagnosis.DiffMaxLines, d.DiffMaxLines)
		if err := setDuration(&c.Diagnosis.Timeout, d.Timeout, "diagnosis.timeout"); err != nil {
			return err
		}
	}
	if r := fc.RateLimit; r != nil {
		if r.Enabled != nil {
			c.RateLimit.Enabled = *r.Enabled
		}
		if err := setDuration(&c.RateLimit.MaxWait, r.MaxWait, "rate_limit.max_wait"); err != nil {
			return err
		}
		if err := setDuration(&c.RateLimit.SafetyBuffer, r.SafetyBuffer, "rate_limit.safety_buffer"); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s format %q: %w", name, *v, err)
	}
	*dst = d
	return nil
}

// ParseDuration accepts Go durations ("90s", "30m") and bare integers as seconds.
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Environment variables read by ApplyEnv
const (
	EnvMaxRetries = "RALPH_MAX_RETRIES"
	EnvTimeout    = "RALPH_TIMEOUT"
	EnvMaxTurns   = "RALPH_MAX_TURNS"
	EnvBackend    = "RALPH_BACKEND"
	EnvMode       = "RALPH_MODE"
	EnvLogLevel   = "RALPH_LOG_LEVEL"
)

// LookupEnv matches os.LookupEnv; tests substitute a map.
type LookupEnv func(key string) (string, bool)

// ApplyEnv overrides values from RALPH_* environment variables.
func (c *Config) ApplyEnv(lookup LookupEnv) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend = v
	}
	if v, ok := lookup(EnvMode); ok && v != "" {
		c.Mode = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxRetries, v, err)
		}
		c.MaxRetries = n
	}
	if v, ok := lookup(EnvMaxTurns); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxTurns, v, err)
		}
		c.MaxTurns = n
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		if err := setDuration(&c.Timeout, &v, EnvTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDocument overrides values from a task document's config block.
func (c *Config) ApplyDocument(dc *models.DocumentConfig) {
	if dc == nil {
		return
	}
	setInt(&c.MaxRetries, dc.MaxRetries)
	setInt(&c.MaxTurns, dc.MaxTurns)
	setString(&c.Backend, dc.Backend)
	if dc.TimeoutSeconds != nil {
		c.Timeout = time.Duration(*dc.TimeoutSeconds) * time.Second
	}
}

// FlagOverrides holds explicitly set CLI flags. Nil fields were not set.
type FlagOverrides struct {
	Backend    *string
	Model      *string
	MaxRetries *int
	Timeout    *time.Duration
	MaxTurns   *int
	Mode       *string
	LogDir     *string
	LogLevel   *string
	StateFile  *string
	DryRun     *bool
	Resume     *bool
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over every other layer
func (c *Config) MergeWithFlags(f FlagOverrides) {
	setString(&c.Backend, f.Backend)
	setString(&c.Model, f.Model)
	setInt(&c.MaxRetries, f.MaxRetries)
	setInt(&c.MaxTurns, f.MaxTurns)
	setString(&c.Mode, f.Mode)
	setString(&c.LogDir, f.LogDir)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.StateFile, f.StateFile)
	if f.Timeout != nil {
		c.Timeout = *f.Timeout
	}
	if f.DryRun != nil {
		c.DryRun = *f.DryRun
	}
	if f.Resume != nil {
		c.Resume = *f.Resume
	}
}

// Sources lists every configuration layer for Resolve.
type Sources struct {
	// ConfigFile is an explicit config path; empty searches Dir/.ralph
	ConfigFile string
	// Dir is the project directory holding .ralph
	Dir      string
	Env      LookupEnv
	Document *models.DocumentConfig
	Flags    FlagOverrides
}

// Resolve builds the effective configuration.
// Precedence, lowest first: defaults, config file, environment, task
// document config block, explicit flags.
func Resolve(src Sources) (Config, error) {
	path := src.ConfigFile
	if path == "" {
		path = FindConfigFile(src.Dir)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(src.Env); err != nil {
		return Config{}, err
	}
	cfg.ApplyDocument(src.Document)
	cfg.MergeWithFlags(src.Flags)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend) == "" {
		return fmt.Errorf("backend cannot be empty")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be >= 0, got %d", c.MaxTurns)
	}
	if c.Mode != ModePlain && c.Mode != ModeLearning {
		return fmt.Errorf("invalid mode %q, must be one of: %s, %s", c.Mode, ModePlain, ModeLearning)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.StateFile == "" {
		return fmt.Errorf("state_file cannot be empty")
	}
	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path cannot be empty when history is enabled")
	}
	if c.Diagnosis.MaxTurns <= 0 {
		return fmt.Errorf("diagnosis.max_turns must be > 0, got %d", c.Diagnosis.MaxTurns)
	}
	if c.Diagnosis.Timeout <= 0 {
		return fmt.Errorf("diagnosis.timeout must be > 0, got %v", c.Diagnosis.Timeout)
	}
	if c.Diagnosis.DiffMaxLines <= 0 {
		return fmt.Errorf("diagnosis.diff_max_lines must be > 0, got %d", c.Diagnosis.DiffMaxLines)
	}
	if c.RateLimit.MaxWait < 0 || c.RateLimit.SafetyBuffer < 0 {
		return fmt.Errorf("rate_limit durations cannot be negative")
	}
	return nil
}
