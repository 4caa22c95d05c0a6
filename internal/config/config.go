// Package config builds the explicit configuration value handed to the patch
// engine. Values come from defaults, an optional YAML file and the process
// environment, in increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asynkron/roguepatch/pkg/guard"
	"github.com/asynkron/roguepatch/pkg/patch"
	"github.com/asynkron/roguepatch/pkg/snapshot"
)

// DefaultFileName is looked up in the root when no explicit file is given.
const DefaultFileName = ".roguepatch.yaml"

// Environment variables understood by Load.
const (
	EnvRoot         = "CODE_ROOT"
	EnvConfigFile   = "ROGUE_CONFIG"
	EnvSnapshotDir  = "SNAPSHOT_DIR"
	EnvMaxSnapshots = "MAX_SNAPSHOTS"
	EnvMaxDiffSize  = "MAX_DIFF_SIZE"
	EnvFuzzLines    = "PATCH_FUZZ_LINES"
	EnvDenyPatterns = "ROGUE_DENY_PATTERNS"
	EnvDenyGlobs    = "ROGUE_DENY_GLOBS"
	EnvDigest       = "SNAPSHOT_DIGEST"
	EnvLogLevel     = "ROGUE_LOG_LEVEL"
	EnvNoMetrics    = "ROGUE_DISABLE_METRICS"
)

// Config is constructed once at startup and passed to the engine.
type Config struct {
	// Root is the default source tree operations act on.
	Root string `yaml:"root"`
	// SnapshotDir overrides the store location; relative values are resolved
	// against the root of each operation.
	SnapshotDir string `yaml:"snapshot_dir"`
	// MaxSnapshots is the retention cap.
	MaxSnapshots int `yaml:"max_snapshots"`
	// MaxDiffSize is the largest patch text accepted, in bytes.
	MaxDiffSize int `yaml:"max_diff_size"`
	// FuzzLines is the relocation window. Zero requires exact positions.
	FuzzLines int `yaml:"fuzz_lines"`
	// DenyPatterns extend the default denylist with regular expressions.
	DenyPatterns []string `yaml:"deny_patterns"`
	// DenyGlobs extend the default denylist with doublestar globs.
	DenyGlobs []string `yaml:"deny_globs"`
	// SnapshotDigest is "sha256" or "blake3".
	SnapshotDigest string `yaml:"snapshot_digest"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// DisableMetrics turns off the counters reported by the stats tool.
	DisableMetrics bool `yaml:"disable_metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Root:           ".",
		SnapshotDir:    snapshot.DefaultDir,
		MaxSnapshots:   snapshot.DefaultRetention,
		MaxDiffSize:    patch.DefaultMaxPatchBytes,
		FuzzLines:      patch.DefaultFuzz,
		SnapshotDigest: snapshot.DigestSHA256,
		LogLevel:       "info",
	}
}

// Source describes where Load reads from. A nil Getenv reads nothing from the
// environment, which keeps tests hermetic.
type Source struct {
	Getenv func(string) string
	// File is an explicit config path. Empty falls back to ROGUE_CONFIG and
	// then to DefaultFileName inside the root.
	File string
}

// FromEnvironment reads the real process environment.
func FromEnvironment(file string) Source {
	return Source{Getenv: os.Getenv, File: file}
}

// Load merges defaults, the YAML file and the environment, then validates.
func Load(src Source) (Config, error) {
	getenv := src.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	cfg := Default()
	if root := strings.TrimSpace(getenv(EnvRoot)); root != "" {
		cfg.Root = root
	}

	file := strings.TrimSpace(src.File)
	explicit := file != ""
	if !explicit {
		if fromEnv := strings.TrimSpace(getenv(EnvConfigFile)); fromEnv != "" {
			file = fromEnv
			explicit = true
		} else {
			file = filepath.Join(cfg.Root, DefaultFileName)
		}
	}
	if err := loadFile(file, explicit, &cfg); err != nil {
		return cfg, err
	}

	if err := applyEnv(getenv, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, required bool, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("load config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(getenv func(string) string, cfg *Config) error {
	if v := strings.TrimSpace(getenv(EnvRoot)); v != "" {
		cfg.Root = v
	}
	if v := strings.TrimSpace(getenv(EnvSnapshotDir)); v != "" {
		cfg.SnapshotDir = v
	}
	for name, target := range map[string]*int{
		EnvMaxSnapshots: &cfg.MaxSnapshots,
		EnvMaxDiffSize:  &cfg.MaxDiffSize,
		EnvFuzzLines:    &cfg.FuzzLines,
	} {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", name, v)
		}
		*target = parsed
	}
	if v := getenv(EnvDenyPatterns); strings.TrimSpace(v) != "" {
		cfg.DenyPatterns = append(cfg.DenyPatterns, splitList(v)...)
	}
	if v := getenv(EnvDenyGlobs); strings.TrimSpace(v) != "" {
		cfg.DenyGlobs = append(cfg.DenyGlobs, splitList(v)...)
	}
	if v := strings.TrimSpace(getenv(EnvDigest)); v != "" {
		cfg.SnapshotDigest = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(getenv(EnvNoMetrics)); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", EnvNoMetrics, v)
		}
		cfg.DisableMetrics = disabled
	}
	return nil
}

// splitList separates entries on ';' or newlines. Commas are left alone
// because they are common inside regular expressions.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate rejects values the engine cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.MaxSnapshots < 1 {
		return fmt.Errorf("max_snapshots must be >= 1")
	}
	if c.MaxDiffSize < 1 {
		return fmt.Errorf("max_diff_size must be >= 1")
	}
	if c.FuzzLines < 0 || c.FuzzLines > 1000 {
		return fmt.Errorf("fuzz_lines must be between 0 and 1000")
	}
	switch strings.ToLower(c.SnapshotDigest) {
	case snapshot.DigestSHA256, snapshot.DigestBlake3:
	default:
		return fmt.Errorf("snapshot_digest must be %q or %q", snapshot.DigestSHA256, snapshot.DigestBlake3)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if _, err := c.Denylist(); err != nil {
		return err
	}
	return nil
}

// Denylist compiles the default patterns plus the configured extensions.
func (c Config) Denylist() (*guard.Denylist, error) {
	return guard.New(guard.Options{Patterns: c.DenyPatterns, Globs: c.DenyGlobs})
}
