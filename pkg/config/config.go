// Package config loads the node's event stream settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top level configuration file.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Pces       PcesConfig       `yaml:"pces"`
	RecycleBin RecycleBinConfig `yaml:"recycle_bin"`
}

// PcesConfig configures the preconsensus event stream.
type PcesConfig struct {
	// DatabaseDirectory holds the stream segments.
	DatabaseDirectory string `yaml:"database_directory"`
	// CompactLastFileOnStartup narrows the span of the last segment when the
	// stream is read at startup. The last segment may not have been closed
	// cleanly.
	CompactLastFileOnStartup bool `yaml:"compact_last_file_on_startup"`
	// PermitGaps allows sequence numbers to skip values.
	PermitGaps bool `yaml:"permit_gaps"`
}

// RecycleBinConfig configures where deleted segments go.
type RecycleBinConfig struct {
	Directory       string        `yaml:"directory"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		LogLevel: "info",
		Pces: PcesConfig{
			DatabaseDirectory:        "data/preconsensus-events",
			CompactLastFileOnStartup: true,
			PermitGaps:               false,
		},
		RecycleBin: RecycleBinConfig{
			Directory:       "data/recycle-bin",
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Pces.DatabaseDirectory == "" {
		errs = append(errs, errors.New("pces.database_directory is required"))
	}
	if c.RecycleBin.Directory == "" {
		errs = append(errs, errors.New("recycle_bin.directory is required"))
	}
	if c.Pces.DatabaseDirectory != "" && c.RecycleBin.Directory != "" &&
		within(c.Pces.DatabaseDirectory, c.RecycleBin.Directory) {
		errs = append(errs, fmt.Errorf("recycle_bin.directory %s must not be inside pces.database_directory %s",
			c.RecycleBin.Directory, c.Pces.DatabaseDirectory))
	}
	if c.RecycleBin.Retention < 0 {
		errs = append(errs, fmt.Errorf("recycle_bin.retention must not be negative, got %s", c.RecycleBin.Retention))
	}
	if c.RecycleBin.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("recycle_bin.cleanup_interval must not be negative, got %s", c.RecycleBin.CleanupInterval))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// within reports whether dir is parent or a directory below it.
func within(parent, dir string) bool {
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absParent, absDir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", level)
	}
}
