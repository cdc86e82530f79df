package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/offload/internal/checksum"
	"github.com/BadgerOps/offload/internal/safety"
	"github.com/BadgerOps/offload/internal/transfer"
)

// Config is the top-level configuration
type Config struct {
	Source          string      `yaml:"source"`
	Destinations    []string    `yaml:"destinations"`
	Algorithm       string      `yaml:"algorithm"`
	Include         []string    `yaml:"include"`
	Exclude         []string    `yaml:"exclude"`
	OverwritePolicy string      `yaml:"overwrite_policy"`
	Workers         int         `yaml:"workers"`
	ChunkSize       string      `yaml:"chunk_size"`
	FileTimeout     string      `yaml:"file_timeout"`
	ProjectID       string      `yaml:"project_id"`
	ShootDay        string      `yaml:"shoot_day"`
	ReportPath      string      `yaml:"report_path"`
	Audit           AuditConfig `yaml:"audit"`
	State           StateConfig `yaml:"state"`
}

// AuditConfig holds ledger settings
type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// StateConfig holds run history settings
type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a config with sensible defaults. The overwrite
// policy is deliberately left empty and must be chosen by the operator.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: string(checksum.SHA256),
		Workers:   2 * runtime.NumCPU(),
		ChunkSize: "8MB",
		Audit: AuditConfig{
			LogPath: "offload-ledger.jsonl",
		},
		State: StateConfig{
			DBPath: "",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"offload.yaml",
		"/etc/offload/offload.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "offload", "offload.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Validate checks the config before any file is touched. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if len(c.Destinations) == 0 {
		errs = append(errs, errors.New("at least one destination is required"))
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, errors.New("destination path is empty"))
			continue
		}
		clean := filepath.Clean(d)
		if seen[clean] {
			errs = append(errs, fmt.Errorf("destination %q listed twice", d))
		}
		seen[clean] = true
		for _, other := range c.Destinations[:i] {
			if strings.TrimSpace(other) == "" || filepath.Clean(other) == clean {
				continue
			}
			if overlap, err := safety.Overlaps(other, d); err == nil && overlap {
				errs = append(errs, fmt.Errorf("destinations %q and %q overlap", other, d))
			}
		}
		if c.Source != "" {
			if overlap, err := safety.Overlaps(c.Source, d); err != nil {
				errs = append(errs, err)
			} else if overlap {
				errs = append(errs, fmt.Errorf("destination %q overlaps the source %q", d, c.Source))
			}
		}
	}
	if _, err := checksum.ParseAlgorithm(c.Algorithm); err != nil {
		errs = append(errs, err)
	}
	if _, err := transfer.ParsePolicy(c.OverwritePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.ChunkSize != "" {
		if n, err := ParseSize(c.ChunkSize); err != nil {
			errs = append(errs, fmt.Errorf("chunk_size: %w", err))
		} else if n == 0 {
			errs = append(errs, errors.New("chunk_size must be greater than zero"))
		}
	}
	if _, err := c.FileTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ChunkSizeBytes returns the parsed chunk size, or the default when unset.
func (c *Config) ChunkSizeBytes() int {
	if c.ChunkSize == "" {
		return checksum.DefaultChunkSize
	}
	n, err := ParseSize(c.ChunkSize)
	if err != nil || n <= 0 {
		return checksum.DefaultChunkSize
	}
	return int(n)
}

// FileTimeoutDuration parses file_timeout. Zero means no timeout.
func (c *Config) FileTimeoutDuration() (time.Duration, error) {
	if c.FileTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.FileTimeout)
	if err != nil {
		return 0, fmt.Errorf("file_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("file_timeout must not be negative, got %s", c.FileTimeout)
	}
	return d, nil
}

// WorkerCount returns the configured pool size, defaulting to 2x CPUs.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 2 * runtime.NumCPU()
}
