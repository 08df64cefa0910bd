// Package config loads server configuration from environment variables and
// a YAML locations file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Location kinds.
const (
	KindRemote = "remote"
	KindLocal  = "local"
)

// Location describes one configured storage location: a remote bucket or a
// local directory root, plus its quota budget. Zero budget means unlimited.
type Location struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// Remote (object store) settings
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Local filesystem settings
	Root       string `yaml:"root"`
	CreateDirs bool   `yaml:"create_dirs"`

	// Quota budget
	MaxBytes int64 `yaml:"max_bytes"`
	MaxFiles int64 `yaml:"max_files"`
}

// Transfer holds transfer orchestrator settings.
type Transfer struct {
	Concurrency   int      `yaml:"concurrency"`
	RetryAttempts int      `yaml:"retry_attempts"`
	BandwidthBPS  int64    `yaml:"bandwidth_bytes_per_sec"`
	Retention     Duration `yaml:"retention"`
}

// Scan holds listing scan ceilings.
type Scan struct {
	MaxPages   int      `yaml:"max_pages"`
	MaxObjects int      `yaml:"max_objects"`
	MaxResults int      `yaml:"max_results"`
	Timeout    Duration `yaml:"timeout"`
}

// RateLimit holds one operation class's fixed-window budget.
type RateLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RateLimits holds the per-class limits.
type RateLimits struct {
	Search   RateLimit `yaml:"search"`
	Upload   RateLimit `yaml:"upload"`
	Transfer RateLimit `yaml:"transfer"`
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Locations file path
	ConfigFile string

	// SeedUsage controls the startup walk that seeds local quota usage.
	SeedUsage bool

	Transfer   Transfer
	Scan       Scan
	RateLimits RateLimits

	Locations []Location
}

// fileConfig is the YAML schema of the locations file. Sections other than
// locations override the env-derived defaults when present.
type fileConfig struct {
	Locations  []Location  `yaml:"locations"`
	Transfer   *Transfer   `yaml:"transfer"`
	Scan       *Scan       `yaml:"scan"`
	RateLimits *RateLimits `yaml:"rate_limits"`
}

// Load reads configuration from environment variables, then merges the YAML
// locations file on top.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		ConfigFile:  envOr("CONFIG_FILE", "stevedore.yml"),
		SeedUsage:   envBool("SEED_USAGE", true),
		Transfer: Transfer{
			Concurrency:   envInt("TRANSFER_CONCURRENCY", 2),
			RetryAttempts: envInt("TRANSFER_RETRY_ATTEMPTS", 3),
			BandwidthBPS:  envInt64("TRANSFER_BANDWIDTH_BPS", 0),
			Retention:     Duration(envDuration("TRANSFER_RETENTION", time.Hour)),
		},
		Scan: Scan{
			MaxPages:   envInt("SCAN_MAX_PAGES", 5),
			MaxObjects: envInt("SCAN_MAX_OBJECTS", 2500),
			MaxResults: envInt("SCAN_MAX_RESULTS", 500),
			Timeout:    Duration(envDuration("SCAN_TIMEOUT", 10*time.Second)),
		},
		RateLimits: RateLimits{
			Search:   RateLimit{Limit: 10, Window: Duration(time.Minute)},
			Upload:   RateLimit{Limit: 60, Window: Duration(time.Minute)},
			Transfer: RateLimit{Limit: 10, Window: Duration(time.Minute)},
		},
	}

	if err := cfg.mergeFile(cfg.ConfigFile); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads only the YAML file, with built-in defaults for everything
// else. Used by tests and tooling.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "json",
		ConfigFile:  path,
		SeedUsage:   true,
		Transfer: Transfer{
			Concurrency:   2,
			RetryAttempts: 3,
			Retention:     Duration(time.Hour),
		},
		Scan: Scan{
			MaxPages:   5,
			MaxObjects: 2500,
			MaxResults: 500,
			Timeout:    Duration(10 * time.Second),
		},
		RateLimits: RateLimits{
			Search:   RateLimit{Limit: 10, Window: Duration(time.Minute)},
			Upload:   RateLimit{Limit: 60, Window: Duration(time.Minute)},
			Transfer: RateLimit{Limit: 10, Window: Duration(time.Minute)},
		},
	}
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.Locations = fc.Locations
	if fc.Transfer != nil {
		c.Transfer = *fc.Transfer
	}
	if fc.Scan != nil {
		c.Scan = *fc.Scan
	}
	if fc.RateLimits != nil {
		c.RateLimits = *fc.RateLimits
	}
	return nil
}

// Validate checks the assembled configuration and applies floor defaults.
func (c *Config) Validate() error {
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one storage location is required")
	}

	seen := make(map[string]bool, len(c.Locations))
	for i := range c.Locations {
		loc := &c.Locations[i]
		if loc.ID == "" {
			return fmt.Errorf("location %d: id is required", i)
		}
		if seen[loc.ID] {
			return fmt.Errorf("location %s: duplicate id", loc.ID)
		}
		seen[loc.ID] = true

		switch loc.Kind {
		case KindRemote:
			if loc.Bucket == "" {
				return fmt.Errorf("location %s: bucket is required for remote locations", loc.ID)
			}
			if loc.Region == "" {
				loc.Region = "us-east-1"
			}
		case KindLocal:
			if loc.Root == "" {
				return fmt.Errorf("location %s: root is required for local locations", loc.ID)
			}
		default:
			return fmt.Errorf("location %s: unknown kind %q (want %q or %q)", loc.ID, loc.Kind, KindRemote, KindLocal)
		}

		if loc.MaxBytes < 0 || loc.MaxFiles < 0 {
			return fmt.Errorf("location %s: quota budgets must not be negative", loc.ID)
		}
	}

	if c.Transfer.Concurrency < 1 {
		c.Transfer.Concurrency = 2
	}
	if c.Transfer.RetryAttempts < 1 {
		c.Transfer.RetryAttempts = 1
	}
	if c.Transfer.Retention <= 0 {
		c.Transfer.Retention = Duration(time.Hour)
	}
	if c.Scan.MaxPages < 1 {
		c.Scan.MaxPages = 5
	}
	if c.Scan.MaxObjects < 1 {
		c.Scan.MaxObjects = 2500
	}
	if c.Scan.MaxResults < 1 {
		c.Scan.MaxResults = 500
	}
	if c.Scan.Timeout <= 0 {
		c.Scan.Timeout = Duration(10 * time.Second)
	}
	return nil
}

// FindLocation returns the location with the given id, or nil.
func (c *Config) FindLocation(id string) *Location {
	for i := range c.Locations {
		if c.Locations[i].ID == id {
			return &c.Locations[i]
		}
	}
	return nil
}

// Duration wraps time.Duration so YAML values like "10s" or "1h" decode.
type Duration time.Duration

// UnmarshalYAML decodes a duration from an integer (seconds) or a string
// accepted by time.ParseDuration. The integer decode runs first: a yaml
// scalar always satisfies a string target, so the order matters.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
