// Package config loads and validates the daemon YAML configuration file.
// All fields are optional on disk, missing values fall back to defaults
// suitable for a single-host deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

const (
	// validation limits for timing knobs
	minGrace    = time.Second
	maxGrace    = 10 * time.Minute
	minKillWait = time.Second
	maxKillWait = 5 * time.Minute

	defaultDBPath         = "var/trainn.db"
	defaultListen         = "localhost:8080"
	defaultGrace          = 10 * time.Second
	defaultKillWait       = 5 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultLossBufferSize = 10
	defaultConcurrency    = 4
	defaultIngestLimit    = 50
)

// Config is the daemon configuration loaded from a YAML file
type Config struct {
	DBPath string `yaml:"db_path" json:"db_path,omitempty" jsonschema:"description=path to the sqlite database file"`
	Listen string `yaml:"listen" json:"listen,omitempty" jsonschema:"description=address for the http server,example=localhost:8080"`

	Grace         time.Duration `yaml:"grace" json:"grace,omitempty" jsonschema:"description=how long to wait after SIGTERM before escalating to SIGKILL"`
	KillWait      time.Duration `yaml:"kill_wait" json:"kill_wait,omitempty" jsonschema:"description=how long to wait after SIGKILL before reporting failure"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval,omitempty" jsonschema:"description=how often to check liveness of reattached processes"`

	LossBufferSize int     `yaml:"loss_buffer_size" json:"loss_buffer_size,omitempty" jsonschema:"description=number of recent training losses kept per job"`
	Concurrency    int     `yaml:"concurrency" json:"concurrency,omitempty" jsonschema:"description=parallelism of the restart reconnection scan"`
	IngestLimit    float64 `yaml:"ingest_limit" json:"ingest_limit,omitempty" jsonschema:"description=metric reports per second accepted per client"`

	CleanupCommand       string `yaml:"cleanup_command" json:"cleanup_command,omitempty" jsonschema:"description=shell command executed once after a job is cancelled"`
	OperatorPasswordHash string `yaml:"operator_password_hash" json:"operator_password_hash,omitempty" jsonschema:"description=bcrypt hash protecting the control api with basic auth"`
}

// Load reads the config file and applies defaults. A missing path returns
// the default configuration without error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator-provided
		if err != nil {
			return nil, fmt.Errorf("can't read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("can't parse config %s: %w", path, err)
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Grace == 0 {
		c.Grace = defaultGrace
	}
	if c.KillWait == 0 {
		c.KillWait = defaultKillWait
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.LossBufferSize == 0 {
		c.LossBufferSize = defaultLossBufferSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.IngestLimit == 0 {
		c.IngestLimit = defaultIngestLimit
	}
}

// Validate checks timing knobs and sizes after defaults are applied
func (c *Config) Validate() error {
	if c.Grace < minGrace || c.Grace > maxGrace {
		return fmt.Errorf("grace must be between %v and %v, got %v", minGrace, maxGrace, c.Grace)
	}
	if c.KillWait < minKillWait || c.KillWait > maxKillWait {
		return fmt.Errorf("kill_wait must be between %v and %v, got %v", minKillWait, maxKillWait, c.KillWait)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep_interval must be at least 1s, got %v", c.SweepInterval)
	}
	if c.LossBufferSize < 1 {
		return fmt.Errorf("loss_buffer_size must be positive, got %d", c.LossBufferSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.IngestLimit <= 0 {
		return fmt.Errorf("ingest_limit must be positive, got %v", c.IngestLimit)
	}
	return nil
}

// GenerateSchema generates a JSON schema for the Config struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}
