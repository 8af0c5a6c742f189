// Package config loads and validates the on-disk configuration for a
// matrixcore-embedding application: the one Store it opens and the set of
// accounts (Clients) it drives (spec §2 "MatrixContext").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a matrixcore MatrixContext.
type Config struct {
	Store    StoreConfig     `yaml:"store"`
	Accounts []AccountConfig `yaml:"accounts"`
	Sync     SyncConfig      `yaml:"sync"`
	Rotation RotationConfig  `yaml:"rotation"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// StoreConfig locates the single SQLite journal the MatrixContext opens
// (spec §4.1 "open(dir, filename)").
type StoreConfig struct {
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
}

// AccountConfig describes one (user, device) the MatrixContext logs in and
// drives a Client for (spec §3 "Account"). Password and AccessToken are
// conveniences for config-file-driven setups; production embedders are
// expected to resolve both through a credstore.CredentialSink keyed on
// (Username, Homeserver) instead of committing them to disk in clear.
type AccountConfig struct {
	Homeserver  string `yaml:"homeserver"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password,omitempty"`
	AccessToken string `yaml:"access_token,omitempty"`
	DeviceID    string `yaml:"device_id,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
	Enabled     bool   `yaml:"enabled"`
}

// SyncConfig controls the long-poll /sync loop (spec §4.6 "Sync loop").
type SyncConfig struct {
	TimeoutMS      int `yaml:"timeout_ms"`
	TimelineLimit  int `yaml:"timeline_limit"`
	RetryDelaySecs int `yaml:"retry_delay_secs"`
}

// RotationConfig controls outbound Megolm session rotation (spec §4.2
// "Rotation policy", §9 resolving the source's zero-duration default).
type RotationConfig struct {
	MessageCount int `yaml:"message_count"`
	PeriodHours  int `yaml:"period_hours"`
}

// Duration converts PeriodHours to a time.Duration, applying the same
// 7-day default crypto.RotationPolicy.normalized would if left at zero.
func (r RotationConfig) Duration() time.Duration {
	if r.PeriodHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(r.PeriodHours) * time.Hour
}

// LoggingConfig controls log output, mirroring the teacher bridge's
// multi-writer log configuration.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type       string `yaml:"type"` // "stdout" or "file"
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file, expanding ${VAR}-style
// environment references (e.g. account passwords and access tokens) before
// unmarshalling, then validates and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields are present and fills in defaults for
// everything else, the way the teacher bridge's config.Validate does.
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Store.Filename == "" {
		c.Store.Filename = "matrixcore.db"
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one entry in accounts is required")
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Homeserver == "" {
			return fmt.Errorf("accounts[%d].homeserver is required", i)
		}
		if a.Username == "" {
			return fmt.Errorf("accounts[%d].username is required", i)
		}
		if a.Password == "" && a.AccessToken == "" {
			return fmt.Errorf("accounts[%d] needs either password or access_token", i)
		}
	}

	if c.Sync.TimeoutMS <= 0 {
		c.Sync.TimeoutMS = 30000
	}
	if c.Sync.TimelineLimit <= 0 {
		c.Sync.TimelineLimit = 20
	}
	if c.Sync.RetryDelaySecs <= 0 {
		c.Sync.RetryDelaySecs = 30
	}

	if c.Rotation.MessageCount <= 0 {
		c.Rotation.MessageCount = 100
	}
	if c.Rotation.PeriodHours <= 0 {
		c.Rotation.PeriodHours = 7 * 24
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []LoggerWriter{{Type: "stdout", Format: "pretty"}}
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9110"
	}

	return nil
}

// GenerateExample returns a commented example configuration, used by the
// cmd/matrixcore -generate-config flag.
func GenerateExample() string {
	return exampleConfig
}

const exampleConfig = `# matrixcore configuration

store:
  dir: ./data
  filename: matrixcore.db

accounts:
  - homeserver: https://matrix.example.org
    username: "@alice:example.org"
    password: "${MATRIXCORE_ALICE_PASSWORD}"
    device_id: ""
    display_name: matrixcore
    enabled: true

sync:
  timeout_ms: 30000
  timeline_limit: 20
  retry_delay_secs: 30

rotation:
  message_count: 100
  period_hours: 168

logging:
  min_level: info
  writers:
    - type: stdout
      format: pretty

metrics:
  enabled: true
  listen: 127.0.0.1:9110
`
