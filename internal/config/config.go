package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models icpilot.yml.
type Config struct {
	Pipeline struct {
		DefaultSeed       int64  `yaml:"default_seed"`
		MaxRepairAttempts int    `yaml:"max_repair_attempts"`
		VerifyConcurrency int    `yaml:"verify_concurrency"`
		StageTimeout      string `yaml:"stage_timeout"`
		StrictMandates    bool   `yaml:"strict_mandates"`
	} `yaml:"pipeline"`
	Funds struct {
		Driver         string  `yaml:"driver"`
		DSN            string  `yaml:"dsn"`
		Schema         string  `yaml:"schema"`
		MinTotalAssets float64 `yaml:"min_total_assets"`
		Limit          int     `yaml:"limit"`
	} `yaml:"funds"`
	Events struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		PollInterval      string `yaml:"poll_interval"`
		Redis             struct {
			Addr         string `yaml:"addr"`
			StreamPrefix string `yaml:"stream_prefix"`
			MaxLen       int64  `yaml:"max_len"`
		} `yaml:"redis"`
	} `yaml:"events"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with icpilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

func parseDuration(field, v string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.MaxRepairAttempts < 1 || c.Pipeline.MaxRepairAttempts > 10 {
		return fmt.Errorf("config.pipeline.max_repair_attempts must be between 1 and 10")
	}
	if c.Pipeline.VerifyConcurrency < 1 {
		return fmt.Errorf("config.pipeline.verify_concurrency must be at least 1")
	}
	if _, err := parseDuration("config.pipeline.stage_timeout", c.Pipeline.StageTimeout, true); err != nil {
		return err
	}
	switch c.Funds.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("config.funds.driver must be 'sqlite' or 'pgx'")
	}
	if c.Funds.Limit < 0 {
		return fmt.Errorf("config.funds.limit must not be negative")
	}
	if _, err := parseDuration("config.events.heartbeat_interval", c.Events.HeartbeatInterval, false); err != nil {
		return err
	}
	if _, err := parseDuration("config.events.poll_interval", c.Events.PollInterval, false); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'text'")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event kind", i)
			}
		}
	}
	return nil
}

// StageTimeout is the per-stage deadline; zero disables it.
func (c *Config) StageTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Pipeline.StageTimeout)
	return d
}

func (c *Config) HeartbeatInterval() time.Duration {
	d, _ := time.ParseDuration(c.Events.HeartbeatInterval)
	return d
}

func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Events.PollInterval)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "icpilot.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  default_seed: 42
  max_repair_attempts: 3
  verify_concurrency: 6
  stage_timeout: 5m
  strict_mandates: false

funds:
  driver: sqlite
  dsn: .icpilot/funds.db
  schema: nport_funds
  min_total_assets: 100000000
  limit: 200

events:
  heartbeat_interval: 15s
  poll_interval: 500ms
  redis:
    addr: ""
    stream_prefix: "ic:events:"
    max_len: 10000

logging:
  level: info
  format: text

server:
  addr: ":8080"
  base_path: /v0

webhooks: []
`
