package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Queue        QueueConfig        `json:"queue"`
	Capabilities CapabilitiesConfig `json:"capabilities"`
	Delivery     DeliveryConfig     `json:"delivery"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// QueueConfig tunes the stage job scheduler.
type QueueConfig struct {
	Workers     int      `json:"workers"`
	MaxAttempts int      `json:"max_attempts"`
	BackoffBase Duration `json:"backoff_base"`
	BackoffCap  Duration `json:"backoff_cap"`
}

// CapabilitiesConfig tunes capability invocation.
type CapabilitiesConfig struct {
	DefaultTimeout Duration `json:"default_timeout"`
	MaxRetries     int      `json:"max_retries"`
	RetryBase      Duration `json:"retry_base"`
	RetryCap       Duration `json:"retry_cap"`
}

type DeliveryConfig struct {
	Slack   SlackDeliveryConfig   `json:"slack"`
	Discord DiscordDeliveryConfig `json:"discord"`
}

type SlackDeliveryConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type DiscordDeliveryConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = Duration(2 * time.Second)
	}
	if c.Queue.BackoffCap <= 0 {
		c.Queue.BackoffCap = Duration(60 * time.Second)
	}
	if c.Capabilities.DefaultTimeout <= 0 {
		c.Capabilities.DefaultTimeout = Duration(30 * time.Second)
	}
	if c.Capabilities.MaxRetries <= 0 {
		c.Capabilities.MaxRetries = 3
	}
	if c.Capabilities.RetryBase <= 0 {
		c.Capabilities.RetryBase = Duration(time.Second)
	}
	if c.Capabilities.RetryCap <= 0 {
		c.Capabilities.RetryCap = Duration(30 * time.Second)
	}
}
