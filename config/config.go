package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML-decodes from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type TelegramConfig struct {
	Token string `yaml:"token"`
}

type AnalyzerConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

type RuntimeConfig struct {
	AutotradeEvery Duration `yaml:"autotradeEvery"`
	PriceEvery     Duration `yaml:"priceEvery"`
	SweepEvery     Duration `yaml:"sweepEvery"`
}

// Load builds the config from the environment (a .env file is honored when
// present) and overlays the optional YAML file named by SIGNALKEY_CONFIG.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			DSN: envOr("DATABASE_DSN", "signalkey.db"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Telegram: TelegramConfig{
			Token: os.Getenv("TELEGRAM_TOKEN"),
		},
		Analyzer: AnalyzerConfig{
			URL:     os.Getenv("ANALYZER_URL"),
			Timeout: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Addr: envOr("SERVER_ADDR", ":8080"),
		},
		Logging: LoggingConfig{
			Level:      envOr("LOG_LEVEL", "info"),
			JSON:       os.Getenv("LOG_JSON") == "true",
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Runtime: RuntimeConfig{
			AutotradeEvery: Duration(time.Minute),
			PriceEvery:     Duration(5 * time.Second),
			SweepEvery:     Duration(time.Minute),
		},
	}

	if path := os.Getenv("SIGNALKEY_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Server.Addr == "" {
		return ErrMissingServerAddr
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

var (
	ErrMissingDSN        = &ConfigError{Field: "DATABASE_DSN", Message: "required but not set"}
	ErrMissingServerAddr = &ConfigError{Field: "SERVER_ADDR", Message: "required but not set"}
)
