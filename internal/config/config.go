package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"exam-session-service/internal/validator"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" validate:"omitempty,numeric"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
		Format string `yaml:"format" validate:"omitempty,oneof=json pretty"`
	} `yaml:"log"`
	Storage struct {
		// Backend is memory, redis or postgres; empty picks the first configured one.
		Backend      string `yaml:"backend" validate:"omitempty,oneof=memory redis postgres"`
		Namespace    string `yaml:"namespace"`
		ActiveMarker string `yaml:"active_marker" validate:"omitempty,alphanum"`
	} `yaml:"storage"`
	Redis struct {
		Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"postgres"`
	Grading struct {
		URL          string   `yaml:"url" validate:"omitempty,url"`
		Timeout      string   `yaml:"timeout"`
		TokenURL     string   `yaml:"token_url" validate:"omitempty,url"`
		ClientID     string   `yaml:"client_id" validate:"required_with=TokenURL"`
		ClientSecret string   `yaml:"client_secret"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"grading"`
	Timer struct {
		TickInterval string `yaml:"tick_interval"`
	} `yaml:"timer"`
}

// Load reads YAML config from path, applies .env and environment overrides
// and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := validator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %s", validator.Summary(err))
	}
	return cfg, nil
}

// StorageBackend resolves which storage to use.
func (c Config) StorageBackend() string {
	switch {
	case c.Storage.Backend != "":
		return c.Storage.Backend
	case c.Redis.Addr != "":
		return BackendRedis
	case c.Postgres.URL != "":
		return BackendPostgres
	}
	return BackendMemory
}

func (c *Config) applyEnv() {
	override(&c.Server.Port, "PORT")
	override(&c.Log.Level, "LOG_LEVEL")
	override(&c.Log.Format, "LOG_FORMAT")
	override(&c.Storage.Backend, "EXAM_STORAGE_BACKEND")
	override(&c.Redis.Addr, "EXAM_REDIS_ADDR")
	override(&c.Redis.Password, "EXAM_REDIS_PASSWORD")
	override(&c.Postgres.URL, "EXAM_POSTGRES_URL")
	override(&c.Grading.URL, "EXAM_GRADING_URL")
	override(&c.Grading.TokenURL, "EXAM_GRADING_TOKEN_URL")
	override(&c.Grading.ClientID, "EXAM_GRADING_CLIENT_ID")
	override(&c.Grading.ClientSecret, "EXAM_GRADING_CLIENT_SECRET")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
