// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AIConfig struct {
	OpenAIKey       string `yaml:"openai_key"`
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	DefaultModel    string `yaml:"default_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"` // 0 disables the redis limiter
}

// BatchConfig governs the continuation chain and stale-run reclamation.
type BatchConfig struct {
	Secret         string        `yaml:"secret"`          // x-batch-secret shared with the trigger
	BaseURL        string        `yaml:"base_url"`        // where process-next is reachable, e.g. http://127.0.0.1:8080
	StaleThreshold time.Duration `yaml:"stale_threshold"` // heartbeat age before reclamation
	DefaultPacing  time.Duration `yaml:"default_pacing"`  // inter-item delay when a run doesn't set one
	TriggerTimeout time.Duration `yaml:"trigger_timeout"` // per hand-off HTTP timeout
}

type AuthConfig struct {
	APIKey     string        `yaml:"api_key"`
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Batch    BatchConfig    `yaml:"batch"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 4096
	}
	if cfg.Batch.StaleThreshold <= 0 {
		cfg.Batch.StaleThreshold = 2 * time.Minute
	}
	if cfg.Batch.TriggerTimeout <= 0 {
		cfg.Batch.TriggerTimeout = 15 * time.Second
	}
	if cfg.Batch.BaseURL == "" {
		cfg.Batch.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	if cfg.Auth.SessionTTL <= 0 {
		cfg.Auth.SessionTTL = 30 * time.Minute
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Batch.Secret == "" {
		return nil, errors.New("batch.secret is required")
	}
	if cfg.Auth.APIKey == "" {
		return nil, errors.New("auth.api_key is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
