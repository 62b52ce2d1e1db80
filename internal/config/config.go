package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel          = "claude-sonnet-4-5-20250929"
	DefaultGeminiModel    = "gemini-2.5-flash"
	DefaultMaxTokens      = 2048
	DefaultTemperature    = 0.7
	DefaultInsightTimeout = 60
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultSessionTTL     = "168h"
	DefaultDigestExpr     = "0 0 9 * * 1"
	DefaultReminderExpr   = "0 0 21 * * *"
	DefaultLogLevel       = "info"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Insight  InsightConfig  `json:"insight" yaml:"insight"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host             string   `json:"host" yaml:"host"`
	Port             int      `json:"port" yaml:"port"`
	AllowedOrigins   []string `json:"allowedOrigins" yaml:"allowedOrigins"`
	SessionTTL       string   `json:"sessionTtl" yaml:"sessionTtl"`
	StrictValidation bool     `json:"strictValidation" yaml:"strictValidation"`
}

type DatabaseConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default), "openai" or "gemini"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type InsightConfig struct {
	Model          string  `json:"model" yaml:"model"`
	MaxTokens      int     `json:"maxTokens" yaml:"maxTokens"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Workspace      string  `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type ScheduleConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Digest   string `json:"digest" yaml:"digest"`
	Reminder string `json:"reminder" yaml:"reminder"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			AllowedOrigins: []string{"http://localhost:3001", "http://127.0.0.1:3001"},
			SessionTTL:     DefaultSessionTTL,
		},
		Insight: InsightConfig{
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			Temperature:    DefaultTemperature,
			TimeoutSeconds: DefaultInsightTimeout,
		},
		Schedule: ScheduleConfig{
			Enabled:  true,
			Digest:   DefaultDigestExpr,
			Reminder: DefaultReminderExpr,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".lovecare")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// YAMLConfigPath is consulted when config.json does not exist.
func YAMLConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DatabasePath resolves the SQLite file, defaulting under the config dir.
func (c *Config) DatabasePath() string {
	if p := strings.TrimSpace(c.Database.Path); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "lovecare.db")
}

// JobStorePath is where scheduled jobs are persisted.
func (c *Config) JobStorePath() string {
	return filepath.Join(ConfigDir(), "data", "cron", "jobs.json")
}

// InsightWorkspace is the project root handed to the agent runtime.
func (c *Config) InsightWorkspace() string {
	if ws := strings.TrimSpace(c.Insight.Workspace); ws != "" {
		return ws
	}
	return filepath.Join(ConfigDir(), "workspace")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		yamlData, yerr := os.ReadFile(YAMLConfigPath())
		if yerr != nil && !os.IsNotExist(yerr) {
			return nil, fmt.Errorf("read config: %w", yerr)
		}
		if yerr == nil {
			if err := yaml.Unmarshal(yamlData, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.SessionTTL == "" {
		cfg.Server.SessionTTL = DefaultSessionTTL
	}
	if cfg.Insight.MaxTokens <= 0 {
		cfg.Insight.MaxTokens = DefaultMaxTokens
	}
	if cfg.Insight.TimeoutSeconds <= 0 {
		cfg.Insight.TimeoutSeconds = DefaultInsightTimeout
	}
	if cfg.Insight.Model == "" {
		cfg.Insight.Model = DefaultModel
	}
	if cfg.Provider.Type == ProviderGemini && cfg.Insight.Model == DefaultModel {
		cfg.Insight.Model = DefaultGeminiModel
	}
	if cfg.Schedule.Digest == "" {
		cfg.Schedule.Digest = DefaultDigestExpr
	}
	if cfg.Schedule.Reminder == "" {
		cfg.Schedule.Reminder = DefaultReminderExpr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("LOVECARE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = ProviderOpenAI
		}
	}
	for _, name := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if key := os.Getenv(name); key != "" && cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = key
			if cfg.Provider.Type == "" {
				cfg.Provider.Type = ProviderGemini
			}
		}
	}
	if p := os.Getenv("LOVECARE_PROVIDER"); p != "" {
		cfg.Provider.Type = strings.ToLower(strings.TrimSpace(p))
	}
	if m := os.Getenv("LOVECARE_MODEL"); m != "" {
		cfg.Insight.Model = m
	}
	if url := os.Getenv("LOVECARE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if path := os.Getenv("LOVECARE_DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if port := os.Getenv("LOVECARE_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if token := os.Getenv("LOVECARE_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if strict := os.Getenv("LOVECARE_STRICT_VALIDATION"); strict != "" {
		if parsed, err := strconv.ParseBool(strict); err == nil {
			cfg.Server.StrictValidation = parsed
		}
	}
	if level := os.Getenv("LOVECARE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
