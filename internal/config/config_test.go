package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"LOVECARE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"LOVECARE_PROVIDER", "LOVECARE_MODEL", "LOVECARE_BASE_URL", "LOVECARE_DB_PATH", "LOVECARE_PORT",
		"LOVECARE_TELEGRAM_TOKEN", "LOVECARE_STRICT_VALIDATION", "LOVECARE_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Insight.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Insight.Model, DefaultModel)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.StrictValidation {
		t.Error("strictValidation should be off by default")
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("allowedOrigins = %v, want 2 localhost origins", cfg.Server.AllowedOrigins)
	}
	if cfg.Schedule.Digest != DefaultDigestExpr || cfg.Schedule.Reminder != DefaultReminderExpr {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Insight.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Insight.Model)
	}
	if cfg.DatabasePath() != filepath.Join(ConfigDir(), "data", "lovecare.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".lovecare")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}

	testCfg := map[string]any{
		"server": map[string]any{
			"port":             9001,
			"strictValidation": true,
		},
		"provider": map[string]any{
			"type":   "openai",
			"apiKey": "file-key",
		},
		"insight": map[string]any{
			"model": "gpt-4o-mini",
		},
	}
	data, _ := json.Marshal(testCfg)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if !cfg.Server.StrictValidation {
		t.Error("strictValidation should be true")
	}
	if cfg.Provider.Type != ProviderOpenAI || cfg.Provider.APIKey != "file-key" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Insight.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Insight.Model)
	}
	// Defaults survive partial files.
	if cfg.Insight.MaxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", cfg.Insight.MaxTokens, DefaultMaxTokens)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".lovecare")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlCfg := `
provider:
  type: gemini
  apiKey: yaml-key
telegram:
  enabled: true
  token: tg-token
database:
  path: /tmp/custom.db
`
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(yamlCfg), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.Type != ProviderGemini || cfg.Provider.APIKey != "yaml-key" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Insight.Model != DefaultGeminiModel {
		t.Errorf("model = %q, want %q", cfg.Insight.Model, DefaultGeminiModel)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.DatabasePath() != "/tmp/custom.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("LOVECARE_PORT", "9100")
	t.Setenv("LOVECARE_STRICT_VALIDATION", "true")
	t.Setenv("LOVECARE_DB_PATH", "/data/journal.db")
	t.Setenv("LOVECARE_TELEGRAM_TOKEN", "env-token")
	t.Setenv("LOVECARE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" || cfg.Provider.Type != ProviderOpenAI {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if !cfg.Server.StrictValidation {
		t.Error("strict validation override ignored")
	}
	if cfg.Database.Path != "/data/journal.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("telegram token = %q", cfg.Telegram.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfig_LovecareKeyWins(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	t.Setenv("LOVECARE_API_KEY", "primary")
	t.Setenv("ANTHROPIC_API_KEY", "secondary")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "primary" {
		t.Errorf("apiKey = %q, want primary", cfg.Provider.APIKey)
	}
	if cfg.Provider.Type != "" {
		t.Errorf("provider type = %q, want default", cfg.Provider.Type)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".lovecare")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{not json"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("apiKey = %q, want saved-key", loaded.Provider.APIKey)
	}
}
