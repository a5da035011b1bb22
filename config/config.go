package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"aim-bot/chat"
)

// Config holds all application configuration.
type Config struct {
	MSAPIKey          string `yaml:"ms_api_key"`
	MSAPIURL          string `yaml:"ms_api_url"`
	MSWebSocketURL    string `yaml:"ms_ws_url"`
	MSWriteToken      string `yaml:"ms_write_token"`
	TelegramToken     string `yaml:"telegram_token"`
	ChatID            int64  `yaml:"chat_id"`
	AdminChatID       int64  `yaml:"admin_chat_id"`
	ChatHost          string `yaml:"chat_host"`
	RoomID            int64  `yaml:"room_id"`
	SmokeyID          int64  `yaml:"smokey_id"`
	PollSchedule      string `yaml:"poll_schedule"`
	ResyncSchedule    string `yaml:"resync_schedule"`
	PerPage           int    `yaml:"per_page"`
	DetailConcurrency int    `yaml:"detail_concurrency"`
	FetchTimeoutSecs  int    `yaml:"fetch_timeout_secs"`
	PendingTTLSecs    int    `yaml:"pending_ttl_secs"`
	RestoreWindowHrs  int    `yaml:"restore_window_hours"`
	DBPath            string `yaml:"db_path"`
	MetricsAddr       string `yaml:"metrics_addr"`
	LogLevel          string `yaml:"log_level"`
	Timezone          string `yaml:"timezone"`
}

// FetchTimeout returns the HTTP timeout for metasmoke and chat requests.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// PendingTTL returns how long a decoration may wait for its report. Zero
// means forever.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSecs) * time.Second
}

// RestoreWindow returns how far back relayed reports are restored at startup.
func (c *Config) RestoreWindow() time.Duration {
	return time.Duration(c.RestoreWindowHrs) * time.Hour
}

var dailyTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("AIM_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

func applyDefaults(cfg *Config) {
	if cfg.MSAPIURL == "" {
		cfg.MSAPIURL = "https://metasmoke.erwaysoftware.com"
	}
	if cfg.MSWebSocketURL == "" {
		cfg.MSWebSocketURL = "wss://metasmoke.erwaysoftware.com/cable"
	}
	if cfg.ChatHost == "" {
		cfg.ChatHost = "chat.stackexchange.com"
	}
	if cfg.SmokeyID == 0 {
		cfg.SmokeyID = chat.SmokeyIDs[cfg.ChatHost]
	}
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = "@every 30s"
	}
	if cfg.ResyncSchedule == "" {
		cfg.ResyncSchedule = "@every 10m"
	}
	if cfg.PerPage == 0 {
		cfg.PerPage = 10
	}
	if cfg.DetailConcurrency == 0 {
		cfg.DetailConcurrency = 4
	}
	if cfg.FetchTimeoutSecs == 0 {
		cfg.FetchTimeoutSecs = 10
	}
	if cfg.RestoreWindowHrs == 0 {
		cfg.RestoreWindowHrs = 24
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./aim-bot.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if dbPath := os.Getenv("AIM_DB"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if key := os.Getenv("AIM_MS_KEY"); key != "" {
		cfg.MSAPIKey = key
	}
	if token := os.Getenv("AIM_TELEGRAM_TOKEN"); token != "" {
		cfg.TelegramToken = token
	}
}

func validate(cfg *Config) error {
	if cfg.MSAPIKey == "" {
		return fmt.Errorf("ms_api_key is required")
	}
	if cfg.TelegramToken == "" {
		return fmt.Errorf("telegram_token is required")
	}
	if cfg.ChatID == 0 {
		return fmt.Errorf("chat_id is required")
	}
	if cfg.RoomID <= 0 {
		return fmt.Errorf("room_id is required")
	}
	if cfg.SmokeyID == 0 {
		return fmt.Errorf("smokey_id is required for chat host %q", cfg.ChatHost)
	}
	if err := validateSchedule(cfg.PollSchedule); err != nil {
		return fmt.Errorf("poll_schedule: %w", err)
	}
	if err := validateSchedule(cfg.ResyncSchedule); err != nil {
		return fmt.Errorf("resync_schedule: %w", err)
	}
	if cfg.PerPage < 1 || cfg.PerPage > 100 {
		return fmt.Errorf("per_page must be between 1 and 100, got %d", cfg.PerPage)
	}
	if cfg.DetailConcurrency < 1 {
		return fmt.Errorf("detail_concurrency must be positive, got %d", cfg.DetailConcurrency)
	}
	if cfg.PendingTTLSecs < 0 {
		return fmt.Errorf("pending_ttl_secs must not be negative, got %d", cfg.PendingTTLSecs)
	}
	if !logLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}

func validateSchedule(spec string) error {
	if dailyTimeRegex.MatchString(spec) {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
