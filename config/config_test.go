package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `
ms_api_key: "ms-key"
telegram_token: "test-token"
chat_id: -1001
room_id: 11540
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MSAPIURL != "https://metasmoke.erwaysoftware.com" {
		t.Errorf("MSAPIURL = %q", cfg.MSAPIURL)
	}
	if cfg.MSWebSocketURL != "wss://metasmoke.erwaysoftware.com/cable" {
		t.Errorf("MSWebSocketURL = %q", cfg.MSWebSocketURL)
	}
	if cfg.ChatHost != "chat.stackexchange.com" {
		t.Errorf("ChatHost = %q, want %q", cfg.ChatHost, "chat.stackexchange.com")
	}
	if cfg.SmokeyID != 120914 {
		t.Errorf("SmokeyID = %d, want %d", cfg.SmokeyID, 120914)
	}
	if cfg.PollSchedule != "@every 30s" {
		t.Errorf("PollSchedule = %q, want %q", cfg.PollSchedule, "@every 30s")
	}
	if cfg.ResyncSchedule != "@every 10m" {
		t.Errorf("ResyncSchedule = %q, want %q", cfg.ResyncSchedule, "@every 10m")
	}
	if cfg.PerPage != 10 {
		t.Errorf("PerPage = %d, want %d", cfg.PerPage, 10)
	}
	if cfg.DetailConcurrency != 4 {
		t.Errorf("DetailConcurrency = %d, want %d", cfg.DetailConcurrency, 4)
	}
	if cfg.FetchTimeout() != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want %v", cfg.FetchTimeout(), 10*time.Second)
	}
	if cfg.PendingTTL() != 0 {
		t.Errorf("PendingTTL = %v, want 0", cfg.PendingTTL())
	}
	if cfg.RestoreWindow() != 24*time.Hour {
		t.Errorf("RestoreWindow = %v, want %v", cfg.RestoreWindow(), 24*time.Hour)
	}
	if cfg.DBPath != "./aim-bot.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "./aim-bot.db")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want %q", cfg.Timezone, "UTC")
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("MetricsAddr = %q, want empty", cfg.MetricsAddr)
	}
}

func TestLoadOverrideDefaults(t *testing.T) {
	content := `
ms_api_key: "ms-key"
ms_api_url: "http://localhost:3000"
ms_ws_url: "ws://localhost:3000/cable"
ms_write_token: "write"
telegram_token: "test-token"
chat_id: 123456
admin_chat_id: 42
chat_host: "chat.stackoverflow.com"
room_id: 41570
poll_schedule: "*/1 * * * *"
resync_schedule: "04:30"
per_page: 50
detail_concurrency: 8
fetch_timeout_secs: 30
pending_ttl_secs: 3600
restore_window_hours: 48
db_path: "/data/aim.db"
metrics_addr: ":9090"
log_level: "debug"
timezone: "Europe/Rome"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MSWriteToken != "write" {
		t.Errorf("MSWriteToken = %q, want %q", cfg.MSWriteToken, "write")
	}
	if cfg.AdminChatID != 42 {
		t.Errorf("AdminChatID = %d, want %d", cfg.AdminChatID, 42)
	}
	if cfg.SmokeyID != 3735529 {
		t.Errorf("SmokeyID = %d, want %d", cfg.SmokeyID, 3735529)
	}
	if cfg.RoomID != 41570 {
		t.Errorf("RoomID = %d, want %d", cfg.RoomID, 41570)
	}
	if cfg.ResyncSchedule != "04:30" {
		t.Errorf("ResyncSchedule = %q, want %q", cfg.ResyncSchedule, "04:30")
	}
	if cfg.PerPage != 50 || cfg.DetailConcurrency != 8 {
		t.Errorf("PerPage = %d, DetailConcurrency = %d", cfg.PerPage, cfg.DetailConcurrency)
	}
	if cfg.PendingTTL() != time.Hour {
		t.Errorf("PendingTTL = %v, want %v", cfg.PendingTTL(), time.Hour)
	}
	if cfg.RestoreWindow() != 48*time.Hour {
		t.Errorf("RestoreWindow = %v, want %v", cfg.RestoreWindow(), 48*time.Hour)
	}
	if cfg.DBPath != "/data/aim.db" || cfg.MetricsAddr != ":9090" {
		t.Errorf("DBPath = %q, MetricsAddr = %q", cfg.DBPath, cfg.MetricsAddr)
	}
	if cfg.LogLevel != "debug" || cfg.Timezone != "Europe/Rome" {
		t.Errorf("LogLevel = %q, Timezone = %q", cfg.LogLevel, cfg.Timezone)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"ms_api_key", "telegram_token: t\nchat_id: 1\nroom_id: 1\n"},
		{"telegram_token", "ms_api_key: k\nchat_id: 1\nroom_id: 1\n"},
		{"chat_id", "ms_api_key: k\ntelegram_token: t\nroom_id: 1\n"},
		{"room_id", "ms_api_key: k\ntelegram_token: t\nchat_id: 1\n"},
		{"smokey_id", "ms_api_key: k\ntelegram_token: t\nchat_id: 1\nroom_id: 1\nchat_host: chat.example.com\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("expected error for missing %s", tt.name)
			}
		})
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"poll schedule", `poll_schedule: "sometimes"`},
		{"resync time", `resync_schedule: "25:00"`},
		{"per_page", "per_page: 500"},
		{"detail_concurrency", "detail_concurrency: -1"},
		{"pending ttl", "pending_ttl_secs: -5"},
		{"log level", `log_level: "verbose"`},
		{"timezone", `timezone: "Invalid/Zone"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, minimalConfig+tt.extra+"\n")); err == nil {
				t.Errorf("expected error for %s", tt.extra)
			}
		})
	}
}

func TestLoadValidSchedules(t *testing.T) {
	tests := []string{"@every 30s", "@hourly", "*/5 * * * *", "09:00", "23:59"}

	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig+`poll_schedule: "`+tt+`"`+"\n"))
			if err != nil {
				t.Fatalf("unexpected error for poll_schedule %q: %v", tt, err)
			}
			if cfg.PollSchedule != tt {
				t.Errorf("PollSchedule = %q, want %q", cfg.PollSchedule, tt)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content:`))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	content := `
telegram_token: "file-token"
chat_id: 1
room_id: 1
db_path: "/original/path.db"
`
	t.Setenv("AIM_DB", "/override/path.db")
	t.Setenv("AIM_MS_KEY", "env-key")
	t.Setenv("AIM_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/override/path.db" {
		t.Errorf("DBPath = %q, want %q (from env)", cfg.DBPath, "/override/path.db")
	}
	if cfg.MSAPIKey != "env-key" {
		t.Errorf("MSAPIKey = %q, want %q (from env)", cfg.MSAPIKey, "env-key")
	}
	if cfg.TelegramToken != "env-token" {
		t.Errorf("TelegramToken = %q, want %q (from env)", cfg.TelegramToken, "env-token")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("AIM_CONFIG", "")
	if path := GetConfigPath(); path != "./config.yaml" {
		t.Errorf("GetConfigPath() = %q, want %q", path, "./config.yaml")
	}

	t.Setenv("AIM_CONFIG", "/custom/config.yaml")
	if path := GetConfigPath(); path != "/custom/config.yaml" {
		t.Errorf("GetConfigPath() = %q, want %q", path, "/custom/config.yaml")
	}
}
