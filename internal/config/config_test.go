package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${CLIMA_TEST_KEY}\n"), 0600)
	t.Setenv("CLIMA_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "secret123")
	}
}

func TestLoad_EnvFileBesideConfig(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nexport CLIMA_ENVFILE_KEY=\"from-dotenv\"\n"), 0600)
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("weather:\n  api_key: ${CLIMA_ENVFILE_KEY}\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("CLIMA_ENVFILE_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Weather.APIKey != "from-dotenv" {
		t.Errorf("weather.api_key = %q, want %q", cfg.Weather.APIKey, "from-dotenv")
	}
}

func TestLoadEnvFile_ExistingWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("CLIMA_EXISTING=file\nCLIMA_NEW='quoted'\nnot a pair\n"), 0600)
	t.Setenv("CLIMA_EXISTING", "env")
	t.Cleanup(func() { os.Unsetenv("CLIMA_NEW") })

	n, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if n != 1 {
		t.Errorf("keys set = %d, want 1", n)
	}
	if got := os.Getenv("CLIMA_EXISTING"); got != "env" {
		t.Errorf("CLIMA_EXISTING = %q, want %q", got, "env")
	}
	if got := os.Getenv("CLIMA_NEW"); got != "quoted" {
		t.Errorf("CLIMA_NEW = %q, want %q", got, "quoted")
	}
}

func TestLoad_DerivedPathsFollowDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/clima\nwhatsapp:\n  typing_delay: 1500ms\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WhatsApp.LogFile != "/var/lib/clima/messages.log" {
		t.Errorf("log_file = %q", cfg.WhatsApp.LogFile)
	}
	if cfg.WhatsApp.ContactsFile != "/var/lib/clima/allowed_contacts.txt" {
		t.Errorf("contacts_file = %q", cfg.WhatsApp.ContactsFile)
	}
	if cfg.WhatsApp.TypingDelay != 1500*time.Millisecond {
		t.Errorf("typing_delay = %v, want 1.5s", cfg.WhatsApp.TypingDelay)
	}
	if cfg.Agent.HistorySize != 10 {
		t.Errorf("history_size = %d, want 10", cfg.Agent.HistorySize)
	}
	if cfg.Models.Default != "gpt-4o-mini" {
		t.Errorf("models.default = %q", cfg.Models.Default)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad provider", func(c *Config) {
			c.Models.Available = append(c.Models.Available, ModelConfig{Name: "x", Provider: "bogus"})
		}, "unknown provider"},
		{"bad history mode", func(c *Config) { c.WhatsApp.HistoryMode = "disk" }, "history_mode"},
		{"admin without hash", func(c *Config) { c.Admin.Username = "admin" }, "password_hash"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"no default model", func(c *Config) { c.Models.Default = "" }, "models.default"},
		{"negative retention", func(c *Config) { c.Usage.RetentionDays = -1 }, "retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MCP.Command = "clima"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q does not contain level=TRACE", buf.String())
	}
}
