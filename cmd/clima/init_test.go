package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/clima/internal/config"
)

// clearUmask makes permission assertions independent of the caller's
// umask.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	for _, name := range []string{"config.yaml", ".env"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Errorf("%s permissions = %o, want 0600", name, got)
		}
		if !strings.Contains(buf.String(), name) {
			t.Errorf("output does not mention %s", name)
		}
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Error("output missing ✓ marker")
	}
}

func TestRunInit_ConfigLoads(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENWEATHER_API_KEY", "from-env")

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Weather.APIKey != "from-env" {
		t.Errorf("weather key = %q, want expansion from the environment", cfg.Weather.APIKey)
	}
	if cfg.WhatsApp.TypingDelay != 3*time.Second || cfg.WhatsApp.SessionIdle != 24*time.Hour {
		t.Errorf("durations = %v, %v", cfg.WhatsApp.TypingDelay, cfg.WhatsApp.SessionIdle)
	}
	if cfg.Models.Default != "gpt-4o-mini" || cfg.ProviderFor("gpt-4o-mini") != "openai" {
		t.Errorf("models = %+v", cfg.Models)
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}

	sentinel := []byte("# keep me\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, sentinel, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Error("output missing skip notice")
	}
	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)
	tests := []struct {
		name       string
		preExist   bool
		mode       os.FileMode
		wantMarker string
	}{
		{"creates 0600", false, 0o600, "✓"},
		{"creates 0644", false, 0o644, "✓"},
		{"skips existing", true, 0o644, "exists, skipping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "file")
			if tt.preExist {
				if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var buf bytes.Buffer
			if err := writeIfMissing(&buf, path, []byte("new"), tt.mode); err != nil {
				t.Fatalf("writeIfMissing: %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantMarker) {
				t.Errorf("output = %q, want %q", buf.String(), tt.wantMarker)
			}

			got, _ := os.ReadFile(path)
			want := "new"
			if tt.preExist {
				want = "original"
			}
			if string(got) != want {
				t.Errorf("content = %q, want %q", got, want)
			}
			if info, err := os.Stat(path); err == nil && !tt.preExist && info.Mode().Perm() != tt.mode {
				t.Errorf("permissions = %o, want %o", info.Mode().Perm(), tt.mode)
			}
		})
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("a file"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := writeIfMissing(&bytes.Buffer{}, filepath.Join(blocker, "file.txt"), []byte("x"), 0o644)
	if err == nil || !strings.Contains(err.Error(), "create") {
		t.Errorf("err = %v, want create error", err)
	}
}
