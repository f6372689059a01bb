package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.GatewayURL = "wss://gateway.example.com/agent"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.SessionDir != filepath.Join(cfg.DataDir, "session") {
		t.Errorf("SessionDir = %s", cfg.SessionDir)
	}
	if cfg.DatabasePath != filepath.Join(cfg.DataDir, "deliveries.db") {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
	if got := cfg.PacingDelay(); got != 3333*time.Millisecond {
		t.Errorf("PacingDelay = %v, want 3.333s", got)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"missing gateway url", func(c *Config) { c.GatewayURL = "" }},
		{"bad delivery time", func(c *Config) { c.DeliveryTime = "25:00" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"zero retention", func(c *Config) { c.BackupRetention = 0 }},
		{"no groups", func(c *Config) { c.ReportGroups = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidate_TrimsGatewaySlash(t *testing.T) {
	cfg := validConfig(t)
	cfg.GatewayURL = "wss://gw.example.com/"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.GatewayURL != "wss://gw.example.com" {
		t.Errorf("GatewayURL = %s", cfg.GatewayURL)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"7:30", 7, 30, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := ParseClock(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q): want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q): %v", tt.in, err)
			continue
		}
		if h != tt.h || m != tt.m {
			t.Errorf("ParseClock(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.h, tt.m)
		}
	}
}

func TestApplyFile_RespectsChangedFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
gateway_url = "wss://file.example.com"
backup_retention = 4
recipient_per_minute = 15
report_groups = ["ops", "finance"]
backup_interval = "2m"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg := Default()
	cfg.GatewayURL = "wss://flag.example.com"
	changed := map[string]bool{"gateway-url": true}

	if err := ApplyFile(&cfg, fc, changed); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if cfg.GatewayURL != "wss://flag.example.com" {
		t.Errorf("flag value overridden by file: %s", cfg.GatewayURL)
	}
	if cfg.BackupRetention != 4 {
		t.Errorf("BackupRetention = %d, want 4", cfg.BackupRetention)
	}
	if cfg.BackupInterval != 2*time.Minute {
		t.Errorf("BackupInterval = %v, want 2m", cfg.BackupInterval)
	}
	if len(cfg.ReportGroups) != 2 || cfg.ReportGroups[0] != "ops" {
		t.Errorf("ReportGroups = %v", cfg.ReportGroups)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COURIER_RECIPIENT_PER_MINUTE", "20")
	t.Setenv("COURIER_REPORT_GROUPS", "boss, investor")
	t.Setenv("COURIER_BACKUP_INTERVAL", "90s")

	cfg := Default()
	if err := ApplyEnv(&cfg, nil); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.RecipientPerMinute != 20 {
		t.Errorf("RecipientPerMinute = %d, want 20", cfg.RecipientPerMinute)
	}
	if cfg.BackupInterval != 90*time.Second {
		t.Errorf("BackupInterval = %v", cfg.BackupInterval)
	}
	if len(cfg.ReportGroups) != 2 || cfg.ReportGroups[1] != "investor" {
		t.Errorf("ReportGroups = %v", cfg.ReportGroups)
	}
}

func TestApplyEnv_InvalidDuration(t *testing.T) {
	t.Setenv("COURIER_BACKUP_INTERVAL", "soon")
	cfg := Default()
	if err := ApplyEnv(&cfg, nil); err == nil {
		t.Error("want error for invalid duration")
	}
}
