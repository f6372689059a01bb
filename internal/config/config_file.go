package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config but uses strings for durations to keep the TOML
// surface friendly.
type fileConfig struct {
	DataDir      string `toml:"data_dir"`
	SessionDir   string `toml:"session_dir"`
	DatabasePath string `toml:"database_path"`

	GatewayURL string `toml:"gateway_url"`
	AuthToken  string `toml:"auth_token"`

	PhoneNumber             string `toml:"phone_number"`
	PairingCodeInterval     string `toml:"pairing_code_interval"`
	PairingShowNotification *bool  `toml:"pairing_show_notification"`

	InitAttempts   int    `toml:"init_attempts"`
	InitRetryDelay string `toml:"init_retry_delay"`
	InitSettleWait string `toml:"init_settle_wait"`

	ReconnectMaxAttempts  int     `toml:"reconnect_max_attempts"`
	ReconnectInitialDelay string  `toml:"reconnect_initial_delay"`
	ReconnectMultiplier   float64 `toml:"reconnect_multiplier"`
	ReconnectMaxDelay     string  `toml:"reconnect_max_delay"`

	BackupInterval  string `toml:"backup_interval"`
	BackupRetention int    `toml:"backup_retention"`

	RecipientPerMinute int `toml:"recipient_per_minute"`
	SendMaxRetries     int `toml:"send_max_retries"`

	BatchPerMinute     int      `toml:"batch_per_minute"`
	DeliveryTime       string   `toml:"delivery_time"`
	Timezone           string   `toml:"timezone"`
	DeliveryMaxRetries int      `toml:"delivery_max_retries"`
	DeliveryRetryDelay string   `toml:"delivery_retry_delay"`
	ReportGroups       []string `toml:"report_groups"`

	// [recipients] table: group name -> recipient IDs.
	GroupRecipients map[string][]string `toml:"recipients"`

	AdminListenAddr string `toml:"admin_listen_addr"`
}

// LoadFile reads and parses a TOML config file.
func LoadFile(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultPath returns the default configuration file path.
// Returns ~/.courier/config.toml if the user home directory is accessible.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".courier", "config.toml")
	}
	return ""
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFile applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFile(cfg *Config, fc fileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("session-dir", fc.SessionDir, &cfg.SessionDir)
	s.setString("database", fc.DatabasePath, &cfg.DatabasePath)
	s.setString("gateway-url", fc.GatewayURL, &cfg.GatewayURL)
	s.setString("auth-token", fc.AuthToken, &cfg.AuthToken)
	s.setString("phone", fc.PhoneNumber, &cfg.PhoneNumber)
	s.setString("delivery-time", fc.DeliveryTime, &cfg.DeliveryTime)
	s.setString("timezone", fc.Timezone, &cfg.Timezone)
	s.setString("admin-listen", fc.AdminListenAddr, &cfg.AdminListenAddr)

	if err := s.setDuration("pairing-interval", fc.PairingCodeInterval, &cfg.PairingCodeInterval); err != nil {
		return err
	}
	if err := s.setDuration("init-retry-delay", fc.InitRetryDelay, &cfg.InitRetryDelay); err != nil {
		return err
	}
	if err := s.setDuration("init-settle-wait", fc.InitSettleWait, &cfg.InitSettleWait); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-initial-delay", fc.ReconnectInitialDelay, &cfg.ReconnectInitialDelay); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-max-delay", fc.ReconnectMaxDelay, &cfg.ReconnectMaxDelay); err != nil {
		return err
	}
	if err := s.setDuration("backup-interval", fc.BackupInterval, &cfg.BackupInterval); err != nil {
		return err
	}
	if err := s.setDuration("delivery-retry-delay", fc.DeliveryRetryDelay, &cfg.DeliveryRetryDelay); err != nil {
		return err
	}

	s.setInt("init-attempts", fc.InitAttempts, &cfg.InitAttempts)
	s.setInt("reconnect-max-attempts", fc.ReconnectMaxAttempts, &cfg.ReconnectMaxAttempts)
	s.setFloat("reconnect-multiplier", fc.ReconnectMultiplier, &cfg.ReconnectMultiplier)
	s.setInt("backup-retention", fc.BackupRetention, &cfg.BackupRetention)
	s.setInt("recipient-per-minute", fc.RecipientPerMinute, &cfg.RecipientPerMinute)
	s.setInt("send-max-retries", fc.SendMaxRetries, &cfg.SendMaxRetries)
	s.setInt("batch-per-minute", fc.BatchPerMinute, &cfg.BatchPerMinute)
	s.setInt("delivery-max-retries", fc.DeliveryMaxRetries, &cfg.DeliveryMaxRetries)

	s.setBool("pairing-notify", fc.PairingShowNotification, &cfg.PairingShowNotification)
	s.setStrings("report-groups", fc.ReportGroups, &cfg.ReportGroups)

	// Recipient lists have no flag equivalent; the file always wins.
	if len(fc.GroupRecipients) > 0 {
		cfg.GroupRecipients = fc.GroupRecipients
	}

	return nil
}
