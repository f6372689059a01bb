package config

import (
	"os"
	"strings"
)

// ApplyEnv applies configuration from environment variables (COURIER_*).
// It respects flags that have been explicitly set (changed map).
// Returns an error if any environment variable has an invalid format.
func ApplyEnv(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", os.Getenv("COURIER_DATA_DIR"), &cfg.DataDir)
	s.setString("session-dir", os.Getenv("COURIER_SESSION_DIR"), &cfg.SessionDir)
	s.setString("database", os.Getenv("COURIER_DATABASE"), &cfg.DatabasePath)
	s.setString("gateway-url", os.Getenv("COURIER_GATEWAY_URL"), &cfg.GatewayURL)
	s.setString("auth-token", os.Getenv("COURIER_AUTH_TOKEN"), &cfg.AuthToken)
	s.setString("phone", os.Getenv("COURIER_PHONE_NUMBER"), &cfg.PhoneNumber)
	s.setString("delivery-time", os.Getenv("COURIER_DELIVERY_TIME"), &cfg.DeliveryTime)
	s.setString("timezone", os.Getenv("COURIER_TIMEZONE"), &cfg.Timezone)
	s.setString("admin-listen", os.Getenv("COURIER_ADMIN_LISTEN"), &cfg.AdminListenAddr)

	if err := s.setDuration("pairing-interval", os.Getenv("COURIER_PAIRING_INTERVAL"), &cfg.PairingCodeInterval); err != nil {
		return err
	}
	if err := s.setDuration("backup-interval", os.Getenv("COURIER_BACKUP_INTERVAL"), &cfg.BackupInterval); err != nil {
		return err
	}
	if err := s.setDuration("delivery-retry-delay", os.Getenv("COURIER_DELIVERY_RETRY_DELAY"), &cfg.DeliveryRetryDelay); err != nil {
		return err
	}

	if err := s.setIntFromString("reconnect-max-attempts", os.Getenv("COURIER_RECONNECT_MAX_ATTEMPTS"), &cfg.ReconnectMaxAttempts); err != nil {
		return err
	}
	if err := s.setIntFromString("backup-retention", os.Getenv("COURIER_BACKUP_RETENTION"), &cfg.BackupRetention); err != nil {
		return err
	}
	if err := s.setIntFromString("recipient-per-minute", os.Getenv("COURIER_RECIPIENT_PER_MINUTE"), &cfg.RecipientPerMinute); err != nil {
		return err
	}
	if err := s.setIntFromString("send-max-retries", os.Getenv("COURIER_SEND_MAX_RETRIES"), &cfg.SendMaxRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("batch-per-minute", os.Getenv("COURIER_BATCH_PER_MINUTE"), &cfg.BatchPerMinute); err != nil {
		return err
	}
	if err := s.setIntFromString("delivery-max-retries", os.Getenv("COURIER_DELIVERY_MAX_RETRIES"), &cfg.DeliveryMaxRetries); err != nil {
		return err
	}

	s.setBoolFromString("pairing-notify", os.Getenv("COURIER_PAIRING_NOTIFY"), &cfg.PairingShowNotification)

	if v := os.Getenv("COURIER_REPORT_GROUPS"); v != "" && !changed["report-groups"] {
		var groups []string
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
		if len(groups) > 0 {
			cfg.ReportGroups = groups
		}
	}

	return nil
}
