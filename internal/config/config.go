package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
)

// Config holds the full configuration for the courier agent.
// Use Default() to get a Config with sensible defaults.
type Config struct {
	// DataDir is the root of durable storage. The live session directory,
	// backup bundles and the delivery database all live beneath it.
	DataDir string

	// SessionDir is the live credential/session directory for the channel
	// driver. Derived from DataDir when empty.
	SessionDir string

	// DatabasePath is the SQLite file for delivery records. Derived from
	// DataDir when empty.
	DatabasePath string

	// GatewayURL is the websocket endpoint of the channel gateway.
	GatewayURL string

	// AuthToken authenticates the agent to the gateway.
	AuthToken string

	// PhoneNumber selects the pairing handshake mode when set. Left
	// empty, the scannable-code mode is used.
	PhoneNumber string

	// PairingCodeInterval is how often the pairing code is regenerated.
	PairingCodeInterval time.Duration

	// PairingShowNotification asks the platform to surface a notification
	// on the paired device.
	PairingShowNotification bool

	// Startup initialization.
	InitAttempts   int
	InitRetryDelay time.Duration
	InitSettleWait time.Duration

	// Reconnection backoff.
	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxDelay     time.Duration

	// Session backup.
	BackupInterval  time.Duration
	BackupRetention int

	// Per-recipient rate limit and send retries.
	RecipientPerMinute int
	SendMaxRetries     int

	// Scheduled delivery.
	BatchPerMinute     int
	DeliveryTime       string // "HH:MM" local to Timezone
	Timezone           string
	DeliveryMaxRetries int
	DeliveryRetryDelay time.Duration
	ReportGroups       []string

	// GroupRecipients maps a report group to its member recipient IDs.
	// Consumed by the default report source; embedders with their own
	// ports.ReportSource may leave it empty.
	GroupRecipients map[string][]string

	// AdminListenAddr enables the ops HTTP API when non-empty.
	AdminListenAddr string
}

// Default returns a Config with default values.
func Default() Config {
	return Config{
		PairingCodeInterval:     180 * time.Second,
		PairingShowNotification: true,
		InitAttempts:            3,
		InitRetryDelay:          5 * time.Second,
		InitSettleWait:          2 * time.Second,
		ReconnectMaxAttempts:    5,
		ReconnectInitialDelay:   2 * time.Second,
		ReconnectMultiplier:     2,
		ReconnectMaxDelay:       60 * time.Second,
		BackupInterval:          5 * time.Minute,
		BackupRetention:         10,
		RecipientPerMinute:      18,
		SendMaxRetries:          3,
		BatchPerMinute:          18,
		DeliveryTime:            "00:00",
		Timezone:                "Asia/Jakarta",
		DeliveryMaxRetries:      3,
		DeliveryRetryDelay:      5 * time.Minute,
		ReportGroups:            []string{"boss", "investor", "employee"},
		AuthToken:               os.Getenv("COURIER_AUTH_TOKEN"),
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data-dir is required", domain.ErrInvalidConfig)
	}
	if c.SessionDir == "" {
		c.SessionDir = filepath.Join(c.DataDir, "session")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "deliveries.db")
	}

	if c.GatewayURL == "" {
		return fmt.Errorf("%w: gateway-url is required", domain.ErrInvalidConfig)
	}
	c.GatewayURL = strings.TrimSuffix(c.GatewayURL, "/")

	if _, _, err := ParseClock(c.DeliveryTime); err != nil {
		return fmt.Errorf("%w: delivery-time: %v", domain.ErrInvalidConfig, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone: %v", domain.ErrInvalidConfig, err)
	}

	if c.InitAttempts <= 0 {
		return fmt.Errorf("%w: init attempts must be positive", domain.ErrInvalidConfig)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("%w: reconnect ceiling must be positive", domain.ErrInvalidConfig)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("%w: reconnect multiplier must be >= 1", domain.ErrInvalidConfig)
	}
	if c.BackupInterval <= 0 {
		return fmt.Errorf("%w: backup interval must be positive", domain.ErrInvalidConfig)
	}
	if c.BackupRetention <= 0 {
		return fmt.Errorf("%w: backup retention must be positive", domain.ErrInvalidConfig)
	}
	if c.RecipientPerMinute <= 0 || c.BatchPerMinute <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", domain.ErrInvalidConfig)
	}
	if len(c.ReportGroups) == 0 {
		return fmt.Errorf("%w: at least one report group is required", domain.ErrInvalidConfig)
	}

	return nil
}

// Location returns the delivery schedule's timezone. Validate must have
// succeeded first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PacingDelay is the sleep between consecutive records in one delivery
// cycle, derived from the aggregate per-minute budget.
func (c *Config) PacingDelay() time.Duration {
	return time.Duration(60000/c.BatchPerMinute) * time.Millisecond
}

// ParseClock parses a "HH:MM" string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setStrings sets a string-slice value if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
