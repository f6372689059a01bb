package conn

import (
	"context"
	"fmt"
	"strings"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

// NormalizePhone validates and normalizes a phone number for pairing:
// non-digits are stripped, leading zeros removed, and the result must be
// 7 to 15 digits. Invalid input fails fast before any driver call.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")

	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %d digits after normalization, want 7-15",
			domain.ErrInvalidPhone, len(digits))
	}
	return digits, nil
}

// requestPairingCode runs the phone-pairing handshake mode: the number is
// normalized, a pairing code is requested from the driver, and the code is
// surfaced for display. Called only when a phone number is configured and
// the driver holds no valid credentials.
func (m *Manager) requestPairingCode(ctx context.Context, driver ports.ChannelDriver) error {
	phone, err := NormalizePhone(m.cfg.PhoneNumber)
	if err != nil {
		return err
	}

	code, err := driver.PairPhone(ctx, phone, ports.PairingOptions{
		RegenerateEvery:  m.cfg.PairingCodeInterval,
		ShowNotification: m.cfg.PairingShowNotification,
	})
	if err != nil {
		return fmt.Errorf("request pairing code: %w", err)
	}

	m.logger.Info("pairing code issued, enter it on the paired device",
		ports.String("code", code),
		ports.Duration("regenerates_every", m.cfg.PairingCodeInterval))
	return nil
}
