package ports

import (
	"context"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
)

// DeliveryStore handles durable persistence of delivery records.
// Records are keyed by (period start, recipient group) and retained
// indefinitely for audit.
type DeliveryStore interface {
	// EnsurePending inserts a pending record for the given group and
	// period start unless a record for that pair already exists. It
	// returns the stored record either way.
	EnsurePending(ctx context.Context, group string, periodStart time.Time) (domain.DeliveryRecord, error)

	// PendingFor returns all pending records for the given period start,
	// ordered by creation time.
	PendingFor(ctx context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error)

	// FailedFor returns all failed records for the given period start,
	// ordered by creation time.
	FailedFor(ctx context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error)

	// Update persists the current status, attempts, last attempt time and
	// last error of the record.
	Update(ctx context.Context, record domain.DeliveryRecord) error

	// CountByStatus returns record counts per status for the given period
	// start.
	CountByStatus(ctx context.Context, periodStart time.Time) (map[domain.DeliveryStatus]int, error)
}
