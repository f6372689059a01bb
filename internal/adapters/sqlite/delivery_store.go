// Package sqlite implements ports.DeliveryStore on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/tallyline-io/courier/internal/domain"
)

// DeliveryStore persists delivery records to SQLite. It is suitable for
// single-process production use; records are retained indefinitely for
// audit.
type DeliveryStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewDeliveryStore opens (and if necessary creates) the store at path.
// Use ":memory:" for testing.
func NewDeliveryStore(path string) (*DeliveryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_records (
			id              TEXT PRIMARY KEY,
			recipient_group TEXT NOT NULL,
			period_start    TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			UNIQUE (recipient_group, period_start)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_delivery_period_status
		ON delivery_records(period_start, status)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &DeliveryStore{db: db}, nil
}

// Close releases the database handle.
func (s *DeliveryStore) Close() error {
	return s.db.Close()
}

// EnsurePending implements ports.DeliveryStore.
func (s *DeliveryStore) EnsurePending(ctx context.Context, group string, periodStart time.Time) (domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (id, recipient_group, period_start, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (recipient_group, period_start) DO NOTHING
	`, uuid.NewString(), group, encodeTime(periodStart), domain.DeliveryPending, encodeTime(now))
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("ensure pending: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_group, period_start, status, attempts, last_attempt_at, last_error, created_at
		FROM delivery_records
		WHERE recipient_group = ? AND period_start = ?
	`, group, encodeTime(periodStart))
	return scanRecord(row)
}

// PendingFor implements ports.DeliveryStore.
func (s *DeliveryStore) PendingFor(ctx context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error) {
	return s.byStatus(ctx, periodStart, domain.DeliveryPending)
}

// FailedFor implements ports.DeliveryStore.
func (s *DeliveryStore) FailedFor(ctx context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error) {
	return s.byStatus(ctx, periodStart, domain.DeliveryFailed)
}

func (s *DeliveryStore) byStatus(ctx context.Context, periodStart time.Time, status domain.DeliveryStatus) ([]domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_group, period_start, status, attempts, last_attempt_at, last_error, created_at
		FROM delivery_records
		WHERE period_start = ? AND status = ?
		ORDER BY created_at, recipient_group
	`, encodeTime(periodStart), status)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Update implements ports.DeliveryStore.
func (s *DeliveryStore) Update(ctx context.Context, record domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !record.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, record.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = ?, attempts = ?, last_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, record.Status, record.Attempts, encodeTime(record.LastAttemptAt), record.LastError, record.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update record: no record with id %s", record.ID)
	}
	return nil
}

// CountByStatus implements ports.DeliveryStore.
func (s *DeliveryStore) CountByStatus(ctx context.Context, periodStart time.Time) (map[domain.DeliveryStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_records
		WHERE period_start = ?
		GROUP BY status
	`, encodeTime(periodStart))
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var status domain.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	var periodStart, lastAttempt, createdAt string
	if err := row.Scan(&rec.ID, &rec.RecipientGroup, &periodStart, &rec.Status,
		&rec.Attempts, &lastAttempt, &rec.LastError, &createdAt); err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.PeriodStart = decodeTime(periodStart)
	rec.LastAttemptAt = decodeTime(lastAttempt)
	rec.CreatedAt = decodeTime(createdAt)
	return rec, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
