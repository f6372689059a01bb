package domain

import (
	"fmt"
	"time"
)

// DeliveryStatus is the tagged state of a delivery record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// Valid reports whether s is one of the known delivery statuses.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliverySkipped:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition applies.
// A failed record may still be reset to pending by a retry timer or a
// manual retry trigger.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliverySkipped
}

// DeliveryRecord is the durable unit of work representing "this report must
// reach this recipient group for this period". Records are created when a
// reporting period becomes due and are never deleted by this subsystem;
// they are retained for audit.
type DeliveryRecord struct {
	ID             string
	RecipientGroup string
	PeriodStart    time.Time
	Status         DeliveryStatus
	Attempts       int
	LastAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
}

// MarkDelivered transitions the record to delivered.
func (r *DeliveryRecord) MarkDelivered(now time.Time) error {
	return r.transition(DeliveryDelivered, now, "")
}

// MarkFailed transitions the record to failed, incrementing the attempt
// counter and capturing the error text.
func (r *DeliveryRecord) MarkFailed(now time.Time, cause string) error {
	if err := r.transition(DeliveryFailed, now, cause); err != nil {
		return err
	}
	r.Attempts++
	return nil
}

// MarkSkipped transitions the record to skipped (no eligible recipients).
func (r *DeliveryRecord) MarkSkipped(now time.Time) error {
	return r.transition(DeliverySkipped, now, "")
}

// Requeue resets a failed record to pending for another dispatch attempt.
// The attempt counter is preserved so the retry ceiling keeps its meaning
// across requeues.
func (r *DeliveryRecord) Requeue() error {
	if r.Status != DeliveryFailed {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, r.Status)
	}
	r.Status = DeliveryPending
	return nil
}

// transition is the single mutation path for delivery status. Keeping all
// transitions here keeps the state machine auditable.
func (r *DeliveryRecord) transition(to DeliveryStatus, now time.Time, cause string) error {
	if r.Status != DeliveryPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.LastAttemptAt = now
	r.LastError = cause
	return nil
}
