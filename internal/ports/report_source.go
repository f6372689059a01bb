package ports

import (
	"context"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
)

// ReportSource is the business collaborator consumed by the scheduled
// delivery engine. Implementations live in the business layer; the core
// only calls them.
type ReportSource interface {
	// Content produces the report text for a recipient group and period.
	// It must be idempotent: the engine calls it again on retry.
	Content(ctx context.Context, group string, periodStart, periodEnd time.Time) (string, error)

	// Recipients returns the member recipient IDs of a group. An empty
	// slice marks the group's record as skipped.
	Recipients(ctx context.Context, group string) ([]string, error)
}

// InboundHandler is the business callback invoked once per inbound unit.
// The core does not interpret message content, only forwards it.
type InboundHandler interface {
	OnInboundMessage(msg domain.InboundMessage)
}

// InboundHandlerFunc adapts a function to the InboundHandler interface.
type InboundHandlerFunc func(msg domain.InboundMessage)

// OnInboundMessage calls f(msg).
func (f InboundHandlerFunc) OnInboundMessage(msg domain.InboundMessage) { f(msg) }
