package app

import (
	"context"
	"fmt"
	"time"

	"github.com/tallyline-io/courier/pkg/log"
)

func defaultLogger() log.Logger {
	return log.NewZerologAdapter()
}

// StaticSource is the default report source: recipient lists come from
// configuration and the report body is a plain period header. Embedders
// with real reporting pipelines supply their own ports.ReportSource
// through Options.Source.
type StaticSource struct {
	recipients map[string][]string
}

// NewStaticSource creates a source over configured recipient lists.
func NewStaticSource(recipients map[string][]string) *StaticSource {
	return &StaticSource{recipients: recipients}
}

// Content implements ports.ReportSource.
func (s *StaticSource) Content(_ context.Context, group string, periodStart, periodEnd time.Time) (string, error) {
	return fmt.Sprintf("Daily report for %s\nPeriod: %s to %s",
		group,
		periodStart.Format("2006-01-02"),
		periodEnd.Add(-time.Second).Format("2006-01-02")), nil
}

// Recipients implements ports.ReportSource.
func (s *StaticSource) Recipients(_ context.Context, group string) ([]string, error) {
	return s.recipients[group], nil
}
