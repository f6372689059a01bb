package ports

import "github.com/tallyline-io/courier/pkg/log"

// Logger re-exports the structured logging abstraction so application
// packages need only import ports.
type Logger = log.Logger

// Field re-exports the structured log field type.
type Field = log.Field

// Field constructors re-exported for the application layer.
var (
	String   = log.String
	Int      = log.Int
	Int64    = log.Int64
	Bool     = log.Bool
	Duration = log.Duration
	Time     = log.Time
	Err      = log.Err
	Any      = log.Any
)
