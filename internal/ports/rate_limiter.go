package ports

import "time"

// RateDecision is the limiter's answer for one prospective send.
type RateDecision struct {
	// Allowed reports whether the send may proceed now.
	Allowed bool

	// Remaining is the number of sends still permitted in the current
	// window.
	Remaining int

	// RetryAfter is how long to wait before the next send would be
	// allowed. Zero when Allowed is true.
	RetryAfter time.Duration
}

// RateLimiter bounds per-recipient throughput over a rolling window.
// Windows are held in memory only; a process restart resets all limits.
type RateLimiter interface {
	// Check consumes one permit for the recipient if available and
	// reports the decision. When the permit is denied nothing is
	// consumed.
	Check(recipient string) RateDecision
}
