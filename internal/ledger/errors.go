package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound covers unknown positions and portfolios.
var ErrNotFound = errors.New("not found")

// ValidationError flags a missing or malformed request field. Never
// retried, never mutates state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// PolicyViolation reports a tier limit breach with the specific limit
// and the offending value.
type PolicyViolation struct {
	Rule    string
	Limit   float64
	Current float64
	Detail  string
}

func (e *PolicyViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("policy violation: %s (%s)", e.Rule, e.Detail)
	}
	return fmt.Sprintf("policy violation: %s (limit %g, got %g)", e.Rule, e.Limit, e.Current)
}

// SuspendedError reports an active trading suspension with the reason
// and remaining time.
type SuspendedError struct {
	Reason    string
	Type      string
	Remaining time.Duration
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("trading suspended (%s): %s, %s remaining",
		e.Type, e.Reason, e.Remaining.Round(time.Second))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
