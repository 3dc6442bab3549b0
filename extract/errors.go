package extract

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the session manager, the workspace clients, and
// the resilience controller. Classification is always via errors.Is so
// concrete errors can wrap a sentinel with operation context.
var (
	// ErrAuthRequired means no usable authenticated session exists and
	// interactive login is disabled. Fatal: aborts the whole run.
	ErrAuthRequired = errors.New("extract: authentication required")

	// ErrLoginTimeout means interactive login exceeded its window. Fatal.
	ErrLoginTimeout = errors.New("extract: interactive login timed out")

	// ErrTransientNetwork covers connection resets, DNS hiccups and other
	// failures that a retry is expected to clear.
	ErrTransientNetwork = errors.New("extract: transient network error")

	// ErrNavigationTimeout means a page navigation or load did not finish
	// within its budget. Retryable.
	ErrNavigationTimeout = errors.New("extract: navigation timeout")

	// ErrRateLimited means the target pushed back with a throttle signal.
	// Resolved by waiting, never by failing.
	ErrRateLimited = errors.New("extract: rate limited by target")

	// ErrStructuralMismatch means the expected page structure was absent:
	// no selector in the fallback chain matched. Retryable once through a
	// recovery reload, then fatal.
	ErrStructuralMismatch = errors.New("extract: expected page structure absent")

	// ErrDeadlineExceeded means the run-level budget is exhausted. Fatal;
	// already-fetched pages are still returned as a Partial result.
	ErrDeadlineExceeded = errors.New("extract: run deadline exceeded")

	// ErrStorageUnavailable is audit-only and never propagates into an
	// operation's own outcome.
	ErrStorageUnavailable = errors.New("extract: audit storage unavailable")
)

// Fatal reports whether err belongs to a category that no retry policy may
// absorb. The resilience controller surfaces these immediately.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrLoginTimeout) ||
		errors.Is(err, ErrDeadlineExceeded)
}

// Retryable reports whether err is expected to clear on a plain retry.
// Structural mismatches are excluded: they go through recovery instead.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrNavigationTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// RetryAfter is a rate-limit error carrying the wait the target asked for.
// It unwraps to ErrRateLimited, so classification stays sentinel-based; the
// resilience controller uses After instead of its own backoff when present.
type RetryAfter struct {
	After time.Duration
}

func (e *RetryAfter) Error() string {
	return fmt.Sprintf("extract: rate limited by target, retry after %s", e.After)
}

func (e *RetryAfter) Unwrap() error { return ErrRateLimited }

// WaitHint extracts the target-mandated wait from err, if any.
func WaitHint(err error) (time.Duration, bool) {
	var ra *RetryAfter
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}
