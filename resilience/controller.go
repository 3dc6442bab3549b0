package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hazyhaar/chatmirror/extract"
)

// Attempt states, in the order an attempt moves through them.
type State string

const (
	StatePending           State = "pending"
	StateExecuting         State = "executing"
	StateSucceeded         State = "succeeded"
	StateRetryScheduled    State = "retry_scheduled"
	StateRecoveryAttempted State = "recovery_attempted"
	StateFailed            State = "failed"
)

// Attempt records one pass through the state machine.
type Attempt struct {
	Number  int
	State   State
	Err     error
	Backoff time.Duration
}

// Operation is one retryable unit of work. Recover, when set, is invoked
// on a structural mismatch before the next attempt: a forced reload plus
// a session liveness re-check.
type Operation struct {
	Name    string
	Do      func(ctx context.Context) error
	Recover func(ctx context.Context) error
}

// Controller executes operations under a Policy. The sleep and random
// sources are injectable so tests run deterministic and instant.
type Controller struct {
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
	rnd   *rand.Rand
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep overrides the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithRand overrides the jitter source.
func WithRand(rnd *rand.Rand) Option {
	return func(c *Controller) { c.rnd = rnd }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// NewController creates a controller with real time and jitter sources.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		log:   slog.Default().With("pkg", "resilience"),
		sleep: sleepCtx,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs op under policy and returns the attempt trail alongside
// the final error. The trail is complete even on failure so callers can
// audit retried outcomes. Cancellation is observed before every attempt
// and during every backoff sleep; a cancelled run surfaces as
// extract.ErrDeadlineExceeded.
func (c *Controller) Execute(ctx context.Context, op Operation, policy Policy) ([]Attempt, error) {
	policy = policy.withDefaults()

	attempts := make([]Attempt, 0, policy.MaxAttempts)
	recoveries := 0
	var lastErr error

	for n := 1; n <= policy.MaxAttempts; n++ {
		if ctx.Err() != nil {
			return attempts, fmt.Errorf("resilience: %s: %w", op.Name, extract.ErrDeadlineExceeded)
		}

		a := Attempt{Number: n, State: StateExecuting}
		err := op.Do(ctx)
		if err == nil {
			a.State = StateSucceeded
			attempts = append(attempts, a)
			return attempts, nil
		}
		lastErr = err
		a.Err = err

		if extract.Fatal(err) {
			a.State = StateFailed
			attempts = append(attempts, a)
			return attempts, fmt.Errorf("resilience: %s: %w", op.Name, err)
		}

		switch {
		case isMismatch(err):
			if recoveries >= policy.RecoveryAttempts || op.Recover == nil {
				a.State = StateFailed
				attempts = append(attempts, a)
				return attempts, fmt.Errorf("resilience: %s: recovery budget exhausted: %w", op.Name, err)
			}
			recoveries++
			a.State = StateRecoveryAttempted
			attempts = append(attempts, a)
			c.log.WarnContext(ctx, "structural mismatch, attempting recovery",
				"op", op.Name, "attempt", n, "error", err)
			if rerr := op.Recover(ctx); rerr != nil {
				return attempts, fmt.Errorf("resilience: %s: recovery failed: %w", op.Name, rerr)
			}
			continue

		case extract.Retryable(err):
			if n == policy.MaxAttempts {
				a.State = StateFailed
				attempts = append(attempts, a)
				return attempts, fmt.Errorf("resilience: %s: attempts exhausted: %w", op.Name, err)
			}
			wait := policy.backoff(n, c.rnd)
			if hint, ok := extract.WaitHint(err); ok {
				wait = hint
			}
			a.State = StateRetryScheduled
			a.Backoff = wait
			attempts = append(attempts, a)
			c.log.WarnContext(ctx, "retrying operation",
				"op", op.Name, "attempt", n,
				"max_attempts", policy.MaxAttempts,
				"backoff_ms", wait.Milliseconds(), "error", err)
			if serr := c.sleep(ctx, wait); serr != nil {
				return attempts, fmt.Errorf("resilience: %s: %w", op.Name, extract.ErrDeadlineExceeded)
			}
			continue

		default:
			// Unclassified errors are not retried.
			a.State = StateFailed
			attempts = append(attempts, a)
			return attempts, fmt.Errorf("resilience: %s: %w", op.Name, err)
		}
	}

	return attempts, fmt.Errorf("resilience: %s: %w", op.Name, lastErr)
}

// Retried reports whether the trail contains at least one non-final
// failed pass. Used to pick the "retried" audit status on success.
func Retried(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.State == StateRetryScheduled || a.State == StateRecoveryAttempted {
			return true
		}
	}
	return false
}

func isMismatch(err error) bool {
	return errors.Is(err, extract.ErrStructuralMismatch)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
