package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/chatmirror/extract"
)

// Limits holds per-target request ceilings. A target without a ceiling
// is never throttled. Waiting callers sleep; they are never failed by
// the limiter unless their deadline cannot accommodate the wait.
type Limits struct {
	mu       sync.RWMutex
	limiters map[extract.Target]*rate.Limiter
}

// NewLimits creates an empty registry.
func NewLimits() *Limits {
	return &Limits{limiters: make(map[extract.Target]*rate.Limiter)}
}

// Set installs a ceiling of n requests per window for target. The burst
// equals n so an idle target can spend its full window allowance at once.
func (l *Limits) Set(target extract.Target, n int, window time.Duration) {
	if n <= 0 || window <= 0 {
		return
	}
	lim := rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
	l.mu.Lock()
	l.limiters[target] = lim
	l.mu.Unlock()
}

// Wait blocks until target's ceiling grants a request. A context whose
// deadline cannot absorb the wait gets extract.ErrDeadlineExceeded.
func (l *Limits) Wait(ctx context.Context, target extract.Target) error {
	l.mu.RLock()
	lim, ok := l.limiters[target]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: rate limit wait for %s: %w", target, extract.ErrDeadlineExceeded)
	}
	return nil
}
