package resilience

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// SmartWait bounds the settle phase after a navigation: wait for the
// network to go quiet, then hold a short stability window. The whole
// phase is capped by Timeout; on expiry extraction proceeds anyway and
// the caller marks its result Partial.
type SmartWait struct {
	Timeout   time.Duration `yaml:"timeout"`
	Idle      time.Duration `yaml:"idle"`
	Stability time.Duration `yaml:"stability"`
}

// DefaultSmartWait matches the settle budget browsers need for chat and
// document frontends that stream content after load.
func DefaultSmartWait() SmartWait {
	return SmartWait{
		Timeout:   15 * time.Second,
		Idle:      500 * time.Millisecond,
		Stability: 600 * time.Millisecond,
	}
}

func (w SmartWait) withDefaults() SmartWait {
	d := DefaultSmartWait()
	if w.Timeout <= 0 {
		w.Timeout = d.Timeout
	}
	if w.Idle <= 0 {
		w.Idle = d.Idle
	}
	if w.Stability <= 0 {
		w.Stability = d.Stability
	}
	return w
}

// Apply settles page and reports whether the quiet state was reached
// within the budget. Long-polling connections are excluded from the
// idle check or chat frontends would never settle.
func (w SmartWait) Apply(ctx context.Context, page *rod.Page) bool {
	w = w.withDefaults()

	waitCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	wait := page.Context(waitCtx).WaitRequestIdle(w.Idle, nil, nil, []proto.NetworkResourceType{
		proto.NetworkResourceTypeWebSocket,
		proto.NetworkResourceTypeEventSource,
	})
	if !settle(waitCtx, wait) {
		return false
	}

	// Stability hold: give late DOM mutations a chance to land.
	_ = sleepCtx(ctx, w.Stability)
	return true
}

// settle runs the idle wait and reports whether it finished before
// waitCtx expired. The wait returns in both cases; only the context
// tells quiet apart from timed out, so it must be the one the wait ran
// under.
func settle(waitCtx context.Context, wait func()) bool {
	wait()
	return waitCtx.Err() == nil
}
