package resilience

import (
	"context"
	"testing"
	"time"
)

func TestSettle_QuietBeforeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !settle(ctx, func() {}) {
		t.Fatal("idle reached inside the budget must settle")
	}
}

func TestSettle_TimeoutIsNotSettled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The wait only returns because the budget context expired, which is
	// how the idle wait behaves when the page never goes quiet. Callers
	// mark the extraction Partial on a false return.
	neverIdle := func() { <-ctx.Done() }
	if settle(ctx, neverIdle) {
		t.Fatal("a wait that outlived the budget must not settle")
	}
}

func TestSettle_CancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if settle(ctx, func() {}) {
		t.Fatal("cancelled caller must not settle")
	}
}
