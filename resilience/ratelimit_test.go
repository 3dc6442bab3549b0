package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/chatmirror/extract"
)

func TestLimits_UnlimitedTargetNeverWaits(t *testing.T) {
	l := NewLimits()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), extract.TargetChat); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("unlimited target throttled: %v", elapsed)
	}
}

func TestLimits_ThreeWindowsOfTrafficTakeTwoWindows(t *testing.T) {
	const (
		k      = 4
		window = 80 * time.Millisecond
	)
	l := NewLimits()
	l.Set(extract.TargetChat, k, window)

	start := time.Now()
	for i := 0; i < 3*k; i++ {
		if err := l.Wait(context.Background(), extract.TargetChat); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	// Burst covers the first window's worth; the remaining 2k requests
	// drain at k per window. Small tolerance for limiter rounding.
	if min := 2*window - 20*time.Millisecond; elapsed < min {
		t.Fatalf("3k requests finished in %v, want >= %v", elapsed, min)
	}
}

func TestLimits_DeadlineCannotAbsorbWait(t *testing.T) {
	l := NewLimits()
	l.Set(extract.TargetDocs, 1, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// First request spends the burst token.
	if err := l.Wait(ctx, extract.TargetDocs); err != nil {
		t.Fatal(err)
	}
	// Second would need ~10s; the 20ms deadline cannot absorb it.
	err := l.Wait(ctx, extract.TargetDocs)
	if !errors.Is(err, extract.ErrDeadlineExceeded) {
		t.Fatalf("error: got %v, want ErrDeadlineExceeded", err)
	}
}

func TestLimits_ZeroCeilingIgnored(t *testing.T) {
	l := NewLimits()
	l.Set(extract.TargetChat, 0, time.Second)
	if err := l.Wait(context.Background(), extract.TargetChat); err != nil {
		t.Fatal(err)
	}
}
