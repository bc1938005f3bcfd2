package worker

import (
	"testing"
	"time"
)

func TestNextRetryAtDoublesPerAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := 2 * time.Second

	for n := 1; n <= 10; n++ {
		got := NextRetryAt(now, n, base, 0)
		want := now.Add(base * time.Duration(1<<n))
		if !got.Equal(want) {
			t.Fatalf("attempt %d: got %s want %s", n, got, want)
		}
		if !got.After(now) {
			t.Fatalf("attempt %d: %s is not after now", n, got)
		}
	}
}

func TestNextRetryAtClampsLowAttempts(t *testing.T) {
	now := time.Now()
	for _, n := range []int{0, -3} {
		if got, want := NextRetryAt(now, n, time.Second, 0), now.Add(2*time.Second); !got.Equal(want) {
			t.Fatalf("attempt %d: got %s want %s", n, got, want)
		}
	}
}

func TestNextRetryAtHugeAttemptStaysInFuture(t *testing.T) {
	now := time.Now()
	got := NextRetryAt(now, 500, time.Hour, 0)
	if !got.After(now) {
		t.Fatalf("expected future timestamp, got %s", got)
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 200; i++ {
		d := retryDelay(3, base, 0.5)
		if d < 8*time.Second || d >= 12*time.Second {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}
