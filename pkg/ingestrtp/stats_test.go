package ingestrtp

import (
	"testing"
	"time"
)

func TestRollingBitrate_AverageWithinWindow(t *testing.T) {
	r := NewRollingBitrate(time.Second)
	start := time.Now()

	r.Add(start, 1000)
	r.Add(start.Add(100*time.Millisecond), 1000)

	got := r.AverageBps(start.Add(200 * time.Millisecond))
	want := float64(2000*8) / 1.0
	if got != want {
		t.Fatalf("AverageBps = %v, want %v", got, want)
	}
}

func TestRollingBitrate_TrimsOldSamples(t *testing.T) {
	r := NewRollingBitrate(500 * time.Millisecond)
	start := time.Now()

	r.Add(start, 1000)
	got := r.AverageBps(start.Add(time.Second))
	if got != 0 {
		t.Fatalf("AverageBps after the window elapsed = %v, want 0", got)
	}
}

func TestRollingBitrate_ZeroWindowIsZero(t *testing.T) {
	r := NewRollingBitrate(0)
	now := time.Now()
	r.Add(now, 1000)
	if got := r.AverageBps(now); got != 0 {
		t.Fatalf("AverageBps with a zero window = %v, want 0", got)
	}
}
