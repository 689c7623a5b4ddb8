package engine

import (
	"testing"
	"time"

	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

func TestNextBackoffDelayGrowsAndClamps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Multiplier: 2.0, Max: 500 * time.Millisecond}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, expect := range want {
		got := NextBackoffDelay(cfg, i+1, nil)
		if got != expect {
			t.Fatalf("attempt %d: got=%v want=%v", i+1, got, expect)
		}
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	for attempt := 1; attempt <= 8; attempt++ {
		got := NextBackoffDelay(cfg, attempt, nil)
		if got <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, got)
		}
		if got > cfg.Max {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, got, cfg.Max)
		}
	}
}
