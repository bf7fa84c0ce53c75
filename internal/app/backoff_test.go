package app

import (
	"testing"
	"time"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	b.jitter = func(n int64) int64 { return n - 1 } // always the ceiling

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i, w, got)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected reset to start over, got %s", got)
	}
}

func TestBackoff_JitterStaysInUpperHalf(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	for i := 0; i < 50; i++ {
		ceiling := 100 * time.Millisecond << minInt(i, 16)
		if ceiling > time.Second {
			ceiling = time.Second
		}
		got := b.Next()
		if got < ceiling/2 || got > ceiling {
			t.Fatalf("attempt %d: %s outside [%s, %s]", i, got, ceiling/2, ceiling)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Min != defaultReconnectMin || b.Max != defaultReconnectMin {
		t.Fatalf("unexpected defaults: min=%s max=%s", b.Min, b.Max)
	}
}
