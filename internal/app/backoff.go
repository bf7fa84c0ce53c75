package app

import (
	"math/rand/v2"
	"time"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Backoff produces capped exponential reconnect delays with jitter. The n-th delay is drawn
// from [ceiling/2, ceiling] where ceiling = min(Min*2^n, Max). Not safe for concurrent use.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	attempt int
	jitter  func(n int64) int64
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = defaultReconnectMin
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, jitter: rand.Int64N}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	ceiling := b.Min << minInt(b.attempt, 16)
	if ceiling > b.Max || ceiling <= 0 {
		ceiling = b.Max
	}
	b.attempt++

	half := ceiling / 2
	return half + time.Duration(b.jitter(int64(ceiling-half)+1))
}

// Reset starts the sequence over after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
