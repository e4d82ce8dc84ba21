package tracker

import (
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
)

// BackOff paces re-announces when a tracker returns zero peers or a
// transport error: the resolved Open Question (see DESIGN.md) is that
// gorent retries indefinitely rather than giving up, backing off from 15s
// up to whatever is smaller of the tracker's announce interval and 15
// minutes.
type BackOff struct {
	inner *backoff.ExponentialBackOff
}

// NewBackOff builds a BackOff capped at maxInterval (typically the
// tracker's last-seen announce interval, or 15 minutes if none is known
// yet), driven by clk so tests can advance time deterministically.
func NewBackOff(clk clock.Clock, maxInterval time.Duration) *BackOff {
	if maxInterval <= 0 || maxInterval > 15*time.Minute {
		maxInterval = 15 * time.Minute
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 15 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // retry forever
	b.Clock = clk
	b.Reset()
	return &BackOff{inner: b}
}

// Next returns how long to wait before the next retry. Jitter is applied
// to the current interval, and the result is then clamped to the cap.
func (b *BackOff) Next() time.Duration {
	d := b.inner.NextBackOff()
	if d > b.inner.MaxInterval {
		d = b.inner.MaxInterval
	}
	return d
}

// Reset clears the backoff back to its initial interval, called after a
// successful announce that returned at least one peer.
func (b *BackOff) Reset() {
	b.inner.Reset()
}
