package stream

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// pacer decides when the next synthetic write attempt runs. A streak of
// short writes backs off exponentially; it only counts as stalled once no
// attempt has moved a byte for longer than maxStall.
type pacer struct {
	b        *backoff.ExponentialBackOff
	clock    clock.Clock
	maxStall time.Duration

	streak       int // consecutive short writes.
	lastProgress time.Time
}

func newPacer(opts PacingOptions, clock clock.Clock) *pacer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Multiplier = opts.Multiplier
	b.RandomizationFactor = opts.RandomizationFactor
	// Stalls are measured against progress below, not against the streak.
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()

	return &pacer{
		b:        b,
		clock:    clock,
		maxStall: opts.MaxElapsedTime,
	}
}

// next records a short write and returns the delay before retrying.
// ok is false once nothing was accepted for longer than allowed.
func (p *pacer) next() (delay time.Duration, ok bool) {
	now := p.clock.Now()
	p.streak++
	if p.streak == 1 {
		p.b.Reset()
		p.lastProgress = now
		return 0, true
	}

	if p.maxStall > 0 && now.Sub(p.lastProgress) > p.maxStall {
		return 0, false
	}
	return p.b.NextBackOff(), true
}

// progressed records that the socket accepted at least one byte.
func (p *pacer) progressed() {
	p.lastProgress = p.clock.Now()
}

func (p *pacer) reset() {
	p.streak = 0
}
