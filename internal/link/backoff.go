package link

import (
	"math/rand"
	"time"
)

// backoff produces capped exponential reconnect delays with jitter. The
// jitter spreads retry attempts so several integrations sharing one radio
// do not hammer it in lockstep.
type backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	attempt int
	rnd     *rand.Rand
}

func newBackoff(initial, max time.Duration, factor, jitter float64) *backoff {
	return &backoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *backoff) Next() time.Duration {
	d := float64(b.initial)
	for i := 0; i < b.attempt; i++ {
		d *= b.factor
		if d >= float64(b.max) {
			d = float64(b.max)
			break
		}
	}
	b.attempt++

	if b.jitter > 0 {
		// Uniform in [d*(1-jitter), d*(1+jitter)].
		d *= 1 + b.jitter*(2*b.rnd.Float64()-1)
	}
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// Reset restarts the sequence after a successful connection.
func (b *backoff) Reset() {
	b.attempt = 0
}
