package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	bo := newBackoff(100*time.Millisecond, time.Second, 2.0, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.Next(), "attempt %d", i)
	}
}

func TestBackoffReset(t *testing.T) {
	bo := newBackoff(100*time.Millisecond, time.Second, 2.0, 0)

	bo.Next()
	bo.Next()
	bo.Reset()

	assert.Equal(t, 100*time.Millisecond, bo.Next(), "reset must restart the sequence")
}

func TestBackoffJitterBounds(t *testing.T) {
	const jitter = 0.2
	bo := newBackoff(100*time.Millisecond, 10*time.Second, 2.0, jitter)

	for i := 0; i < 1000; i++ {
		d := bo.Next()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond, "iteration %d", i)
		assert.LessOrEqual(t, d, 120*time.Millisecond, "iteration %d", i)
		bo.Reset()
	}
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	bo := newBackoff(time.Second, 2*time.Second, 3.0, 0.5)

	for i := 0; i < 1000; i++ {
		assert.LessOrEqual(t, bo.Next(), 2*time.Second, "iteration %d", i)
	}
}
