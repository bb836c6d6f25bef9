// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is dropped. The link manager uses it to hand notification bytes
// from the transport callback to the session loop, and the sensor cache
// uses it for change events. In both cases a slow consumer must cost data,
// not stall the radio.
package ringchan

// RingChannel wraps a buffered channel. Writers use ForceSend; readers
// treat C() as a normal receive channel.
type RingChannel[T any] struct {
	ch chan T
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v without blocking, dropping the oldest element if the
// buffer is full.
func (rc *RingChannel[T]) ForceSend(v T) {
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
		default:
		}
		rc.ch <- v
	}
}

// TryReceive attempts a non-blocking receive. Returns (zero, false) if no
// value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Close closes the underlying channel. After this, ForceSend panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
