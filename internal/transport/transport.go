// Package transport defines the narrow GATT surface the link manager needs
// and a normalized error taxonomy for it. The production implementation
// lives in transport/goble; tests substitute fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionState identifies the kind of connection-state failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Sentinel errors for the taxonomy. Every transport failure is recoverable:
// the link manager routes them through backoff, never up as fatal.
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrTimeout          = errors.New("timeout")

	// ErrCharacteristicMissing means service resolution completed but the
	// expected notify or command characteristic was not in the profile.
	ErrCharacteristicMissing = errors.New("characteristic not found")
)

// NormalizeError maps known go-ble error strings to the taxonomy above so
// callers can use errors.Is regardless of upstream message wording. A
// device that is already linked to another client surfaces here as an
// ordinary connect failure: BLE gives no distinguishing signal, so the
// caller retries it like any other transport error.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "context deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// NotificationHandler receives raw notification bytes. It is invoked on the
// transport's delivery goroutine; implementations must not block.
type NotificationHandler func(data []byte)

// Transport is one GATT session to one device: connect, resolve the two
// SmartBike characteristics, subscribe, write commands, disconnect. A
// Transport is reusable across sessions but serves one session at a time.
type Transport interface {
	// Connect dials the device. Contention with another client fails here
	// like any other transport error.
	Connect(ctx context.Context, address string, timeout time.Duration) error

	// Resolve discovers the GATT profile and locates the telemetry-notify
	// and command-write characteristics by UUID.
	Resolve(ctx context.Context, notifyUUID, writeUUID string) error

	// Subscribe enables notifications on the telemetry characteristic.
	Subscribe(handler NotificationHandler) error

	// Write sends a command frame to the command characteristic.
	Write(data []byte) error

	// Disconnect tears the session down. Safe to call in any state.
	Disconnect() error

	// Done is closed when the transport observes an unexpected link drop.
	// Returns nil when no session is established.
	Done() <-chan struct{}
}
