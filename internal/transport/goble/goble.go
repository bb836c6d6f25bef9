// Package goble implements transport.Transport on top of go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/transport"
)

const (
	// DefaultWriteChunkSize is the maximum number of bytes per write.
	// BLE 4.0/4.1 ATT_MTU is 23 bytes (20 bytes payload after the ATT
	// header), so 20-byte chunks work on every BLE version.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay spaces consecutive chunks so the peripheral's
	// receive buffer is not overwhelmed.
	DefaultWriteDelay = 10 * time.Millisecond
)

// GATT is the production transport. All methods are safe for concurrent
// use; writes are additionally serialized so command frames never
// interleave on the wire.
type GATT struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	writeMutex sync.Mutex
	client     ble.Client
	notifyChar *ble.Characteristic
	writeChar  *ble.Characteristic
	done       chan struct{}
}

// New creates a GATT transport. A nil logger falls back to a default
// logrus instance.
func New(logger *logrus.Logger) *GATT {
	if logger == nil {
		logger = logrus.New()
	}
	return &GATT{logger: logger}
}

// Connect dials the device with a bounded timeout.
func (g *GATT) Connect(ctx context.Context, address string, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return transport.ErrAlreadyConnected
	}
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	g.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return transport.NormalizeError(fmt.Errorf("failed to connect to %q: %w", address, err))
	}

	g.client = client
	g.notifyChar = nil
	g.writeChar = nil

	// Bridge the client's disconnect signal into Done so the link manager
	// can observe unexpected drops.
	done := make(chan struct{})
	g.done = done
	go func() {
		<-client.Disconnected()
		close(done)
	}()

	return nil
}

// Resolve discovers the GATT profile and locates the notify and write
// characteristics. Either one missing is a resolution failure; the caller
// disconnects and retries through backoff.
func (g *GATT) Resolve(ctx context.Context, notifyUUID, writeUUID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	profile, err := g.client.DiscoverProfile(true)
	if err != nil {
		return transport.NormalizeError(fmt.Errorf("failed to discover profile: %w", err))
	}

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch {
			case matchUUID(char.UUID.String(), notifyUUID):
				g.notifyChar = char
			case matchUUID(char.UUID.String(), writeUUID):
				g.writeChar = char
			}
		}
	}

	if g.notifyChar == nil {
		return fmt.Errorf("%w: notify %q", transport.ErrCharacteristicMissing, notifyUUID)
	}
	if g.writeChar == nil {
		return fmt.Errorf("%w: write %q", transport.ErrCharacteristicMissing, writeUUID)
	}

	g.logger.WithFields(logrus.Fields{
		"services": len(profile.Services),
		"notify":   g.notifyChar.UUID.String(),
		"write":    g.writeChar.UUID.String(),
	}).Debug("Resolved SmartBike characteristics")
	return nil
}

// Subscribe enables notifications on the telemetry characteristic.
func (g *GATT) Subscribe(handler transport.NotificationHandler) error {
	g.mu.RLock()
	client, char := g.client, g.notifyChar
	g.mu.RUnlock()

	if client == nil || char == nil {
		return transport.ErrNotConnected
	}

	if err := client.Subscribe(char, false, func(data []byte) {
		handler(data)
	}); err != nil {
		return transport.NormalizeError(fmt.Errorf("failed to subscribe: %w", err))
	}
	return nil
}

// Write sends a command frame in MTU-safe chunks.
func (g *GATT) Write(data []byte) error {
	g.mu.RLock()
	client, char := g.client, g.writeChar
	g.mu.RUnlock()

	if client == nil || char == nil {
		return transport.ErrNotConnected
	}

	g.writeMutex.Lock()
	defer g.writeMutex.Unlock()

	for len(data) > 0 {
		n := len(data)
		if n > DefaultWriteChunkSize {
			n = DefaultWriteChunkSize
		}
		if err := client.WriteCharacteristic(char, data[:n], false); err != nil {
			return transport.NormalizeError(fmt.Errorf("failed to write command: %w", err))
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultWriteDelay)
		}
	}
	return nil
}

// Disconnect tears the session down. Unsubscribe errors are logged and
// swallowed: the session is going away either way.
func (g *GATT) Disconnect() error {
	g.mu.Lock()
	client, char := g.client, g.notifyChar
	g.client = nil
	g.notifyChar = nil
	g.writeChar = nil
	g.done = nil
	g.mu.Unlock()

	if client == nil {
		return nil
	}

	if char != nil {
		if err := client.Unsubscribe(char, false); err != nil {
			g.logger.WithError(err).Debug("Failed to unsubscribe during disconnect")
		}
	}

	if err := client.CancelConnection(); err != nil {
		return transport.NormalizeError(fmt.Errorf("failed to disconnect: %w", err))
	}
	g.logger.Info("BLE device disconnected")
	return nil
}

// Done reports unexpected link loss for the current session.
func (g *GATT) Done() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.done
}

// matchUUID compares a discovered characteristic UUID against a configured
// one. Both the 16-bit short form ("ffd1") and the full 128-bit form are
// accepted; comparison is case-insensitive with dashes stripped.
func matchUUID(got, want string) bool {
	g := normalizeUUID(got)
	w := normalizeUUID(want)
	if g == w {
		return true
	}
	// Short form against Bluetooth-base 128-bit form: the 16-bit alias sits
	// at hex digits 4..8.
	if len(g) == 32 && len(w) == 4 {
		return g[4:8] == w
	}
	if len(w) == 32 && len(g) == 4 {
		return w[4:8] == g
	}
	return false
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}
