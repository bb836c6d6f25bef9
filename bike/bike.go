// Package bike is the public facade of the SmartBike core. It wires the
// link manager, frame codec, and sensor cache together for one discovered
// device and exposes the three collaborator surfaces: sensor reads with
// change notifications, the connected flag, and the desired-connection
// switch.
package bike

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/link"
	"github.com/srg/smartbike/internal/telemetry"
	"github.com/srg/smartbike/internal/transport"
	"github.com/srg/smartbike/internal/transport/goble"
	"github.com/srg/smartbike/pkg/config"
	"github.com/srg/smartbike/scanner"
)

// Bike maintains the link to one SmartBike controller.
type Bike struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu   sync.RWMutex
	desc scanner.DeviceDescriptor

	cache *telemetry.Cache
	sup   *telemetry.Supervisor
	mgr   *link.Manager
}

// New creates a Bike for a discovered descriptor using the production
// go-ble transport.
func New(cfg *config.Config, desc scanner.DeviceDescriptor, logger *logrus.Logger) *Bike {
	if logger == nil {
		logger = logrus.New()
	}
	return NewWithTransport(cfg, desc, goble.New(logger), logger)
}

// NewWithTransport creates a Bike over an explicit transport. Used by tests
// to substitute a fake radio.
func NewWithTransport(cfg *config.Config, desc scanner.DeviceDescriptor, t transport.Transport, logger *logrus.Logger) *Bike {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	cache := telemetry.NewCache(logger)
	sup := telemetry.NewSupervisor(cfg, cache, logger)
	mgr := link.NewManager(cfg, t, sup, desc.Address, logger)

	return &Bike{
		cfg:    cfg,
		logger: logger,
		desc:   desc,
		cache:  cache,
		sup:    sup,
		mgr:    mgr,
	}
}

// Start launches the per-device session loop. The supplied descriptor
// counts as the first sighting, so a pending intent can connect right away.
func (b *Bike) Start(ctx context.Context) {
	b.mgr.Start(ctx)
	b.mgr.DeviceSeen()
}

// Close tears the session down and releases the transport. In-flight
// connect attempts and backoff timers are cancelled promptly.
func (b *Bike) Close() {
	b.mgr.Stop()
	b.cache.Close()
}

// SetDesiredConnection flips the connection intent. Turning it off issues a
// graceful disconnect; the bike then powers itself off autonomously after
// roughly five minutes, without any power-off command from this side.
func (b *Bike) SetDesiredConnection(connected bool) {
	b.mgr.SetIntent(connected)
}

// DesiredConnection returns the intent flag.
func (b *Bike) DesiredConnection() bool {
	return b.mgr.Intent()
}

// ActualConnection reports whether the link is Connected, as opposed to
// any transitional or failed state.
func (b *Bike) ActualConnection() bool {
	return b.mgr.Connected()
}

// State exposes the link state machine position.
func (b *Bike) State() link.State {
	return b.mgr.State()
}

// Observed feeds a fresh advertisement sighting from the discovery
// collaborator. Required to re-arm connecting after a user-initiated
// disconnect, and keeps the descriptor's RSSI current.
func (b *Bike) Observed(desc scanner.DeviceDescriptor) {
	b.mu.Lock()
	b.desc = desc
	b.mu.Unlock()
	b.mgr.DeviceSeen()
}

// Descriptor returns the most recent discovery descriptor.
func (b *Bike) Descriptor() scanner.DeviceDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc
}

// Sensor returns a sensor's value and validity. Invalid means unknown, not
// last-known.
func (b *Bike) Sensor(id string) (any, bool) {
	return b.cache.Get(id)
}

// Readings returns a snapshot of every sensor in stable order.
func (b *Bike) Readings() []telemetry.Reading {
	return b.cache.Snapshot()
}

// Updates returns the sensor change event channel.
func (b *Bike) Updates() <-chan telemetry.Update {
	return b.cache.Updates()
}

// DeviceInfo returns the decoded serial and protocol version, empty until
// a device-info frame has arrived.
func (b *Bike) DeviceInfo() (serial, version string) {
	return b.sup.DeviceInfo()
}
