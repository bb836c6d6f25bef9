// Package scanner discovers advertising SmartBike controllers. It matches
// advertisements by the configured device-name prefix and produces immutable
// DeviceDescriptor values for the link layer; it never connects.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/ringchan"
	"github.com/srg/smartbike/internal/transport/goble"
)

// DeviceDescriptor describes one discovered bike. Immutable once built;
// a fresh advertisement for the same address produces a new descriptor.
type DeviceDescriptor struct {
	Address string    `json:"address"`
	Name    string    `json:"name"`
	RSSI    int       `json:"rssi"`
	Seen    time.Time `json:"seen"`
}

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is pushed for every matching advertisement.
type DeviceEvent struct {
	Type       DeviceEventType
	Descriptor DeviceDescriptor
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool

	// NamePrefix filters advertisements; empty accepts every device.
	NamePrefix string
}

// DefaultScanOptions returns default scanning options: ten seconds, with
// the SmartBike advertised-name prefix.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		NamePrefix:      "iWoc",
	}
}

// DeviceFactory creates the ble.Device used for scanning. A variable so
// tests can substitute a mock peripheral.
var DeviceFactory = func() (blelib.Device, error) {
	return goble.DeviceFactory()
}

const eventBuffer = 100

// Scanner handles BLE device discovery.
type Scanner struct {
	devices *hashmap.Map[string, DeviceDescriptor]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a new SmartBike scanner.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: ringchan.New[DeviceEvent](eventBuffer),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with the provided options and returns the
// matching devices keyed by address. A context cancellation or the duration
// elapsing ends the scan normally.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (map[string]DeviceDescriptor, error) {
	s.devices = hashmap.New[string, DeviceDescriptor]()

	if opts == nil {
		opts = DefaultScanOptions()
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"prefix":   opts.NamePrefix,
	}).Info("Starting BLE scan...")

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	devices := make(map[string]DeviceDescriptor, s.devices.Len())
	s.devices.Range(func(key string, value DeviceDescriptor) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement updates an existing entry or adds a matching device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	if !s.matches(adv, s.scanOptions) {
		return
	}

	desc := DeviceDescriptor{
		Address: adv.Addr().String(),
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
		Seen:    time.Now(),
	}

	_, existing := s.devices.Get(desc.Address)
	s.devices.Set(desc.Address, desc)

	event := DeviceEvent{Descriptor: desc}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  desc.Name,
			"address": desc.Address,
			"rssi":    desc.RSSI,
		}).Info("Discovered SmartBike")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// matches applies the advertised-name prefix filter.
func (s *Scanner) matches(adv blelib.Advertisement, opts *ScanOptions) bool {
	if opts == nil || opts.NamePrefix == "" {
		return true
	}
	return strings.HasPrefix(adv.LocalName(), opts.NamePrefix)
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
