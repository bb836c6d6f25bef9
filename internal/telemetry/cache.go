// Package telemetry owns the sensor cache and the polling/staleness
// supervisor. All writes happen on the per-device session goroutine;
// external collaborators only read, so they always observe a consistent,
// recently written snapshot.
package telemetry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Sensor ids exposed to collaborators.
const (
	SensorBatterySoC         = "battery_soc"
	SensorBatteryTemperature = "battery_temperature"
	SensorBatteryVoltage     = "battery_voltage"
	SensorBatteryCurrent     = "battery_current"
	SensorBatteryRemainingWh = "battery_remaining_wh"
	SensorBatteryCycles      = "battery_cycles"

	// Secondary battery pack (dual-battery bikes).
	SensorBattery2SoC         = "battery_2_soc"
	SensorBattery2RemainingWh = "battery_2_remaining_wh"

	SensorAssistLevel      = "assist_level"
	SensorMotorTemperature = "motor_temperature"
	SensorSpeed            = "speed"
	SensorMotorPower       = "motor_power"
	SensorWheelRPM         = "wheel_rpm"

	SensorOdometer  = "odometer"
	SensorRange     = "range"
	SensorLight     = "light"
	SensorEBMStatus = "ebm_status"

	SensorSerialNumber    = "serial_number"
	SensorProtocolVersion = "protocol_version"
)

// sensorIDs fixes registration order, which in turn fixes snapshot order.
var sensorIDs = []string{
	SensorBatterySoC,
	SensorBatteryTemperature,
	SensorBatteryVoltage,
	SensorBatteryCurrent,
	SensorBatteryRemainingWh,
	SensorBatteryCycles,
	SensorBattery2SoC,
	SensorBattery2RemainingWh,
	SensorAssistLevel,
	SensorMotorTemperature,
	SensorSpeed,
	SensorMotorPower,
	SensorWheelRPM,
	SensorOdometer,
	SensorRange,
	SensorLight,
	SensorEBMStatus,
	SensorSerialNumber,
	SensorProtocolVersion,
}

// Reading is one sensor's cached state. Valid=false means "unknown": either
// no value has arrived yet, the value went stale, or the session is gone.
type Reading struct {
	ID        string
	Value     any
	UpdatedAt time.Time
	Valid     bool
}

// Update is a change event delivered to subscribers.
type Update struct {
	ID    string
	Value any
	Valid bool
}

const updateEventBuffer = 256

// Cache maps sensor ids to their latest value, update time, and validity.
// Mutated only by the supervisor on the session goroutine; read by anyone.
type Cache struct {
	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, *Reading]
	events  *ringchan.RingChannel[Update]
	logger  *logrus.Logger
}

// NewCache creates a cache with every known sensor registered as unknown.
func NewCache(logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}

	entries := orderedmap.New[string, *Reading]()
	for _, id := range sensorIDs {
		entries.Set(id, &Reading{ID: id})
	}

	return &Cache{
		entries: entries,
		events:  ringchan.New[Update](updateEventBuffer),
		logger:  logger,
	}
}

// Set records a fresh value for a sensor and emits a change event.
func (c *Cache) Set(id string, value any, now time.Time) {
	c.mu.Lock()
	entry, ok := c.entries.Get(id)
	if !ok {
		entry = &Reading{ID: id}
		c.entries.Set(id, entry)
	}
	entry.Value = value
	entry.UpdatedAt = now
	entry.Valid = true
	c.mu.Unlock()

	c.events.ForceSend(Update{ID: id, Value: value, Valid: true})
}

// Get returns a sensor's value and whether it is currently valid.
func (c *Cache) Get(id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries.Get(id)
	if !ok || !entry.Valid {
		return nil, false
	}
	return entry.Value, true
}

// Snapshot returns all readings in registration order.
func (c *Cache) Snapshot() []Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Reading, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// InvalidateAll marks every entry unknown. Called on any transition out of
// Connected: values are never left showing a last-known reading once the
// link is down.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	var flipped []string
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Valid {
			pair.Value.Valid = false
			flipped = append(flipped, pair.Key)
		}
	}
	c.mu.Unlock()

	for _, id := range flipped {
		c.events.ForceSend(Update{ID: id, Valid: false})
	}
	if len(flipped) > 0 {
		c.logger.WithField("sensors", len(flipped)).Debug("Invalidated all sensor readings")
	}
}

// ExpireStale invalidates entries not updated within timeout and returns
// their ids. Covers a bike that stops transmitting one metric (display
// asleep) without dropping the link.
func (c *Cache) ExpireStale(now time.Time, timeout time.Duration) []string {
	c.mu.Lock()
	var expired []string
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Valid && now.Sub(pair.Value.UpdatedAt) > timeout {
			pair.Value.Valid = false
			expired = append(expired, pair.Key)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.events.ForceSend(Update{ID: id, Valid: false})
		c.logger.WithField("sensor", id).Debug("Sensor reading went stale")
	}
	return expired
}

// Updates returns the change event channel. Events are dropped, not
// blocked on, when the subscriber falls behind.
func (c *Cache) Updates() <-chan Update {
	return c.events.C()
}

// Close closes the change event channel.
func (c *Cache) Close() {
	c.events.Close()
}
