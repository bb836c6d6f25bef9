package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/protocol"
	"github.com/srg/smartbike/pkg/config"
)

// primaryStreakReset: after this many consecutive primary-pack battery
// frames with no secondary frame, the secondary pack is considered removed
// and its readings zeroed.
const primaryStreakReset = 4

// Supervisor translates decoded frames into cache updates, decides which
// telemetry domains need a poll refresh, and applies the staleness policy.
// All methods run on the session goroutine; no locking.
type Supervisor struct {
	cfg    *config.Config
	cache  *Cache
	logger *logrus.Logger

	// Per-domain last push time; a domain pushing on its own is not polled.
	lastBattery time.Time
	lastMotor   time.Time
	lastEBM     time.Time

	primaryStreak int

	serial          string
	protocolVersion string
}

// NewSupervisor creates a supervisor bound to one cache.
func NewSupervisor(cfg *config.Config, cache *Cache, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{cfg: cfg, cache: cache, logger: logger}
}

// HandleFrame interprets one validated frame and applies it to the cache.
// Decode problems are logged and dropped; they never take the session down.
func (s *Supervisor) HandleFrame(f protocol.Frame, now time.Time) {
	msg, err := protocol.Interpret(f, now)
	if err != nil {
		s.logger.WithError(err).WithField("tag", f.Tag.String()).Debug("Dropping malformed frame payload")
		return
	}

	switch m := msg.(type) {
	case protocol.BatteryStatus:
		s.applyBattery(m, now)
	case protocol.MotorStatus:
		s.applyMotor(m, now)
	case protocol.EBMStatus:
		s.applyEBM(m, now)
	case protocol.DeviceInfo:
		s.applyDeviceInfo(m, now)
	case protocol.Unrecognized:
		s.logger.WithField("tag", m.Tag.String()).Debug("Ignoring unrecognized frame type")
	}
}

func (s *Supervisor) applyBattery(m protocol.BatteryStatus, now time.Time) {
	s.lastBattery = now

	switch m.Pack {
	case 2:
		s.primaryStreak = 0
		s.cache.Set(SensorBattery2SoC, m.StateOfCharge, now)
		s.cache.Set(SensorBattery2RemainingWh, m.RemainingWh(), now)
	default:
		s.cache.Set(SensorBatterySoC, m.StateOfCharge, now)
		s.cache.Set(SensorBatteryTemperature, m.TemperatureC, now)
		s.cache.Set(SensorBatteryVoltage, m.Voltage(), now)
		s.cache.Set(SensorBatteryCurrent, m.Current(), now)
		s.cache.Set(SensorBatteryRemainingWh, m.RemainingWh(), now)
		s.cache.Set(SensorBatteryCycles, m.Cycles, now)

		// A run of primary-only frames means the secondary pack is gone.
		s.primaryStreak++
		if s.primaryStreak == primaryStreakReset {
			s.cache.Set(SensorBattery2SoC, 0, now)
			s.cache.Set(SensorBattery2RemainingWh, 0.0, now)
		}
	}
}

func (s *Supervisor) applyMotor(m protocol.MotorStatus, now time.Time) {
	s.lastMotor = now

	s.cache.Set(SensorAssistLevel, m.AssistLevel, now)
	s.cache.Set(SensorMotorTemperature, m.TemperatureC, now)
	s.cache.Set(SensorSpeed, m.SpeedKmh(), now)
	s.cache.Set(SensorMotorPower, m.Power(), now)
	s.cache.Set(SensorWheelRPM, m.WheelRPM, now)
}

func (s *Supervisor) applyEBM(m protocol.EBMStatus, now time.Time) {
	s.lastEBM = now

	s.cache.Set(SensorOdometer, m.OdometerKm(), now)
	s.cache.Set(SensorRange, m.RangeKm(), now)
	s.cache.Set(SensorLight, m.LightOn, now)
	s.cache.Set(SensorEBMStatus, m.Status, now)
}

func (s *Supervisor) applyDeviceInfo(m protocol.DeviceInfo, now time.Time) {
	s.serial = m.Serial
	s.protocolVersion = m.ProtocolVersion()

	s.cache.Set(SensorSerialNumber, m.Serial, now)
	s.cache.Set(SensorProtocolVersion, s.protocolVersion, now)

	if s.cfg.ExpectedSerial != "" && s.cfg.ExpectedSerial != m.Serial {
		s.logger.WithFields(logrus.Fields{
			"expected": s.cfg.ExpectedSerial,
			"decoded":  m.Serial,
		}).Warn("Decoded serial does not match the configured device")
	}

	s.logger.WithFields(logrus.Fields{
		"serial":  m.Serial,
		"version": s.protocolVersion,
	}).Info("Device info received")
}

// RefreshCommands returns the command frames to write on this poll tick:
// one refresh per telemetry domain that has not pushed within the poll
// interval, plus a device-info request until the serial is known.
func (s *Supervisor) RefreshCommands(now time.Time) [][]byte {
	var cmds [][]byte

	if s.serial == "" {
		cmds = append(cmds, protocol.RequestDeviceInfo())
	}
	if now.Sub(s.lastBattery) >= s.cfg.PollInterval {
		cmds = append(cmds, protocol.RequestBattery())
	}
	if now.Sub(s.lastMotor) >= s.cfg.PollInterval {
		cmds = append(cmds, protocol.RequestMotor())
	}
	if now.Sub(s.lastEBM) >= s.cfg.PollInterval {
		cmds = append(cmds, protocol.RequestEBM())
	}
	return cmds
}

// ExpireStale applies the per-sensor staleness timeout.
func (s *Supervisor) ExpireStale(now time.Time) {
	s.cache.ExpireStale(now, s.cfg.StalenessTimeout)
}

// Invalidate marks every sensor unknown and resets per-session tracking.
// Called on any transition out of Connected.
func (s *Supervisor) Invalidate() {
	s.cache.InvalidateAll()
	s.lastBattery = time.Time{}
	s.lastMotor = time.Time{}
	s.lastEBM = time.Time{}
	s.primaryStreak = 0
}

// DeviceInfo returns the decoded serial and protocol version, empty until a
// device-info frame has arrived this session.
func (s *Supervisor) DeviceInfo() (serial, version string) {
	return s.serial, s.protocolVersion
}
