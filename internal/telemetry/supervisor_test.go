package telemetry

import (
	"testing"
	"time"

	"github.com/srg/smartbike/internal/protocol"
	"github.com/srg/smartbike/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:     30 * time.Second,
		StalenessTimeout: 90 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config) (*Supervisor, *Cache) {
	t.Helper()
	cache := NewCache(testLogger())
	t.Cleanup(cache.Close)
	return NewSupervisor(cfg, cache, testLogger()), cache
}

func batteryFrame(pack, soc, cycles int) protocol.Frame {
	combined := pack*10000 + cycles
	payload := []byte{
		0x01, 0x6c, // 36.4 V
		byte(soc),
		22,         // 22 C
		0x00, 0x19, // 2.5 A
		0x00, 0x8a, // 13.8 Ah
		0x10, 0xe1, // 432.1 Wh
		byte(combined >> 8), byte(combined),
	}
	return protocol.Frame{Tag: protocol.TagBattery, Payload: payload}
}

func motorFrame() protocol.Frame {
	payload := []byte{2, 28, 0x00, 0x7d, 0x00, 0xfa, 60, 40, 0x01, 0x2c, 85}
	return protocol.Frame{Tag: protocol.TagMotor, Payload: payload}
}

func ebmFrame() protocol.Frame {
	payload := []byte{0x00, 0xbc, 0x61, 0x4e, 0x00, 0x07, 0xa1, 0x20, 1, 3}
	return protocol.Frame{Tag: protocol.TagEBM, Payload: payload}
}

func deviceInfoFrame(serial string) protocol.Frame {
	return protocol.Frame{Tag: protocol.TagDeviceInfo, Payload: append([]byte(serial), 1, 2)}
}

func TestSupervisorPrimaryBattery(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(batteryFrame(1, 87, 123), now)

	v, ok := cache.Get(SensorBatterySoC)
	require.True(t, ok)
	assert.Equal(t, 87, v)

	v, ok = cache.Get(SensorBatteryVoltage)
	require.True(t, ok)
	assert.InDelta(t, 36.4, v.(float64), 1e-9)

	v, ok = cache.Get(SensorBatteryCycles)
	require.True(t, ok)
	assert.Equal(t, 123, v)

	// The secondary pack stays unknown until its own frame arrives.
	_, ok = cache.Get(SensorBattery2SoC)
	assert.False(t, ok)
}

func TestSupervisorSecondaryBattery(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(batteryFrame(2, 64, 45), now)

	v, ok := cache.Get(SensorBattery2SoC)
	require.True(t, ok)
	assert.Equal(t, 64, v)
	v, ok = cache.Get(SensorBattery2RemainingWh)
	require.True(t, ok)
	assert.InDelta(t, 432.1, v.(float64), 1e-9)

	// Secondary frames must not touch the primary pack readings.
	_, ok = cache.Get(SensorBatterySoC)
	assert.False(t, ok)
}

func TestSupervisorSecondaryPackRemoval(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(batteryFrame(2, 64, 45), now)

	// Three primary-only frames in a row: the secondary readings hold.
	for i := 0; i < primaryStreakReset-1; i++ {
		s.HandleFrame(batteryFrame(1, 87, 123), now)
	}
	v, ok := cache.Get(SensorBattery2SoC)
	require.True(t, ok)
	assert.Equal(t, 64, v)

	// The fourth zeroes them: the pack was pulled.
	s.HandleFrame(batteryFrame(1, 87, 123), now)
	v, ok = cache.Get(SensorBattery2SoC)
	require.True(t, ok)
	assert.Equal(t, 0, v)
	v, ok = cache.Get(SensorBattery2RemainingWh)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestSupervisorSecondaryFrameResetsStreak(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(batteryFrame(2, 64, 45), now)
	for i := 0; i < primaryStreakReset-1; i++ {
		s.HandleFrame(batteryFrame(1, 87, 123), now)
	}
	// A secondary frame inside the streak starts the count over.
	s.HandleFrame(batteryFrame(2, 63, 45), now)
	for i := 0; i < primaryStreakReset-1; i++ {
		s.HandleFrame(batteryFrame(1, 87, 123), now)
	}

	v, ok := cache.Get(SensorBattery2SoC)
	require.True(t, ok)
	assert.Equal(t, 63, v)
}

func TestSupervisorMotorAndEBM(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(motorFrame(), now)
	s.HandleFrame(ebmFrame(), now)

	v, ok := cache.Get(SensorSpeed)
	require.True(t, ok)
	assert.InDelta(t, 25.0, v.(float64), 1e-9)

	v, ok = cache.Get(SensorAssistLevel)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = cache.Get(SensorOdometer)
	require.True(t, ok)
	assert.InDelta(t, 1234.5678, v.(float64), 1e-9)

	v, ok = cache.Get(SensorLight)
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestSupervisorDeviceInfo(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	serial, version := s.DeviceInfo()
	assert.Empty(t, serial)
	assert.Empty(t, version)

	s.HandleFrame(deviceInfoFrame("WMB1X23456789AB01"), now)

	serial, version = s.DeviceInfo()
	assert.Equal(t, "WMB1X23456789AB01", serial)
	assert.Equal(t, "1.02", version)

	v, ok := cache.Get(SensorSerialNumber)
	require.True(t, ok)
	assert.Equal(t, "WMB1X23456789AB01", v)
}

func TestSupervisorMalformedPayloadIgnored(t *testing.T) {
	s, cache := newTestSupervisor(t, testConfig())
	now := time.Now()

	s.HandleFrame(protocol.Frame{Tag: protocol.TagBattery, Payload: []byte{1, 2, 3}}, now)

	// Nothing written, nothing crashed.
	for _, r := range cache.Snapshot() {
		assert.False(t, r.Valid)
	}
}

func TestSupervisorRefreshCommands(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestSupervisor(t, cfg)
	now := time.Now()

	// Fresh session: everything is due, device info included.
	cmds := s.RefreshCommands(now)
	assert.Equal(t, [][]byte{
		protocol.RequestDeviceInfo(),
		protocol.RequestBattery(),
		protocol.RequestMotor(),
		protocol.RequestEBM(),
	}, cmds)

	// Battery and device info just pushed: only motor and EBM are due.
	s.HandleFrame(batteryFrame(1, 87, 123), now)
	s.HandleFrame(deviceInfoFrame("WMB1X23456789AB01"), now)

	cmds = s.RefreshCommands(now.Add(time.Second))
	assert.Equal(t, [][]byte{
		protocol.RequestMotor(),
		protocol.RequestEBM(),
	}, cmds)

	// Past the poll interval the battery is due again; the serial is known
	// so device info is not re-requested.
	cmds = s.RefreshCommands(now.Add(cfg.PollInterval))
	assert.Equal(t, [][]byte{
		protocol.RequestBattery(),
		protocol.RequestMotor(),
		protocol.RequestEBM(),
	}, cmds)
}

func TestSupervisorInvalidate(t *testing.T) {
	cfg := testConfig()
	s, cache := newTestSupervisor(t, cfg)
	now := time.Now()

	s.HandleFrame(batteryFrame(1, 87, 123), now)
	s.HandleFrame(deviceInfoFrame("WMB1X23456789AB01"), now)

	s.Invalidate()

	for _, r := range cache.Snapshot() {
		assert.False(t, r.Valid, "sensor %s", r.ID)
	}

	// Poll tracking resets so the next session re-requests everything,
	// while the decoded identity survives for display.
	cmds := s.RefreshCommands(now.Add(time.Second))
	assert.Len(t, cmds, 3)
	serial, _ := s.DeviceInfo()
	assert.Equal(t, "WMB1X23456789AB01", serial)
}

func TestSupervisorExpireStale(t *testing.T) {
	cfg := testConfig()
	s, cache := newTestSupervisor(t, cfg)
	base := time.Now()

	s.HandleFrame(motorFrame(), base)
	s.HandleFrame(batteryFrame(1, 87, 123), base.Add(60*time.Second))

	s.ExpireStale(base.Add(cfg.StalenessTimeout + time.Second))

	_, ok := cache.Get(SensorSpeed)
	assert.False(t, ok, "the stale motor reading must expire")
	_, ok = cache.Get(SensorBatterySoC)
	assert.True(t, ok, "the fresher battery reading must survive")
}
