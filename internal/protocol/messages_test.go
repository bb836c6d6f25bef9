package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var captureTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestInterpretBattery(t *testing.T) {
	// voltage 36.4 V, charge 87 %, temp -5 C, current 2.5 A,
	// nominal 13.8 Ah, remaining 432.1 Wh, pack 2 with 123 cycles.
	payload := []byte{
		0x01, 0x6c, // 364 dV
		87,
		0xfb,       // -5 as int8
		0x00, 0x19, // 25 dA
		0x00, 0x8a, // 138 dAh
		0x10, 0xe1, // 4321 dWh
		0x4e, 0x9b, // 2*10000 + 123
	}

	msg, err := Interpret(Frame{Tag: TagBattery, Payload: payload}, captureTime)
	require.NoError(t, err)

	bat, ok := msg.(BatteryStatus)
	require.True(t, ok)
	assert.Equal(t, 2, bat.Pack)
	assert.Equal(t, 87, bat.StateOfCharge)
	assert.Equal(t, -5, bat.TemperatureC)
	assert.Equal(t, 123, bat.Cycles)
	assert.InDelta(t, 36.4, bat.Voltage(), 1e-9)
	assert.InDelta(t, 2.5, bat.Current(), 1e-9)
	assert.InDelta(t, 13.8, bat.NominalCapacity(), 1e-9)
	assert.InDelta(t, 432.1, bat.RemainingWh(), 1e-9)
	assert.Equal(t, captureTime, bat.CapturedAt())
}

func TestInterpretMotor(t *testing.T) {
	// assist 2, temp 28 C, power 12.5 A, speed 25.0 km/h, 60 rpm,
	// torque 40 %, peak power 30.0 A, peak torque 85 %.
	payload := []byte{
		2,
		28,
		0x00, 0x7d, // 125 dA
		0x00, 0xfa, // 250 dkm/h
		60,
		40,
		0x01, 0x2c, // 300 dA
		85,
	}

	msg, err := Interpret(Frame{Tag: TagMotor, Payload: payload}, captureTime)
	require.NoError(t, err)

	mot, ok := msg.(MotorStatus)
	require.True(t, ok)
	assert.Equal(t, 2, mot.AssistLevel)
	assert.Equal(t, 28, mot.TemperatureC)
	assert.Equal(t, 60, mot.WheelRPM)
	assert.Equal(t, 40, mot.TorquePct)
	assert.Equal(t, 85, mot.PeakTorque)
	assert.InDelta(t, 12.5, mot.Power(), 1e-9)
	assert.InDelta(t, 25.0, mot.SpeedKmh(), 1e-9)
	assert.InDelta(t, 30.0, mot.PeakPower(), 1e-9)
}

func TestInterpretEBM(t *testing.T) {
	// odometer 1234.5678 km, range 50 km, light on, status 3.
	payload := []byte{
		0x00, 0xbc, 0x61, 0x4e, // 12345678 dm
		0x00, 0x07, 0xa1, 0x20, // 500000 dm
		1,
		3,
	}

	msg, err := Interpret(Frame{Tag: TagEBM, Payload: payload}, captureTime)
	require.NoError(t, err)

	ebm, ok := msg.(EBMStatus)
	require.True(t, ok)
	assert.InDelta(t, 1234.5678, ebm.OdometerKm(), 1e-9)
	assert.InDelta(t, 50.0, ebm.RangeKm(), 1e-9)
	assert.True(t, ebm.LightOn)
	assert.Equal(t, 3, ebm.Status)
}

func TestInterpretDeviceInfo(t *testing.T) {
	serial := "WMB1X23456789AB01"
	require.Len(t, serial, SerialLength)

	payload := append([]byte(serial), 1, 2)
	msg, err := Interpret(Frame{Tag: TagDeviceInfo, Payload: payload}, captureTime)
	require.NoError(t, err)

	info, ok := msg.(DeviceInfo)
	require.True(t, ok)
	assert.Equal(t, serial, info.Serial)
	assert.Equal(t, "1.02", info.ProtocolVersion())
}

func TestProtocolVersionRendering(t *testing.T) {
	tests := []struct {
		major, minor int
		want         string
	}{
		{1, 2, "1.02"},
		{3, 0, "3.00"},
		{2, 15, "2.15"},
		{10, 40, "10.40"},
	}

	for _, tt := range tests {
		info := DeviceInfo{VersionMajor: tt.major, VersionMinor: tt.minor}
		assert.Equal(t, tt.want, info.ProtocolVersion())
	}
}

func TestInterpretUnknownTag(t *testing.T) {
	msg, err := Interpret(Frame{Tag: Tag{'x', 'Q'}, Payload: []byte{1, 2, 3}}, captureTime)
	require.NoError(t, err)

	unk, ok := msg.(Unrecognized)
	require.True(t, ok)
	assert.Equal(t, "xQ", unk.Tag.String())
}

func TestInterpretShortPayload(t *testing.T) {
	tests := []struct {
		name string
		tag  Tag
		want int
	}{
		{name: "battery", tag: TagBattery, want: BatteryPayloadSize},
		{name: "motor", tag: TagMotor, want: MotorPayloadSize},
		{name: "ebm", tag: TagEBM, want: EBMPayloadSize},
		{name: "device info", tag: TagDeviceInfo, want: DeviceInfoPayloadSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			short := make([]byte, tt.want-1)
			_, err := Interpret(Frame{Tag: tt.tag, Payload: short}, captureTime)

			var perr *PayloadError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.tag, perr.Tag)
			assert.Equal(t, tt.want, perr.Want)
			assert.Equal(t, tt.want-1, perr.Len)
		})
	}
}

func TestInterpretCopiesSerial(t *testing.T) {
	payload := append([]byte("WMB1X23456789AB01"), 3, 7)
	msg, err := Interpret(Frame{Tag: TagDeviceInfo, Payload: payload}, captureTime)
	require.NoError(t, err)

	// The payload slice is decoder scratch space; mutate it and make sure
	// the record does not change underneath.
	for i := range payload {
		payload[i] = 0xff
	}
	assert.Equal(t, "WMB1X23456789AB01", msg.(DeviceInfo).Serial)
}

func TestCommandFramesDecode(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		tag  Tag
	}{
		{name: "request info", wire: RequestDeviceInfo(), tag: TagRequestInfo},
		{name: "request battery", wire: RequestBattery(), tag: TagRequestBattery},
		{name: "request motor", wire: RequestMotor(), tag: TagRequestMotor},
		{name: "request ebm", wire: RequestEBM(), tag: TagRequestEBM},
		{name: "session close", wire: SessionClose(), tag: TagSessionClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, consumed, err := DecodeOne(tt.wire)
			require.NoError(t, err)
			assert.Equal(t, len(tt.wire), consumed)
			assert.Equal(t, tt.tag, frame.Tag)
			assert.Empty(t, frame.Payload)
		})
	}
}
