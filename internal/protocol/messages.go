package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Payload sizes per frame tag. The bike pads short fields rather than
// truncating, so anything shorter than these is malformed.
const (
	BatteryPayloadSize    = 12
	MotorPayloadSize      = 11
	EBMPayloadSize        = 10
	DeviceInfoPayloadSize = 19

	// SerialLength is the fixed width of the serial (VIN) field.
	SerialLength = 17
)

// Message is a typed record decoded from one telemetry frame.
type Message interface {
	// CapturedAt is the time the record was decoded.
	CapturedAt() time.Time
}

type captured struct {
	At time.Time
}

func (c captured) CapturedAt() time.Time { return c.At }

// BatteryStatus carries one battery pack's state. Raw tenths are preserved
// as integers so conversions stay exact; the accessor methods apply the
// documented scale factors.
type BatteryStatus struct {
	captured

	Pack          int // 1 = primary, 2 = secondary
	StateOfCharge int // percent
	TemperatureC  int
	VoltageDV     uint16 // tenths of a volt
	CurrentDA     uint16 // tenths of an ampere
	NominalDAh    uint16 // tenths of an amp-hour
	RemainingDWh  uint16 // tenths of a watt-hour
	Cycles        int
}

func (b BatteryStatus) Voltage() float64         { return float64(b.VoltageDV) / 10 }
func (b BatteryStatus) Current() float64         { return float64(b.CurrentDA) / 10 }
func (b BatteryStatus) NominalCapacity() float64 { return float64(b.NominalDAh) / 10 }
func (b BatteryStatus) RemainingWh() float64     { return float64(b.RemainingDWh) / 10 }

// MotorStatus carries drive unit telemetry. Assist level is read-only in
// the observed feature set; this integration never writes it back.
type MotorStatus struct {
	captured

	AssistLevel  int
	TemperatureC int
	PowerDA      uint16 // tenths of an ampere
	SpeedDKmh    uint16 // tenths of a km/h
	WheelRPM     int
	TorquePct    int
	PeakPowerDA  uint16
	PeakTorque   int
}

func (m MotorStatus) Power() float64     { return float64(m.PowerDA) / 10 }
func (m MotorStatus) SpeedKmh() float64  { return float64(m.SpeedDKmh) / 10 }
func (m MotorStatus) PeakPower() float64 { return float64(m.PeakPowerDA) / 10 }

// EBMStatus carries the E-Bike Management readings: trip totals, remaining
// range and the light state. Distances arrive in decimeters.
type EBMStatus struct {
	captured

	OdometerDm uint32
	RangeDm    uint32
	LightOn    bool
	Status     int
}

func (e EBMStatus) OdometerKm() float64 { return float64(e.OdometerDm) / 10000 }
func (e EBMStatus) RangeKm() float64    { return float64(e.RangeDm) / 10000 }

// DeviceInfo carries the 17-character serial (VIN) and the firmware
// protocol version pair.
type DeviceInfo struct {
	captured

	Serial       string
	VersionMajor int
	VersionMinor int
}

// ProtocolVersion renders the version pair as "major.minor" with the minor
// zero-padded to two digits, e.g. "1.02" or "3.00".
func (d DeviceInfo) ProtocolVersion() string {
	return fmt.Sprintf("%d.%02d", d.VersionMajor, d.VersionMinor)
}

// Unrecognized marks a structurally valid frame whose tag this
// implementation does not model. Not an error: newer firmware emits frame
// types the integration has no use for.
type Unrecognized struct {
	captured

	Tag Tag
}

// PayloadError reports a known tag whose payload is shorter than its fixed
// layout requires.
type PayloadError struct {
	Tag  Tag
	Len  int
	Want int
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("frame %s: payload %d bytes, want at least %d", e.Tag, e.Len, e.Want)
}

// Interpret maps a validated frame to its typed record. Dispatch is by tag;
// each tag has a fixed field layout with big-endian multi-byte integers.
// Unknown tags yield Unrecognized, never an error.
func Interpret(f Frame, now time.Time) (Message, error) {
	switch f.Tag {
	case TagBattery:
		return interpretBattery(f, now)
	case TagMotor:
		return interpretMotor(f, now)
	case TagEBM:
		return interpretEBM(f, now)
	case TagDeviceInfo:
		return interpretDeviceInfo(f, now)
	default:
		return Unrecognized{captured: captured{At: now}, Tag: f.Tag}, nil
	}
}

func interpretBattery(f Frame, now time.Time) (Message, error) {
	p := f.Payload
	if len(p) < BatteryPayloadSize {
		return nil, &PayloadError{Tag: f.Tag, Len: len(p), Want: BatteryPayloadSize}
	}

	// Pack number and charge cycles share one field: pack*10000 + cycles.
	combined := int(binary.BigEndian.Uint16(p[10:12]))

	return BatteryStatus{
		captured:      captured{At: now},
		Pack:          combined / 10000,
		StateOfCharge: int(p[2]),
		TemperatureC:  int(int8(p[3])),
		VoltageDV:     binary.BigEndian.Uint16(p[0:2]),
		CurrentDA:     binary.BigEndian.Uint16(p[4:6]),
		NominalDAh:    binary.BigEndian.Uint16(p[6:8]),
		RemainingDWh:  binary.BigEndian.Uint16(p[8:10]),
		Cycles:        combined % 10000,
	}, nil
}

func interpretMotor(f Frame, now time.Time) (Message, error) {
	p := f.Payload
	if len(p) < MotorPayloadSize {
		return nil, &PayloadError{Tag: f.Tag, Len: len(p), Want: MotorPayloadSize}
	}

	return MotorStatus{
		captured:     captured{At: now},
		AssistLevel:  int(p[0]),
		TemperatureC: int(int8(p[1])),
		PowerDA:      binary.BigEndian.Uint16(p[2:4]),
		SpeedDKmh:    binary.BigEndian.Uint16(p[4:6]),
		WheelRPM:     int(p[6]),
		TorquePct:    int(p[7]),
		PeakPowerDA:  binary.BigEndian.Uint16(p[8:10]),
		PeakTorque:   int(p[10]),
	}, nil
}

func interpretEBM(f Frame, now time.Time) (Message, error) {
	p := f.Payload
	if len(p) < EBMPayloadSize {
		return nil, &PayloadError{Tag: f.Tag, Len: len(p), Want: EBMPayloadSize}
	}

	return EBMStatus{
		captured:   captured{At: now},
		OdometerDm: binary.BigEndian.Uint32(p[0:4]),
		RangeDm:    binary.BigEndian.Uint32(p[4:8]),
		LightOn:    p[8] == 1,
		Status:     int(p[9]),
	}, nil
}

func interpretDeviceInfo(f Frame, now time.Time) (Message, error) {
	p := f.Payload
	if len(p) < DeviceInfoPayloadSize {
		return nil, &PayloadError{Tag: f.Tag, Len: len(p), Want: DeviceInfoPayloadSize}
	}

	return DeviceInfo{
		captured:     captured{At: now},
		Serial:       string(p[:SerialLength]),
		VersionMajor: int(p[SerialLength]),
		VersionMinor: int(p[SerialLength+1]),
	}, nil
}

// Command encoders. Each returns the exact bytes to write to the command
// characteristic; all command frames carry empty payloads.

// RequestDeviceInfo asks the bike for its serial and protocol version. Sent
// once right after the notification subscription is acknowledged.
func RequestDeviceInfo() []byte { return Encode(TagRequestInfo, nil) }

// RequestBattery asks for a battery telemetry refresh.
func RequestBattery() []byte { return Encode(TagRequestBattery, nil) }

// RequestMotor asks for a motor telemetry refresh.
func RequestMotor() []byte { return Encode(TagRequestMotor, nil) }

// RequestEBM asks for an E-Bike Management telemetry refresh.
func RequestEBM() []byte { return Encode(TagRequestEBM, nil) }

// SessionClose tells the bike the host is closing the session. It does not
// power the bike down; the firmware does that on its own roughly five
// minutes after losing the link.
func SessionClose() []byte { return Encode(TagSessionClose, nil) }
