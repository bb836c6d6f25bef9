// Package protocol implements the SmartBike wire protocol: frame
// delimiting, checksum validation, multi-fragment reassembly, and the
// mapping between validated frames and typed telemetry records.
//
// A frame on the wire is:
//
//	offset 0   SOF 0x24 ('$')
//	offset 1   tag major (ASCII)
//	offset 2   tag minor (ASCII)
//	offset 3   payload length (uint8)
//	offset 4.. payload
//	last       CRC-8 over bytes 1..3+length
//
// Notification packets are MTU-sized fragments; a logical frame may span
// several of them, so decoding is driven through a stateful Decoder that
// accumulates bytes per session.
package protocol

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// SOF marks the start of every frame ('$', as on the original iWoc link).
	SOF = 0x24

	// HeaderSize covers SOF, both tag bytes and the length byte.
	HeaderSize = 4

	// TrailerSize is the single CRC-8 byte after the payload.
	TrailerSize = 1

	// MaxPayloadSize bounds the declared payload length. Anything larger is
	// treated as a corrupt header.
	MaxPayloadSize = 64

	// MaxBufferSize bounds the reassembly buffer. If this many bytes
	// accumulate without producing a frame, the buffer is reset and the
	// event counted as a decode failure.
	MaxBufferSize = 256
)

// Tag identifies a frame type by its two ASCII tag characters.
type Tag struct {
	Major byte
	Minor byte
}

func (t Tag) String() string {
	return fmt.Sprintf("%c%c", t.Major, t.Minor)
}

// Frame tags understood by this implementation. Unknown tags still decode
// into valid frames; interpretation maps them to Unrecognized.
var (
	TagBattery    = Tag{'b', 'Z'}
	TagMotor      = Tag{'m', 'Z'}
	TagEBM        = Tag{'j', 'Z'}
	TagDeviceInfo = Tag{'s', 'V'}

	// Command tags, written by the host.
	TagRequestInfo    = Tag{'S', 'V'}
	TagRequestBattery = Tag{'S', 'B'}
	TagRequestMotor   = Tag{'S', 'M'}
	TagRequestEBM     = Tag{'S', 'E'}
	TagSessionClose   = Tag{'D', 'I'}
)

// Frame is one validated logical protocol message. Payload aliases the
// decoder's scratch space only until the next Push call; Interpret copies
// what it keeps.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// ErrNeedMoreData reports that the buffer ends before the declared frame
// length; the caller should append more bytes and retry.
var ErrNeedMoreData = errors.New("need more data")

// InvalidFrameError reports a structurally broken frame: bad checksum or an
// implausible declared length. The session survives; offending bytes are
// discarded up to the next plausible header.
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return "invalid frame: " + e.Reason
}

// crc8 computes CRC-8 with polynomial 0x07 and zero init over data.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Encode builds the wire representation of a frame. It is pure and
// deterministic: the same tag and payload always produce identical bytes,
// which keeps command replay on retry byte-exact.
func Encode(tag Tag, payload []byte) []byte {
	buf := make([]byte, 0, HeaderSize+len(payload)+TrailerSize)
	buf = append(buf, SOF, tag.Major, tag.Minor, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, crc8(buf[1:]))
	return buf
}

// DecodeOne attempts to decode a single frame from the start of buf.
// It returns the frame and the number of bytes consumed. On ErrNeedMoreData
// nothing is consumed. On *InvalidFrameError, consumed is the number of
// bytes to discard to reach the next plausible header.
func DecodeOne(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrNeedMoreData
	}
	if buf[0] != SOF {
		// Skip to the next SOF candidate.
		return Frame{}, nextSOF(buf), &InvalidFrameError{Reason: "missing start-of-frame"}
	}
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}

	length := int(buf[3])
	if length > MaxPayloadSize {
		return Frame{}, skipPastSOF(buf), &InvalidFrameError{Reason: fmt.Sprintf("declared payload length %d exceeds maximum %d", length, MaxPayloadSize)}
	}

	total := HeaderSize + length + TrailerSize
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	if got, want := buf[total-1], crc8(buf[1:total-1]); got != want {
		return Frame{}, skipPastSOF(buf), &InvalidFrameError{Reason: fmt.Sprintf("checksum mismatch: got 0x%02x, want 0x%02x", got, want)}
	}

	return Frame{
		Tag:     Tag{Major: buf[1], Minor: buf[2]},
		Payload: buf[HeaderSize : HeaderSize+length],
	}, total, nil
}

// nextSOF returns the offset of the first SOF byte in buf, or len(buf) if
// there is none.
func nextSOF(buf []byte) int {
	for i, b := range buf {
		if b == SOF {
			return i
		}
	}
	return len(buf)
}

// skipPastSOF returns how many bytes to discard when the frame starting at
// buf[0] is invalid: past this SOF, up to the next one.
func skipPastSOF(buf []byte) int {
	return 1 + nextSOF(buf[1:])
}

// Decoder reassembles notification fragments into frames for one session.
// It is not safe for concurrent use; the link manager feeds it from a single
// goroutine, so no locking is needed (one decoder per session).
type Decoder struct {
	buf      []byte
	failures uint64
	logger   *logrus.Logger
}

// NewDecoder creates a frame decoder. A nil logger falls back to a default
// logrus instance.
func NewDecoder(logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Decoder{logger: logger}
}

// Push appends raw notification bytes and extracts every complete frame.
// Invalid stretches are skipped and counted; a buffer that overflows
// MaxBufferSize without completing a frame is dropped entirely. Both are
// non-fatal: the decoder always recovers on the next clean frame.
func (d *Decoder) Push(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for len(d.buf) > 0 {
		frame, consumed, err := DecodeOne(d.buf)
		if err == nil {
			frames = append(frames, frame)
			d.buf = d.buf[consumed:]
			continue
		}

		var invalid *InvalidFrameError
		if errors.As(err, &invalid) {
			d.failures++
			d.logger.WithFields(logrus.Fields{
				"reason":    invalid.Reason,
				"discarded": consumed,
			}).Debug("Discarding invalid frame bytes")
			d.buf = d.buf[consumed:]
			continue
		}

		// ErrNeedMoreData: wait for the next fragment unless the buffer
		// has grown past the reassembly bound.
		if len(d.buf) > MaxBufferSize {
			d.failures++
			d.logger.WithField("buffered", len(d.buf)).Warn("Reassembly buffer overflow, resetting")
			d.buf = d.buf[:0]
		}
		break
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Failures returns how many invalid stretches or buffer resets the decoder
// has seen since creation.
func (d *Decoder) Failures() uint64 {
	return d.failures
}

// bufLen reports the current reassembly backlog.
func (d *Decoder) bufLen() int {
	return len(d.buf)
}

// Reset drops any partially accumulated bytes. Called when a session ends so
// a stale fragment cannot prefix the next session's first notification.
func (d *Decoder) Reset() {
	d.buf = nil
}
