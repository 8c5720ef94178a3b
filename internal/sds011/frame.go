// Package sds011 implements the binary serial protocol of the Nova Fitness
// SDS011 particulate matter sensor: frame decoding, command encoding and a
// controller that correlates commands with their replies.
package sds011

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Wire layout of device-to-host frames:
//
//	[0xAA][cmd][payload x6][checksum][0xAB]
//
// The checksum is the low byte of the sum of the six payload bytes. For
// measurement frames the payload is PM2.5 (LE16), PM10 (LE16), then the two
// device id bytes.
const (
	FrameHeader = 0xAA
	FrameTail   = 0xAB

	FrameSize   = 10
	PayloadSize = 6

	// CommandMeasurement marks a data frame, either streamed in active mode or
	// sent in reply to a query.
	CommandMeasurement = 0xC0
	// CommandReply marks the reply to a set/get command.
	CommandReply = 0xC5
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindMeasurement
	KindCommandReply
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindMeasurement:
		return "measurement"
	case KindCommandReply:
		return "reply"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Frame is one decoded 10-byte unit received from the sensor.
type Frame struct {
	Kind     Kind
	Command  byte
	Payload  [PayloadSize]byte
	Checksum byte
	Valid    bool
}

// DeviceID returns the id the sensor stamped into the last two payload bytes.
func (f Frame) DeviceID() uint16 {
	return binary.BigEndian.Uint16(f.Payload[4:6])
}

// Bytes re-serialises the frame exactly as it appeared on the wire.
func (f Frame) Bytes() []byte {
	b := make([]byte, FrameSize)
	b[0] = FrameHeader
	b[1] = f.Command
	copy(b[2:8], f.Payload[:])
	b[8] = f.Checksum
	b[9] = FrameTail
	return b
}

func (f Frame) String() string {
	return fmt.Sprintf("% x", f.Bytes())
}

// Checksum returns the low byte of the sum of p.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

// Decode scans buf for the next frame. It returns the frame, the number of
// bytes the caller should drop from the front of buf, and an error:
//
//   - ErrNeedMoreData: no complete frame is buffered; bytes before a candidate
//     header (or the whole buffer if there is none) are reported as consumed.
//   - ErrFrameDesync: the candidate header had no tail at offset 9; only the
//     header byte and what preceded it are consumed so a real frame starting
//     inside the rejected window is not lost.
//   - ErrChecksumMismatch: header and tail were intact but the checksum failed.
//     The frame is returned with Kind Malformed and Valid false. All 10 bytes
//     are consumed unless another header sits inside the window, in which
//     case decoding resumes there.
func Decode(buf []byte) (Frame, int, error) {
	start := -1
	for i, b := range buf {
		if b == FrameHeader {
			start = i
			break
		}
	}
	if start < 0 {
		return Frame{}, len(buf), ErrNeedMoreData
	}
	if len(buf)-start < FrameSize {
		return Frame{}, start, ErrNeedMoreData
	}

	raw := buf[start : start+FrameSize]
	if raw[9] != FrameTail {
		return Frame{}, start + 1, ErrFrameDesync
	}

	f := Frame{Command: raw[1], Checksum: raw[8]}
	copy(f.Payload[:], raw[2:8])

	if Checksum(f.Payload[:]) != f.Checksum {
		f.Kind = KindMalformed
		// A stray header can pair with the tail of a real frame that starts
		// inside this window; resume at the next header if there is one.
		if i := bytes.IndexByte(raw[1:9], FrameHeader); i >= 0 {
			return f, start + 1 + i, ErrChecksumMismatch
		}
		return f, start + FrameSize, ErrChecksumMismatch
	}

	f.Valid = true
	switch f.Command {
	case CommandMeasurement:
		f.Kind = KindMeasurement
	case CommandReply:
		f.Kind = KindCommandReply
	default:
		f.Kind = KindUnknown
	}
	return f, start + FrameSize, nil
}

// Measurement is a single particulate reading derived from a valid
// measurement frame.
type Measurement struct {
	// RawPM25 and RawPM10 are the sensor's native units (tenths of µg/m³).
	RawPM25   uint16
	RawPM10   uint16
	PM25      float64
	PM10      float64
	DeviceID  uint16
	Timestamp time.Time
}

// ParseMeasurement converts a valid measurement frame into a Measurement
// stamped with the capture time at.
func ParseMeasurement(f Frame, at time.Time) (Measurement, error) {
	if !f.Valid || f.Kind != KindMeasurement {
		return Measurement{}, fmt.Errorf("%w: not a valid measurement frame (%s)", ErrInvalidArgument, f.Kind)
	}
	raw25 := binary.LittleEndian.Uint16(f.Payload[0:2])
	raw10 := binary.LittleEndian.Uint16(f.Payload[2:4])
	return Measurement{
		RawPM25:   raw25,
		RawPM10:   raw10,
		PM25:      float64(raw25) / 10.0,
		PM10:      float64(raw10) / 10.0,
		DeviceID:  f.DeviceID(),
		Timestamp: at,
	}, nil
}

// MeasurementFrame builds the wire frame a sensor with the given id would
// send for the raw tenth-unit readings.
func MeasurementFrame(rawPM25, rawPM10, deviceID uint16) Frame {
	f := Frame{Kind: KindMeasurement, Command: CommandMeasurement, Valid: true}
	binary.LittleEndian.PutUint16(f.Payload[0:2], rawPM25)
	binary.LittleEndian.PutUint16(f.Payload[2:4], rawPM10)
	binary.BigEndian.PutUint16(f.Payload[4:6], deviceID)
	f.Checksum = Checksum(f.Payload[:])
	return f
}

// ReplyFrame builds the reply frame for command id with the three data bytes
// that follow it in the payload.
func ReplyFrame(id CommandID, data [3]byte, deviceID uint16) Frame {
	f := Frame{Kind: KindCommandReply, Command: CommandReply, Valid: true}
	f.Payload[0] = byte(id)
	copy(f.Payload[1:4], data[:])
	binary.BigEndian.PutUint16(f.Payload[4:6], deviceID)
	f.Checksum = Checksum(f.Payload[:])
	return f
}

// FirmwareVersion is the build date reported by command 7.
type FirmwareVersion struct {
	Year  int
	Month int
	Day   int
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("20%02d-%02d-%02d", v.Year, v.Month, v.Day)
}

func parseFirmware(f Frame) FirmwareVersion {
	return FirmwareVersion{
		Year:  int(f.Payload[1]),
		Month: int(f.Payload[2]),
		Day:   int(f.Payload[3]),
	}
}
