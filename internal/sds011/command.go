package sds011

import (
	"encoding/binary"
	"fmt"
)

// Host-to-device frames are 19 bytes:
//
//	[0xAA][0xB4][cmd][data x12][id 1][id 2][checksum][0xAB]
//
// The checksum covers bytes 2..16 (command id, data and device id).
const (
	CommandFrameSize = 19
	CommandClass     = 0xB4

	// BroadcastID addresses every sensor on the bus.
	BroadcastID uint16 = 0xFFFF

	// MaxDutyCycleMinutes is the longest working period the sensor accepts.
	MaxDutyCycleMinutes = 30
)

// CommandID is the byte that selects a device function.
type CommandID byte

const (
	CmdReportingMode CommandID = 2
	CmdQueryData     CommandID = 4
	CmdSetDeviceID   CommandID = 5
	CmdSleep         CommandID = 6
	CmdFirmware      CommandID = 7
	CmdWorkingPeriod CommandID = 8
)

func (c CommandID) String() string {
	switch c {
	case CmdReportingMode:
		return "reporting_mode"
	case CmdQueryData:
		return "query"
	case CmdSetDeviceID:
		return "set_device_id"
	case CmdSleep:
		return "sleep"
	case CmdFirmware:
		return "firmware"
	case CmdWorkingPeriod:
		return "working_period"
	default:
		return fmt.Sprintf("cmd_%d", byte(c))
	}
}

// ReportingMode selects whether the sensor streams measurements or waits to
// be queried.
type ReportingMode byte

const (
	ModeActive ReportingMode = 0
	ModeQuery  ReportingMode = 1
)

func (m ReportingMode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeQuery:
		return "query"
	default:
		return fmt.Sprintf("mode_%d", byte(m))
	}
}

// Command is a request to the sensor. Use the constructors below rather than
// filling the struct by hand.
type Command struct {
	ID       CommandID
	Minutes  int
	Mode     ReportingMode
	Sleep    bool
	DeviceID uint16
}

// QueryCommand requests a single measurement.
func QueryCommand() Command {
	return Command{ID: CmdQueryData, DeviceID: BroadcastID}
}

// DutyCycleCommand sets the device-internal working period. Zero means
// continuous reporting; 1..30 wakes the sensor every that many minutes.
func DutyCycleCommand(minutes int) Command {
	return Command{ID: CmdWorkingPeriod, Minutes: minutes, DeviceID: BroadcastID}
}

// ModeCommand sets the data reporting mode.
func ModeCommand(mode ReportingMode) Command {
	return Command{ID: CmdReportingMode, Mode: mode, DeviceID: BroadcastID}
}

// SleepCommand puts the sensor to sleep (true) or wakes it (false).
func SleepCommand(sleep bool) Command {
	return Command{ID: CmdSleep, Sleep: sleep, DeviceID: BroadcastID}
}

// FirmwareCommand requests the firmware build date.
func FirmwareCommand() Command {
	return Command{ID: CmdFirmware, DeviceID: BroadcastID}
}

// To returns a copy of the command addressed to a single device.
func (c Command) To(deviceID uint16) Command {
	c.DeviceID = deviceID
	return c
}

func (c Command) String() string {
	switch c.ID {
	case CmdWorkingPeriod:
		return fmt.Sprintf("%s(%d)", c.ID, c.Minutes)
	case CmdReportingMode:
		return fmt.Sprintf("%s(%s)", c.ID, c.Mode)
	case CmdSleep:
		if c.Sleep {
			return "sleep"
		}
		return "wake"
	default:
		return c.ID.String()
	}
}

// data returns the 12 data bytes for the command.
func (c Command) data() ([12]byte, error) {
	var d [12]byte
	switch c.ID {
	case CmdQueryData, CmdFirmware:
	case CmdWorkingPeriod:
		if c.Minutes < 0 || c.Minutes > MaxDutyCycleMinutes {
			return d, fmt.Errorf("%w: duty cycle %d minutes outside 0-%d", ErrInvalidArgument, c.Minutes, MaxDutyCycleMinutes)
		}
		d[0] = 1
		d[1] = byte(c.Minutes)
	case CmdReportingMode:
		if c.Mode != ModeActive && c.Mode != ModeQuery {
			return d, fmt.Errorf("%w: unknown reporting mode %d", ErrInvalidArgument, c.Mode)
		}
		d[0] = 1
		d[1] = byte(c.Mode)
	case CmdSleep:
		d[0] = 1
		if !c.Sleep {
			d[1] = 1
		}
	default:
		return d, fmt.Errorf("%w: unsupported command %s", ErrInvalidArgument, c.ID)
	}
	return d, nil
}

// Encode serialises c into its 19-byte wire form.
func Encode(c Command) ([]byte, error) {
	data, err := c.data()
	if err != nil {
		return nil, err
	}
	b := make([]byte, CommandFrameSize)
	b[0] = FrameHeader
	b[1] = CommandClass
	b[2] = byte(c.ID)
	copy(b[3:15], data[:])
	binary.BigEndian.PutUint16(b[15:17], c.DeviceID)
	b[17] = Checksum(b[2:17])
	b[18] = FrameTail
	return b, nil
}

// DecodeCommand parses a 19-byte host frame. It is used by the simulator and
// by tests that inspect what was written to the transport.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) != CommandFrameSize {
		return Command{}, fmt.Errorf("%w: command frame is %d bytes, want %d", ErrInvalidArgument, len(b), CommandFrameSize)
	}
	if b[0] != FrameHeader || b[1] != CommandClass || b[18] != FrameTail {
		return Command{}, ErrFrameDesync
	}
	if Checksum(b[2:17]) != b[17] {
		return Command{}, ErrChecksumMismatch
	}
	c := Command{
		ID:       CommandID(b[2]),
		DeviceID: binary.BigEndian.Uint16(b[15:17]),
	}
	switch c.ID {
	case CmdWorkingPeriod:
		c.Minutes = int(b[4])
	case CmdReportingMode:
		c.Mode = ReportingMode(b[4])
	case CmdSleep:
		c.Sleep = b[4] == 0
	}
	return c, nil
}

// acks reports whether reply frame f acknowledges c.
func (c Command) acks(f Frame) bool {
	if !f.Valid {
		return false
	}
	if c.DeviceID != BroadcastID && f.DeviceID() != c.DeviceID {
		return false
	}
	switch c.ID {
	case CmdQueryData:
		return f.Kind == KindMeasurement
	case CmdFirmware:
		return f.Kind == KindCommandReply && f.Payload[0] == byte(CmdFirmware)
	}
	if f.Kind != KindCommandReply || f.Payload[0] != byte(c.ID) || f.Payload[1] != 1 {
		return false
	}
	data, err := c.data()
	if err != nil {
		return false
	}
	return f.Payload[2] == data[1]
}
