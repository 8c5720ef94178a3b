package sds011

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/dust.report/internal/timeutil"
)

// DefaultStreamPeriod is how often an SDS011 in active mode reports.
const DefaultStreamPeriod = time.Second

// Reading is a raw pair of tenth-unit concentrations.
type Reading struct {
	PM25 uint16
	PM10 uint16
}

// Simulator is an in-memory SDS011. It implements Transport and answers
// commands the way the hardware does, which makes it usable both in tests
// and for running the monitor without a sensor attached (--dev).
type Simulator struct {
	mu sync.Mutex

	id       uint16
	sleeping bool
	mode     ReportingMode
	period   int
	firmware FirmwareVersion
	readings []Reading
	next     int
	out      []byte
	commands []Command
	streamed time.Time

	// Clock paces the active-mode stream.
	Clock timeutil.Clock
	// StreamPeriod is the interval between streamed measurements. Zero
	// streams a measurement on every empty read.
	StreamPeriod time.Duration

	// Idle bounds how long an empty read blocks before returning (0, nil).
	Idle time.Duration

	// DropReplies swallows that many upcoming replies.
	DropReplies int
	// Noise is emitted before the next reply then cleared.
	Noise []byte
	// CorruptNext flips the checksum of the next reply.
	CorruptNext bool
	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
}

// NewSimulator returns an awake sensor in active mode that cycles through
// readings. At least one reading is required.
func NewSimulator(id uint16, readings ...Reading) *Simulator {
	if len(readings) == 0 {
		readings = []Reading{{PM25: 123, PM10: 456}}
	}
	return &Simulator{
		id:       id,
		mode:     ModeActive,
		firmware: FirmwareVersion{Year: 18, Month: 11, Day: 16},
		readings: readings,
		Idle:     10 * time.Millisecond,

		Clock:        timeutil.RealClock{},
		StreamPeriod: DefaultStreamPeriod,
	}
}

// Write accepts one or more 19-byte command frames.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteError != nil {
		err := s.WriteError
		s.WriteError = nil
		return 0, err
	}
	if len(p)%CommandFrameSize != 0 {
		return 0, errors.New("simulator: partial command frame")
	}
	for off := 0; off < len(p); off += CommandFrameSize {
		cmd, err := DecodeCommand(p[off : off+CommandFrameSize])
		if err != nil {
			// The hardware silently ignores frames it cannot parse.
			continue
		}
		s.commands = append(s.commands, cmd)
		if cmd.DeviceID != BroadcastID && cmd.DeviceID != s.id {
			continue
		}
		s.handle(cmd)
	}
	return len(p), nil
}

func (s *Simulator) handle(cmd Command) {
	switch cmd.ID {
	case CmdSleep:
		s.sleeping = cmd.Sleep
		work := byte(1)
		if cmd.Sleep {
			work = 0
		}
		s.reply(ReplyFrame(CmdSleep, [3]byte{1, work, 0}, s.id))
	case CmdReportingMode:
		s.mode = cmd.Mode
		s.reply(ReplyFrame(CmdReportingMode, [3]byte{1, byte(cmd.Mode), 0}, s.id))
	case CmdWorkingPeriod:
		s.period = cmd.Minutes
		s.reply(ReplyFrame(CmdWorkingPeriod, [3]byte{1, byte(cmd.Minutes), 0}, s.id))
	case CmdFirmware:
		s.reply(ReplyFrame(CmdFirmware, [3]byte{byte(s.firmware.Year), byte(s.firmware.Month), byte(s.firmware.Day)}, s.id))
	case CmdQueryData:
		if s.sleeping {
			return
		}
		s.reply(s.measurement())
	}
}

func (s *Simulator) measurement() Frame {
	r := s.readings[s.next%len(s.readings)]
	s.next++
	return MeasurementFrame(r.PM25, r.PM10, s.id)
}

func (s *Simulator) reply(f Frame) {
	if s.DropReplies > 0 {
		s.DropReplies--
		return
	}
	if len(s.Noise) > 0 {
		s.out = append(s.out, s.Noise...)
		s.Noise = nil
	}
	b := f.Bytes()
	if s.CorruptNext {
		b[8]++
		s.CorruptNext = false
	}
	s.out = append(s.out, b...)
}

// ReadTimeout returns queued bytes. An awake sensor in active mode produces a
// fresh measurement once per StreamPeriod; between measurements an empty read
// blocks for Idle (at most d) and returns (0, nil).
func (s *Simulator) ReadTimeout(p []byte, d time.Duration) (int, error) {
	s.mu.Lock()
	if s.ReadError != nil {
		err := s.ReadError
		s.ReadError = nil
		s.mu.Unlock()
		return 0, err
	}
	if len(s.out) == 0 && !s.sleeping && s.mode == ModeActive && s.streamDue() {
		s.out = append(s.out, s.measurement().Bytes()...)
	}
	if len(s.out) == 0 {
		idle := s.Idle
		s.mu.Unlock()
		if idle > d {
			idle = d
		}
		time.Sleep(idle)
		return 0, nil
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *Simulator) streamDue() bool {
	now := s.Clock.Now()
	if !s.streamed.IsZero() && now.Sub(s.streamed) < s.StreamPeriod {
		return false
	}
	s.streamed = now
	return true
}

// ResetInputBuffer discards bytes the host has not read yet.
func (s *Simulator) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = s.out[:0]
	return nil
}

// Inject queues raw bytes as if the sensor had sent them.
func (s *Simulator) Inject(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, b...)
}

// Commands returns every well-formed command received so far.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Sleeping reports the simulated power state.
func (s *Simulator) Sleeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sleeping
}

// Mode reports the simulated reporting mode.
func (s *Simulator) Mode() ReportingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// WorkingPeriod reports the simulated duty cycle in minutes.
func (s *Simulator) WorkingPeriod() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// SetSleeping forces the simulated power state.
func (s *Simulator) SetSleeping(sleeping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeping = sleeping
}

// Configure applies fault injection under the simulator's lock.
func (s *Simulator) Configure(f func(s *Simulator)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}
