package sds011

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/dust.report/internal/monitoring"
	"github.com/banshee-data/dust.report/internal/timeutil"
)

// Transport is the byte stream the sensor is attached to. ReadTimeout returns
// (0, nil) when nothing arrived within d.
type Transport interface {
	ReadTimeout(p []byte, d time.Duration) (int, error)
	Write(p []byte) (int, error)
}

// InputResetter is implemented by transports that can drop unread input.
type InputResetter interface {
	ResetInputBuffer() error
}

// Observer receives protocol events. Implementations must not block.
type Observer interface {
	// ProtocolError is called once per discarded frame or desync with one of
	// "desync", "checksum" or "unknown".
	ProtocolError(kind string)
	// CommandResult is called after every command with its outcome.
	CommandResult(cmd Command, err error, elapsed time.Duration)
}

// StateKind enumerates the controller's view of the sensor power state.
type StateKind int

const (
	StateUnknown StateKind = iota
	StateAwake
	StateSleeping
	StateAwaitingAck
)

func (s StateKind) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateSleeping:
		return "sleeping"
	case StateAwaitingAck:
		return "awaiting_ack"
	default:
		return "unknown"
	}
}

// DeviceState is the tagged power state. Command and Deadline are set only
// while awaiting an acknowledgement.
type DeviceState struct {
	Kind     StateKind
	Command  Command
	Deadline time.Time
}

// ControllerOptions configures a Controller. Zero values select defaults.
type ControllerOptions struct {
	// AckTimeout bounds the wait for a reply to each command.
	AckTimeout time.Duration
	// ReadTimeout bounds each individual transport read.
	ReadTimeout time.Duration
	// DeviceID addresses commands to one sensor. Nil targets any sensor.
	DeviceID *uint16
	Clock    timeutil.Clock
	Observer Observer
}

const (
	DefaultAckTimeout  = 3 * time.Second
	DefaultReadTimeout = 250 * time.Millisecond
)

// Controller drives one sensor over a Transport. It is not safe for
// concurrent use: the device cannot process overlapping commands.
type Controller struct {
	t        Transport
	dec      *Decoder
	clock    timeutil.Clock
	observer Observer
	opts     ControllerOptions
	state    DeviceState
	deviceID uint16
	known    bool
	readBuf  []byte
	target   uint16
}

// NewController returns a controller in StateUnknown.
func NewController(t Transport, opts ControllerOptions) *Controller {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	target := BroadcastID
	if opts.DeviceID != nil {
		target = *opts.DeviceID
	}
	return &Controller{
		t:        t,
		dec:      NewDecoder(),
		clock:    opts.Clock,
		observer: opts.Observer,
		opts:     opts,
		readBuf:  make([]byte, 64),
		target:   target,
	}
}

// State returns the current power state.
func (c *Controller) State() DeviceState {
	return c.state
}

// DeviceID returns the id learned from the first valid frame, or false if no
// frame has been seen yet.
func (c *Controller) DeviceID() (uint16, bool) {
	return c.deviceID, c.known
}

// DecoderStats exposes the receive-side counters.
func (c *Controller) DecoderStats() DecoderStats {
	return c.dec.Stats()
}

// Wake issues the work command and waits for its acknowledgement.
func (c *Controller) Wake(ctx context.Context) error {
	if _, err := c.exchange(ctx, SleepCommand(false)); err != nil {
		return err
	}
	c.state = DeviceState{Kind: StateAwake}
	return nil
}

// Sleep issues the sleep command and waits for its acknowledgement. Calling it
// on a sensor that is already asleep is harmless.
func (c *Controller) Sleep(ctx context.Context) error {
	if _, err := c.exchange(ctx, SleepCommand(true)); err != nil {
		return err
	}
	c.state = DeviceState{Kind: StateSleeping}
	return nil
}

// SetDutyCycle sets the device-internal working period: 0 reports
// continuously, 1..30 wakes the sensor every that many minutes.
func (c *Controller) SetDutyCycle(ctx context.Context, minutes int) error {
	_, err := c.exchange(ctx, DutyCycleCommand(minutes))
	return err
}

// SetMode selects active (streaming) or query reporting.
func (c *Controller) SetMode(ctx context.Context, mode ReportingMode) error {
	_, err := c.exchange(ctx, ModeCommand(mode))
	return err
}

// Query requests one measurement from a sensor in query mode.
func (c *Controller) Query(ctx context.Context) (Measurement, error) {
	f, err := c.exchange(ctx, QueryCommand())
	if err != nil {
		return Measurement{}, err
	}
	return ParseMeasurement(f, c.clock.Now())
}

// Firmware returns the firmware build date.
func (c *Controller) Firmware(ctx context.Context) (FirmwareVersion, error) {
	f, err := c.exchange(ctx, FirmwareCommand())
	if err != nil {
		return FirmwareVersion{}, err
	}
	return parseFirmware(f), nil
}

// ReadMeasurement waits up to timeout for the next measurement a sensor in
// active mode streams on its own. It returns ErrNoData when none arrives.
func (c *Controller) ReadMeasurement(ctx context.Context, timeout time.Duration) (Measurement, error) {
	deadline := c.clock.Now().Add(timeout)
	f, err := c.await(ctx, deadline, func(f Frame) bool { return f.Kind == KindMeasurement })
	if err != nil {
		if errors.Is(err, ErrCommandTimeout) {
			return Measurement{}, ErrNoData
		}
		return Measurement{}, err
	}
	c.state = DeviceState{Kind: StateAwake}
	return ParseMeasurement(f, c.clock.Now())
}

// exchange writes cmd and waits for the frame that acknowledges it.
func (c *Controller) exchange(ctx context.Context, cmd Command) (Frame, error) {
	cmd = cmd.To(c.target)
	started := c.clock.Now()

	b, err := Encode(cmd)
	if err != nil {
		c.report(cmd, err, 0)
		return Frame{}, err
	}

	if r, ok := c.t.(InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			monitoring.Debugf("sds011: reset input buffer: %v", err)
		}
	}
	c.dec.Reset()

	monitoring.Debugf("> % x", b)
	if _, err := c.t.Write(b); err != nil {
		err = c.transportFailed("write", err)
		c.report(cmd, err, c.clock.Since(started))
		return Frame{}, err
	}

	deadline := started.Add(c.opts.AckTimeout)
	c.state = DeviceState{Kind: StateAwaitingAck, Command: cmd, Deadline: deadline}

	f, err := c.await(ctx, deadline, cmd.acks)
	if err != nil {
		if c.state.Kind == StateAwaitingAck {
			c.state = DeviceState{Kind: StateUnknown}
		}
		c.report(cmd, err, c.clock.Since(started))
		return Frame{}, err
	}

	// A reply proves the sensor is powered. Sleep/wake set the final state in
	// their callers.
	if c.state.Kind == StateAwaitingAck {
		c.state = DeviceState{Kind: StateAwake}
	}
	c.report(cmd, nil, c.clock.Since(started))
	return f, nil
}

// await reads until match accepts a frame or the deadline passes.
func (c *Controller) await(ctx context.Context, deadline time.Time, match func(Frame) bool) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		f, err := c.dec.Next()
		switch {
		case err == nil:
			c.learn(f)
			monitoring.Debugf("< %s", f)
			if match(f) {
				return f, nil
			}
			if f.Kind == KindUnknown {
				c.protocolError("unknown")
			}
			continue
		case errors.Is(err, ErrFrameDesync):
			c.protocolError("desync")
			continue
		case errors.Is(err, ErrChecksumMismatch):
			monitoring.Debugf("< %s (bad checksum)", f)
			c.protocolError("checksum")
			continue
		}

		remaining := c.clock.Until(deadline)
		if remaining <= 0 {
			return Frame{}, ErrCommandTimeout
		}
		wait := c.opts.ReadTimeout
		if remaining < wait {
			wait = remaining
		}
		n, err := c.t.ReadTimeout(c.readBuf, wait)
		if n > 0 {
			c.dec.Feed(c.readBuf[:n])
		}
		if err != nil {
			return Frame{}, c.transportFailed("read", err)
		}
	}
}

func (c *Controller) learn(f Frame) {
	if c.known {
		return
	}
	c.deviceID = f.DeviceID()
	c.known = true
	monitoring.Logf("sds011: sensor id %04X", c.deviceID)
}

// transportFailed drops partial input and forgets the power state so that a
// retry after transport recovery starts from a clean slate.
func (c *Controller) transportFailed(op string, err error) error {
	c.dec.Reset()
	c.state = DeviceState{Kind: StateUnknown}
	return &TransportError{Op: op, Err: err}
}

func (c *Controller) protocolError(kind string) {
	if c.observer != nil {
		c.observer.ProtocolError(kind)
	}
}

func (c *Controller) report(cmd Command, err error, elapsed time.Duration) {
	if err != nil {
		monitoring.Debugf("sds011: %s failed after %s: %v", cmd, elapsed, err)
	}
	if c.observer != nil {
		c.observer.CommandResult(cmd, err, elapsed)
	}
}

// String implements fmt.Stringer for log lines.
func (c *Controller) String() string {
	if c.known {
		return fmt.Sprintf("SDS011(%04X, %s)", c.deviceID, c.state.Kind)
	}
	return fmt.Sprintf("SDS011(?, %s)", c.state.Kind)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) ProtocolError(kind string) {
	for _, ob := range o {
		ob.ProtocolError(kind)
	}
}

func (o Observers) CommandResult(cmd Command, err error, elapsed time.Duration) {
	for _, ob := range o {
		ob.CommandResult(cmd, err, elapsed)
	}
}
