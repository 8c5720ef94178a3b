package sds011

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu       sync.Mutex
	protocol []string
	results  []string
}

func (o *recordingObserver) ProtocolError(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protocol = append(o.protocol, kind)
}

func (o *recordingObserver) CommandResult(cmd Command, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := "ok"
	if err != nil {
		result = err.Error()
	}
	o.results = append(o.results, cmd.String()+": "+result)
}

func (o *recordingObserver) protocolErrors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.protocol...)
}

func newTestController(t *testing.T, sim *Simulator) (*Controller, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	c := NewController(sim, ControllerOptions{
		AckTimeout:  50 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
		Observer:    obs,
	})
	return c, obs
}

func TestController_WakeAndSleep(t *testing.T) {
	sim := NewSimulator(0xA160)
	sim.SetSleeping(true)
	c, _ := newTestController(t, sim)
	ctx := context.Background()

	if got := c.State().Kind; got != StateUnknown {
		t.Fatalf("initial state = %s, want unknown", got)
	}

	if err := c.Wake(ctx); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}
	if got := c.State().Kind; got != StateAwake {
		t.Errorf("state after Wake = %s, want awake", got)
	}
	if sim.Sleeping() {
		t.Error("simulator still asleep after Wake")
	}

	if err := c.Sleep(ctx); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if got := c.State().Kind; got != StateSleeping {
		t.Errorf("state after Sleep = %s, want sleeping", got)
	}
	if !sim.Sleeping() {
		t.Error("simulator awake after Sleep")
	}

	id, ok := c.DeviceID()
	if !ok || id != 0xA160 {
		t.Errorf("DeviceID() = %04X, %v; want A160, true", id, ok)
	}
}

func TestController_SleepTwiceIsIdempotent(t *testing.T) {
	sim := NewSimulator(1)
	c, _ := newTestController(t, sim)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Sleep(ctx); err != nil {
			t.Fatalf("Sleep() #%d error = %v", i+1, err)
		}
		if got := c.State().Kind; got != StateSleeping {
			t.Fatalf("state after Sleep #%d = %s, want sleeping", i+1, got)
		}
	}
	if n := len(sim.Commands()); n != 2 {
		t.Errorf("commands sent = %d, want 2", n)
	}
}

func TestController_TimeoutRevertsToUnknown(t *testing.T) {
	sim := NewSimulator(1)
	sim.SetSleeping(true)
	sim.Configure(func(s *Simulator) { s.DropReplies = 1 })
	c, obs := newTestController(t, sim)

	err := c.Sleep(context.Background())
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Sleep() error = %v, want ErrCommandTimeout", err)
	}
	if !IsRecoverable(err) {
		t.Error("timeout should be recoverable")
	}
	if got := c.State().Kind; got != StateUnknown {
		t.Errorf("state after timeout = %s, want unknown", got)
	}
	if len(obs.results) != 1 {
		t.Fatalf("results = %v, want one entry", obs.results)
	}

	// Resending the same command is safe once the device answers again.
	if err := c.Sleep(context.Background()); err != nil {
		t.Fatalf("retried Sleep() error = %v", err)
	}
	if got := c.State().Kind; got != StateSleeping {
		t.Errorf("state after retry = %s, want sleeping", got)
	}
}

func TestController_InvalidDutyCycleSendsNothing(t *testing.T) {
	sim := NewSimulator(1)
	c, _ := newTestController(t, sim)

	err := c.SetDutyCycle(context.Background(), 31)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetDutyCycle(31) error = %v, want ErrInvalidArgument", err)
	}
	if n := len(sim.Commands()); n != 0 {
		t.Errorf("commands sent = %d, want 0", n)
	}
	if got := c.State().Kind; got != StateUnknown {
		t.Errorf("state = %s, want unknown", got)
	}
}

func TestController_SetDutyCycleAndMode(t *testing.T) {
	sim := NewSimulator(1)
	c, _ := newTestController(t, sim)
	ctx := context.Background()

	if err := c.SetDutyCycle(ctx, 5); err != nil {
		t.Fatalf("SetDutyCycle(5) error = %v", err)
	}
	if got := sim.WorkingPeriod(); got != 5 {
		t.Errorf("working period = %d, want 5", got)
	}
	if err := c.SetMode(ctx, ModeQuery); err != nil {
		t.Fatalf("SetMode(query) error = %v", err)
	}
	if got := sim.Mode(); got != ModeQuery {
		t.Errorf("mode = %s, want query", got)
	}
	if got := c.State().Kind; got != StateAwake {
		t.Errorf("state = %s, want awake", got)
	}
}

func TestController_CorruptedAckIsCountedAndIgnored(t *testing.T) {
	sim := NewSimulator(1)
	sim.SetSleeping(true)
	sim.Configure(func(s *Simulator) { s.CorruptNext = true })
	c, obs := newTestController(t, sim)

	err := c.Sleep(context.Background())
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Sleep() error = %v, want ErrCommandTimeout", err)
	}
	got := obs.protocolErrors()
	if len(got) != 1 || got[0] != "checksum" {
		t.Errorf("protocol errors = %v, want [checksum]", got)
	}
	if s := c.DecoderStats(); s.ChecksumFailures != 1 {
		t.Errorf("ChecksumFailures = %d, want 1", s.ChecksumFailures)
	}
}

func TestController_NoiseBeforeAck(t *testing.T) {
	sim := NewSimulator(0xA160)
	sim.SetSleeping(true)
	sim.Configure(func(s *Simulator) { s.Noise = []byte{0xAA, 0x01, 0x02} })
	c, obs := newTestController(t, sim)

	if err := c.Sleep(context.Background()); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	got := obs.protocolErrors()
	if len(got) != 1 || got[0] != "desync" {
		t.Errorf("protocol errors = %v, want [desync]", got)
	}
}

func TestController_WriteFailure(t *testing.T) {
	sim := NewSimulator(1)
	unplugged := errors.New("device unplugged")
	sim.Configure(func(s *Simulator) { s.WriteError = unplugged })
	c, _ := newTestController(t, sim)

	err := c.Wake(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Wake() error = %v, want *TransportError", err)
	}
	if te.Op != "write" || !errors.Is(err, unplugged) {
		t.Errorf("TransportError = %+v, want write wrapping the cause", te)
	}
	if IsRecoverable(err) {
		t.Error("transport errors are not recoverable protocol conditions")
	}
	if got := c.State().Kind; got != StateUnknown {
		t.Errorf("state = %s, want unknown", got)
	}

	if err := c.Wake(context.Background()); err != nil {
		t.Errorf("Wake() after recovery error = %v", err)
	}
}

func TestController_ReadFailure(t *testing.T) {
	sim := NewSimulator(1)
	sim.Configure(func(s *Simulator) { s.ReadError = errors.New("i/o error") })
	c, _ := newTestController(t, sim)

	err := c.Sleep(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("Sleep() error = %v, want read TransportError", err)
	}
	if c.dec.Buffered() != 0 {
		t.Errorf("decoder kept %d bytes after transport failure", c.dec.Buffered())
	}
}

func TestController_Query(t *testing.T) {
	sim := NewSimulator(0xA160, Reading{PM25: 100, PM10: 250})
	c, _ := newTestController(t, sim)
	ctx := context.Background()

	if err := c.SetMode(ctx, ModeQuery); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	m, err := c.Query(ctx)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if m.PM25 != 10.0 || m.PM10 != 25.0 || m.DeviceID != 0xA160 {
		t.Errorf("Query() = %+v, want 10.0/25.0 from A160", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("measurement has no timestamp")
	}
}

func TestController_QueryWhileAsleepTimesOut(t *testing.T) {
	sim := NewSimulator(1)
	sim.SetSleeping(true)
	c, _ := newTestController(t, sim)

	if _, err := c.Query(context.Background()); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("Query() error = %v, want ErrCommandTimeout", err)
	}
}

func TestController_ReadMeasurement(t *testing.T) {
	sim := NewSimulator(1, Reading{PM25: 55, PM10: 77})
	c, _ := newTestController(t, sim)

	m, err := c.ReadMeasurement(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadMeasurement() error = %v", err)
	}
	if m.RawPM25 != 55 || m.RawPM10 != 77 {
		t.Errorf("ReadMeasurement() = %d/%d, want 55/77", m.RawPM25, m.RawPM10)
	}
	if got := c.State().Kind; got != StateAwake {
		t.Errorf("state = %s, want awake", got)
	}

	sim.SetSleeping(true)
	if _, err := c.ReadMeasurement(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrNoData) {
		t.Errorf("ReadMeasurement() on sleeping sensor error = %v, want ErrNoData", err)
	}
}

func TestController_Firmware(t *testing.T) {
	sim := NewSimulator(1)
	sim.SetSleeping(true)
	c, _ := newTestController(t, sim)

	v, err := c.Firmware(context.Background())
	if err != nil {
		t.Fatalf("Firmware() error = %v", err)
	}
	if v.String() != "2018-11-16" {
		t.Errorf("Firmware() = %s, want 2018-11-16", v)
	}
}

func TestController_AddressedCommandIgnoredByOtherDevice(t *testing.T) {
	other := uint16(0x1234)
	sim := NewSimulator(0xA160)
	sim.SetSleeping(true)
	c := NewController(sim, ControllerOptions{
		AckTimeout:  20 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
		DeviceID:    &other,
	})

	if err := c.Wake(context.Background()); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("Wake() error = %v, want ErrCommandTimeout", err)
	}
	if !sim.Sleeping() {
		t.Error("sensor with a different id obeyed the command")
	}
}

func TestController_AddressesDeviceZero(t *testing.T) {
	var zero uint16
	sim := NewSimulator(0)
	sim.SetSleeping(true)
	c := NewController(sim, ControllerOptions{
		AckTimeout:  50 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
		DeviceID:    &zero,
	})

	if err := c.Wake(context.Background()); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}
	cmds := sim.Commands()
	if len(cmds) != 1 || cmds[0].DeviceID != 0 {
		t.Errorf("commands = %+v, want one addressed to 0x0000", cmds)
	}
	if sim.Sleeping() {
		t.Error("sensor 0x0000 did not obey the command")
	}
}

func TestController_CancelledContext(t *testing.T) {
	sim := NewSimulator(1)
	sim.SetSleeping(true)
	sim.Configure(func(s *Simulator) { s.DropReplies = 1 })
	c := NewController(sim, ControllerOptions{AckTimeout: time.Hour, ReadTimeout: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Sleep(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sleep() error = %v, want context.DeadlineExceeded", err)
	}
	if got := c.State().Kind; got != StateUnknown {
		t.Errorf("state = %s, want unknown", got)
	}
}
