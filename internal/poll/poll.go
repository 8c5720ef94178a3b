// Package poll drives the sensor: wake, measure, sleep, and cut reporting
// windows on a cadence that is independent of the duty cycle.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/config"
	"github.com/banshee-data/dust.report/internal/monitoring"
	"github.com/banshee-data/dust.report/internal/sds011"
	"github.com/banshee-data/dust.report/internal/timeutil"
)

// Device is the part of the sds011 controller the loop needs.
type Device interface {
	Wake(ctx context.Context) error
	Sleep(ctx context.Context) error
	SetDutyCycle(ctx context.Context, minutes int) error
	SetMode(ctx context.Context, mode sds011.ReportingMode) error
	Query(ctx context.Context) (sds011.Measurement, error)
	ReadMeasurement(ctx context.Context, timeout time.Duration) (sds011.Measurement, error)
	State() sds011.DeviceState
}

// Sink receives every non-empty summary.
type Sink interface {
	Summary(s aggregate.Summary) error
}

// ReadingSink is implemented by sinks that also want individual readings.
type ReadingSink interface {
	Reading(m sds011.Measurement)
}

// Options configures a Loop. Build it with OptionsFrom or fill it directly
// in tests.
type Options struct {
	// SleepEnabled selects duty-cycled operation; false reads the sensor's
	// active-mode stream continuously.
	SleepEnabled bool

	ReadingsPerCycle int
	ReadInterval     time.Duration
	WarmUp           time.Duration
	SleepInterval    time.Duration
	RetryDelay       time.Duration

	// DeviceWorkingPeriod is written to the sensor at startup (0-30 minutes).
	DeviceWorkingPeriod int

	ReportEveryCycles int
	ReportInterval    time.Duration

	// StreamTimeout bounds the wait for one streamed measurement in
	// continuous mode.
	StreamTimeout time.Duration
	// ShutdownTimeout bounds the final sleep command on exit.
	ShutdownTimeout time.Duration
	// RewakeAfterMisses re-sends wake in continuous mode after that many
	// empty stream reads in a row. Zero never sends power commands once the
	// loop is running.
	RewakeAfterMisses int

	Clock timeutil.Clock
}

const (
	DefaultStreamTimeout   = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// OptionsFrom maps the settings file onto loop options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		SleepEnabled:        cfg.Sampling.SleepEnabled,
		ReadingsPerCycle:    cfg.Sampling.ReadingsPerCycle,
		ReadInterval:        cfg.Sampling.ReadInterval,
		WarmUp:              cfg.Sampling.WarmUp,
		SleepInterval:       cfg.Sampling.SleepInterval,
		RetryDelay:          cfg.Sampling.RetryDelay,
		DeviceWorkingPeriod: cfg.Sensor.WorkingPeriod,
		ReportEveryCycles:   cfg.Report.EveryCycles,
		ReportInterval:      cfg.Report.Interval,
		RewakeAfterMisses:   cfg.Sampling.RewakeAfterMisses,
	}
}

// Loop owns the aggregation window and the device schedule. Run must be
// called from a single goroutine.
type Loop struct {
	dev    Device
	agg    *aggregate.Aggregator
	opts   Options
	clock  timeutil.Clock
	sinks  []Sink
	cycles int
	cut    time.Time
}

// New returns a loop that folds readings into agg and pushes summaries to
// sinks.
func New(dev Device, agg *aggregate.Aggregator, opts Options, sinks ...Sink) *Loop {
	if opts.ReadingsPerCycle < 1 {
		opts.ReadingsPerCycle = 1
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if agg == nil {
		agg = aggregate.New()
	}
	return &Loop{
		dev:   dev,
		agg:   agg,
		opts:  opts,
		clock: opts.Clock,
		sinks: sinks,
	}
}

// Run configures the sensor and polls until ctx is cancelled or the
// transport fails. Cancellation returns nil; a transport failure returns
// the *sds011.TransportError.
func (l *Loop) Run(ctx context.Context) error {
	l.cut = l.clock.Now()

	err := l.setup(ctx)
	if err == nil {
		if l.opts.SleepEnabled {
			err = l.runDutyCycled(ctx)
		} else {
			err = l.runContinuous(ctx)
		}
	}

	var te *sds011.TransportError
	if errors.As(err, &te) {
		return err
	}
	if l.opts.SleepEnabled {
		l.shutdown(ctx)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Loop) setup(ctx context.Context) error {
	mode := sds011.ModeActive
	if l.opts.SleepEnabled {
		mode = sds011.ModeQuery
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"wake", l.dev.Wake},
		{"set working period", func(ctx context.Context) error {
			return l.dev.SetDutyCycle(ctx, l.opts.DeviceWorkingPeriod)
		}},
		{"set reporting mode", func(ctx context.Context) error {
			return l.dev.SetMode(ctx, mode)
		}},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			if !errors.Is(err, sds011.ErrCommandTimeout) {
				return err
			}
			monitoring.Warnf("poll: %s: %v", s.name, err)
		}
	}
	monitoring.Logf("poll: sensor configured (%s mode, working period %d)", mode, l.opts.DeviceWorkingPeriod)
	return nil
}

func (l *Loop) runDutyCycled(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.dev.State().Kind != sds011.StateAwake {
			if err := l.dev.Wake(ctx); err != nil {
				if !errors.Is(err, sds011.ErrCommandTimeout) {
					return err
				}
				monitoring.Warnf("poll: wake: %v; retrying in %s", err, l.opts.RetryDelay)
				if err := timeutil.Wait(ctx, l.clock, l.opts.RetryDelay); err != nil {
					return err
				}
				continue
			}
			monitoring.Debugf("poll: warming up for %s", l.opts.WarmUp)
			if err := timeutil.Wait(ctx, l.clock, l.opts.WarmUp); err != nil {
				return err
			}
		}

		valid, err := l.measureCycle(ctx)
		if err != nil {
			return err
		}
		l.cycles++
		l.maybeReport()

		if valid == 0 {
			monitoring.Logf("poll: no valid readings in this cycle, retrying in %s", l.opts.RetryDelay)
			if err := timeutil.Wait(ctx, l.clock, l.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		monitoring.Debugf("poll: sleeping for %s", l.opts.SleepInterval)
		if err := l.dev.Sleep(ctx); err != nil {
			if !errors.Is(err, sds011.ErrCommandTimeout) {
				return err
			}
			monitoring.Warnf("poll: sleep: %v", err)
		}
		if err := timeutil.Wait(ctx, l.clock, l.opts.SleepInterval); err != nil {
			return err
		}
	}
}

// measureCycle takes ReadingsPerCycle queries spaced by ReadInterval and
// returns how many produced a measurement.
func (l *Loop) measureCycle(ctx context.Context) (int, error) {
	valid := 0
	for i := 0; i < l.opts.ReadingsPerCycle; i++ {
		if i > 0 {
			if err := timeutil.Wait(ctx, l.clock, l.opts.ReadInterval); err != nil {
				return valid, err
			}
		}
		m, err := l.dev.Query(ctx)
		if err != nil {
			if !sds011.IsRecoverable(err) {
				return valid, err
			}
			monitoring.Debugf("poll: invalid reading: %v", err)
			continue
		}
		l.ingest(m)
		valid++
	}
	return valid, nil
}

func (l *Loop) runContinuous(ctx context.Context) error {
	readings, misses := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := l.dev.ReadMeasurement(ctx, l.opts.StreamTimeout)
		switch {
		case err == nil:
			misses = 0
			l.ingest(m)
			readings++
			if readings%l.opts.ReadingsPerCycle == 0 {
				l.cycles++
			}
		case sds011.IsRecoverable(err):
			misses++
			monitoring.Debugf("poll: %v", err)
			if l.opts.RewakeAfterMisses > 0 && misses >= l.opts.RewakeAfterMisses {
				misses = 0
				monitoring.Warnf("poll: no data for %d reads, waking sensor", l.opts.RewakeAfterMisses)
				if err := l.dev.Wake(ctx); err != nil && !errors.Is(err, sds011.ErrCommandTimeout) {
					return err
				}
			}
		default:
			return err
		}

		l.maybeReport()
	}
}

func (l *Loop) ingest(m sds011.Measurement) {
	l.agg.Ingest(m)
	for _, s := range l.sinks {
		if rs, ok := s.(ReadingSink); ok {
			rs.Reading(m)
		}
	}
}

// due reports whether the reporting cadence has elapsed. In duty-cycled
// mode a positive ReportEveryCycles wins over the interval; in continuous
// mode the interval wins and a cycle is ReadingsPerCycle readings.
func (l *Loop) due() bool {
	byCycles := l.opts.ReportEveryCycles > 0 && l.cycles >= l.opts.ReportEveryCycles
	byInterval := l.opts.ReportInterval > 0 && l.clock.Since(l.cut) >= l.opts.ReportInterval
	if l.opts.SleepEnabled {
		if l.opts.ReportEveryCycles > 0 {
			return byCycles
		}
		return byInterval
	}
	if l.opts.ReportInterval > 0 {
		return byInterval
	}
	return byCycles
}

func (l *Loop) maybeReport() {
	if !l.due() {
		return
	}
	l.cycles = 0
	l.cut = l.clock.Now()

	s, ok := l.agg.Summarize()
	l.agg.Reset()
	if !ok {
		return
	}
	for _, sink := range l.sinks {
		if err := sink.Summary(s); err != nil {
			monitoring.Warnf("poll: summary sink: %v", err)
		}
	}
}

// shutdown puts the sensor to sleep so the fan and laser stop when the
// process exits.
func (l *Loop) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ShutdownTimeout)
	defer cancel()
	if err := l.dev.Sleep(ctx); err != nil {
		monitoring.Warnf("poll: sleep on shutdown: %v", err)
		return
	}
	monitoring.Logf("poll: sensor asleep")
}
