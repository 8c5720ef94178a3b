// Package metrics exports the latest averages and protocol health as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/sds011"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Exporter is a poll loop sink and a controller observer.
type Exporter struct {
	PM25           prometheus.Gauge
	PM10           prometheus.Gauge
	SummaryReads   prometheus.Gauge
	LastSummary    prometheus.Gauge
	Readings       prometheus.Counter
	ProtocolErrors *prometheus.CounterVec // labels: kind
	Commands       *prometheus.CounterVec // labels: command, result
	CommandSeconds *prometheus.HistogramVec
	Awake          prometheus.Gauge
}

const awakeUnknown = -1

// NewExporter registers the sensor metrics on reg.
func NewExporter(reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		PM25: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pm25_ugm3",
			Help: "Average PM2.5 concentration of the last reporting window in µg/m³.",
		}),
		PM10: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pm10_ugm3",
			Help: "Average PM10 concentration of the last reporting window in µg/m³.",
		}),
		SummaryReads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "summary_readings",
			Help: "Number of readings in the last reporting window.",
		}),
		LastSummary: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "summary_timestamp_seconds",
			Help: "Unix time at which the last reporting window ended.",
		}),
		Readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readings_total",
			Help: "Valid measurements received from the sensor.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_errors_total",
			Help: "Discarded frames by reason.",
		}, []string{"kind"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_results_total",
			Help: "Commands sent to the sensor by outcome.",
		}, []string{"command", "result"}),
		CommandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "command_duration_seconds",
			Help:    "Time from writing a command to its acknowledgement or timeout.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"command"}),
		Awake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "device_awake",
			Help: "1 while the sensor fan and laser are running, 0 while asleep, -1 when unknown.",
		}),
	}
	reg.MustRegister(e.PM25, e.PM10, e.SummaryReads, e.LastSummary, e.Readings,
		e.ProtocolErrors, e.Commands, e.CommandSeconds, e.Awake)
	e.Awake.Set(awakeUnknown)
	return e
}

// Summary publishes the window averages.
func (e *Exporter) Summary(s aggregate.Summary) error {
	e.PM25.Set(s.AvgPM25)
	e.PM10.Set(s.AvgPM10)
	e.SummaryReads.Set(float64(s.Count))
	e.LastSummary.Set(float64(s.WindowEnd.Unix()))
	return nil
}

// Reading counts one valid measurement.
func (e *Exporter) Reading(sds011.Measurement) {
	e.Readings.Inc()
}

func (e *Exporter) ProtocolError(kind string) {
	e.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (e *Exporter) CommandResult(cmd sds011.Command, err error, elapsed time.Duration) {
	name := cmd.ID.String()
	e.Commands.WithLabelValues(name, sds011.ResultLabel(err)).Inc()
	e.CommandSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
	if cmd.ID != sds011.CmdSleep {
		return
	}
	switch {
	case err != nil:
		// The controller drops to StateUnknown after a failed power command.
		e.Awake.Set(awakeUnknown)
	case cmd.Sleep:
		e.Awake.Set(0)
	default:
		e.Awake.Set(1)
	}
}
