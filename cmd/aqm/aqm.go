package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/api"
	"github.com/banshee-data/dust.report/internal/config"
	"github.com/banshee-data/dust.report/internal/db"
	"github.com/banshee-data/dust.report/internal/metrics"
	"github.com/banshee-data/dust.report/internal/monitoring"
	"github.com/banshee-data/dust.report/internal/poll"
	"github.com/banshee-data/dust.report/internal/report"
	"github.com/banshee-data/dust.report/internal/sds011"
	"github.com/banshee-data/dust.report/internal/serialmux"
	"github.com/banshee-data/dust.report/internal/version"
)

// devSensorID is the id the simulated sensor reports in --dev mode.
const devSensorID = 0xA160

// flags holds the command line. Only flags given explicitly override the
// settings file.
type flags struct {
	config     string
	serial     string
	listen     string
	db         string
	port       int
	noSleep    bool
	debug      bool
	quiet      bool
	prometheus bool
	dev        bool
	version    bool
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.config, "config", "", "Settings file (default ./aqm.yaml or ./config/aqm.yaml)")
	fs.StringVar(&f.serial, "serial", "", "Serial device the sensor is attached to")
	fs.StringVar(&f.listen, "listen", "", "Serve the API and debug routes on this address")
	fs.StringVar(&f.db, "db", "", "Record summaries to this sqlite database")
	fs.IntVar(&f.port, "port", 8000, "Port for the metrics and API server")
	fs.BoolVar(&f.noSleep, "no-sleep", false, "Disable sleep mode (continuous measurements)")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug output")
	fs.BoolVar(&f.quiet, "quiet", false, "Reduce verbosity (only print averages)")
	fs.BoolVar(&f.prometheus, "prometheus", false, "Enable Prometheus metrics publishing")
	fs.BoolVar(&f.dev, "dev", false, "Run against a simulated sensor instead of a serial port")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	return f
}

// apply copies the flags that were set on fs into cfg.
func (f *flags) apply(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "serial":
			cfg.Serial.Port = f.serial
		case "listen":
			cfg.HTTP.Listen = f.listen
			cfg.HTTP.Enable = true
		case "port":
			cfg.HTTP.Listen = fmt.Sprintf(":%d", f.port)
		case "db":
			cfg.Storage.Path = f.db
		case "no-sleep":
			cfg.Sampling.SleepEnabled = !f.noSleep
		case "debug":
			cfg.Logging.Debug = f.debug
		case "quiet":
			cfg.Logging.Quiet = f.quiet
		case "prometheus":
			cfg.Metrics.Enable = f.prometheus
		}
	})
}

func settingsLines(cfg *config.Config, dev bool) []string {
	verbosity := "Full"
	if cfg.Logging.Quiet {
		verbosity = "Minimal"
	}
	serial := cfg.Serial.Port + " " + serialmux.OptionsFrom(cfg.Serial).String()
	if dev {
		serial = "simulated sensor"
	}
	history := "Disabled"
	if cfg.Storage.Path != "" {
		history = cfg.Storage.Path
	}
	lines := []string{
		"Serial port: " + serial,
		"Debug mode: " + report.Enabled(cfg.Logging.Debug),
		"Sleep mode: " + report.Enabled(cfg.Sampling.SleepEnabled),
		"Verbosity: " + verbosity,
		"Prometheus metrics: " + report.Enabled(cfg.Metrics.Enable),
	}
	if cfg.Metrics.Enable {
		lines = append(lines, "Prometheus endpoint: "+cfg.HTTP.Listen+cfg.Metrics.Path)
	}
	lines = append(lines,
		"HTTP API: "+report.Enabled(serveHTTP(cfg)),
		"History: "+history,
	)
	return lines
}

func serveHTTP(cfg *config.Config) bool {
	return cfg.HTTP.Enable || cfg.Metrics.Enable
}

// sensorPort is the transport plus the pieces main needs around it.
type sensorPort interface {
	sds011.Transport
	AttachAdminRoutes(*http.ServeMux)
	Close() error
}

func openPort(cfg *config.Config, dev bool) (sensorPort, error) {
	if dev {
		sim := sds011.NewSimulator(devSensorID,
			sds011.Reading{PM25: 42, PM10: 87},
			sds011.Reading{PM25: 48, PM10: 95},
			sds011.Reading{PM25: 51, PM10: 102},
			sds011.Reading{PM25: 45, PM10: 90},
		)
		return serialmux.NewSimulatedSerialMux(sim), nil
	}
	return serialmux.Open(cfg.Serial.Port, serialmux.OptionsFrom(cfg.Serial))
}

// newHandler mounts the API, metrics and debug routes.
func newHandler(cfg *config.Config, latest *aggregate.Latest, history *db.DB, reg *prometheus.Registry, port sensorPort) (http.Handler, error) {
	mux := http.NewServeMux()

	var h api.History
	if history != nil {
		h = history
		if err := history.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	api.NewServer(latest, h).Register(mux)
	port.AttachAdminRoutes(mux)

	if reg != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler(reg))
	}
	return api.LoggingMiddleware(mux), nil
}

func run(ctx context.Context, cfg *config.Config, dev bool, stdout io.Writer) error {
	port, err := openPort(cfg, dev)
	if err != nil {
		return fmt.Errorf("failed to open sensor port: %w", err)
	}
	defer port.Close()

	console := report.NewConsole(stdout, cfg.Logging.Quiet)
	console.Settings(settingsLines(cfg, dev)...)

	latest := &aggregate.Latest{}
	sinks := []poll.Sink{console, latest}
	var observers sds011.Observers

	var reg *prometheus.Registry
	if cfg.Metrics.Enable {
		reg = metrics.NewRegistry()
		exporter := metrics.NewExporter(reg)
		sinks = append(sinks, exporter)
		observers = append(observers, exporter)
	}

	var history *db.DB
	if cfg.Storage.Path != "" {
		history, err = db.NewDB(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer history.Close()
		sinks = append(sinks, history)
		observers = append(observers, history)
		monitoring.Logf("recording summaries to %s (run %s)", cfg.Storage.Path, history.RunID())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Create a wait group for the HTTP server routines
	var wg sync.WaitGroup
	if serveHTTP(cfg) {
		handler, err := newHandler(cfg, latest, history, reg, port)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Listen, err)
		}
		server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		monitoring.Logf("serving HTTP on %s", ln.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Warnf("HTTP server failed: %v", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			monitoring.Logf("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Warnf("HTTP server shutdown error: %v", err)
				// Force close the server if graceful shutdown fails
				if err := server.Close(); err != nil {
					monitoring.Warnf("HTTP server force close error: %v", err)
				}
			}
		}()
	}

	deviceID := uint16(cfg.Sensor.DeviceID)
	ctrl := sds011.NewController(port, sds011.ControllerOptions{
		AckTimeout:  cfg.Sensor.AckTimeout,
		ReadTimeout: cfg.Sensor.ReadTimeout,
		DeviceID:    &deviceID,
		Observer:    observers,
	})
	loop := poll.New(ctrl, aggregate.New(), poll.OptionsFrom(cfg), sinks...)

	monitoring.Logf("starting air quality monitoring")
	err = loop.Run(ctx)
	cancel()
	wg.Wait()
	if id, ok := ctrl.DeviceID(); ok {
		stats := ctrl.DecoderStats()
		monitoring.Logf("sensor %04X: %d frames, %d desyncs, %d checksum failures",
			id, stats.Frames, stats.Desyncs, stats.ChecksumFailures)
	}
	return err
}

// runSubcommand handles positional commands. It reports false when args name
// none, in which case the monitor runs.
func runSubcommand(args []string, cfg *config.Config, stdin io.Reader, stdout io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "migrate":
		return true, db.RunMigrateCommand(args[1:], cfg.Storage.Path, stdin, stdout)
	default:
		return true, fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	f := registerFlags(flag.CommandLine)
	flag.Parse()

	if f.version {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(f.config)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	f.apply(cfg, flag.CommandLine)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := monitoring.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	monitoring.Install(logger)

	if handled, err := runSubcommand(flag.Args(), cfg, os.Stdin, os.Stdout); handled {
		if err != nil {
			monitoring.Warnf("%v", err)
			logger.Sync()
			os.Exit(1)
		}
		return
	}
	monitoring.Logf("%s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f.dev, os.Stdout); err != nil {
		monitoring.Warnf("monitor stopped: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	monitoring.Logf("Graceful shutdown complete")
}
