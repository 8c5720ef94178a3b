// Package config loads the monitor settings from an optional YAML file,
// AQM_-prefixed environment variables and built-in defaults. The resulting
// value is passed explicitly into the components that need it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SerialConfig describes the serial device the sensor is attached to.
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baudRate"`
	DataBits int    `mapstructure:"dataBits"`
	StopBits int    `mapstructure:"stopBits"`
	Parity   string `mapstructure:"parity"`
}

// SensorConfig holds protocol timing and addressing.
type SensorConfig struct {
	AckTimeout  time.Duration `mapstructure:"ackTimeout"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// DeviceID addresses a single sensor; 0xFFFF (65535) broadcasts.
	DeviceID int `mapstructure:"deviceID"`
	// WorkingPeriod is the device-internal duty cycle in minutes (0-30).
	WorkingPeriod int `mapstructure:"workingPeriod"`
}

// SamplingConfig controls host-driven duty cycling.
type SamplingConfig struct {
	SleepEnabled     bool          `mapstructure:"sleepEnabled"`
	ReadingsPerCycle int           `mapstructure:"readingsPerCycle"`
	ReadInterval     time.Duration `mapstructure:"readInterval"`
	WarmUp           time.Duration `mapstructure:"warmUp"`
	SleepInterval    time.Duration `mapstructure:"sleepInterval"`
	RetryDelay       time.Duration `mapstructure:"retryDelay"`
	// RewakeAfterMisses re-sends wake in continuous mode after that many
	// empty stream reads; 0 disables it.
	RewakeAfterMisses int `mapstructure:"rewakeAfterMisses"`
}

// ReportConfig sets when a summary is cut from the running window.
type ReportConfig struct {
	// EveryCycles reports after that many duty cycles; 0 falls back to Interval.
	EveryCycles int           `mapstructure:"everyCycles"`
	Interval    time.Duration `mapstructure:"interval"`
}

// LumberjackConfig configures the optional rotating log file.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig controls diagnostic output. Debug and Quiet override Level.
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	Debug  bool             `mapstructure:"debug"`
	Quiet  bool             `mapstructure:"quiet"`
	File   LumberjackConfig `mapstructure:"file"`
}

// EffectiveLevel resolves the debug/quiet switches into a log level name.
func (c LoggingConfig) EffectiveLevel() string {
	switch {
	case c.Debug:
		return "debug"
	case c.Quiet:
		return "warn"
	case c.Level == "":
		return "info"
	}
	return strings.ToLower(c.Level)
}

// HTTPConfig configures the API and debug server.
type HTTPConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// StorageConfig points at the sqlite history database. An empty path
// disables persistence.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the root settings value.
type Config struct {
	Serial   SerialConfig   `mapstructure:"serial"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Report   ReportConfig   `mapstructure:"report"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// Load reads configuration from path (YAML, TOML or JSON by extension) and
// the environment. If path is empty, AQM_CONFIG is consulted, then
// ./aqm.yaml and ./config/aqm.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AQM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("aqm")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in settings without reading any file or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("config: defaults do not unmarshal: " + err.Error())
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baudRate", 9600)
	v.SetDefault("serial.dataBits", 8)
	v.SetDefault("serial.stopBits", 1)
	v.SetDefault("serial.parity", "N")

	v.SetDefault("sensor.ackTimeout", "3s")
	v.SetDefault("sensor.readTimeout", "250ms")
	v.SetDefault("sensor.deviceID", 0xFFFF)
	v.SetDefault("sensor.workingPeriod", 0)

	v.SetDefault("sampling.sleepEnabled", true)
	v.SetDefault("sampling.readingsPerCycle", 15)
	v.SetDefault("sampling.readInterval", "2s")
	v.SetDefault("sampling.warmUp", "30s")
	v.SetDefault("sampling.sleepInterval", "60s")
	v.SetDefault("sampling.retryDelay", "5s")
	v.SetDefault("sampling.rewakeAfterMisses", 0)

	v.SetDefault("report.everyCycles", 1)
	v.SetDefault("report.interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.debug", false)
	v.SetDefault("logging.quiet", false)
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 10)
	v.SetDefault("logging.file.maxBackups", 3)
	v.SetDefault("logging.file.maxAge", 28)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("http.enable", false)
	v.SetDefault("http.listen", ":8000")

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("storage.path", "")
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Serial.Port) == "" {
		return errors.New("serial.port is required")
	}
	if c.Sensor.AckTimeout <= 0 {
		return fmt.Errorf("sensor.ackTimeout must be positive, got %s", c.Sensor.AckTimeout)
	}
	if c.Sensor.ReadTimeout <= 0 {
		return fmt.Errorf("sensor.readTimeout must be positive, got %s", c.Sensor.ReadTimeout)
	}
	if c.Sensor.DeviceID < 0 || c.Sensor.DeviceID > 0xFFFF {
		return fmt.Errorf("sensor.deviceID must fit in 16 bits, got %d", c.Sensor.DeviceID)
	}
	if c.Sensor.WorkingPeriod < 0 || c.Sensor.WorkingPeriod > 30 {
		return fmt.Errorf("sensor.workingPeriod must be between 0 and 30 minutes, got %d", c.Sensor.WorkingPeriod)
	}
	if c.Sampling.ReadingsPerCycle < 1 {
		return fmt.Errorf("sampling.readingsPerCycle must be at least 1, got %d", c.Sampling.ReadingsPerCycle)
	}
	if c.Sampling.RewakeAfterMisses < 0 {
		return fmt.Errorf("sampling.rewakeAfterMisses must be non-negative, got %d", c.Sampling.RewakeAfterMisses)
	}
	for name, d := range map[string]time.Duration{
		"sampling.readInterval":  c.Sampling.ReadInterval,
		"sampling.warmUp":        c.Sampling.WarmUp,
		"sampling.sleepInterval": c.Sampling.SleepInterval,
		"sampling.retryDelay":    c.Sampling.RetryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if c.Report.EveryCycles < 0 {
		return fmt.Errorf("report.everyCycles must be non-negative, got %d", c.Report.EveryCycles)
	}
	if c.Report.EveryCycles == 0 && c.Report.Interval <= 0 {
		return errors.New("report.interval must be positive when report.everyCycles is 0")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if (c.HTTP.Enable || c.Metrics.Enable) && c.HTTP.Listen == "" {
		return errors.New("http.listen is required when the HTTP server or metrics are enabled")
	}
	return nil
}
