package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "200ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for discovery-core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Laser     LaserConfig     `yaml:"laser"`
	Polling   PollingConfig   `yaml:"polling"`
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LaserConfig describes how to locate and bound one Discovery laser.
type LaserConfig struct {
	// Port is the serial port name (e.g. "COM5", "/dev/ttyUSB0").
	// If empty, the daemon scans for the first recognised device.
	Port string `yaml:"port"`

	// Serial pins the connection to a specific instrument serial number.
	// May be combined with Port, in which case both must match.
	Serial string `yaml:"serial"`

	// Simulated runs against the built-in instrument simulator instead of
	// real hardware. Intended for development and protocol testing.
	Simulated bool `yaml:"simulated"`

	// CommandTimeout bounds each serial command/query round trip.
	CommandTimeout Duration `yaml:"command_timeout"`

	// WavelengthMin/WavelengthMax are the tunable range of the variable
	// output in nanometres. Instrument-specific; defaults cover a
	// Discovery NX.
	WavelengthMin float64 `yaml:"wavelength_min"`
	WavelengthMax float64 `yaml:"wavelength_max"`

	// GDDCurves is the injected calibration curve table. Each curve bounds
	// the legal GDD range while it is selected.
	GDDCurves []GDDCurveConfig `yaml:"gdd_curves"`
}

// GDDCurveConfig bounds the legal GDD range for one calibration curve.
type GDDCurveConfig struct {
	Index int     `yaml:"index"`
	Name  string  `yaml:"name"`
	MinFS float64 `yaml:"min_fs2"`
	MaxFS float64 `yaml:"max_fs2"`
}

// PollingConfig controls the server's periodic status refresh loop.
type PollingConfig struct {
	// Interval between refresh cycles.
	Interval Duration `yaml:"interval"`
}

// ServerConfig contains the control server's listener settings.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
}

// ServerTimeoutConfig contains HTTP timeout settings in seconds.
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains control-connection settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// TelemetryConfig contains the optional MQTT status publisher settings.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`

	// TopicPrefix is prepended to every published topic.
	// Topics are <prefix>/<serial>/status and <prefix>/<serial>/online.
	TopicPrefix string `yaml:"topic_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DISCOVERY_SECTION_KEY
// For example: DISCOVERY_LASER_PORT, DISCOVERY_SERVER_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults. The defaults describe a
// Discovery NX on automatic port discovery with a single factory GDD curve.
func Default() *Config {
	return &Config{
		Laser: LaserConfig{
			CommandTimeout: Duration(2 * time.Second),
			WavelengthMin:  680,
			WavelengthMax:  1300,
			GDDCurves: []GDDCurveConfig{
				{Index: 0, Name: "Default", MinFS: -30000, MaxFS: 5000},
			},
		},
		Polling: PollingConfig{
			Interval: Duration(200 * time.Millisecond),
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 907,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Telemetry: TelemetryConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "discoveryd",
			QoS:         1,
			TopicPrefix: "discovery",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DISCOVERY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Laser
	if v := os.Getenv("DISCOVERY_LASER_PORT"); v != "" {
		cfg.Laser.Port = v
	}
	if v := os.Getenv("DISCOVERY_LASER_SERIAL"); v != "" {
		cfg.Laser.Serial = v
	}
	if v := os.Getenv("DISCOVERY_LASER_SIMULATED"); v != "" {
		cfg.Laser.Simulated = v == "1" || strings.EqualFold(v, "true")
	}

	// Server
	if v := os.Getenv("DISCOVERY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DISCOVERY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Telemetry credentials are the usual secret, so always env-overridable.
	if v := os.Getenv("DISCOVERY_TELEMETRY_USERNAME"); v != "" {
		cfg.Telemetry.Username = v
	}
	if v := os.Getenv("DISCOVERY_TELEMETRY_PASSWORD"); v != "" {
		cfg.Telemetry.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Laser validation
	if c.Laser.WavelengthMin <= 0 {
		errs = append(errs, "laser.wavelength_min must be positive")
	}
	if c.Laser.WavelengthMax <= c.Laser.WavelengthMin {
		errs = append(errs, "laser.wavelength_max must exceed laser.wavelength_min")
	}
	if c.Laser.CommandTimeout <= 0 {
		errs = append(errs, "laser.command_timeout must be positive")
	}
	if len(c.Laser.GDDCurves) == 0 {
		errs = append(errs, "laser.gdd_curves requires at least one curve")
	}
	seen := make(map[int]bool, len(c.Laser.GDDCurves))
	for _, curve := range c.Laser.GDDCurves {
		if curve.MaxFS <= curve.MinFS {
			errs = append(errs, fmt.Sprintf("laser.gdd_curves[%d]: max_fs2 must exceed min_fs2", curve.Index))
		}
		if seen[curve.Index] {
			errs = append(errs, fmt.Sprintf("laser.gdd_curves: duplicate index %d", curve.Index))
		}
		seen[curve.Index] = true
	}

	// Polling validation
	if c.Polling.Interval.Std() < 10*time.Millisecond {
		errs = append(errs, "polling.interval must be at least 10ms")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Telemetry validation
	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" {
			errs = append(errs, "telemetry.broker is required when telemetry is enabled")
		}
		if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
			errs = append(errs, "telemetry.qos must be 0, 1, or 2")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the server read timeout as a Duration.
func (c ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the server write timeout as a Duration.
func (c ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the server idle timeout as a Duration.
func (c ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
