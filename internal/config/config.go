// Package config loads depthlink settings from a JSONC file and the
// environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "config.json"

// Driver names.
const (
	DriverSim = "sim"
	DriverUVC = "uvc"
)

// Config is the full server configuration.
type Config struct {
	Server       Server                      `json:"server"`
	Device       Device                      `json:"device"`
	Stream       sensor.StreamConfig         `json:"realsense"`
	Transmission protocol.TransmissionConfig `json:"transmission"`
	Logging      Logging                     `json:"logging"`
}

// Server holds network settings.
type Server struct {
	Host              string  `json:"host"`
	Port              int     `json:"port"`
	MaxConnections    int     `json:"max_connections"`
	BroadcastRate     float64 `json:"broadcast_rate"`
	ShutdownTimeoutMS int     `json:"shutdown_timeout_ms"`
}

// Device selects and tunes the capture backend.
type Device struct {
	Driver           string `json:"driver"`
	Serial           string `json:"serial,omitempty"`
	CaptureTimeoutMS int    `json:"capture_timeout_ms"`
	StopGraceMS      int    `json:"stop_grace_ms"`
}

// Logging selects level and output format.
type Logging struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxConnections:    10,
			BroadcastRate:     30,
			ShutdownTimeoutMS: 5000,
		},
		Device: Device{
			Driver:           DriverSim,
			CaptureTimeoutMS: 1000,
			StopGraceMS:      2000,
		},
		Stream:       sensor.DefaultStreamConfig(),
		Transmission: protocol.DefaultTransmissionConfig(),
		Logging:      Logging{Level: "info", Format: "text"},
	}
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ShutdownTimeout returns the per-step shutdown timeout.
func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

// CaptureTimeout returns the per-wait capture timeout.
func (d Device) CaptureTimeout() time.Duration {
	return time.Duration(d.CaptureTimeoutMS) * time.Millisecond
}

// StopGrace returns the capture loop stop grace period.
func (d Device) StopGrace() time.Duration {
	return time.Duration(d.StopGraceMS) * time.Millisecond
}

// Parse decodes JSONC over the defaults, so omitted keys keep their
// default values. Comments and trailing commas are allowed.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from DEPTHLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("DEPTHLINK_HOST", &c.Server.Host)
	num("DEPTHLINK_PORT", &c.Server.Port)
	num("DEPTHLINK_MAX_CONNECTIONS", &c.Server.MaxConnections)
	str("DEPTHLINK_DRIVER", &c.Device.Driver)
	str("DEPTHLINK_SERIAL", &c.Device.Serial)
	num("DEPTHLINK_WIDTH", &c.Stream.Width)
	num("DEPTHLINK_HEIGHT", &c.Stream.Height)
	num("DEPTHLINK_FPS", &c.Stream.FPS)
	num("DEPTHLINK_QUALITY", &c.Transmission.CompressionQuality)
	num("DEPTHLINK_FRAME_SKIP", &c.Transmission.FrameSkip)
	str("DEPTHLINK_LOG_LEVEL", &c.Logging.Level)
	str("DEPTHLINK_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.max_connections must be positive"))
	}
	if c.Server.BroadcastRate <= 0 {
		errs = append(errs, fmt.Errorf("server.broadcast_rate must be positive"))
	}
	if c.Server.ShutdownTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_ms must be positive"))
	}
	switch c.Device.Driver {
	case DriverSim, DriverUVC:
	default:
		errs = append(errs, fmt.Errorf("device.driver %q, want %q or %q", c.Device.Driver, DriverSim, DriverUVC))
	}
	if c.Device.CaptureTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("device.capture_timeout_ms must be positive"))
	}
	if c.Device.StopGraceMS <= 0 {
		errs = append(errs, fmt.Errorf("device.stop_grace_ms must be positive"))
	}
	if err := c.Stream.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("realsense: %w", err))
	}
	if err := c.Transmission.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transmission: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q, want text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
