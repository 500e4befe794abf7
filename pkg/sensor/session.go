package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnopened State = iota
	StateConnected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session owns one physical device handle.
//
// Lifecycle: Unopened → Connected → Streaming ⇄ Connected → Closed.
// Lifecycle calls are serialized by mu; WaitForBundle only holds the lock
// long enough to grab the device handle.
type Session struct {
	driver Driver
	serial string
	logger *slog.Logger

	mu         sync.RWMutex
	state      State
	info       DeviceInfo
	device     Device
	cfg        StreamConfig
	configured bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSerial pins the session to a device serial instead of the first
// enumerated device.
func WithSerial(serial string) SessionOption {
	return func(s *Session) {
		s.serial = serial
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates an unopened session on top of driver.
func NewSession(driver Driver, opts ...SessionOption) *Session {
	s := &Session{
		driver: driver,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open resolves exactly one device and acquires its handle.
// Opening an already opened session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateConnected, StateStreaming:
		return nil
	}

	devices, err := s.driver.QueryDevices(ctx)
	if err != nil {
		return fmt.Errorf("query devices: %w", err)
	}
	if len(devices) == 0 {
		return ErrNoDeviceFound
	}

	info, ok := devices[0], true
	if s.serial != "" {
		ok = false
		for _, d := range devices {
			if d.Serial == s.serial {
				info, ok = d, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("%w: serial %s", ErrNoDeviceFound, s.serial)
	}

	s.logger.Info("device found",
		"count", len(devices),
		"name", info.Name,
		"serial", info.Serial,
		"firmware", info.Firmware,
		"color", info.Capabilities.Color,
		"depth", info.Capabilities.Depth,
		"motion", info.Capabilities.Motion)

	dev, err := s.driver.OpenDevice(ctx, info.Serial)
	if err != nil {
		return fmt.Errorf("open device %s: %w", info.Serial, err)
	}

	s.device = dev
	s.info = info
	s.state = StateConnected
	return nil
}

// Configure enables the requested sub-streams.
//
// Color and depth failures are fatal. Motion streams that the device cannot
// provide are skipped with a warning and the effective config reports
// EnableIMU=false.
func (s *Session) Configure(cfg StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnopened:
		return ErrNotOpen
	case StateStreaming:
		return ErrBusy
	case StateClosed:
		return ErrSessionClosed
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	s.configured = false
	s.device.DisableStreams()

	if cfg.EnableColor {
		err := s.device.EnableStream(StreamProfile{
			Kind: StreamColor, Width: cfg.Width, Height: cfg.Height, Format: FormatBGR8, FPS: cfg.FPS,
		})
		if err != nil {
			return fmt.Errorf("enable color stream: %w", err)
		}
		s.logger.Info("color stream enabled", "width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
	}

	if cfg.EnableDepth {
		err := s.device.EnableStream(StreamProfile{
			Kind: StreamDepth, Width: cfg.Width, Height: cfg.Height, Format: FormatZ16, FPS: cfg.FPS,
		})
		if err != nil {
			return fmt.Errorf("enable depth stream: %w", err)
		}
		s.logger.Info("depth stream enabled", "width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
	}

	if cfg.EnableIMU {
		if err := s.enableMotion(); err != nil {
			s.logger.Warn("imu streams unavailable, continuing without imu", "error", err)
			cfg.EnableIMU = false
		} else {
			s.logger.Info("imu streams enabled", "accel_fps", AccelFPS, "gyro_fps", GyroFPS)
		}
	}

	if !cfg.EnableColor && !cfg.EnableDepth && !cfg.EnableIMU {
		return ErrNoStreamsEnabled
	}

	s.cfg = cfg
	s.configured = true
	return nil
}

func (s *Session) enableMotion() error {
	if !s.info.Capabilities.Motion {
		return ErrStreamUnsupported
	}
	if err := s.device.EnableStream(StreamProfile{Kind: StreamAccel, FPS: AccelFPS}); err != nil {
		return fmt.Errorf("accel: %w", err)
	}
	if err := s.device.EnableStream(StreamProfile{Kind: StreamGyro, FPS: GyroFPS}); err != nil {
		return fmt.Errorf("gyro: %w", err)
	}
	return nil
}

// Start begins frame generation. Starting a streaming session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnopened:
		return ErrNotOpen
	case StateClosed:
		return ErrSessionClosed
	case StateStreaming:
		s.logger.Warn("start ignored, already streaming")
		return nil
	}
	if !s.configured {
		return ErrNotConfigured
	}

	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	s.state = StateStreaming
	s.logger.Info("streaming started", "serial", s.info.Serial)
	return nil
}

// Stop halts frame generation and keeps the device open.
// Stopping a session that is not streaming is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		s.logger.Warn("stop ignored, not streaming", "state", s.state)
		return nil
	}

	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	s.state = StateConnected
	s.logger.Info("streaming stopped", "serial", s.info.Serial)
	return nil
}

// Close releases the device from any state. Later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}

	var err error
	if s.device != nil {
		if s.state == StateStreaming {
			if stopErr := s.device.Stop(); stopErr != nil {
				s.logger.Warn("stop before close failed", "error", stopErr)
			}
		}
		err = s.device.Close()
		s.device = nil
	}
	s.state = StateClosed
	s.configured = false
	s.logger.Info("device released", "serial", s.info.Serial)
	if err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	return nil
}

// WaitForBundle blocks until one capture iteration's frame set is available.
// It returns ErrCaptureTimeout when timeout elapses first.
func (s *Session) WaitForBundle(ctx context.Context, timeout time.Duration) (*FrameSet, error) {
	s.mu.RLock()
	state, dev := s.state, s.device
	s.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateStreaming:
	default:
		return nil, ErrNotStreaming
	}

	return dev.WaitForFrames(ctx, timeout)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether a device handle is held.
func (s *Session) Connected() bool {
	st := s.State()
	return st == StateConnected || st == StateStreaming
}

// Streaming reports whether the device is generating frames.
func (s *Session) Streaming() bool {
	return s.State() == StateStreaming
}

// Configured reports whether Configure succeeded since the last open.
func (s *Session) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configured
}

// Config returns the effective stream config.
func (s *Session) Config() StreamConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Info returns the resolved device identity. Zero before Open.
func (s *Session) Info() DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}
