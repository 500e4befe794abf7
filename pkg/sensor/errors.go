package sensor

import "errors"

// Sentinel errors for session lifecycle and capture.
var (
	// ErrNoDeviceFound is returned when enumeration yields no usable device.
	ErrNoDeviceFound = errors.New("sensor: no device found")

	// ErrNotOpen is returned when an operation needs an opened device.
	ErrNotOpen = errors.New("sensor: session not open")

	// ErrNotConfigured is returned by Start before a successful Configure.
	ErrNotConfigured = errors.New("sensor: session not configured")

	// ErrNotStreaming is returned when waiting for frames on a stopped session.
	ErrNotStreaming = errors.New("sensor: session not streaming")

	// ErrBusy is returned when reconfiguring while streaming.
	ErrBusy = errors.New("sensor: session is streaming")

	// ErrSessionClosed is returned for any operation after Close.
	ErrSessionClosed = errors.New("sensor: session closed")

	// ErrCaptureTimeout is returned when no frame set arrives in time.
	ErrCaptureTimeout = errors.New("sensor: capture timeout")

	// ErrNoStreamsEnabled is returned when a config enables no stream at all.
	ErrNoStreamsEnabled = errors.New("sensor: at least one of color, depth or imu must be enabled")

	// ErrInvalidStreamConfig is returned for non-positive resolution or rate.
	ErrInvalidStreamConfig = errors.New("sensor: invalid stream config")

	// ErrStreamUnsupported is returned by devices lacking a stream kind.
	ErrStreamUnsupported = errors.New("sensor: stream not supported by device")

	// ErrDeviceClosed is returned by a device handle after Close.
	ErrDeviceClosed = errors.New("sensor: device closed")
)
