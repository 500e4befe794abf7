package sensor

import (
	"context"
	"time"
)

// Driver enumerates and opens devices of one backend.
type Driver interface {
	// QueryDevices lists the attached devices with their capabilities.
	QueryDevices(ctx context.Context) ([]DeviceInfo, error)

	// OpenDevice acquires the handle of the device with the given serial.
	OpenDevice(ctx context.Context, serial string) (Device, error)
}

// Device is an opened hardware handle.
// Implementations must make WaitForFrames return promptly after Stop or Close.
type Device interface {
	// EnableStream requests a sub-stream for the next Start.
	EnableStream(p StreamProfile) error

	// DisableStreams clears every previously enabled sub-stream.
	DisableStreams()

	// Start begins continuous frame generation.
	Start() error

	// Stop halts frame generation; the handle stays open.
	Stop() error

	// WaitForFrames blocks until one frame set is ready, the timeout
	// elapses (ErrCaptureTimeout) or ctx is done.
	WaitForFrames(ctx context.Context, timeout time.Duration) (*FrameSet, error)

	// Close releases the handle.
	Close() error
}
