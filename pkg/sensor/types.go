// Package sensor owns the physical depth-camera handle.
//
// A Session resolves one device through a Driver, enables the requested
// sub-streams and hands out synchronized frame sets while streaming.
// Stop keeps the device open so a later Start is cheap; Close releases it.
package sensor

import (
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of an ImageSample.
type PixelFormat string

const (
	FormatBGR8 PixelFormat = "bgr8" // 8-bit BGR, 3 bytes per pixel
	FormatRGB8 PixelFormat = "rgb8" // 8-bit RGB, 3 bytes per pixel
	FormatZ16  PixelFormat = "z16"  // 16-bit little-endian depth units
)

// BytesPerPixel returns the pixel stride for the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR8, FormatRGB8:
		return 3
	case FormatZ16:
		return 2
	default:
		return 0
	}
}

// Vec3 is a three-axis reading.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ImageSample is one captured image. It is never mutated after capture;
// drivers hand out a fresh Data buffer per frame.
type ImageSample struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte

	// DepthScale is meters per depth unit (Z16 only, 0 otherwise).
	DepthScale float64
}

// MotionSample is one combined gyro + accelerometer reading.
type MotionSample struct {
	Timestamp   time.Time
	Gyro        Vec3 // rad/s
	Accel       Vec3 // m/s²
	Temperature float64
}

// FrameSet is what a device yields for one wait: any subset of streams.
type FrameSet struct {
	Color  *ImageSample
	Depth  *ImageSample
	Motion *MotionSample
}

// FrameBundle is one synchronized snapshot tagged with a single timestamp.
// Bundles are immutable once built and superseded, never merged.
type FrameBundle struct {
	Seq       uint64
	Timestamp time.Time // wall clock at construction
	Color     *ImageSample
	Depth     *ImageSample
	Motion    *MotionSample
}

// StreamConfig selects sub-streams and the image resolution/rate.
type StreamConfig struct {
	EnableColor bool `json:"enable_color"`
	EnableDepth bool `json:"enable_depth"`
	EnableIMU   bool `json:"enable_imu"`
	Width       int  `json:"width"`
	Height      int  `json:"height"`
	FPS         int  `json:"fps"`
}

// DefaultStreamConfig returns the conservative profile that D4xx cameras
// sustain on USB 2 links.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		EnableColor: true,
		EnableDepth: true,
		EnableIMU:   true,
		Width:       424,
		Height:      240,
		FPS:         15,
	}
}

// Validate checks the at-least-one-stream invariant and the image geometry.
func (c StreamConfig) Validate() error {
	if !c.EnableColor && !c.EnableDepth && !c.EnableIMU {
		return ErrNoStreamsEnabled
	}
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 {
		return fmt.Errorf("%w: %dx%d@%d", ErrInvalidStreamConfig, c.Width, c.Height, c.FPS)
	}
	return nil
}

// FrameInterval is the nominal time between image frames.
func (c StreamConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// Capabilities describes which streams a device can produce.
type Capabilities struct {
	Color      bool    `json:"color"`
	Depth      bool    `json:"depth"`
	Motion     bool    `json:"motion"`
	DepthScale float64 `json:"depth_scale,omitempty"`
}

// DeviceInfo is the identity and capability metadata of one device.
type DeviceInfo struct {
	Name         string       `json:"name"`
	Serial       string       `json:"serial"`
	Firmware     string       `json:"firmware,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// StreamKind identifies a device sub-stream.
type StreamKind int

const (
	StreamColor StreamKind = iota
	StreamDepth
	StreamAccel
	StreamGyro
)

func (k StreamKind) String() string {
	switch k {
	case StreamColor:
		return "color"
	case StreamDepth:
		return "depth"
	case StreamAccel:
		return "accel"
	case StreamGyro:
		return "gyro"
	default:
		return fmt.Sprintf("stream(%d)", int(k))
	}
}

// StreamProfile is a request to enable one sub-stream.
// Width, Height and Format are ignored for motion streams.
type StreamProfile struct {
	Kind   StreamKind
	Width  int
	Height int
	Format PixelFormat
	FPS    int
}

// Motion stream rates requested from D4xx-class IMUs.
const (
	AccelFPS = 250
	GyroFPS  = 400
)
