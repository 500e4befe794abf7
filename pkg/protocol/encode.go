package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// TransmissionConfig controls what is sent to streaming clients.
type TransmissionConfig struct {
	EnableColor        bool `json:"enable_color"`
	EnableDepth        bool `json:"enable_depth"`
	EnableIMU          bool `json:"enable_imu"`
	CompressionQuality int  `json:"compression_quality"`
	FrameSkip          int  `json:"frame_skip"`
}

// DefaultTransmissionConfig sends every channel on every tick at quality 80.
func DefaultTransmissionConfig() TransmissionConfig {
	return TransmissionConfig{
		EnableColor:        true,
		EnableDepth:        true,
		EnableIMU:          true,
		CompressionQuality: 80,
		FrameSkip:          1,
	}
}

// Validate checks quality is in [1,100] and frame skip is at least 1.
func (c TransmissionConfig) Validate() error {
	if c.CompressionQuality < 0 || c.CompressionQuality > 100 {
		return fmt.Errorf("%w: compression_quality %d not in [0,100]", ErrInvalidTransmissionConfig, c.CompressionQuality)
	}
	if c.FrameSkip < 1 {
		return fmt.Errorf("%w: frame_skip %d < 1", ErrInvalidTransmissionConfig, c.FrameSkip)
	}
	return nil
}

// Channels returns the enabled channel mask.
func (c TransmissionConfig) Channels() Channels {
	var ch Channels
	if c.EnableColor {
		ch |= ChannelColor
	}
	if c.EnableDepth {
		ch |= ChannelDepth
	}
	if c.EnableIMU {
		ch |= ChannelIMU
	}
	return ch
}

// WithChannels returns a copy with only the channels in ch enabled.
func (c TransmissionConfig) WithChannels(ch Channels) TransmissionConfig {
	c.EnableColor = ch.Has(ChannelColor)
	c.EnableDepth = ch.Has(ChannelDepth)
	c.EnableIMU = ch.Has(ChannelIMU)
	return c
}

// Channels is a bit set of payload channels.
type Channels uint8

const (
	ChannelColor Channels = 1 << iota
	ChannelDepth
	ChannelIMU

	AllChannels = ChannelColor | ChannelDepth | ChannelIMU
)

// Has reports whether every bit of o is set.
func (c Channels) Has(o Channels) bool { return c&o == o }

// ParseChannels parses a comma separated list such as "color,imu".
// An empty string selects every channel.
func ParseChannels(s string) (Channels, error) {
	if strings.TrimSpace(s) == "" {
		return AllChannels, nil
	}
	var ch Channels
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "color", "colour":
			ch |= ChannelColor
		case "depth":
			ch |= ChannelDepth
		case "imu", "motion":
			ch |= ChannelIMU
		case "":
		default:
			return 0, fmt.Errorf("protocol: unknown channel %q", part)
		}
	}
	return ch, nil
}

// ImageFormat names an output image encoding.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
)

// ImageEncoder compresses a raw sample. Quality only applies to lossy formats.
type ImageEncoder interface {
	Encode(img *sensor.ImageSample, format ImageFormat, quality int) ([]byte, error)
}

// EncodeFrame converts a bundle into a frame message.
//
// It depends only on its arguments. A channel that fails to encode is left
// out of the frame and reported in the returned error; the frame is still
// usable when the error is non-nil.
func EncodeFrame(b *sensor.FrameBundle, cfg TransmissionConfig, enc ImageEncoder) (*Frame, error) {
	f := &Frame{
		Timestamp: Seconds(b.Timestamp),
		Sequence:  b.Seq,
	}
	var errs []error

	if cfg.EnableColor && b.Color != nil {
		data, err := enc.Encode(b.Color, FormatJPEG, cfg.CompressionQuality)
		if err != nil {
			errs = append(errs, fmt.Errorf("color: %w", err))
		} else {
			f.Color = &ColorImage{
				Data:   base64.StdEncoding.EncodeToString(data),
				Width:  b.Color.Width,
				Height: b.Color.Height,
				Format: string(FormatJPEG),
			}
		}
	}

	if cfg.EnableDepth && b.Depth != nil {
		data, err := enc.Encode(b.Depth, FormatPNG, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("depth: %w", err))
		} else {
			f.Depth = &DepthImage{
				Data:       base64.StdEncoding.EncodeToString(data),
				Width:      b.Depth.Width,
				Height:     b.Depth.Height,
				Format:     string(FormatPNG),
				DepthScale: b.Depth.DepthScale,
			}
		}
	}

	if cfg.EnableIMU && b.Motion != nil {
		f.IMU = &IMUData{
			Timestamp:     Seconds(b.Motion.Timestamp),
			Gyroscope:     b.Motion.Gyro,
			Accelerometer: b.Motion.Accel,
			Temperature:   b.Motion.Temperature,
		}
	}

	return f, errors.Join(errs...)
}
