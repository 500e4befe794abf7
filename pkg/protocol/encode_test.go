package protocol

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// fakeEncoder tags its output with the format and quality it was called with.
type fakeEncoder struct {
	fail  map[ImageFormat]error
	calls int
}

func (f *fakeEncoder) Encode(img *sensor.ImageSample, format ImageFormat, quality int) ([]byte, error) {
	f.calls++
	if err := f.fail[format]; err != nil {
		return nil, err
	}
	return []byte(string(format) + ":" + string(rune('0'+quality/10))), nil
}

func testBundle() *sensor.FrameBundle {
	return &sensor.FrameBundle{
		Seq:       42,
		Timestamp: time.Unix(100, 250_000_000),
		Color:     &sensor.ImageSample{Width: 4, Height: 2, Format: sensor.FormatBGR8, Data: make([]byte, 24)},
		Depth:     &sensor.ImageSample{Width: 4, Height: 2, Format: sensor.FormatZ16, Data: make([]byte, 16), DepthScale: 0.001},
		Motion: &sensor.MotionSample{
			Timestamp:   time.Unix(100, 0),
			Gyro:        sensor.Vec3{X: 0.1},
			Accel:       sensor.Vec3{Z: 9.81},
			Temperature: 31.5,
		},
	}
}

func decode(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid base64 %q: %v", s, err)
	}
	return string(b)
}

func TestEncodeFrame_AllChannels(t *testing.T) {
	enc := &fakeEncoder{}
	f, err := EncodeFrame(testBundle(), DefaultTransmissionConfig(), enc)
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}

	if f.Sequence != 42 || f.Timestamp != 100.25 {
		t.Errorf("header = seq %d ts %v", f.Sequence, f.Timestamp)
	}
	if f.Color == nil || decode(t, f.Color.Data) != "jpeg:8" {
		t.Errorf("color = %+v, want jpeg at quality 80", f.Color)
	}
	if f.Color.Width != 4 || f.Color.Height != 2 || f.Color.Format != "jpeg" {
		t.Errorf("color meta = %+v", f.Color)
	}
	if f.Depth == nil || decode(t, f.Depth.Data) != "png:0" {
		t.Errorf("depth = %+v, want png", f.Depth)
	}
	if f.Depth.DepthScale != 0.001 {
		t.Errorf("depth_scale = %v, want 0.001", f.Depth.DepthScale)
	}
	if f.IMU == nil || f.IMU.Accelerometer.Z != 9.81 || f.IMU.Gyroscope.X != 0.1 || f.IMU.Temperature != 31.5 {
		t.Errorf("imu = %+v", f.IMU)
	}
	if f.IMU.Timestamp != 100 {
		t.Errorf("imu timestamp = %v, want 100", f.IMU.Timestamp)
	}
}

func TestEncodeFrame_ChannelMask(t *testing.T) {
	tests := []struct {
		name      string
		ch        Channels
		wantColor bool
		wantDepth bool
		wantIMU   bool
	}{
		{"color only", ChannelColor, true, false, false},
		{"depth and imu", ChannelDepth | ChannelIMU, false, true, true},
		{"none", 0, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTransmissionConfig().WithChannels(tt.ch)
			f, err := EncodeFrame(testBundle(), cfg, &fakeEncoder{})
			if err != nil {
				t.Fatal(err)
			}
			if (f.Color != nil) != tt.wantColor || (f.Depth != nil) != tt.wantDepth || (f.IMU != nil) != tt.wantIMU {
				t.Errorf("got color=%v depth=%v imu=%v", f.Color != nil, f.Depth != nil, f.IMU != nil)
			}
		})
	}
}

func TestEncodeFrame_MissingSamples(t *testing.T) {
	b := &sensor.FrameBundle{Seq: 1, Timestamp: time.Now()}
	enc := &fakeEncoder{}
	f, err := EncodeFrame(b, DefaultTransmissionConfig(), enc)
	if err != nil {
		t.Fatal(err)
	}
	if f.Color != nil || f.Depth != nil || f.IMU != nil {
		t.Errorf("frame = %+v, want header only", f)
	}
	if enc.calls != 0 {
		t.Errorf("encoder called %d times, want 0", enc.calls)
	}
}

func TestEncodeFrame_ChannelFailureIsIsolated(t *testing.T) {
	boom := errors.New("jpeg boom")
	enc := &fakeEncoder{fail: map[ImageFormat]error{FormatJPEG: boom}}

	f, err := EncodeFrame(testBundle(), DefaultTransmissionConfig(), enc)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "color") {
		t.Errorf("error %q should name the channel", err)
	}
	if f.Color != nil {
		t.Error("failed color channel must be omitted")
	}
	if f.Depth == nil || f.IMU == nil {
		t.Error("other channels must survive a color failure")
	}
}

func TestTransmissionConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TransmissionConfig)
		wantErr bool
	}{
		{"default", func(*TransmissionConfig) {}, false},
		{"quality 1", func(c *TransmissionConfig) { c.CompressionQuality = 1 }, false},
		{"quality 100", func(c *TransmissionConfig) { c.CompressionQuality = 100 }, false},
		{"quality 0", func(c *TransmissionConfig) { c.CompressionQuality = 0 }, false},
		{"quality -1", func(c *TransmissionConfig) { c.CompressionQuality = -1 }, true},
		{"quality 101", func(c *TransmissionConfig) { c.CompressionQuality = 101 }, true},
		{"skip 0", func(c *TransmissionConfig) { c.FrameSkip = 0 }, true},
		{"skip 5", func(c *TransmissionConfig) { c.FrameSkip = 5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTransmissionConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransmissionConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidTransmissionConfig", err)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	c := DefaultTransmissionConfig()
	if c.Channels() != AllChannels {
		t.Errorf("Channels() = %b, want %b", c.Channels(), AllChannels)
	}
	c.EnableDepth = false
	if got := c.Channels(); got.Has(ChannelDepth) || !got.Has(ChannelColor|ChannelIMU) {
		t.Errorf("Channels() = %b", got)
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		in      string
		want    Channels
		wantErr bool
	}{
		{"", AllChannels, false},
		{"color", ChannelColor, false},
		{"depth, imu", ChannelDepth | ChannelIMU, false},
		{"Colour,DEPTH", ChannelColor | ChannelDepth, false},
		{"color,,", ChannelColor, false},
		{"thermal", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseChannels(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChannels(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChannels(%q) = %b, want %b", tt.in, got, tt.want)
		}
	}
}
