// Package uvc drives a plain USB video class camera through OpenCV.
//
// A UVC webcam only provides color: depth requests fail and motion
// requests degrade, which exercises the same Session paths as a depth
// camera with a missing IMU.
package uvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

var videoNode = regexp.MustCompile(`^/dev/video(\d+)$`)

// Driver enumerates /dev/video* nodes.
type Driver struct {
	// Glob overrides the device node pattern (default /dev/video*).
	Glob string
}

// NewDriver creates a UVC driver.
func NewDriver() *Driver {
	return &Driver{Glob: "/dev/video*"}
}

// QueryDevices implements sensor.Driver.
func (d *Driver) QueryDevices(ctx context.Context) ([]sensor.DeviceInfo, error) {
	matches, err := filepath.Glob(d.Glob)
	if err != nil {
		return nil, fmt.Errorf("scan video devices: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return nodeIndex(matches[i]) < nodeIndex(matches[j])
	})

	var out []sensor.DeviceInfo
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if nodeIndex(path) < 0 {
			continue
		}
		out = append(out, sensor.DeviceInfo{
			Name:         deviceName(path),
			Serial:       path,
			Capabilities: sensor.Capabilities{Color: true},
		})
	}
	return out, nil
}

// OpenDevice implements sensor.Driver. The serial is the device node path.
func (d *Driver) OpenDevice(_ context.Context, serial string) (sensor.Device, error) {
	idx := nodeIndex(serial)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", sensor.ErrNoDeviceFound, serial)
	}
	vc, err := gocv.OpenVideoCapture(idx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", serial, err)
	}
	return &Device{vc: vc, path: serial}, nil
}

func nodeIndex(path string) int {
	m := videoNode.FindStringSubmatch(path)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

func deviceName(path string) string {
	sys := filepath.Join("/sys/class/video4linux", filepath.Base(path), "name")
	if b, err := os.ReadFile(sys); err == nil {
		if name := strings.TrimSpace(string(b)); name != "" {
			return name
		}
	}
	return "UVC camera " + filepath.Base(path)
}

// Device is an opened webcam. Only the reader goroutine touches vc
// while streaming.
type Device struct {
	vc   *gocv.VideoCapture
	path string

	mu      sync.Mutex
	profile *sensor.StreamProfile
	frames  chan *sensor.ImageSample
	done    chan struct{}
	exited  chan struct{}
	closed  bool
}

// EnableStream implements sensor.Device.
func (d *Device) EnableStream(p sensor.StreamProfile) error {
	if p.Kind != sensor.StreamColor {
		return sensor.ErrStreamUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sensor.ErrDeviceClosed
	}
	d.vc.Set(gocv.VideoCaptureFrameWidth, float64(p.Width))
	d.vc.Set(gocv.VideoCaptureFrameHeight, float64(p.Height))
	d.vc.Set(gocv.VideoCaptureFPS, float64(p.FPS))
	d.profile = &p
	return nil
}

// DisableStreams implements sensor.Device.
func (d *Device) DisableStreams() {
	d.mu.Lock()
	d.profile = nil
	d.mu.Unlock()
}

// Start implements sensor.Device.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sensor.ErrDeviceClosed
	}
	if d.profile == nil {
		return sensor.ErrNotConfigured
	}
	if d.done != nil {
		return nil
	}
	d.frames = make(chan *sensor.ImageSample, 1)
	d.done = make(chan struct{})
	d.exited = make(chan struct{})
	go d.readLoop(d.frames, d.done, d.exited)
	return nil
}

func (d *Device) readLoop(frames chan *sensor.ImageSample, done, exited chan struct{}) {
	defer close(exited)
	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-done:
			return
		default:
		}
		if ok := d.vc.Read(&mat); !ok || mat.Empty() {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		img := &sensor.ImageSample{
			Width:  mat.Cols(),
			Height: mat.Rows(),
			Format: sensor.FormatBGR8,
			Data:   mat.ToBytes(),
		}
		// Single slot: replace an unconsumed frame.
		select {
		case <-frames:
		default:
		}
		frames <- img
	}
}

// Stop implements sensor.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	done, exited := d.done, d.exited
	d.done, d.exited = nil, nil
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	close(done)
	<-exited
	return nil
}

// WaitForFrames implements sensor.Device.
func (d *Device) WaitForFrames(ctx context.Context, timeout time.Duration) (*sensor.FrameSet, error) {
	d.mu.Lock()
	frames, done := d.frames, d.done
	d.mu.Unlock()
	if done == nil {
		return nil, sensor.ErrNotStreaming
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case img := <-frames:
		return &sensor.FrameSet{Color: img}, nil
	case <-done:
		return nil, sensor.ErrNotStreaming
	case <-t.C:
		return nil, sensor.ErrCaptureTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements sensor.Device.
func (d *Device) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.vc.Close()
}
