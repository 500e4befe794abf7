package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// SimD435i returns the identity of the simulated depth camera.
func SimD435i() DeviceInfo {
	return DeviceInfo{
		Name:     "Simulated D435I",
		Serial:   "SIM-000001",
		Firmware: "5.16.0.1",
		Capabilities: Capabilities{
			Color:      true,
			Depth:      true,
			Motion:     true,
			DepthScale: 0.001,
		},
	}
}

// SimDriver is an in-process Driver producing synthetic frames.
// It backs the "sim" driver of the daemon and the tests.
//
// Exported fields are read when a device is opened; set them before Open.
type SimDriver struct {
	// StreamErrors forces EnableStream to fail for a stream kind.
	StreamErrors map[StreamKind]error

	// StartError forces Start to fail.
	StartError error

	// QueryError forces QueryDevices to fail.
	QueryError error

	// MotionEvery emits a motion sample every N frame sets (default 1).
	MotionEvery int

	mu      sync.Mutex
	devices []DeviceInfo
	opened  []*SimDevice
}

// NewSimDriver creates a driver exposing the given devices.
// With no devices, enumeration is empty and Open fails with ErrNoDeviceFound.
func NewSimDriver(devices ...DeviceInfo) *SimDriver {
	return &SimDriver{devices: devices}
}

// QueryDevices implements Driver.
func (d *SimDriver) QueryDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.QueryError != nil {
		return nil, d.QueryError
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeviceInfo, len(d.devices))
	copy(out, d.devices)
	return out, nil
}

// OpenDevice implements Driver.
func (d *SimDriver) OpenDevice(ctx context.Context, serial string) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, info := range d.devices {
		if info.Serial != serial {
			continue
		}
		every := d.MotionEvery
		if every <= 0 {
			every = 1
		}
		dev := &SimDevice{
			info:        info,
			streamErrs:  d.StreamErrors,
			startErr:    d.StartError,
			motionEvery: every,
			profiles:    make(map[StreamKind]StreamProfile),
			wake:        make(chan struct{}),
		}
		d.opened = append(d.opened, dev)
		return dev, nil
	}
	return nil, fmt.Errorf("%w: serial %s", ErrNoDeviceFound, serial)
}

// Opened returns the devices opened so far, oldest first.
func (d *SimDriver) Opened() []*SimDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*SimDevice, len(d.opened))
	copy(out, d.opened)
	return out
}

// SimDevice generates a BGR gradient, a Z16 depth ramp and a slowly
// rotating IMU reading at the enabled rates.
type SimDevice struct {
	info        DeviceInfo
	streamErrs  map[StreamKind]error
	startErr    error
	motionEvery int

	mu       sync.Mutex
	profiles map[StreamKind]StreamProfile
	running  bool
	closed   bool
	stalled  bool
	seq      uint64
	next     time.Time
	wake     chan struct{} // closed and replaced on Stop/Close

	starts int
	stops  int
}

// EnableStream implements Device.
func (d *SimDevice) EnableStream(p StreamProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := d.streamErrs[p.Kind]; err != nil {
		return err
	}
	caps := d.info.Capabilities
	switch p.Kind {
	case StreamColor:
		if !caps.Color {
			return ErrStreamUnsupported
		}
	case StreamDepth:
		if !caps.Depth {
			return ErrStreamUnsupported
		}
	case StreamAccel, StreamGyro:
		if !caps.Motion {
			return ErrStreamUnsupported
		}
	}
	d.profiles[p.Kind] = p
	return nil
}

// DisableStreams implements Device.
func (d *SimDevice) DisableStreams() {
	d.mu.Lock()
	d.profiles = make(map[StreamKind]StreamProfile)
	d.mu.Unlock()
}

// Start implements Device.
func (d *SimDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if d.startErr != nil {
		return d.startErr
	}
	if len(d.profiles) == 0 {
		return ErrNotConfigured
	}
	d.running = true
	d.next = time.Now()
	d.starts++
	return nil
}

// Stop implements Device.
func (d *SimDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.running = false
		d.stops++
		d.wakeLocked()
	}
	return nil
}

// Close implements Device.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		d.running = false
		d.wakeLocked()
	}
	return nil
}

func (d *SimDevice) wakeLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

// SetStalled makes WaitForFrames time out until cleared.
func (d *SimDevice) SetStalled(stalled bool) {
	d.mu.Lock()
	d.stalled = stalled
	d.mu.Unlock()
}

// Counts returns how many times Start and Stop reached the hardware.
func (d *SimDevice) Counts() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

// Closed reports whether Close was called.
func (d *SimDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *SimDevice) interval() time.Duration {
	fps := 0
	for _, k := range []StreamKind{StreamColor, StreamDepth} {
		if p, ok := d.profiles[k]; ok && p.FPS > fps {
			fps = p.FPS
		}
	}
	if fps == 0 {
		fps = AccelFPS
	}
	return time.Second / time.Duration(fps)
}

// WaitForFrames implements Device.
func (d *SimDevice) WaitForFrames(ctx context.Context, timeout time.Duration) (*FrameSet, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	if !d.running {
		d.mu.Unlock()
		return nil, ErrNotStreaming
	}
	wake := d.wake
	wait := time.Until(d.next)
	stalled := d.stalled
	d.mu.Unlock()

	if stalled || wait > timeout {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, ErrCaptureTimeout
		case <-wake:
			return nil, ErrNotStreaming
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-wake:
			return nil, ErrNotStreaming
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if !d.running {
		return nil, ErrNotStreaming
	}

	d.seq++
	now := time.Now()
	d.next = now.Add(d.interval())

	fs := &FrameSet{}
	if p, ok := d.profiles[StreamColor]; ok {
		fs.Color = synthColor(p.Width, p.Height, d.seq)
	}
	if p, ok := d.profiles[StreamDepth]; ok {
		fs.Depth = synthDepth(p.Width, p.Height, d.seq, d.info.Capabilities.DepthScale)
	}
	_, accel := d.profiles[StreamAccel]
	_, gyro := d.profiles[StreamGyro]
	if accel && gyro && d.seq%uint64(d.motionEvery) == 0 {
		fs.Motion = synthMotion(now, d.seq)
	}
	return fs, nil
}

func synthColor(w, h int, seq uint64) *ImageSample {
	data := make([]byte, w*h*3)
	shift := int(seq % 256)
	for y := 0; y < h; y++ {
		row := y * w * 3
		for x := 0; x < w; x++ {
			i := row + x*3
			data[i] = byte((x + shift) % 256)   // B
			data[i+1] = byte((y + shift) % 256) // G
			data[i+2] = byte(shift)             // R
		}
	}
	return &ImageSample{Width: w, Height: h, Format: FormatBGR8, Data: data}
}

func synthDepth(w, h int, seq uint64, scale float64) *ImageSample {
	data := make([]byte, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// 0.5 m .. 4.5 m ramp in millimeter units
			v := uint16(500 + (x+y+int(seq))%4000)
			binary.LittleEndian.PutUint16(data[(y*w+x)*2:], v)
		}
	}
	return &ImageSample{Width: w, Height: h, Format: FormatZ16, Data: data, DepthScale: scale}
}

func synthMotion(now time.Time, seq uint64) *MotionSample {
	phase := float64(seq) / 30
	return &MotionSample{
		Timestamp: now,
		Gyro:      Vec3{X: 0.01 * math.Sin(phase), Y: 0.01 * math.Cos(phase), Z: 0},
		Accel:     Vec3{X: 0, Y: -9.80665, Z: 0.05 * math.Sin(phase)},
	}
}
