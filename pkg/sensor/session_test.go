package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, d *SimDriver) *Session {
	t.Helper()
	s := NewSession(d, WithLogger(quietLogger()))
	t.Cleanup(func() { s.Close() })
	return s
}

func colorOnly() StreamConfig {
	return StreamConfig{EnableColor: true, Width: 640, Height: 480, FPS: 30}
}

func TestStreamConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  StreamConfig
		want error
	}{
		{"default", DefaultStreamConfig(), nil},
		{"color only", colorOnly(), nil},
		{"imu only", StreamConfig{EnableIMU: true, Width: 1, Height: 1, FPS: 1}, nil},
		{"nothing enabled", StreamConfig{Width: 640, Height: 480, FPS: 30}, ErrNoStreamsEnabled},
		{"zero width", StreamConfig{EnableColor: true, Height: 480, FPS: 30}, ErrInvalidStreamConfig},
		{"negative fps", StreamConfig{EnableDepth: true, Width: 640, Height: 480, FPS: -1}, ErrInvalidStreamConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSession_OpenNoDevice(t *testing.T) {
	s := newTestSession(t, NewSimDriver())

	err := s.Open(context.Background())
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("Open() = %v, want ErrNoDeviceFound", err)
	}
	if s.State() != StateUnopened {
		t.Errorf("state = %v, want unopened", s.State())
	}
}

func TestSession_OpenBySerial(t *testing.T) {
	other := SimD435i()
	other.Serial = "SIM-000002"
	d := NewSimDriver(SimD435i(), other)

	s := NewSession(d, WithSerial("SIM-000002"), WithLogger(quietLogger()))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got := s.Info().Serial; got != "SIM-000002" {
		t.Errorf("serial = %s, want SIM-000002", got)
	}

	missing := NewSession(d, WithSerial("nope"), WithLogger(quietLogger()))
	if err := missing.Open(context.Background()); !errors.Is(err, ErrNoDeviceFound) {
		t.Errorf("Open(unknown serial) = %v, want ErrNoDeviceFound", err)
	}
}

func TestSession_ConfigureRejectsNoStreams(t *testing.T) {
	s := newTestSession(t, NewSimDriver(SimD435i()))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	err := s.Configure(StreamConfig{Width: 640, Height: 480, FPS: 30})
	if !errors.Is(err, ErrNoStreamsEnabled) {
		t.Fatalf("Configure() = %v, want ErrNoStreamsEnabled", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
	if s.Configured() {
		t.Error("session should not be configured")
	}
}

func TestSession_ConfigureBeforeOpen(t *testing.T) {
	s := newTestSession(t, NewSimDriver(SimD435i()))
	if err := s.Configure(colorOnly()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Configure() = %v, want ErrNotOpen", err)
	}
}

func TestSession_MotionDegradesGracefully(t *testing.T) {
	info := SimD435i()
	info.Capabilities.Motion = false
	s := newTestSession(t, NewSimDriver(info))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	cfg := DefaultStreamConfig()
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	eff := s.Config()
	if eff.EnableIMU {
		t.Error("effective config should report imu disabled")
	}
	if !eff.EnableColor || !eff.EnableDepth {
		t.Errorf("color/depth should stay enabled: %+v", eff)
	}
}

func TestSession_MotionOnlyUnsupportedFails(t *testing.T) {
	info := SimD435i()
	info.Capabilities.Motion = false
	s := newTestSession(t, NewSimDriver(info))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	err := s.Configure(StreamConfig{EnableIMU: true, Width: 640, Height: 480, FPS: 30})
	if !errors.Is(err, ErrNoStreamsEnabled) {
		t.Errorf("Configure() = %v, want ErrNoStreamsEnabled", err)
	}
}

func TestSession_DepthFailureIsFatal(t *testing.T) {
	d := NewSimDriver(SimD435i())
	boom := errors.New("usb bandwidth")
	d.StreamErrors = map[StreamKind]error{StreamDepth: boom}
	s := newTestSession(t, d)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	err := s.Configure(DefaultStreamConfig())
	if !errors.Is(err, boom) {
		t.Fatalf("Configure() = %v, want wrapped %v", err, boom)
	}
	if err := s.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start() after failed configure = %v, want ErrNotConfigured", err)
	}
}

func TestSession_StartBeforeConfigure(t *testing.T) {
	s := newTestSession(t, NewSimDriver(SimD435i()))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start() = %v, want ErrNotConfigured", err)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	d := NewSimDriver(SimD435i())
	s := newTestSession(t, d)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Configure(colorOnly()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !s.Streaming() {
		t.Fatal("expected streaming")
	}

	// Second start is a no-op.
	if err := s.Start(); err != nil {
		t.Errorf("second Start() = %v, want nil", err)
	}
	dev := d.Opened()[0]
	if starts, _ := dev.Counts(); starts != 1 {
		t.Errorf("device started %d times, want 1", starts)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
	if _, stops := dev.Counts(); stops != 1 {
		t.Errorf("device stopped %d times, want 1", stops)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
	if dev.Closed() {
		t.Error("stop must keep the device open")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if !dev.Closed() {
		t.Error("device should be released")
	}
	if err := s.Open(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Open() after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_WaitForBundle(t *testing.T) {
	s := newTestSession(t, NewSimDriver(SimD435i()))
	ctx := context.Background()

	if _, err := s.WaitForBundle(ctx, 10*time.Millisecond); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("WaitForBundle() before start = %v, want ErrNotStreaming", err)
	}

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Configure(colorOnly()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	fs, err := s.WaitForBundle(ctx, time.Second)
	if err != nil {
		t.Fatalf("WaitForBundle() error: %v", err)
	}
	if fs.Color == nil {
		t.Fatal("expected color image")
	}
	if fs.Depth != nil {
		t.Error("depth should be absent for a color-only config")
	}
	if got, want := len(fs.Color.Data), 640*480*3; got != want {
		t.Errorf("color bytes = %d, want %d", got, want)
	}
}

func TestSession_WaitForBundleTimeout(t *testing.T) {
	d := NewSimDriver(SimD435i())
	s := newTestSession(t, d)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Configure(colorOnly()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Opened()[0].SetStalled(true)

	start := time.Now()
	_, err := s.WaitForBundle(ctx, 20*time.Millisecond)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("WaitForBundle() = %v, want ErrCaptureTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestSession_StopUnblocksWait(t *testing.T) {
	d := NewSimDriver(SimD435i())
	s := newTestSession(t, d)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Configure(colorOnly()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	d.Opened()[0].SetStalled(true)

	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForBundle(ctx, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotStreaming) {
			t.Errorf("WaitForBundle() = %v, want ErrNotStreaming", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForBundle did not return after Stop")
	}
}
