package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// ErrStopTimeout is returned by Stop when the worker outlives its grace period.
var ErrStopTimeout = errors.New("capture: worker did not stop within grace period")

// Source yields frame sets. *sensor.Session implements it.
type Source interface {
	WaitForBundle(ctx context.Context, timeout time.Duration) (*sensor.FrameSet, error)
	Config() sensor.StreamConfig
}

// Config holds capture loop settings.
type Config struct {
	// CaptureTimeout bounds each wait for a frame set.
	CaptureTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		CaptureTimeout: time.Second,
		Logger:         slog.Default(),
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Running       bool   `json:"running"`
	Frames        uint64 `json:"frames"`
	Timeouts      uint64 `json:"timeouts"`
	MotionSamples uint64 `json:"motion_samples"`
	LastError     string `json:"last_error,omitempty"`
}

// Loop is the single capture worker bound to one Source.
// It never restarts itself after a failure; callers decide.
type Loop struct {
	src   Source
	store *Store
	cfg   Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	seq      atomic.Uint64
	frames   atomic.Uint64
	timeouts atomic.Uint64
	motion   atomic.Uint64
}

// NewLoop creates a stopped loop publishing into store.
func NewLoop(src Source, store *Store, cfg Config) *Loop {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultConfig().CaptureTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{src: src, store: store, cfg: cfg}
}

// Start launches the worker under parent. Starting a running loop is a no-op.
func (l *Loop) Start(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.err = nil

	go l.run(ctx, done)
}

// Stop cancels the worker and waits up to grace for it to exit.
// Stopping a stopped loop is a no-op.
func (l *Loop) Stop(grace time.Duration) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		l.cfg.Logger.Warn("capture worker still running after grace period", "grace", grace)
		return ErrStopTimeout
	}
}

// Running reports whether the worker goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *Loop) runningLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Err returns the failure that ended the last run, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Running:       l.Running(),
		Frames:        l.frames.Load(),
		Timeouts:      l.timeouts.Load(),
		MotionSamples: l.motion.Load(),
	}
	if err := l.Err(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

func (l *Loop) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := l.src.Config()
	interval := cfg.FrameInterval()
	logger := l.cfg.Logger

	var lastMotion *sensor.MotionSample
	logger.Info("capture started", "fps", cfg.FPS,
		"color", cfg.EnableColor, "depth", cfg.EnableDepth, "imu", cfg.EnableIMU)

	for {
		if ctx.Err() != nil {
			logger.Info("capture cancelled")
			return
		}
		began := time.Now()

		fs, err := l.src.WaitForBundle(ctx, l.cfg.CaptureTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				logger.Info("capture cancelled")
				return
			case errors.Is(err, sensor.ErrCaptureTimeout):
				n := l.timeouts.Add(1)
				logger.Warn("capture timeout, retrying", "timeout", l.cfg.CaptureTimeout, "total", n)
				continue
			default:
				logger.Error("capture failed", "error", err)
				l.fail(err)
				return
			}
		}

		b := &sensor.FrameBundle{
			Seq:       l.seq.Add(1),
			Timestamp: time.Now(),
		}
		if cfg.EnableColor {
			b.Color = fs.Color
		}
		if cfg.EnableDepth {
			b.Depth = fs.Depth
		}
		if cfg.EnableIMU && fs.Motion != nil {
			lastMotion = fs.Motion
			l.motion.Add(1)
		}
		b.Motion = lastMotion

		l.store.Publish(b)
		l.frames.Add(1)

		if wait := interval - time.Since(began); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				logger.Info("capture cancelled")
				return
			}
		}
	}
}
