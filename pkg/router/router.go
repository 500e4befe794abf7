// Package router maps client commands onto the device lifecycle.
//
// All lifecycle transitions (open, configure, start, stop) go through one
// mutex, so concurrent start_streaming and stop_streaming requests from
// different clients are applied one at a time.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-depthlink/pkg/capture"
	"github.com/teslashibe/go-depthlink/pkg/hub"
	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// ErrShuttingDown is reported to clients that ask to stream during shutdown.
var ErrShuttingDown = errors.New("router: server shutting down")

// Config holds router settings.
type Config struct {
	// Stream is applied the first time a client starts streaming.
	Stream sensor.StreamConfig

	// StopGrace bounds how long stopping the capture loop may take.
	StopGrace time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default router settings.
func DefaultConfig() Config {
	return Config{
		Stream:    sensor.DefaultStreamConfig(),
		StopGrace: 2 * time.Second,
		Logger:    slog.Default(),
	}
}

// Router handles commands from hub clients.
type Router struct {
	ctx     context.Context
	session *sensor.Session
	loop    *capture.Loop
	store   *capture.Store
	hub     *hub.Hub
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	draining bool
}

// New creates a router. ctx bounds device opens and is the parent of the
// capture loop.
func New(ctx context.Context, session *sensor.Session, loop *capture.Loop, store *capture.Store, h *hub.Hub, cfg Config) *Router {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultConfig().StopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		ctx:     ctx,
		session: session,
		loop:    loop,
		store:   store,
		hub:     h,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Handle processes one inbound payload from c and queues the response.
func (r *Router) Handle(c *hub.Client, data []byte) {
	resp := r.Dispatch(c, data)
	if err := r.hub.Send(c, resp); err != nil {
		r.logger.Debug("response not delivered", "client", c.ID, "type", resp.Type(), "error", err)
	}
}

// Dispatch processes one inbound payload and returns the response.
func (r *Router) Dispatch(c *hub.Client, data []byte) protocol.Outbound {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		r.logger.Warn("malformed command", "client", c.ID, "error", err)
		return &protocol.Error{Code: protocol.CodeMalformedCommand, Message: err.Error()}
	}

	r.logger.Debug("command", "client", c.ID, "command", cmd.Command)
	switch cmd.Command {
	case protocol.CommandPing:
		now := time.Now()
		return &protocol.Pong{Timestamp: protocol.Seconds(now), ServerTime: now.Format(time.RFC3339Nano)}
	case protocol.CommandGetStatus:
		return r.Status()
	case protocol.CommandStartStreaming:
		return r.startStreaming(c)
	case protocol.CommandStopStreaming:
		return r.stopStreaming(c)
	default:
		return &protocol.Error{
			Code:    protocol.CodeUnknownCommand,
			Message: fmt.Sprintf("unknown command: %s", cmd.Command),
		}
	}
}

// Status reports the server, device and capture state.
func (r *Router) Status() *protocol.Status {
	st := &protocol.Status{
		Timestamp:          protocol.Seconds(time.Now()),
		ClientsConnected:   r.hub.ClientCount(),
		StreamingClients:   r.hub.StreamingCount(),
		DeviceConnected:    r.session.Connected(),
		DeviceStreaming:    r.session.Streaming(),
		TransmissionConfig: r.hub.Transmission(),
	}
	if st.DeviceConnected {
		info := r.session.Info()
		st.Device = &info
	}
	if r.session.Configured() {
		cfg := r.session.Config()
		st.Stream = &cfg
	}
	stats := r.loop.Stats()
	st.Capture = &stats
	return st
}

func (r *Router) startStreaming(c *hub.Client) protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return errorResponse(ErrShuttingDown)
	}
	if err := r.ensureStreaming(); err != nil {
		r.logger.Error("start streaming failed", "client", c.ID, "error", err)
		return errorResponse(err)
	}
	if r.hub.SetStreaming(c, true) {
		r.logger.Info("client streaming", "client", c.ID, "streaming", r.hub.StreamingCount())
	}
	return &protocol.Success{Message: "Streaming started"}
}

// ensureStreaming brings the device up as far as needed. Each step is
// skipped when already done.
func (r *Router) ensureStreaming() error {
	if r.session.State() == sensor.StateUnopened {
		if err := r.session.Open(r.ctx); err != nil {
			return err
		}
	}
	if !r.session.Configured() {
		if err := r.session.Configure(r.cfg.Stream); err != nil {
			return err
		}
	}
	if !r.session.Streaming() {
		if err := r.session.Start(); err != nil {
			return err
		}
	}
	if !r.loop.Running() {
		if err := r.loop.Err(); err != nil {
			r.logger.Warn("restarting failed capture loop", "last_error", err)
		}
		r.loop.Start(r.ctx)
	}
	return nil
}

func (r *Router) stopStreaming(c *hub.Client) protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hub.SetStreaming(c, false) {
		r.logger.Info("client stopped streaming", "client", c.ID, "streaming", r.hub.StreamingCount())
	}
	if r.hub.StreamingCount() == 0 {
		r.stopDevice()
	}
	return &protocol.Success{Message: "Streaming stopped"}
}

// Disconnect unregisters c. A departing streaming client counts as a
// stop_streaming.
func (r *Router) Disconnect(c *hub.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasStreaming := c.Streaming()
	r.hub.Unregister(c)
	if wasStreaming && r.hub.StreamingCount() == 0 {
		r.stopDevice()
	}
}

// stopDevice stops capture and the device, keeping it open for the next
// start. Caller holds r.mu.
func (r *Router) stopDevice() {
	if !r.loop.Running() && !r.session.Streaming() {
		return
	}
	if err := r.loop.Stop(r.cfg.StopGrace); err != nil {
		r.logger.Error("capture loop did not stop", "error", err)
	}
	if err := r.session.Stop(); err != nil {
		r.logger.Error("device stop failed", "error", err)
	}
	r.store.Reset()
	r.logger.Info("device idle, no streaming clients")
}

// Drain makes further start_streaming requests fail. Used at shutdown.
func (r *Router) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

func errorResponse(err error) *protocol.Error {
	return &protocol.Error{Code: codeFor(err), Message: err.Error()}
}

func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, sensor.ErrNoDeviceFound):
		return protocol.CodeNoDeviceFound
	case errors.Is(err, sensor.ErrNotConfigured):
		return protocol.CodeNotConfigured
	case errors.Is(err, sensor.ErrNoStreamsEnabled),
		errors.Is(err, sensor.ErrInvalidStreamConfig),
		errors.Is(err, sensor.ErrStreamUnsupported),
		errors.Is(err, sensor.ErrDeviceClosed):
		return protocol.CodeDeviceError
	default:
		return protocol.CodeInternal
	}
}
