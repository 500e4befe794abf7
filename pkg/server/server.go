// Package server exposes the hub over HTTP and WebSocket with Fiber.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-depthlink/pkg/capture"
	"github.com/teslashibe/go-depthlink/pkg/hub"
	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/router"
)

const localsChannels = "channels"

// Config holds server settings.
type Config struct {
	Version    string
	RequestLog bool // log every HTTP request
	Logger     *slog.Logger
}

// Server is the Fiber app serving /ws and the HTTP endpoints.
type Server struct {
	app     *fiber.App
	hub     *hub.Hub
	router  *router.Router
	store   *capture.Store
	cfg     Config
	logger  *slog.Logger
	started time.Time

	accepting atomic.Bool
}

// New builds the app and its routes.
func New(h *hub.Hub, r *router.Router, store *capture.Store, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		hub:     h,
		router:  r,
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
	}
	s.accepting.Store(true)

	app := fiber.New(fiber.Config{
		AppName:               "depthlink",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if cfg.RequestLog {
		app.Use(logger.New())
	}

	ws := websocket.New(s.handleConn, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
	})

	app.Get("/ws", s.upgradeGate, ws)
	app.Get("/", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return s.upgradeGate(c)
		}
		return c.JSON(fiber.Map{
			"service":   "depthlink",
			"version":   cfg.Version,
			"websocket": "/ws",
		})
	}, ws)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)
	api := app.Group("/api")
	api.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(s.router.Status())
	})

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// StopAccepting makes new WebSocket upgrades fail with 503.
func (s *Server) StopAccepting() {
	s.accepting.Store(false)
}

// Shutdown stops the listener and waits for open requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.StopAccepting()
	return s.app.ShutdownWithContext(ctx)
}

// upgradeGate admits WebSocket upgrades while accepting and records the
// requested channels.
func (s *Server) upgradeGate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if !s.accepting.Load() {
		return fiber.ErrServiceUnavailable
	}
	if q := c.Query("channels"); q != "" {
		ch, err := protocol.ParseChannels(q)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		c.Locals(localsChannels, ch)
	}
	return c.Next()
}

func (s *Server) handleConn(conn *websocket.Conn) {
	opts := []hub.ClientOption{hub.WithRemoteAddr(conn.RemoteAddr().String())}
	if ch, ok := conn.Locals(localsChannels).(protocol.Channels); ok {
		opts = append(opts, hub.WithChannels(ch))
	}
	client := s.hub.NewClient(conn, opts...)

	if err := s.hub.Register(client); err != nil {
		resp := &protocol.Error{Code: protocol.CodeCapacityExceeded, Message: "maximum connections reached"}
		code, reason := websocket.ClosePolicyViolation, "capacity exceeded"
		if errors.Is(err, hub.ErrHubClosed) {
			resp = &protocol.Error{Code: protocol.CodeInternal, Message: "server shutting down"}
			code, reason = websocket.CloseGoingAway, "shutting down"
		}
		if err := hub.Reject(conn, resp, code, reason); err != nil {
			s.logger.Debug("reject failed", "remote", client.RemoteAddr, "error", err)
		}
		return
	}

	client.Run(func(data []byte) {
		s.router.Handle(client, data)
	})
	s.router.Disconnect(client)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	st := s.router.Status()
	return c.JSON(fiber.Map{
		"status":           "ok",
		"version":          s.cfg.Version,
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
		"clients":          st.ClientsConnected,
		"device_connected": st.DeviceConnected,
		"device_streaming": st.DeviceStreaming,
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	hs := s.hub.Stats()
	ss := s.store.Stats()
	st := s.router.Status()

	var b strings.Builder
	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(&b, "# HELP depthlink_%s %s\n# TYPE depthlink_%s %s\ndepthlink_%s %v\n\n", name, help, name, kind, name, value)
	}
	metric("clients", "gauge", "Connected WebSocket clients", hs.Clients)
	metric("streaming_clients", "gauge", "Clients receiving frames", hs.Streaming)
	metric("connections_total", "counter", "Accepted WebSocket connections", hs.Registered)
	metric("connections_rejected_total", "counter", "Connections refused at capacity or during shutdown", hs.Rejected)
	metric("broadcast_ticks_total", "counter", "Broadcast ticks", hs.Ticks)
	metric("broadcasts_total", "counter", "Ticks that sent a frame", hs.Broadcasts)
	metric("frames_queued_total", "counter", "Frames queued to clients", hs.FramesQueued)
	metric("frames_dropped_total", "counter", "Frames dropped on full client queues", hs.FramesDropped)
	metric("encode_errors_total", "counter", "Frames with a channel that failed to encode", hs.EncodeErrors)
	metric("store_publishes_total", "counter", "Bundles published by capture", ss.Publishes)
	metric("store_overwrites_total", "counter", "Bundles replaced before being read", ss.Drops)
	metric("device_connected", "gauge", "Device open", boolGauge(st.DeviceConnected))
	metric("device_streaming", "gauge", "Device streaming", boolGauge(st.DeviceStreaming))
	if cs := st.Capture; cs != nil {
		metric("capture_frames_total", "counter", "Bundles captured", cs.Frames)
		metric("capture_timeouts_total", "counter", "Capture waits that timed out", cs.Timeouts)
		metric("capture_motion_samples_total", "counter", "Fresh motion samples", cs.MotionSamples)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}
