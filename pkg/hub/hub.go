package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

var (
	// ErrCapacityExceeded is returned by Register when MaxConnections are registered.
	ErrCapacityExceeded = errors.New("hub: connection capacity exceeded")

	// ErrTransportClosed is returned when a client can no longer be written to.
	ErrTransportClosed = errors.New("hub: transport closed")

	// ErrHubClosed is returned by Register after CloseAll.
	ErrHubClosed = errors.New("hub: closed")

	// ErrStopTimeout is returned by Stop when the broadcast worker outlives its timeout.
	ErrStopTimeout = errors.New("hub: broadcast worker did not stop in time")
)

// FrameSource supplies the newest bundle. *capture.Store implements it.
type FrameSource interface {
	Read() *sensor.FrameBundle
}

// Config holds hub settings.
type Config struct {
	MaxConnections int
	BroadcastRate  float64 // ticks per second
	FrameBuffer    int     // per-client frame queue depth
	Transmission   protocol.TransmissionConfig
	Logger         *slog.Logger
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10,
		BroadcastRate:  30,
		FrameBuffer:    2,
		Transmission:   protocol.DefaultTransmissionConfig(),
		Logger:         slog.Default(),
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients       int    `json:"clients"`
	Streaming     int    `json:"streaming"`
	Registered    uint64 `json:"registered_total"`
	Rejected      uint64 `json:"rejected_total"`
	Ticks         uint64 `json:"ticks"`
	EligibleTicks uint64 `json:"eligible_ticks"`
	Broadcasts    uint64 `json:"broadcasts"`
	FramesQueued  uint64 `json:"frames_queued"`
	FramesDropped uint64 `json:"frames_dropped"`
	EncodeErrors  uint64 `json:"encode_errors"`
}

// Hub tracks registered clients and broadcasts the newest bundle to the
// streaming ones at a fixed rate.
type Hub struct {
	cfg    Config
	src    FrameSource
	enc    protocol.ImageEncoder
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	closing bool

	tickMu   sync.Mutex
	eligible uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	registered   atomic.Uint64
	rejected     atomic.Uint64
	ticks        atomic.Uint64
	eligibleN    atomic.Uint64
	broadcasts   atomic.Uint64
	queued       atomic.Uint64
	dropped      atomic.Uint64
	encodeErrors atomic.Uint64
}

// New creates a hub reading from src and encoding with enc.
func New(src FrameSource, enc protocol.ImageEncoder, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.BroadcastRate <= 0 {
		cfg.BroadcastRate = def.BroadcastRate
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = def.FrameBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if q := cfg.Transmission.CompressionQuality; q < 0 || q > 100 {
		cfg.Logger.Warn("compression_quality out of range, using default",
			"configured", q, "default", def.Transmission.CompressionQuality)
		cfg.Transmission.CompressionQuality = def.Transmission.CompressionQuality
	}
	if cfg.Transmission.FrameSkip < 1 {
		cfg.Logger.Warn("frame_skip below 1, using 1", "configured", cfg.Transmission.FrameSkip)
		cfg.Transmission.FrameSkip = 1
	}
	return &Hub{
		cfg:     cfg,
		src:     src,
		enc:     enc,
		logger:  cfg.Logger,
		clients: make(map[string]*Client),
	}
}

// Transmission returns the hub's transmission settings.
func (h *Hub) Transmission() protocol.TransmissionConfig {
	return h.cfg.Transmission
}

// NewClient creates a client with the hub's frame buffer and logger.
func (h *Hub) NewClient(conn Conn, opts ...ClientOption) *Client {
	base := []ClientOption{WithFrameBuffer(h.cfg.FrameBuffer), WithClientLogger(h.logger)}
	return NewClient(conn, append(base, opts...)...)
}

// Register adds c. At capacity it returns ErrCapacityExceeded and leaves
// the registry untouched.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		h.rejected.Add(1)
		return ErrHubClosed
	}
	if _, ok := h.clients[c.ID]; ok {
		return nil
	}
	if len(h.clients) >= h.cfg.MaxConnections {
		h.rejected.Add(1)
		h.logger.Warn("connection rejected, at capacity", "remote", c.RemoteAddr, "max", h.cfg.MaxConnections)
		return ErrCapacityExceeded
	}
	h.clients[c.ID] = c
	h.registered.Add(1)
	h.logger.Info("client connected", "client", c.ID, "remote", c.RemoteAddr, "total", len(h.clients))
	return nil
}

// Unregister removes c and shuts down its pumps. It reports whether c was
// registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()

	c.streaming.Store(false)
	c.Close(websocket.CloseNormalClosure, "")
	if ok {
		h.logger.Info("client disconnected", "client", c.ID, "remaining", n,
			"frames_sent", c.sent.Load(), "frames_dropped", c.dropped.Load())
	}
	return ok
}

// SetStreaming marks c as wanting frames and reports whether the flag changed.
func (h *Hub) SetStreaming(c *Client, on bool) bool {
	return c.streaming.Swap(on) != on
}

// Send queues a response for c. Responses on one client keep their order.
func (h *Hub) Send(c *Client, m protocol.Outbound) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return c.sendControl(data)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StreamingCount returns the number of registered clients that are streaming.
func (h *Hub) StreamingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.Streaming() {
			n++
		}
	}
	return n
}

func (h *Hub) streamingClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Streaming() {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastTick offers the newest bundle to every streaming client.
//
// A tick is eligible when a bundle exists and at least one client is
// streaming. Only every FrameSkip-th eligible tick sends, starting with the
// first. A client's channel override can only narrow the configured
// channels. Each distinct channel mask is encoded once per tick.
func (h *Hub) BroadcastTick() {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()

	h.ticks.Add(1)
	b := h.src.Read()
	if b == nil {
		return
	}
	targets := h.streamingClients()
	if len(targets) == 0 {
		return
	}

	n := h.eligible
	h.eligible++
	h.eligibleN.Add(1)
	if n%uint64(h.cfg.Transmission.FrameSkip) != 0 {
		return
	}

	def := h.cfg.Transmission.Channels()
	encoded := make(map[protocol.Channels][]byte, 1)
	for _, c := range targets {
		mask := def
		if ch, ok := c.Channels(); ok {
			mask = def & ch
		}
		data, ok := encoded[mask]
		if !ok {
			data = h.encode(b, mask)
			encoded[mask] = data
		}
		if data == nil {
			continue
		}
		if c.offerFrame(data) {
			h.queued.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
	h.broadcasts.Add(1)
}

func (h *Hub) encode(b *sensor.FrameBundle, mask protocol.Channels) []byte {
	frame, err := protocol.EncodeFrame(b, h.cfg.Transmission.WithChannels(mask), h.enc)
	if err != nil {
		// Failed channels are omitted; the rest still goes out.
		h.encodeErrors.Add(1)
		h.logger.Warn("frame encode failed", "seq", b.Seq, "error", err)
	}
	data, err := protocol.Marshal(frame)
	if err != nil {
		h.encodeErrors.Add(1)
		h.logger.Error("frame marshal failed", "seq", b.Seq, "error", err)
		return nil
	}
	return data
}

// Run ticks at BroadcastRate until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / h.cfg.BroadcastRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("broadcast started", "rate_hz", h.cfg.BroadcastRate, "frame_skip", h.cfg.Transmission.FrameSkip)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("broadcast stopped")
			return
		case <-ticker.C:
			h.BroadcastTick()
		}
	}
}

// Start runs the broadcast worker in the background. Starting twice is a no-op.
func (h *Hub) Start(parent context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	h.cancel, h.done = cancel, done
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
}

// Stop cancels the broadcast worker and waits up to timeout for it to exit.
func (h *Hub) Stop(timeout time.Duration) error {
	h.runMu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrStopTimeout
	}
}

// CloseAll refuses further registrations and closes every client with a
// going-away frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.streaming.Store(false)
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info("closed all clients", "count", len(clients))
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:       h.ClientCount(),
		Streaming:     h.StreamingCount(),
		Registered:    h.registered.Load(),
		Rejected:      h.rejected.Load(),
		Ticks:         h.ticks.Load(),
		EligibleTicks: h.eligibleN.Load(),
		Broadcasts:    h.broadcasts.Load(),
		FramesQueued:  h.queued.Load(),
		FramesDropped: h.dropped.Load(),
		EncodeErrors:  h.encodeErrors.Load(),
	}
}
