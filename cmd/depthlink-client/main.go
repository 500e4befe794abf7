// depthlink-client connects to a depthlink server, runs the ping, status
// and streaming commands, and optionally saves received images to disk.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/teslashibe/go-depthlink/internal/httpc"
	"github.com/teslashibe/go-depthlink/internal/log"
	"github.com/teslashibe/go-depthlink/pkg/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server   string
		duration time.Duration
		saveDir  string
		saveN    int
		channels string
		logLevel string
		noHealth bool
	)

	flagSet := pflag.NewFlagSet("depthlink-client", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", "ws://localhost:8080/ws", "server URL (ws:// is added when missing)")
	flagSet.DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to receive frames")
	flagSet.StringVar(&saveDir, "save-dir", "", "write received images here")
	flagSet.IntVar(&saveN, "save-every", 10, "save every Nth frame")
	flagSet.StringVar(&channels, "channels", "", "comma separated channels: color, depth, imu (default all)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolVar(&noHealth, "skip-health", false, "skip the HTTP health check before connecting")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		server = args[0]
	}

	log.Init(logLevel, "text")
	logger := log.L()

	target, err := serverURL(server, channels)
	if err != nil {
		return err
	}
	if saveDir != "" {
		if err := os.MkdirAll(saveDir, 0o755); err != nil {
			return err
		}
	}

	if !noHealth {
		h, err := checkHealth(context.Background(), target)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		logger.Info("server healthy", "version", h.Version, "clients", h.Clients)
	}

	logger.Info("connecting", "url", target)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer conn.Close()

	c := &session{conn: conn}

	if _, err := c.call(protocol.CommandPing); err != nil {
		return err
	}
	logger.Info("ping ok")

	st, err := c.call(protocol.CommandGetStatus)
	if err != nil {
		return err
	}
	pretty, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(pretty))

	resp, err := c.call(protocol.CommandStartStreaming)
	if err != nil {
		return err
	}
	if e, ok := resp.(*protocol.Error); ok {
		return fmt.Errorf("start_streaming: %s: %s", e.Code, e.Message)
	}
	logger.Info("streaming", "duration", duration)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var frames, saved int
	start := time.Now()
	deadline := start.Add(duration)
receive:
	for time.Now().Before(deadline) {
		select {
		case <-quit:
			break receive
		default:
		}

		m, err := c.read(time.Until(deadline) + time.Second)
		if err != nil {
			logger.Warn("receive stopped", "error", err)
			break
		}
		f, ok := m.(*protocol.Frame)
		if !ok {
			continue
		}
		frames++
		if frames%30 == 0 {
			logger.Info("frames received", "count", frames, "sequence", f.Sequence,
				"fps", fmt.Sprintf("%.1f", float64(frames)/time.Since(start).Seconds()))
		}
		if f.IMU != nil {
			logger.Debug("imu", "accel", f.IMU.Accelerometer, "gyro", f.IMU.Gyroscope)
		}
		if saveDir != "" && frames%saveN == 0 {
			n, err := saveFrame(saveDir, f)
			if err != nil {
				logger.Warn("save failed", "sequence", f.Sequence, "error", err)
			}
			saved += n
		}
	}

	if _, err := c.call(protocol.CommandStopStreaming); err != nil {
		return err
	}
	logger.Info("done", "frames", frames, "saved_images", saved, "elapsed", time.Since(start).Round(time.Millisecond))

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func serverURL(raw, channels string) (string, error) {
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if channels != "" {
		if _, err := protocol.ParseChannels(channels); err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("channels", channels)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Clients int    `json:"clients"`
}

// checkHealth queries /health on the server behind the WebSocket URL.
func checkHealth(ctx context.Context, wsURL string) (*health, error) {
	base, err := httpc.HTTPBase(wsURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, httpc.DefaultTimeout)
	defer cancel()

	var h health
	if err := httpc.GetJSON(ctx, base+"/health", &h); err != nil {
		return nil, err
	}
	if h.Status != "ok" {
		return nil, fmt.Errorf("server reports status %q", h.Status)
	}
	return &h, nil
}

// session issues commands and skips frames while waiting for replies.
type session struct {
	conn *websocket.Conn
}

func (s *session) call(cmd protocol.CommandName) (protocol.Outbound, error) {
	if err := s.conn.WriteJSON(protocol.Command{Command: cmd}); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	for {
		m, err := s.read(5 * time.Second)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s reply: %w", cmd, err)
		}
		if m.Type() != protocol.TypeFrameData {
			return m, nil
		}
	}
}

func (s *session) read(timeout time.Duration) (protocol.Outbound, error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Parse(data)
}

func saveFrame(dir string, f *protocol.Frame) (int, error) {
	n := 0
	write := func(name, b64 string) error {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
		n++
		return nil
	}
	if f.Color != nil {
		if err := write(fmt.Sprintf("color_%06d.jpg", f.Sequence), f.Color.Data); err != nil {
			return n, err
		}
	}
	if f.Depth != nil {
		if err := write(fmt.Sprintf("depth_%06d.png", f.Sequence), f.Depth.Data); err != nil {
			return n, err
		}
	}
	return n, nil
}
