package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-depthlink/pkg/capture"
	"github.com/teslashibe/go-depthlink/pkg/hub"
	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/router"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

type nopEncoder struct{}

func (nopEncoder) Encode(*sensor.ImageSample, protocol.ImageFormat, int) ([]byte, error) {
	return []byte{0xFF, 0xD8}, nil
}

type testServer struct {
	srv     *Server
	hub     *hub.Hub
	session *sensor.Session
	loop    *capture.Loop
	url     string
}

func newTestServer(t *testing.T, maxConns int) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	session := sensor.NewSession(sensor.NewSimDriver(sensor.SimD435i()), sensor.WithLogger(logger))
	store := capture.NewStore()
	loop := capture.NewLoop(session, store, capture.Config{CaptureTimeout: 100 * time.Millisecond, Logger: logger})

	hcfg := hub.DefaultConfig()
	hcfg.MaxConnections = maxConns
	hcfg.BroadcastRate = 100
	hcfg.Logger = logger
	h := hub.New(store, nopEncoder{}, hcfg)

	rcfg := router.DefaultConfig()
	rcfg.Stream = sensor.StreamConfig{EnableColor: true, EnableDepth: true, EnableIMU: true, Width: 16, Height: 12, FPS: 60}
	rcfg.Logger = logger
	r := router.New(context.Background(), session, loop, store, h, rcfg)

	srv := New(h, r, store, Config{Version: "test", Logger: logger})
	return &testServer{srv: srv, hub: h, session: session, loop: loop}
}

// listen serves on a loopback port and tears everything down with the test.
func (ts *testServer) listen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go ts.srv.Serve(ln)
	ts.hub.Start(context.Background())
	ts.url = "ws://" + ln.Addr().String()

	t.Cleanup(func() {
		ts.hub.Stop(time.Second)
		ts.hub.CloseAll()
		ts.loop.Stop(time.Second)
		ts.session.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ts.srv.Shutdown(ctx)
	})
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url+path, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, command string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"command": command}); err != nil {
		t.Fatalf("write %s: %v", command, err)
	}
}

// recv reads the next message of the given type, skipping others.
func recv(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		m, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("bad message %s: %v", data, err)
		}
		if m.Type() == want {
			return m
		}
	}
}

func TestHTTP_Health(t *testing.T) {
	ts := newTestServer(t, 10)
	resp, err := ts.srv.App().Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHTTP_StatusAndMetrics(t *testing.T) {
	ts := newTestServer(t, 10)

	resp, err := ts.srv.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatal(err)
	}
	var st protocol.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.DeviceConnected || st.TransmissionConfig.CompressionQuality != 80 {
		t.Errorf("status = %+v", st)
	}

	resp, err = ts.srv.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"# TYPE depthlink_clients gauge",
		"depthlink_clients 0",
		"depthlink_frames_dropped_total 0",
		"depthlink_device_streaming 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHTTP_PlainRequestToWebSocketEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)
	resp, err := ts.srv.App().Test(httptest.NewRequest("GET", "/ws", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 426 {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}

	resp, err = ts.srv.App().Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("GET / status = %d, want 200", resp.StatusCode)
	}
}

func TestWS_PingAndStream(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.listen(t)
	conn := ts.dial(t, "/ws")

	send(t, conn, "ping")
	recv(t, conn, protocol.TypePong)

	send(t, conn, "start_streaming")
	recv(t, conn, protocol.TypeSuccess)

	f := recv(t, conn, protocol.TypeFrameData).(*protocol.Frame)
	if f.Color == nil || f.Depth == nil {
		t.Errorf("frame = %+v, want color and depth", f)
	}
	if f.Depth != nil && f.Depth.DepthScale != 0.001 {
		t.Errorf("depth_scale = %v", f.Depth.DepthScale)
	}

	send(t, conn, "stop_streaming")
	recv(t, conn, protocol.TypeSuccess)
	if ts.session.Streaming() {
		t.Error("device still streaming after stop")
	}
}

func TestWS_RootPathCompatibility(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.listen(t)
	conn := ts.dial(t, "/")

	send(t, conn, "get_status")
	st := recv(t, conn, protocol.TypeStatus).(*protocol.Status)
	if st.ClientsConnected != 1 {
		t.Errorf("clients_connected = %d, want 1", st.ClientsConnected)
	}
}

func TestWS_ChannelsQuery(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.listen(t)
	conn := ts.dial(t, "/ws?channels=imu")

	send(t, conn, "start_streaming")
	recv(t, conn, protocol.TypeSuccess)

	// The first frames may predate the first motion sample.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f := recv(t, conn, protocol.TypeFrameData).(*protocol.Frame)
		if f.Color != nil || f.Depth != nil {
			t.Fatalf("imu-only client got images: %+v", f)
		}
		if f.IMU != nil {
			return
		}
	}
	t.Fatal("no imu payload")
}

func TestWS_CapacityExceeded(t *testing.T) {
	ts := newTestServer(t, 1)
	ts.listen(t)
	ts.dial(t, "/ws")

	// Registration happens in the handler; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	extra := ts.dial(t, "/ws")
	e := recv(t, extra, protocol.TypeError).(*protocol.Error)
	if e.Code != protocol.CodeCapacityExceeded {
		t.Errorf("code = %s, want capacity_exceeded", e.Code)
	}
	_, _, err := extra.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read after reject = %v, want close 1008", err)
	}
	if n := ts.hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestWS_StopAccepting(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.listen(t)
	ts.srv.StopAccepting()

	_, resp, err := websocket.DefaultDialer.Dial(ts.url+"/ws", nil)
	if err == nil {
		t.Fatal("Dial() succeeded after StopAccepting")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Errorf("response = %v, want 503", resp)
	}
}

func TestWS_DisconnectStopsDevice(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.listen(t)
	conn := ts.dial(t, "/ws")

	send(t, conn, "start_streaming")
	recv(t, conn, protocol.TypeSuccess)
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for ts.session.Streaming() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ts.session.Streaming() {
		t.Error("device still streaming after the only streamer disconnected")
	}
}
