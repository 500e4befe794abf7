// depthlink captures color, depth and motion data from a depth camera and
// streams it to WebSocket clients as JSON.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/teslashibe/go-depthlink/internal/config"
	"github.com/teslashibe/go-depthlink/internal/log"
	"github.com/teslashibe/go-depthlink/pkg/capture"
	"github.com/teslashibe/go-depthlink/pkg/hub"
	"github.com/teslashibe/go-depthlink/pkg/imgcodec"
	"github.com/teslashibe/go-depthlink/pkg/router"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
	"github.com/teslashibe/go-depthlink/pkg/sensor/uvc"
	"github.com/teslashibe/go-depthlink/pkg/server"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		host        string
		port        int
		driver      string
		serial      string
		preset      string
		logLevel    string
		writeConfig bool
		requestLog  bool
	)

	flagSet := pflag.NewFlagSet("depthlink", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to JSON/JSONC config file")
	flagSet.StringVar(&host, "host", "", "listen host (overrides config)")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	flagSet.StringVar(&driver, "driver", "", "capture driver: sim or uvc (overrides config)")
	flagSet.StringVar(&serial, "serial", "", "device serial to open (default: first found)")
	flagSet.StringVar(&preset, "preset", "", "stream preset: "+strings.Join(sensor.PresetNames(), ", ")+" (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&writeConfig, "write-config", false, "write the effective config to --config and exit")
	flagSet.BoolVar(&requestLog, "request-log", false, "log every HTTP request")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if driver != "" {
		cfg.Device.Driver = driver
	}
	if serial != "" {
		cfg.Device.Serial = serial
	}
	if preset != "" {
		stream, ok := sensor.Preset(preset)
		if !ok {
			return fmt.Errorf("unknown preset %q (have %s)", preset, strings.Join(sensor.PresetNames(), ", "))
		}
		cfg.Stream = stream
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if writeConfig {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", configPath)
		return nil
	}

	log.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.L()
	logger.Info("depthlink starting", "version", version, "driver", cfg.Device.Driver,
		"stream", fmt.Sprintf("%dx%d@%d", cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.FPS))

	drv, stream := newDriver(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []sensor.SessionOption{sensor.WithLogger(log.Component("sensor"))}
	if cfg.Device.Serial != "" {
		opts = append(opts, sensor.WithSerial(cfg.Device.Serial))
	}
	session := sensor.NewSession(drv, opts...)

	store := capture.NewStore()
	loop := capture.NewLoop(session, store, capture.Config{
		CaptureTimeout: cfg.Device.CaptureTimeout(),
		Logger:         log.Component("capture"),
	})

	h := hub.New(store, imgcodec.New(), hub.Config{
		MaxConnections: cfg.Server.MaxConnections,
		BroadcastRate:  cfg.Server.BroadcastRate,
		Transmission:   cfg.Transmission,
		Logger:         log.Component("hub"),
	})

	r := router.New(ctx, session, loop, store, h, router.Config{
		Stream:    stream,
		StopGrace: cfg.Device.StopGrace(),
		Logger:    log.Component("router"),
	})

	srv := server.New(h, r, store, server.Config{
		Version:    version,
		RequestLog: requestLog,
		Logger:     log.Component("server"),
	})

	h.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Listen(cfg.Server.Addr())
	}()
	logger.Info("ready",
		"websocket", fmt.Sprintf("ws://%s/ws", cfg.Server.Addr()),
		"health", fmt.Sprintf("http://%s/health", cfg.Server.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
		logger.Error("server stopped unexpectedly", "error", err)
	}

	shutdown(logger, cfg.Server.ShutdownTimeout(), srv, h, r, loop, session)
	logger.Info("goodbye")
	return runErr
}

// newDriver picks the capture backend and adjusts the stream config to
// what it can deliver.
func newDriver(cfg *config.Config, logger *slog.Logger) (sensor.Driver, sensor.StreamConfig) {
	stream := cfg.Stream
	switch cfg.Device.Driver {
	case config.DriverUVC:
		if stream.EnableDepth {
			logger.Warn("uvc driver has no depth stream, disabling depth")
			stream.EnableDepth = false
		}
		return uvc.NewDriver(), stream
	default:
		return sensor.NewSimDriver(sensor.SimD435i()), stream
	}
}

// shutdown tears down in order. Each step gets its own timeout; a step that
// times out is logged and the next one still runs.
func shutdown(logger *slog.Logger, timeout time.Duration, srv *server.Server, h *hub.Hub,
	r *router.Router, loop *capture.Loop, session *sensor.Session) {

	step := func(name string, fn func(ctx context.Context) error) {
		ctx, done := context.WithTimeout(context.Background(), timeout)
		defer done()

		errc := make(chan error, 1)
		go func() { errc <- fn(ctx) }()

		select {
		case err := <-errc:
			if err != nil {
				logger.Error("shutdown step failed", "step", name, "error", err)
				return
			}
			logger.Debug("shutdown step done", "step", name)
		case <-ctx.Done():
			logger.Error("shutdown step timed out", "step", name, "timeout", timeout)
		}
	}

	step("stop accepting", func(context.Context) error {
		srv.StopAccepting()
		r.Drain()
		return nil
	})
	step("stop broadcast", func(context.Context) error {
		return h.Stop(timeout / 2)
	})
	step("stop capture", func(context.Context) error {
		// On timeout the next step closes the device under the worker.
		return loop.Stop(timeout / 2)
	})
	step("close device", func(context.Context) error {
		return session.Close()
	})
	step("close clients", func(context.Context) error {
		h.CloseAll()
		return nil
	})
	step("stop http", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
}
