package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/segcam/internal/capture"
	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/handlers"
	"github.com/Brownie44l1/segcam/internal/pipeline"
	"github.com/Brownie44l1/segcam/internal/sink"
	"github.com/Brownie44l1/segcam/internal/stats"
	"github.com/Brownie44l1/segcam/internal/telemetry"
	"github.com/Brownie44l1/segcam/internal/viewer"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	device := flag.Int("device", 0, "Camera index, /dev/video<N>")
	skip := flag.Uint("skip", 0, "Run the model every N frames, 0 for every frame")
	addr := flag.String("addr", "", "Preview and API listen address")
	modelPath := flag.String("model", "", "Path to the ONNX model")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listDevices := flag.Bool("list-devices", false, "List cameras and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if *listDevices {
		for _, d := range capture.ListDevices() {
			fmt.Printf("%s\t%s\n", d.ID, d.Label)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Capture.Device = *device
		case "skip":
			cfg.Inference.SkipInterval = uint32(*skip)
		case "addr":
			cfg.Viewer.Addr = *addr
		case "model":
			cfg.Inference.ModelPath = *modelPath
		}
	})

	slog.Info("starting segcam",
		"config", *configPath,
		"device", cfg.Capture.DevicePath(),
		"skip_interval", cfg.Inference.SkipInterval,
		"debug", *debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("segcam stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("segcam stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st := stats.New(256)

	filter, err := frame.ParseFilter(cfg.Processing.ResizeFilter)
	if err != nil {
		return err
	}

	var (
		sinks   []sink.Sink
		preview *viewer.Viewer
	)
	if cfg.Viewer.Enabled {
		preview = viewer.New(cfg.Viewer, filter, logger.With("stage", "viewer"))
		sinks = append(sinks, preview)
	}
	if cfg.Output.Enabled {
		sinks = append(sinks, sink.NewOutput(cfg.Output, logger.With("stage", "output")))
	}

	sched, err := pipeline.New(cfg, pipeline.Options{
		Sinks:  sinks,
		Stats:  st,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	runID := telemetry.NewRunID()
	var pub telemetry.Publisher
	if cfg.Telemetry.MQTT.Broker != "" {
		m, err := telemetry.DialMQTT(cfg.Telemetry.MQTT, runID, logger.With("component", "mqtt"))
		if err != nil {
			slog.Warn("stats will only be logged", "error", err)
		} else {
			pub = m
			defer m.Close()
		}
	}
	reporter := telemetry.NewReporter(st, pub, cfg.Telemetry.Interval, sched.Model(), runID,
		logger.With("component", "telemetry"))

	h := handlers.NewHandler(st, preview, sched.Model(), logger.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.Viewer.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server starting", "addr", srv.Addr, "run_id", runID)
		slog.Info("endpoints",
			"health", "GET /health",
			"stats", "GET /stats",
			"preview", "GET /",
			"stream", "GET /ws",
			"snapshot", "GET /snapshot.jpg")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
