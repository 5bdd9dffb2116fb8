package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"robohead/internal/camera"
	"robohead/internal/config"
	"robohead/internal/drive"
	"robohead/internal/head"
	"robohead/internal/logging"
	"robohead/internal/pwm"
	"robohead/internal/server"
	"robohead/internal/stream"
	"robohead/internal/tracking"
	"robohead/internal/vision"
)

//go:embed web/*
var staticFiles embed.FS

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when empty)")
	listenAddr := flag.String("listen", "", "HTTP listen address, overrides server.listen")
	dev := flag.Bool("dev", false, "Use the in-memory PWM driver and the test pattern camera")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap, _ := logging.New("robohead", "info")
		bootstrap.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *dev {
		cfg.PWM.Driver = config.DriverFake
		cfg.Camera.Source = config.SourcePattern
	}

	logger, err := logging.New("robohead", cfg.Log.Level)
	if err != nil {
		bootstrap, _ := logging.New("robohead", "info")
		bootstrap.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Exiting: %v", err)
	}
}

// run wires the components, serves until SIGINT/SIGTERM and tears down in
// reverse order
func run(cfg config.Config, logger *zap.SugaredLogger) (err error) {
	drv, err := pwm.Open(cfg.PWM, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, drv.Close()) }()

	h, err := head.FromConfig(cfg.Head, drv, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, h.Close()) }()

	detector, err := vision.FromConfig(cfg.Tracking.Detector)
	if err != nil {
		return err
	}
	tracker, err := tracking.NewController(h, detector, tracking.Parameters{
		Gain:     cfg.Tracking.Gain,
		Deadzone: cfg.Tracking.Deadzone,
	}, logger)
	if err != nil {
		return err
	}
	tracker.SetEnabled(cfg.Tracking.Enabled)

	deps := server.Deps{Head: h, Tracker: tracker}

	if cfg.Car.Enabled {
		car, carErr := drive.FromConfig(cfg.Car, drv, logger)
		if carErr != nil {
			return carErr
		}
		defer func() { err = multierr.Append(err, car.Stop()) }()
		deps.Drive = car
	}

	src, err := camera.Open(cfg.Camera, logger)
	if err != nil {
		return err
	}
	if src != nil {
		defer func() { err = multierr.Append(err, src.Close()) }()
	}

	capturer, err := camera.NewCapturer(src, cfg.Output.Directory, cfg.Output.SaveImages, cfg.Output.JPEGQuality, nil)
	if err != nil {
		return err
	}
	deps.Capturer = capturer

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if src != nil {
		pipeline := stream.New(src, tracker, stream.Config{
			FPS:         cfg.Camera.FPS,
			JPEGQuality: cfg.Output.JPEGQuality,
			Logger:      logger,
		})
		pipeCtx, cancelPipe := context.WithCancel(ctx)
		pipeDone := make(chan struct{})
		go func() {
			defer close(pipeDone)
			if err := pipeline.Run(pipeCtx); err != nil && pipeCtx.Err() == nil {
				logger.Errorf("Stream pipeline stopped: %v", err)
			}
		}()
		// the last tracking tick finishes before the head and driver close
		defer func() {
			cancelPipe()
			<-pipeDone
		}()
		deps.Video = pipeline
	} else {
		logger.Warnf("No camera configured, video feed and tracking are unavailable")
	}

	webFS, err := fs.Sub(staticFiles, "web")
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		ICEServers:  cfg.Server.ICEServers,
		LiveRTSPURL: cfg.Live.RTSPURL,
		Logger:      logger,
	}, deps, webFS)
	if err != nil {
		return err
	}

	logger.Infow("Robot head remote",
		"listen", cfg.Server.Listen,
		"pwm", cfg.PWM.Driver,
		"camera", cfg.Camera.Source,
		"detector", cfg.Tracking.Detector.Type,
		"tracking", cfg.Tracking.Enabled,
		"car", cfg.Car.Enabled,
		"pid", os.Getpid(),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
