package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mewamew/voice-input/internal/app"
	"github.com/mewamew/voice-input/internal/capture"
	paDevice "github.com/mewamew/voice-input/internal/capture/portaudio"
	"github.com/mewamew/voice-input/internal/config"
	"github.com/mewamew/voice-input/internal/metrics"
	"github.com/mewamew/voice-input/internal/server"
	"github.com/mewamew/voice-input/internal/session"
	"github.com/mewamew/voice-input/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-input"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("recognition_url", cfg.Recognition.URL),
		slog.String("model", cfg.Recognition.Model),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("max_duration", cfg.Recording.MaxDuration),
		slog.Float64("silence_timeout", cfg.Recording.SilenceTimeout),
		slog.Float64("vad_threshold", float64(cfg.Recording.VADThreshold)),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Initialize the audio backend
	if err := paDevice.Initialize(); err != nil {
		logger.Error("Failed to initialize audio backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := paDevice.Terminate(); err != nil {
			logger.Error("Failed to terminate audio backend", slog.String("error", err.Error()))
		}
	}()

	device, err := paDevice.NewDevice(cfg.Audio.SampleRate, cfg.Audio.FrameSize, logger)
	if err != nil {
		logger.Error("Failed to create input device", slog.String("error", err.Error()))
		os.Exit(1)
	}

	detector, err := vad.NewDetector(cfg.Recording.VADThreshold, cfg.Recording.VADWindowSize, cfg.Audio.SampleRate)
	if err != nil {
		logger.Error("Failed to create voice detector", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recorder, err := capture.NewRecorder(device, detector, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Each utterance gets a fresh session against the recognition service
	factory := func(cb session.Callbacks) (app.RecognitionSession, error) {
		sess, err := session.New(session.DialWebSocket, sessionConfig(cfg), cb, logger, appMetrics)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	// The sink prints transcripts to stdout; text injection is handled by
	// whatever consumes it.
	sink := func(text string) {
		fmt.Println(text)
	}

	orchestrator, err := app.New(recorder, factory, sink, app.Options{
		MaxDuration:    cfg.Recording.GetMaxDuration(),
		SilenceTimeout: cfg.Recording.GetSilenceTimeout(),
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create orchestrator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Pipeline initialized")

	// Initialize HTTP monitoring server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg,
			func() any { return orchestrator.Status() }, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("HTTP monitoring server started",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Every line on stdin toggles recording
	g.Go(func() error {
		logger.Info("Ready: press Enter to start and stop recording")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			orchestrator.Toggle()
		}
		return scanner.Err()
	})

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		logger.Error("Run loop failed", slog.String("error", err.Error()))
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Finish any utterance still in flight so its audio is not lost.
	orchestrator.Shutdown(shutdownCtx)

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	status := orchestrator.Status()
	logger.Info("Final statistics",
		slog.Uint64("utterances", status.Utterances),
		slog.String("state", status.State),
	)

	logger.Info("Service stopped")
}

// sessionConfig maps the YAML configuration onto session parameters.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Dial: session.DialConfig{
			URL:        cfg.Recognition.URL,
			AppKey:     cfg.Recognition.AppKey,
			AccessKey:  cfg.Recognition.AccessKey,
			ResourceID: cfg.Recognition.ResourceID,
		},
		UID:                 cfg.Recognition.UID,
		Model:               cfg.Recognition.Model,
		EnablePunctuation:   cfg.Recognition.EnablePunctuation,
		EnableNormalization: cfg.Recognition.EnableNormalization,
		SampleRate:          cfg.Audio.SampleRate,
		BitDepth:            cfg.Audio.BitDepth,
		Channels:            cfg.Audio.Channels,
		ChunkBytes:          cfg.Session.GetChunkBytes(cfg.Audio.SampleRate, cfg.Audio.BitDepth, cfg.Audio.Channels),
		BufferChunks:        cfg.Session.BufferChunks,
		PollInterval:        cfg.Session.GetPollInterval(),
		ReadTimeout:         cfg.Session.GetReadTimeout(),
		ReadGrace:           cfg.Session.GetReadGrace(),
		StopWait:            cfg.Session.GetStopWait(),
		ForceCloseWait:      cfg.Session.GetForceCloseWait(),
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
