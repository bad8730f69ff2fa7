package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/streamscribe/caption-gateway/internal/asr"
	"github.com/streamscribe/caption-gateway/internal/capture"
	"github.com/streamscribe/caption-gateway/internal/config"
	"github.com/streamscribe/caption-gateway/internal/events"
	"github.com/streamscribe/caption-gateway/internal/observability"
	"github.com/streamscribe/caption-gateway/internal/pipeline"
	"github.com/streamscribe/caption-gateway/internal/resilience"
	"github.com/streamscribe/caption-gateway/internal/textproc"
	"github.com/streamscribe/caption-gateway/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("asr_provider", cfg.ASRProvider).
		Str("profile", cfg.DefaultProfile).
		Str("output_mode", cfg.OutputMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Caption Gateway Service starting")

	// Broadcast resolution: direct media URLs unless an external resolver
	// is configured
	var resolver capture.Resolver = capture.DirectResolver{}
	if cfg.ResolverURL != "" {
		resolver = capture.NewHTTPResolver(cfg.ResolverURL)
		logger.Info().Str("resolver_url", cfg.ResolverURL).Msg("Using external broadcast resolver")
	}
	captureMgr := capture.NewManager(
		resolver,
		cfg.FFmpegPath,
		time.Duration(cfg.CaptureStopTimeout)*time.Second,
		logger,
	)

	// Recognition engine lifecycle
	engines := asr.NewManager(engineFactory(cfg, logger), cfg.ModelCacheDir, logger)

	// Event fan-out
	registry := events.NewRegistry(logger)

	hub := transport.NewHub(logger)
	registry.SubscribeTranscripts("websocket", hub)
	registry.SubscribeLevels("websocket", hub)

	kafkaSink := events.NewKafkaSink(events.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		TopicPartial: cfg.KafkaTopicPartial,
		TopicFinal:   cfg.KafkaTopicFinal,
	}, logger)
	queuedKafka := events.NewQueuedTranscripts("kafka", 256, kafkaSink)
	registry.SubscribeTranscripts("kafka", queuedKafka)

	// Transcript persistence is owned by the pipeline service: it opens
	// the writer per session and the advanced endpoint can toggle it.
	if cfg.PersistEnabled {
		logger.Info().Str("root", cfg.PersistRoot).Msg("Transcript persistence enabled")
	}

	// Hotword corrections from the side file
	hotwords := textproc.NewCorrector(nil, cfg.HotwordRulesPath)
	if err := hotwords.Load(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.HotwordRulesPath).Msg("Failed to load hotword rules")
	}

	svc := pipeline.NewService(cfg, captureMgr, engines, registry, hotwords, nil, logger)

	// Warm the configured engine so the first session does not pay the
	// initialization cost
	svc.Preload(context.Background(), "")

	api := &apiServer{svc: svc, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", api.handleStart)
	mux.HandleFunc("/api/stop", api.handleStop)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/profile", api.handleProfile)
	mux.HandleFunc("/api/advanced", api.handleAdvanced)
	mux.HandleFunc("/api/hotwords", api.handleHotwords)
	mux.HandleFunc("/api/preload", api.handlePreload)
	mux.HandleFunc("/api/model-cache", api.handleModels)

	// Live caption stream for viewers
	mux.Handle("/live", hub)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	ffmpegCheck := func(ctx context.Context) (bool, error) {
		if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
			return false, fmt.Errorf("capture binary not found: %w", err)
		}
		return true, nil
	}
	engineCheck := func(ctx context.Context) (bool, error) {
		if _, ok := engines.Loaded(); ok {
			return true, nil
		}
		if len(engines.Busy()) > 0 {
			return false, fmt.Errorf("engine still loading")
		}
		return false, fmt.Errorf("no engine loaded")
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.Check{Name: "ffmpeg", Fn: ffmpegCheck},
		observability.Check{Name: "engine", Fn: engineCheck},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No write timeout: /live holds
	// long-lived WebSocket connections.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/live", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	if err := svc.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Error stopping capture session")
	}
	hub.CloseAll()
	queuedKafka.Close()
	if err := kafkaSink.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing Kafka sink")
	}
	if err := engines.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing recognition engine")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// engineFactory builds recognition engines for the configured provider.
func engineFactory(cfg *config.Config, logger zerolog.Logger) asr.Factory {
	return func(ctx context.Context, id asr.Identity) (asr.Engine, error) {
		switch id.Provider {
		case "deepgram":
			return asr.NewDeepgramEngine(asr.DeepgramOptions{
				APIKey:   cfg.DeepgramAPIKey,
				Model:    id.Model,
				Language: id.Language,
				Timeout:  time.Duration(cfg.ASRTimeout) * time.Second,
				Breaker: resilience.NewBreaker(
					"deepgram",
					cfg.CircuitBreakerMaxFailures,
					time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
				),
				Retry: &resilience.RetryConfig{
					MaxAttempts:       cfg.RetryMaxAttempts,
					InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
					MaxBackoff:        5 * time.Second,
					BackoffMultiplier: 2.0,
				},
				Log: logger,
			})
		case "google":
			return asr.NewGoogleEngine(ctx, id.Language)
		case "mock":
			return asr.NewMockEngine(), nil
		default:
			return nil, fmt.Errorf("unknown ASR provider %q", id.Provider)
		}
	}
}
