package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/udeope/Real-time-interview-sub004/internal/config"
	"github.com/udeope/Real-time-interview-sub004/internal/devserver"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/transcription"
)

const (
	defaultConfigPath = "configs/devserver.yaml"
	serviceName       = "interview-devserver"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	mintUser := flag.String("mint", "", "Mint a bearer token for the given user id and exit")
	flag.Parse()

	// A local .env can carry INTERVIEW_JWT_SECRET during development.
	godotenv.Load()

	cfg, err := config.LoadDevServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *mintUser != "" {
		token, err := devserver.MintToken(cfg.Auth.JWTSecret, *mintUser, devserver.DefaultTokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to mint token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.String("ws_path", cfg.Server.WSPath),
		slog.Bool("auth_required", cfg.Auth.Required),
		slog.String("engine_mode", cfg.Engine.Mode),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	serverMetrics := metrics.NewServerMetrics(registry)

	hub := devserver.NewHub(devserver.HubConfig{
		IdleTimeout:     cfg.Sessions.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Sessions.GetCleanupIntervalDuration(),
		Logger:          logger,
		Metrics:         serverMetrics,
	})

	var engineClient *transcription.Client
	if cfg.Engine.Mode == devserver.ModeExternal {
		engineClient, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Engine.Endpoint,
			APIKey:        cfg.Engine.APIKey,
			Timeout:       cfg.Engine.GetTimeoutDuration(),
			MaxRetries:    cfg.Engine.MaxRetries,
			MaxConcurrent: cfg.Engine.MaxConcurrent,
		})
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer engineClient.Close()
	}

	engine, err := devserver.NewEngine(devserver.EngineConfig{
		Mode:             cfg.Engine.Mode,
		Client:           engineClient,
		PartialInterval:  cfg.Engine.GetPartialInterval(),
		UtteranceSilence: cfg.Engine.GetUtteranceSilence(),
		Logger:           logger,
		Metrics:          serverMetrics,
	})
	if err != nil {
		logger.Error("Failed to create engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sources := map[string]func() interface{}{
		"hub":    func() interface{} { return hub.GetStats() },
		"engine": func() interface{} { return engine.GetStats() },
	}
	if engineClient != nil {
		sources["transcription"] = func() interface{} { return engineClient.GetStats() }
	}

	// Verification is enforced only when auth is required; otherwise any
	// non-empty credential gets a generated user id.
	jwtSecret := ""
	if cfg.Auth.Required {
		jwtSecret = cfg.Auth.JWTSecret
	}

	srv, err := devserver.New(devserver.ServerConfig{
		WSPath:       cfg.Server.WSPath,
		JWTSecret:    jwtSecret,
		Hub:          hub,
		Engine:       engine,
		Logger:       logger,
		Metrics:      serverMetrics,
		Registry:     registry,
		StatsSources: sources,
	})
	if err != nil {
		logger.Error("Failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Server.Address)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger.Info("Starting graceful shutdown...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Error during shutdown", slog.String("error", err.Error()))
	}

	hubStats := hub.GetStats()
	engineStats := engine.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("joins_total", hubStats.JoinsTotal),
		slog.Uint64("frames_relayed", hubStats.FramesRelayed),
		slog.Uint64("utterances", engineStats.Utterances),
		slog.Uint64("finals", engineStats.Finals),
		slog.Uint64("engine_failures", engineStats.EngineFailures),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
