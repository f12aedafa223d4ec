package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/udeope/Real-time-interview-sub004/internal/audio"
	"github.com/udeope/Real-time-interview-sub004/internal/config"
	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
	"github.com/udeope/Real-time-interview-sub004/internal/session"
	"github.com/udeope/Real-time-interview-sub004/internal/suggest"
	"github.com/udeope/Real-time-interview-sub004/internal/transcript"
	"github.com/udeope/Real-time-interview-sub004/internal/transport"
)

const (
	defaultConfigPath = "configs/client.yaml"
	serviceName       = "interview-client"
	serviceVersion    = "1.0.0"

	tokenEnv = "INTERVIEW_TOKEN"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	sessionID := flag.String("session", "interview-dev", "Session to join")
	token := flag.String("token", "", "Bearer credential (falls back to "+tokenEnv+")")
	synthetic := flag.Bool("synthetic", false, "Stream a synthetic tone instead of the microphone")
	flag.Parse()

	// A local .env can carry INTERVIEW_TOKEN during development.
	godotenv.Load()
	credential := *token
	if credential == "" {
		credential = os.Getenv(tokenEnv)
	}
	if credential == "" {
		credential = "dev-token"
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("url", cfg.Server.URL),
		slog.String("session_id", *sessionID),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("format", cfg.Streaming.Format),
		slog.Bool("compress", cfg.Streaming.Compress),
		slog.Bool("synthetic", *synthetic),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	clientMetrics := metrics.NewClientMetrics(registry)

	mgr, err := connection.NewManager(connection.ManagerConfig{
		URL:                  cfg.Server.URL,
		HandshakeTimeout:     cfg.Server.GetHandshakeTimeoutDuration(),
		ReconnectBase:        cfg.Server.GetReconnectBaseDuration(),
		MaxReconnectAttempts: cfg.Server.MaxReconnectAttempts,
		PingInterval:         cfg.Server.GetPingIntervalDuration(),
		Logger:               logger,
		Metrics:              clientMetrics,
	})
	if err != nil {
		logger.Error("Failed to create connection manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	coord, err := session.NewCoordinator(mgr, session.CoordinatorConfig{
		JoinTimeout: cfg.Session.GetJoinTimeoutDuration(),
		Logger:      logger,
		Metrics:     clientMetrics,
	})
	if err != nil {
		logger.Error("Failed to create session coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	agg, err := transcript.NewAggregator(mgr, transcript.AggregatorConfig{
		RequestTimeout:  cfg.Transcription.GetRequestTimeoutDuration(),
		CleanupInterval: cfg.Transcription.GetCleanupIntervalDuration(),
		Logger:          logger,
		Metrics:         clientMetrics,
	})
	if err != nil {
		logger.Error("Failed to create transcript aggregator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	relay, err := suggest.NewRelay(mgr, agg, suggest.RelayConfig{Logger: logger})
	if err != nil {
		logger.Error("Failed to create suggestion relay", slog.String("error", err.Error()))
		os.Exit(1)
	}
	streamer, err := transport.NewStreamer(mgr, transport.StreamerConfig{
		FlushBytes:    cfg.Streaming.FlushBytes,
		FlushInterval: cfg.Streaming.GetFlushInterval(),
		Logger:        logger,
		Metrics:       clientMetrics,
	})
	if err != nil {
		logger.Error("Failed to create streamer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Print what matters to the person in the interview: finals and the
	// suggestions they prompt.
	mgr.On(protocol.EventTranscriptionResult, func(env *protocol.Envelope) {
		var result protocol.TranscriptionResultPayload
		if err := env.DecodePayload(&result); err != nil || result.Status != protocol.ResultFinal {
			return
		}
		fmt.Printf("\n>> %s  (%.0f%%)\n", result.Text, result.Confidence*100)
	})
	mgr.On(protocol.EventResponseSuggestions, func(env *protocol.Envelope) {
		var batch protocol.ResponseSuggestionsPayload
		if err := env.DecodePayload(&batch); err != nil {
			return
		}
		for i, s := range batch.Responses {
			fmt.Printf("   [%d] (%s, ~%ds) %s\n", i+1, s.Structure, s.EstimatedDuration, s.Content)
		}
	})

	// Membership does not survive a reconnect; re-join when a later
	// handshake succeeds.
	var joined atomic.Bool
	mgr.On(protocol.EventConnectionSuccess, func(env *protocol.Envelope) {
		if !joined.Load() || coord.IsJoined() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.GetJoinTimeoutDuration())
			defer cancel()
			if _, err := coord.Join(ctx, *sessionID); err != nil {
				logger.Error("Failed to rejoin session after reconnect", slog.String("error", err.Error()))
			} else {
				logger.Info("Rejoined session after reconnect", slog.String("session_id", *sessionID))
			}
		}()
	})

	go func() {
		for err := range mgr.Errors() {
			logger.Warn("Connection error", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Server.GetHandshakeTimeoutDuration())
	err = mgr.Connect(connectCtx, credential)
	connectCancel()
	if err != nil {
		logger.Error("Failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Connected", slog.String("user_id", mgr.UserID()))

	joinCtx, joinCancel := context.WithTimeout(ctx, cfg.Session.GetJoinTimeoutDuration())
	info, err := coord.Join(joinCtx, *sessionID)
	joinCancel()
	if err != nil {
		logger.Error("Failed to join session", slog.String("error", err.Error()))
		os.Exit(1)
	}
	joined.Store(true)
	logger.Info("Joined session",
		slog.String("session_id", info.SessionID),
		slog.Int("members", info.MemberCount))

	var source audio.Source
	if *synthetic {
		source, err = audio.NewSyntheticSource(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.GetChunkDuration())
	} else {
		source, err = newMicSource(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.GetChunkDuration())
	}
	if err != nil {
		logger.Error("Failed to create audio source", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := streamer.StartStreaming(audio.EncoderConfig{
		Format:     cfg.Streaming.Format,
		Compress:   cfg.Streaming.Compress,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}); err != nil {
		logger.Error("Failed to start streaming", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := coord.UpdateStatus(protocol.StatusRecording, "streaming audio"); err != nil {
		logger.Warn("Failed to report status", slog.String("error", err.Error()))
	}

	if err := source.Start(ctx); err != nil {
		logger.Error("Failed to start audio source", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go func() {
		for chunk := range source.Chunks() {
			if err := streamer.StreamChunk(chunk); err != nil {
				logger.Warn("Failed to stream chunk", slog.String("error", err.Error()))
			}
		}
	}()

	var statsServer *metrics.StatsServer
	if cfg.Metrics.Enabled {
		statsServer = metrics.NewStatsServer(metrics.StatsServerConfig{
			ListenAddr: cfg.Metrics.ListenAddr,
		}, logger, registry, map[string]func() interface{}{
			"connection": func() interface{} { return mgr.GetStats() },
			"session":    func() interface{} { return coord.GetStats() },
			"streaming":  func() interface{} { return streamer.GetStats() },
			"transcript": func() interface{} { return agg.GetStats() },
			"suggest":    func() interface{} { return relay.GetStats() },
		})
		statsServer.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	logger.Info("Streaming, press Ctrl+C to stop...")
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")
	cancel()
	if err := source.Stop(); err != nil {
		logger.Warn("Error stopping audio source", slog.String("error", err.Error()))
	}
	if err := streamer.StopStreaming(); err != nil {
		logger.Warn("Error stopping streamer", slog.String("error", err.Error()))
	}
	if err := coord.UpdateStatus(protocol.StatusIdle, "wrapping up"); err != nil {
		logger.Warn("Failed to report status", slog.String("error", err.Error()))
	}
	if err := coord.Leave(); err != nil {
		logger.Warn("Error leaving session", slog.String("error", err.Error()))
	}
	agg.Close()
	mgr.Disconnect()
	if statsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		statsServer.Stop(shutdownCtx)
		shutdownCancel()
	}

	connStats := mgr.GetStats()
	streamStats := streamer.GetStats()
	logger.Info("Final client statistics",
		slog.Uint64("frames_sent", streamStats.FramesSent),
		slog.Uint64("bytes_sent", streamStats.BytesSent),
		slog.Float64("send_latency_ms", streamStats.SendLatencyMs),
		slog.Uint64("events_received", connStats.EventsReceived),
		slog.Uint64("reconnects", connStats.Reconnects),
		slog.Int("turns", agg.Turns()),
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
