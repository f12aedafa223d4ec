package devserver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// DefaultWSPath is where the streaming endpoint is mounted.
const DefaultWSPath = "/ws"

const shutdownTimeout = 5 * time.Second

// ServerConfig configures the dev server.
type ServerConfig struct {
	// WSPath is the WebSocket mount point. Defaults to DefaultWSPath.
	WSPath string
	// JWTSecret enables credential verification. Empty accepts any
	// non-empty bearer token and assigns a generated user id.
	JWTSecret string
	Hub       *Hub
	Engine    *Engine
	Logger    *slog.Logger
	Metrics   *metrics.ServerMetrics
	// Registry backs the /metrics endpoint. Nil falls back to the default
	// Prometheus registry.
	Registry *prometheus.Registry
	// StatsSources contributes extra sections to /stats, keyed by name.
	StatsSources map[string]func() interface{}
}

// Server is the reference service: WebSocket streaming endpoint plus
// health, stats and metrics surfaces on one fiber app.
type Server struct {
	app       *fiber.App
	hub       *Hub
	engine    *Engine
	logger    *slog.Logger
	metrics   *metrics.ServerMetrics
	jwtSecret string
	wsPath    string
	sources   map[string]func() interface{}
	started   time.Time
}

// New assembles the fiber app with its routes. Call Listen or Serve to
// start accepting connections.
func New(config ServerConfig) (*Server, error) {
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.WSPath == "" {
		config.WSPath = DefaultWSPath
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		hub:       config.Hub,
		engine:    config.Engine,
		logger:    config.Logger,
		metrics:   config.Metrics,
		jwtSecret: config.JWTSecret,
		wsPath:    config.WSPath,
		sources:   config.StatsSources,
		started:   time.Now(),
	}

	metricsHandler := promhttp.Handler()
	if config.Registry != nil {
		metricsHandler = promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadBufferSize:        8192,
	})
	app.Use(s.wsPath, s.requireUpgrade)
	app.Get(s.wsPath, websocket.New(s.handleSocket))
	app.Get("/healthz", s.handleHealth)
	app.Get("/stats", s.handleStats)
	app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))

	s.app = app
	return s, nil
}

// Listen serves on the given address until Shutdown.
func (s *Server) Listen(address string) error {
	s.logger.Info("dev server listening",
		slog.String("address", address),
		slog.String("ws_path", s.wsPath))
	return s.app.Listen(address)
}

// Serve accepts connections from an existing listener. Tests use this with
// an ephemeral port.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the hub janitor, releases engine streams and closes the
// listener, bounded so lingering WebSocket connections cannot hang it.
func (s *Server) Shutdown() error {
	s.hub.Stop()
	s.engine.Stop()
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

// requireUpgrade gates the streaming endpoint: WebSocket upgrades with a
// credential pass through, everything else is refused before the upgrade.
func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := bearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		s.logger.Warn("rejecting upgrade without credential", slog.String("remote", c.IP()))
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	c.Locals("token", token)
	return c.Next()
}

// handleSocket owns one connection from handshake to teardown.
func (s *Server) handleSocket(conn *websocket.Conn) {
	defer conn.Close()

	token, _ := conn.Locals("token").(string)
	userID, err := s.authenticate(token)

	peer := newPeer(userID, conn, s.logger)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		s.logger.Warn("rejecting credential", slog.String("error", err.Error()))
		peer.Send(protocol.EventConnectionError, protocol.ConnectionErrorPayload{
			Message: "credential rejected",
			Code:    "invalid_token",
		})
		return
	}

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	s.logger.Info("connection established", slog.String("user_id", userID))
	defer func() {
		s.hub.Disconnect(peer)
		s.engine.ReleaseMember(peer)
		if s.metrics != nil {
			s.metrics.RecordConnectionClosed()
		}
		s.logger.Info("connection closed", slog.String("user_id", userID))
	}()

	if err := peer.Send(protocol.EventConnectionSuccess, protocol.ConnectionSuccessPayload{
		Message:   "authenticated",
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	s.readLoop(peer, conn)
}

// readLoop dispatches inbound envelopes until the connection dies. Each
// envelope that carries an id is acknowledged before it is processed.
func (s *Server) readLoop(peer *Peer, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("ignoring non-text message", slog.String("user_id", peer.UserID()))
			continue
		}

		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			s.logger.Warn("discarding unparseable message",
				slog.String("user_id", peer.UserID()),
				slog.String("error", perr.Error()))
			continue
		}
		if env.ID != 0 {
			peer.SendAck(env.ID)
		}
		if env.Event == protocol.EventAck {
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordEventHandled(env.Event.String())
		}
		s.dispatch(peer, env)
	}
}

func (s *Server) dispatch(peer *Peer, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventSessionJoin:
		s.handleJoin(peer, env)
	case protocol.EventSessionLeave:
		s.handleLeave(peer)
	case protocol.EventSessionStatus:
		s.handleStatus(peer, env)
	case protocol.EventAudioStream:
		s.handleAudio(peer, env)
	case protocol.EventTranscriptionRequest:
		s.handleTranscriptionRequest(peer, env)
	default:
		s.logger.Warn("ignoring unsupported event",
			slog.String("event", env.Event.String()),
			slog.String("user_id", peer.UserID()))
	}
}

func (s *Server) handleJoin(peer *Peer, env *protocol.Envelope) {
	var p protocol.SessionJoinPayload
	if err := env.DecodePayload(&p); err != nil {
		peer.Send(protocol.EventSessionError, protocol.SessionErrorPayload{Message: err.Error()})
		return
	}

	stats, err := s.hub.Join(peer, p.SessionID)
	if err != nil {
		peer.Send(protocol.EventSessionError, protocol.SessionErrorPayload{Message: err.Error()})
		return
	}
	peer.Send(protocol.EventSessionJoined, protocol.SessionJoinedPayload{
		SessionID: p.SessionID,
		Stats:     stats,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleLeave(peer *Peer) {
	sessionID, err := s.hub.Leave(peer)
	if err != nil {
		peer.Send(protocol.EventSessionError, protocol.SessionErrorPayload{Message: err.Error()})
		return
	}
	peer.Send(protocol.EventSessionLeft, protocol.SessionLeftPayload{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleStatus(peer *Peer, env *protocol.Envelope) {
	var p protocol.SessionStatusPayload
	if err := env.DecodePayload(&p); err != nil {
		peer.Send(protocol.EventSessionError, protocol.SessionErrorPayload{Message: err.Error()})
		return
	}
	if err := s.hub.UpdateStatus(peer, p.Status); err != nil {
		peer.Send(protocol.EventSessionError, protocol.SessionErrorPayload{Message: err.Error()})
	}
}

func (s *Server) handleAudio(peer *Peer, env *protocol.Envelope) {
	var p protocol.AudioStreamPayload
	if err := env.DecodePayload(&p); err != nil {
		peer.Send(protocol.EventAudioError, protocol.AudioErrorPayload{
			Message: fmt.Sprintf("malformed audio frame: %v", err),
		})
		return
	}
	s.hub.RelayAudio(peer, &p)
	s.engine.HandleFrame(peer, s.sessionEmit(peer), &p)
}

func (s *Server) handleTranscriptionRequest(peer *Peer, env *protocol.Envelope) {
	var p protocol.TranscriptionRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		peer.Send(protocol.EventTranscriptionError, protocol.TranscriptionErrorPayload{
			Message: fmt.Sprintf("malformed transcription request: %v", err),
		})
		return
	}
	s.engine.HandleRequest(peer, &p)
}

// sessionEmit delivers engine events to the member's whole session so every
// participant sees the same transcript; a sessionless member gets them
// alone.
func (s *Server) sessionEmit(peer *Peer) EmitFunc {
	return func(event protocol.Event, payload interface{}) {
		if !s.hub.Broadcast(peer, event, payload) {
			peer.Send(event, payload)
		}
	}
}

// authenticate resolves the credential to a user id: JWT subject when a
// secret is configured, a generated id otherwise.
func (s *Server) authenticate(token string) (string, error) {
	if s.jwtSecret != "" {
		return VerifyToken(s.jwtSecret, token)
	}
	if token == "" {
		return "", fmt.Errorf("credential is required")
	}
	return uuid.NewString(), nil
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	response := fiber.Map{
		"timestamp": time.Now().UnixMilli(),
		"hub":       s.hub.GetStats(),
		"engine":    s.engine.GetStats(),
	}
	for name, source := range s.sources {
		response[name] = source()
	}
	return c.JSON(response)
}
