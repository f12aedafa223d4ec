package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// State describes where the connection is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives a dispatched inbound envelope. Handlers run on the read
// goroutine in registration order and must not block.
type Handler func(env *protocol.Envelope)

// AckFunc receives the acknowledgement for a send that requested one. The
// payload carries the service's clock at receipt time.
type AckFunc func(ack protocol.AckPayload)

type registration struct {
	id int
	fn Handler
}

// ManagerConfig configures a connection manager. Zero durations and counts
// fall back to the defaults below.
type ManagerConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	Dialer               *websocket.Dialer
	Logger               *slog.Logger
	Metrics              *metrics.ClientMetrics
}

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultReconnectBase        = time.Second
	defaultMaxReconnectAttempts = 5
	defaultPingInterval         = 30 * time.Second
	defaultPongWait             = 60 * time.Second
	defaultWriteWait            = 10 * time.Second
)

// ConnectionStats is a snapshot of manager counters.
type ConnectionStats struct {
	State          string `json:"state"`
	UserID         string `json:"user_id"`
	RetryCount     int    `json:"retry_count"`
	EventsReceived uint64 `json:"events_received"`
	Reconnects     uint64 `json:"reconnects"`
	PendingAcks    int    `json:"pending_acks"`
	LastError      string `json:"last_error,omitempty"`
}

// Manager owns the WebSocket connection lifecycle. A process creates one
// manager and injects it into every component that talks to the service.
type Manager struct {
	url                  string
	handshakeTimeout     time.Duration
	reconnectBase        time.Duration
	maxReconnectAttempts int
	pingInterval         time.Duration
	pongWait             time.Duration
	writeWait            time.Duration
	dialer               *websocket.Dialer
	logger               *slog.Logger
	metrics              *metrics.ClientMetrics

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	pendingConn    *websocket.Conn
	connDone       chan struct{}
	userClosed     bool
	credential     string
	userID         string
	retryCount     int
	lastError      error
	handlers       map[protocol.Event][]registration
	nextHandlerID  int
	pendingAcks    map[uint64]AckFunc
	connectWaiters []chan error
	reconnectStop  chan struct{}
	eventsReceived uint64
	reconnects     uint64

	ackSeq   atomic.Uint64
	writeMu  sync.Mutex
	errorsCh chan error
}

// NewManager validates the configuration and returns a disconnected manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("service URL is required")
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.ReconnectBase == 0 {
		config.ReconnectBase = defaultReconnectBase
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if config.PingInterval == 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.PongWait == 0 {
		config.PongWait = defaultPongWait
	}
	if config.WriteWait == 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Manager{
		url:                  config.URL,
		handshakeTimeout:     config.HandshakeTimeout,
		reconnectBase:        config.ReconnectBase,
		maxReconnectAttempts: config.MaxReconnectAttempts,
		pingInterval:         config.PingInterval,
		pongWait:             config.PongWait,
		writeWait:            config.WriteWait,
		dialer:               config.Dialer,
		logger:               config.Logger,
		metrics:              config.Metrics,
		handlers:             make(map[protocol.Event][]registration),
		pendingAcks:          make(map[uint64]AckFunc),
		errorsCh:             make(chan error, 16),
	}, nil
}

// Connect establishes the connection and completes the credential handshake
// within the handshake window. It is idempotent: while connected it returns
// nil immediately, and while a connect or reconnect is in flight it waits
// for that attempt's outcome instead of starting another handshake.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		waiter := make(chan error, 1)
		m.connectWaiters = append(m.connectWaiters, waiter)
		m.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.state = StateConnecting
	m.userClosed = false
	m.lastError = nil
	m.mu.Unlock()

	err := m.dial(ctx, credential)
	if err != nil && !errors.Is(err, ErrClosed) {
		m.mu.Lock()
		m.state = StateDisconnected
		m.lastError = err
		m.mu.Unlock()
	}
	m.notifyWaiters(err)
	return err
}

// dial performs the WebSocket upgrade and waits for the application-level
// handshake outcome, committing the connection on success.
func (m *Manager) dial(ctx context.Context, credential string) error {
	deadline := time.Now().Add(m.handshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := m.dialer.DialContext(dialCtx, m.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return &AuthenticationError{
					Message: "credential rejected at upgrade",
					Code:    fmt.Sprintf("%d", resp.StatusCode),
				}
			}
		}
		if dialCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{Op: "handshake", Window: m.handshakeTimeout}
		}
		return fmt.Errorf("failed to dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	if m.userClosed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.pendingConn = conn
	m.mu.Unlock()

	success, successEnv, err := m.awaitHandshake(conn, deadline)

	m.mu.Lock()
	m.pendingConn = nil
	if err == nil && m.userClosed {
		err = ErrClosed
	}
	if err != nil {
		m.mu.Unlock()
		conn.Close()
		return err
	}
	m.conn = conn
	m.state = StateConnected
	m.credential = credential
	m.userID = success.UserID
	m.retryCount = 0
	m.lastError = nil
	done := make(chan struct{})
	m.connDone = done
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetConnected(true)
	}
	m.logger.Info("connected", slog.String("url", m.url), slog.String("user_id", success.UserID))

	go m.readPump(conn, done)
	go m.pingLoop(conn, done)

	// Handlers observe the handshake event like any other inbound event.
	m.dispatch(successEnv)
	return nil
}

// awaitHandshake reads until the service accepts or rejects the credential,
// bounded by the handshake deadline.
func (m *Manager) awaitHandshake(conn *websocket.Conn, deadline time.Time) (*protocol.ConnectionSuccessPayload, *protocol.Envelope, error) {
	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil, &TimeoutError{Op: "handshake", Window: m.handshakeTimeout}
			}
			m.mu.Lock()
			closed := m.userClosed
			m.mu.Unlock()
			if closed {
				return nil, nil, ErrClosed
			}
			return nil, nil, fmt.Errorf("connection closed during handshake: %w", err)
		}

		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			m.logger.Warn("discarding unparseable handshake message", slog.String("error", perr.Error()))
			continue
		}

		switch env.Event {
		case protocol.EventConnectionSuccess:
			var payload protocol.ConnectionSuccessPayload
			if err := env.DecodePayload(&payload); err != nil {
				return nil, nil, fmt.Errorf("malformed connection:success: %w", err)
			}
			return &payload, env, nil
		case protocol.EventConnectionError:
			var payload protocol.ConnectionErrorPayload
			if err := env.DecodePayload(&payload); err != nil {
				return nil, nil, fmt.Errorf("malformed connection:error: %w", err)
			}
			return nil, nil, &AuthenticationError{Message: payload.Message, Code: payload.Code}
		default:
			m.dispatch(env)
		}
	}
}

// Disconnect tears the connection down deterministically: it cancels any
// pending reconnection, fails waiting Connect calls, clears all registered
// handlers and pending acks, and resets retry state. It always succeeds and
// may be called in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	if m.reconnectStop != nil {
		close(m.reconnectStop)
		m.reconnectStop = nil
	}
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	conn := m.conn
	pending := m.pendingConn
	m.conn = nil
	m.pendingConn = nil
	m.state = StateDisconnected
	m.retryCount = 0
	m.lastError = nil
	m.handlers = make(map[protocol.Event][]registration)
	m.pendingAcks = make(map[uint64]AckFunc)
	m.mu.Unlock()

	m.notifyWaiters(ErrClosed)

	if pending != nil {
		pending.Close()
	}
	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(m.writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		m.writeMu.Unlock()
		conn.Close()
	}

	if m.metrics != nil {
		m.metrics.SetConnected(false)
	}
	m.logger.Info("disconnected")
}

// On registers a handler for an event and returns its registration id.
// Handlers fire in registration order. Unknown events are refused.
func (m *Manager) On(event protocol.Event, fn Handler) int {
	if fn == nil {
		return -1
	}
	if !protocol.IsValidEvent(event) {
		m.logger.Warn("refusing handler for unknown event", slog.String("event", event.String()))
		return -1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[event] = append(m.handlers[event], registration{id: id, fn: fn})
	return id
}

// Off removes a previously registered handler. Unknown ids are ignored.
func (m *Manager) Off(event protocol.Event, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.handlers[event]
	for i, reg := range regs {
		if reg.id == id {
			m.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Send marshals and writes one envelope. When ack is non-nil the envelope
// carries a sequence id and ack fires once the service acknowledges it.
// While not connected the send is dropped with a logged NotConnectedError;
// nothing is queued.
func (m *Manager) Send(event protocol.Event, payload interface{}, ack AckFunc) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		m.logger.Warn("dropping send while not connected", slog.String("event", event.String()))
		return &NotConnectedError{Op: fmt.Sprintf("send %s", event)}
	}
	conn := m.conn
	var id uint64
	if ack != nil {
		id = m.ackSeq.Add(1)
		m.pendingAcks[id] = ack
	}
	m.mu.Unlock()

	data, err := protocol.EncodeEnvelope(event, id, payload)
	if err != nil {
		m.dropPendingAck(id)
		return err
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.dropPendingAck(id)
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Errors returns the lifecycle error channel. Unexpected disconnects and
// terminal reconnection failures are delivered here; when nobody drains the
// channel new errors are dropped rather than blocking the connection.
func (m *Manager) Errors() <-chan error {
	return m.errorsCh
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the handshake has completed and the
// connection is live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// UserID returns the identity assigned by the service at handshake, or the
// empty string before the first successful connect.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// GetStats returns a snapshot of connection counters.
func (m *Manager) GetStats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := ConnectionStats{
		State:          m.state.String(),
		UserID:         m.userID,
		RetryCount:     m.retryCount,
		EventsReceived: m.eventsReceived,
		Reconnects:     m.reconnects,
		PendingAcks:    len(m.pendingAcks),
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}

// readPump reads envelopes until the connection dies, acknowledging and
// dispatching each one in arrival order.
func (m *Manager) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(m.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleConnectionLoss(conn, err)
			return
		}

		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			m.logger.Warn("discarding unparseable message", slog.String("error", perr.Error()))
			continue
		}

		if env.Event == protocol.EventAck {
			m.resolveAck(env)
			continue
		}
		if env.ID != 0 {
			m.sendAck(conn, env.ID)
		}
		m.dispatch(env)
	}
}

// pingLoop keeps the connection alive until done closes.
func (m *Manager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one envelope through the handler registry. Events outside
// the contract are counted and never delivered.
func (m *Manager) dispatch(env *protocol.Envelope) {
	if !protocol.IsValidEvent(env.Event) {
		m.logger.Warn("ignoring unknown event", slog.String("event", env.Event.String()))
		if m.metrics != nil {
			m.metrics.RecordUnknownEvent()
		}
		return
	}

	m.mu.Lock()
	m.eventsReceived++
	regs := make([]registration, len(m.handlers[env.Event]))
	copy(regs, m.handlers[env.Event])
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordEventReceived(env.Event.String())
	}

	for _, reg := range regs {
		m.invoke(reg, env)
	}
}

// invoke runs one handler, containing panics so the remaining handlers for
// the event still fire.
func (m *Manager) invoke(reg registration, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				slog.String("event", env.Event.String()),
				slog.Int("handler_id", reg.id),
				slog.Any("panic", r))
			if m.metrics != nil {
				m.metrics.RecordHandlerPanic(env.Event.String())
			}
		}
	}()
	reg.fn(env)
}

// resolveAck completes a pending acknowledged send.
func (m *Manager) resolveAck(env *protocol.Envelope) {
	var payload protocol.AckPayload
	if err := env.DecodePayload(&payload); err != nil {
		m.logger.Warn("malformed ack", slog.Uint64("id", env.ID), slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	cb := m.pendingAcks[env.ID]
	delete(m.pendingAcks, env.ID)
	m.mu.Unlock()

	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("ack callback panicked", slog.Uint64("id", env.ID), slog.Any("panic", r))
		}
	}()
	cb(payload)
}

// sendAck acknowledges an inbound envelope before it is processed.
func (m *Manager) sendAck(conn *websocket.Conn, id uint64) {
	data, err := protocol.EncodeEnvelope(protocol.EventAck, id, protocol.AckPayload{
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
}

// handleConnectionLoss reacts to a dead read pump: expected closes settle
// into disconnected, unexpected ones start the reconnect loop. Pending acks
// are dropped either way; their frames are lost with the connection.
func (m *Manager) handleConnectionLoss(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if conn != m.conn {
		// A newer connection already superseded this pump.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	dropped := len(m.pendingAcks)
	m.pendingAcks = make(map[uint64]AckFunc)
	if m.userClosed {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.lastError = err
	stop := make(chan struct{})
	m.reconnectStop = stop
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetConnected(false)
	}

	code, reason := closeDetails(err)
	m.logger.Warn("connection lost",
		slog.Int("close_code", code),
		slog.String("reason", reason),
		slog.Int("dropped_acks", dropped))
	m.pushError(&DisconnectError{Code: code, Reason: reason})

	go m.reconnectLoop(stop)
}

// reconnectLoop retries the handshake with exponential backoff until it
// succeeds, the attempts are exhausted, or Disconnect stops it.
func (m *Manager) reconnectLoop(stop chan struct{}) {
	var lastErr error
	for attempt := 1; attempt <= m.maxReconnectAttempts; attempt++ {
		delay := m.reconnectBase << uint(attempt-1)
		m.logger.Info("scheduling reconnect",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.userClosed {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.retryCount = attempt
		m.reconnects++
		credential := m.credential
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt()
		}

		err := m.dial(context.Background(), credential)
		if err == nil {
			m.logger.Info("reconnected", slog.Int("attempt", attempt))
			m.notifyWaiters(nil)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		lastErr = err

		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			m.terminalFailure(err)
			return
		}

		m.mu.Lock()
		m.state = StateReconnecting
		m.lastError = err
		m.mu.Unlock()
		m.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	m.terminalFailure(&ReconnectFailedError{Attempts: m.maxReconnectAttempts, LastErr: lastErr})
}

// terminalFailure settles the manager into disconnected after giving up.
func (m *Manager) terminalFailure(err error) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.retryCount = 0
	m.lastError = err
	m.reconnectStop = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordReconnectFailure()
	}
	m.logger.Error("giving up on reconnection", slog.String("error", err.Error()))
	m.pushError(err)
	m.notifyWaiters(err)
}

func (m *Manager) notifyWaiters(err error) {
	m.mu.Lock()
	waiters := m.connectWaiters
	m.connectWaiters = nil
	m.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (m *Manager) dropPendingAck(id uint64) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	delete(m.pendingAcks, id)
	m.mu.Unlock()
}

func (m *Manager) pushError(err error) {
	select {
	case m.errorsCh <- err:
	default:
		m.logger.Warn("lifecycle error channel full, dropping", slog.String("error", err.Error()))
	}
}

// closeDetails extracts the close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return 0, err.Error()
}
