package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// SessionError reports that the service rejected a session operation. The
// coordinator's local state is left untouched when it is returned.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session operation rejected: %s", e.Reason)
}

// Conn is the slice of the connection manager the coordinator needs.
type Conn interface {
	On(event protocol.Event, fn connection.Handler) int
	Off(event protocol.Event, id int)
	Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error
	IsConnected() bool
	UserID() string
}

// Info summarizes the session at join time.
type Info struct {
	SessionID    string
	MemberCount  int
	CreatedAt    int64
	LastActivity int64
	JoinedAt     time.Time
}

// CoordinatorStats is a snapshot of coordinator state.
type CoordinatorStats struct {
	Joined         bool   `json:"joined"`
	SessionID      string `json:"session_id,omitempty"`
	MemberCount    int    `json:"member_count"`
	Status         string `json:"status,omitempty"`
	JoinsTotal     uint64 `json:"joins_total"`
	PresenceEvents uint64 `json:"presence_events"`
}

// CoordinatorConfig configures a session coordinator.
type CoordinatorConfig struct {
	JoinTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.ClientMetrics
}

type joinOutcome struct {
	info *Info
	err  error
}

// Coordinator owns session membership for one connection. The member set is
// mutated exclusively by its presence event handlers; membership is never
// restored automatically after a reconnect, callers re-Join explicitly.
type Coordinator struct {
	conn        Conn
	logger      *slog.Logger
	metrics     *metrics.ClientMetrics
	joinTimeout time.Duration

	mu             sync.Mutex
	joined         bool
	sessionID      string
	status         protocol.Status
	members        map[string]struct{}
	memberStatus   map[string]protocol.Status
	joinWaiter     chan joinOutcome
	joinsTotal     uint64
	presenceEvents uint64
}

// NewCoordinator wires the coordinator's handlers into the connection.
func NewCoordinator(conn Conn, config CoordinatorConfig) (*Coordinator, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if config.JoinTimeout == 0 {
		config.JoinTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Coordinator{
		conn:         conn,
		logger:       config.Logger,
		metrics:      config.Metrics,
		joinTimeout:  config.JoinTimeout,
		members:      make(map[string]struct{}),
		memberStatus: make(map[string]protocol.Status),
	}

	conn.On(protocol.EventSessionJoined, c.handleJoined)
	conn.On(protocol.EventSessionError, c.handleSessionError)
	conn.On(protocol.EventSessionLeft, c.handleLeft)
	conn.On(protocol.EventUserJoined, c.handleUserJoined)
	conn.On(protocol.EventUserLeft, c.handleUserGone)
	conn.On(protocol.EventUserDisconnected, c.handleUserGone)
	conn.On(protocol.EventSessionStatusUpdated, c.handleStatusUpdated)
	conn.On(protocol.EventConnectionSuccess, c.handleConnectionSuccess)

	return c, nil
}

// Join asks the service to add this connection to the session and waits for
// the outcome. Rejections surface as *SessionError with local state
// untouched; calling while disconnected fails with *NotConnectedError.
func (c *Coordinator) Join(ctx context.Context, sessionID string) (*Info, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !c.conn.IsConnected() {
		return nil, &connection.NotConnectedError{Op: "join session"}
	}

	c.mu.Lock()
	if c.joined {
		current := c.sessionID
		c.mu.Unlock()
		return nil, fmt.Errorf("already in session %s, leave first", current)
	}
	if c.joinWaiter != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("join already in progress")
	}
	waiter := make(chan joinOutcome, 1)
	c.joinWaiter = waiter
	c.mu.Unlock()

	if err := c.conn.Send(protocol.EventSessionJoin, protocol.SessionJoinPayload{SessionID: sessionID}, nil); err != nil {
		c.clearWaiter(waiter)
		return nil, err
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()

	select {
	case outcome := <-waiter:
		return outcome.info, outcome.err
	case <-timer.C:
		c.clearWaiter(waiter)
		return nil, &connection.TimeoutError{Op: "join session", Window: c.joinTimeout}
	case <-ctx.Done():
		c.clearWaiter(waiter)
		return nil, ctx.Err()
	}
}

// Leave clears local membership immediately and notifies the service on a
// best effort basis. It only fails when no session is joined.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return fmt.Errorf("not in a session")
	}
	sessionID := c.sessionID
	c.resetMembershipLocked()
	c.mu.Unlock()

	if err := c.conn.Send(protocol.EventSessionLeave, protocol.SessionLeavePayload{}, nil); err != nil {
		c.logger.Warn("leave notification failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	c.logger.Info("left session", slog.String("session_id", sessionID))
	c.publishMemberCount(0)
	return nil
}

// UpdateStatus reports this member's activity status to the session.
func (c *Coordinator) UpdateStatus(status protocol.Status, message string) error {
	if !protocol.IsValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return fmt.Errorf("not in a session")
	}

	err := c.conn.Send(protocol.EventSessionStatus, protocol.SessionStatusPayload{
		Status:  status,
		Message: message,
	}, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	return nil
}

// Members returns the observed member ids in sorted order.
func (c *Coordinator) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MemberStatuses returns the last reported status per member.
func (c *Coordinator) MemberStatuses() map[string]protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.Status, len(c.memberStatus))
	for id, status := range c.memberStatus {
		out[id] = status
	}
	return out
}

// IsJoined reports whether a session is currently joined.
func (c *Coordinator) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// SessionID returns the joined session id, or the empty string.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetStats returns a snapshot of coordinator state.
func (c *Coordinator) GetStats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorStats{
		Joined:         c.joined,
		SessionID:      c.sessionID,
		MemberCount:    len(c.members),
		Status:         c.status.String(),
		JoinsTotal:     c.joinsTotal,
		PresenceEvents: c.presenceEvents,
	}
}

func (c *Coordinator) handleJoined(env *protocol.Envelope) {
	var payload protocol.SessionJoinedPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.logger.Warn("malformed session:joined", slog.String("error", err.Error()))
		return
	}

	self := c.conn.UserID()

	c.mu.Lock()
	c.joined = true
	c.sessionID = payload.SessionID
	c.members = make(map[string]struct{})
	if self != "" {
		c.members[self] = struct{}{}
	}
	c.memberStatus = make(map[string]protocol.Status)
	c.joinsTotal++
	memberCount := len(c.members)

	info := &Info{
		SessionID:   payload.SessionID,
		MemberCount: memberCount,
		JoinedAt:    time.Now(),
	}
	if payload.Stats != nil {
		info.MemberCount = payload.Stats.MemberCount
		info.CreatedAt = payload.Stats.CreatedAt
		info.LastActivity = payload.Stats.LastActivity
	}
	waiter := c.joinWaiter
	c.joinWaiter = nil
	c.mu.Unlock()

	if waiter != nil {
		waiter <- joinOutcome{info: info}
	}
	c.logger.Info("joined session", slog.String("session_id", payload.SessionID))
	c.publishMemberCount(memberCount)
}

func (c *Coordinator) handleSessionError(env *protocol.Envelope) {
	var payload protocol.SessionErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.logger.Warn("malformed session:error", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	waiter := c.joinWaiter
	c.joinWaiter = nil
	c.mu.Unlock()

	if waiter != nil {
		waiter <- joinOutcome{err: &SessionError{Reason: payload.Message}}
		return
	}
	c.logger.Warn("unsolicited session error", slog.String("message", payload.Message))
}

func (c *Coordinator) handleLeft(env *protocol.Envelope) {
	var payload protocol.SessionLeftPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}

	c.mu.Lock()
	stillJoined := c.joined && c.sessionID == payload.SessionID
	if stillJoined {
		// Service-initiated removal; Leave() clears state before this lands.
		c.resetMembershipLocked()
	}
	c.mu.Unlock()

	if stillJoined {
		c.logger.Info("removed from session", slog.String("session_id", payload.SessionID))
		c.publishMemberCount(0)
	}
}

func (c *Coordinator) handleUserJoined(env *protocol.Envelope) {
	var payload protocol.UserPresencePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}

	c.mu.Lock()
	if !c.joined || payload.UserID == "" {
		c.mu.Unlock()
		return
	}
	c.members[payload.UserID] = struct{}{}
	c.presenceEvents++
	count := len(c.members)
	c.mu.Unlock()

	c.logger.Info("member joined", slog.String("user_id", payload.UserID), slog.Int("members", count))
	c.publishMemberCount(count)
}

func (c *Coordinator) handleUserGone(env *protocol.Envelope) {
	var payload protocol.UserPresencePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	delete(c.members, payload.UserID)
	delete(c.memberStatus, payload.UserID)
	c.presenceEvents++
	count := len(c.members)
	c.mu.Unlock()

	c.logger.Info("member gone",
		slog.String("user_id", payload.UserID),
		slog.String("event", env.Event.String()),
		slog.Int("members", count))
	c.publishMemberCount(count)
}

func (c *Coordinator) handleStatusUpdated(env *protocol.Envelope) {
	var payload protocol.SessionStatusUpdatedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}

	c.mu.Lock()
	if c.joined && payload.UserID != "" {
		c.memberStatus[payload.UserID] = payload.Status
	}
	c.mu.Unlock()
}

// handleConnectionSuccess runs on every completed handshake. After a
// reconnect the service no longer has this client in any session, so stale
// membership is dropped; the caller decides whether to Join again.
func (c *Coordinator) handleConnectionSuccess(env *protocol.Envelope) {
	c.mu.Lock()
	wasJoined := c.joined
	sessionID := c.sessionID
	if wasJoined {
		c.resetMembershipLocked()
	}
	c.mu.Unlock()

	if wasJoined {
		c.logger.Warn("session membership not restored after reconnect, rejoin required",
			slog.String("session_id", sessionID))
		c.publishMemberCount(0)
	}
}

func (c *Coordinator) resetMembershipLocked() {
	c.joined = false
	c.sessionID = ""
	c.status = ""
	c.members = make(map[string]struct{})
	c.memberStatus = make(map[string]protocol.Status)
}

func (c *Coordinator) clearWaiter(waiter chan joinOutcome) {
	c.mu.Lock()
	if c.joinWaiter == waiter {
		c.joinWaiter = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) publishMemberCount(count int) {
	if c.metrics != nil {
		c.metrics.SetSessionMembers(count)
	}
}
