package devserver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// Hub defaults.
const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = 30 * time.Second
)

// Member is one connected participant as the hub sees it.
type Member interface {
	UserID() string
	Send(event protocol.Event, payload interface{}) error
}

// session is the server-side record of one interview session. An emptied
// session lingers until the idle timeout so a quick rejoin keeps its
// creation time.
type session struct {
	id           string
	status       protocol.Status
	createdAt    time.Time
	lastActivity time.Time
	members      map[Member]struct{}
}

// HubConfig configures a session hub.
type HubConfig struct {
	// IdleTimeout evicts sessions that have had no members and no activity
	// for this long.
	IdleTimeout time.Duration
	// CleanupInterval is how often the janitor sweeps idle sessions.
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.ServerMetrics
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	ActiveSessions  int    `json:"active_sessions"`
	ActiveMembers   int    `json:"active_members"`
	JoinsTotal      uint64 `json:"joins_total"`
	LeavesTotal     uint64 `json:"leaves_total"`
	FramesRelayed   uint64 `json:"frames_relayed"`
	SessionsEvicted uint64 `json:"sessions_evicted"`
}

// Hub owns every session and its membership. All membership mutation goes
// through the hub so presence broadcasts can never diverge from the
// authoritative member sets.
type Hub struct {
	logger      *slog.Logger
	metrics     *metrics.ServerMetrics
	idleTimeout time.Duration

	mu         sync.RWMutex
	sessions   map[string]*session
	membership map[Member]string

	joins         uint64
	leaves        uint64
	framesRelayed uint64
	evicted       uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub and starts its cleanup janitor. Call Stop to stop
// the janitor.
func NewHub(config HubConfig) *Hub {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	h := &Hub{
		logger:      config.Logger,
		metrics:     config.Metrics,
		idleTimeout: config.IdleTimeout,
		sessions:    make(map[string]*session),
		membership:  make(map[Member]string),
		done:        make(chan struct{}),
	}
	go h.janitor(config.CleanupInterval)
	return h
}

// Stop halts the cleanup janitor. Sessions stay readable.
func (h *Hub) Stop() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Join adds m to the session, creating the session on first join. The
// joiner gets the session stats back; every member already there observes
// a user:joined.
func (h *Hub) Join(m Member, sessionID string) (*protocol.SessionStats, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	now := time.Now()
	h.mu.Lock()
	if current, ok := h.membership[m]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("already in session %s", current)
	}
	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &session{
			id:        sessionID,
			status:    protocol.StatusIdle,
			createdAt: now,
			members:   make(map[Member]struct{}),
		}
		h.sessions[sessionID] = sess
	}
	for existing := range sess.members {
		if existing.UserID() == m.UserID() {
			h.mu.Unlock()
			return nil, fmt.Errorf("user %s is already a member of session %s", m.UserID(), sessionID)
		}
	}
	sess.members[m] = struct{}{}
	sess.lastActivity = now
	h.membership[m] = sessionID
	h.joins++
	stats := &protocol.SessionStats{
		MemberCount:  len(sess.members),
		CreatedAt:    sess.createdAt.UnixMilli(),
		LastActivity: sess.lastActivity.UnixMilli(),
	}
	others := othersLocked(sess, m)
	active := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSessions(active)
	}
	h.logger.Info("member joined session",
		slog.String("session_id", sessionID),
		slog.String("user_id", m.UserID()),
		slog.Int("members", stats.MemberCount))
	h.fanout(others, protocol.EventUserJoined, protocol.UserPresencePayload{
		UserID:    m.UserID(),
		Timestamp: now.UnixMilli(),
	})
	return stats, nil
}

// Leave removes m from its session in response to an explicit leave. The
// remaining members observe a user:left.
func (h *Hub) Leave(m Member) (string, error) {
	return h.remove(m, protocol.EventUserLeft)
}

// Disconnect removes m from its session after its connection died. The
// remaining members observe a user:disconnected. A member with no session
// is a no-op.
func (h *Hub) Disconnect(m Member) {
	h.remove(m, protocol.EventUserDisconnected)
}

func (h *Hub) remove(m Member, event protocol.Event) (string, error) {
	now := time.Now()
	h.mu.Lock()
	sessionID, ok := h.membership[m]
	if !ok {
		h.mu.Unlock()
		return "", fmt.Errorf("not in a session")
	}
	delete(h.membership, m)
	var others []Member
	if sess := h.sessions[sessionID]; sess != nil {
		delete(sess.members, m)
		sess.lastActivity = now
		others = othersLocked(sess, nil)
	}
	h.leaves++
	h.mu.Unlock()

	h.logger.Info("member left session",
		slog.String("session_id", sessionID),
		slog.String("user_id", m.UserID()),
		slog.String("event", event.String()))
	h.fanout(others, event, protocol.UserPresencePayload{
		UserID:    m.UserID(),
		Timestamp: now.UnixMilli(),
	})
	return sessionID, nil
}

// UpdateStatus records the session status m reported and broadcasts it to
// the other members.
func (h *Hub) UpdateStatus(m Member, status protocol.Status) error {
	if !protocol.IsValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}

	now := time.Now()
	h.mu.Lock()
	sessionID, ok := h.membership[m]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("not in a session")
	}
	sess := h.sessions[sessionID]
	sess.status = status
	sess.lastActivity = now
	others := othersLocked(sess, m)
	h.mu.Unlock()

	h.fanout(others, protocol.EventSessionStatusUpdated, protocol.SessionStatusUpdatedPayload{
		UserID:    m.UserID(),
		Status:    status,
		Timestamp: now.UnixMilli(),
	})
	return nil
}

// RelayAudio forwards a member's frame to the rest of its session as
// audio:received and refreshes the session activity clock. A member with
// no session relays to nobody.
func (h *Hub) RelayAudio(m Member, p *protocol.AudioStreamPayload) {
	now := time.Now()
	h.mu.Lock()
	sessionID, ok := h.membership[m]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess := h.sessions[sessionID]
	sess.lastActivity = now
	others := othersLocked(sess, m)
	h.framesRelayed++
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordFrameRelayed(len(p.Data))
	}
	h.fanout(others, protocol.EventAudioReceived, protocol.AudioReceivedPayload{
		UserID:     m.UserID(),
		AudioData:  p.Data,
		Timestamp:  p.Timestamp,
		Format:     p.Format,
		SampleRate: p.SampleRate,
	})
}

// Broadcast delivers an event to every member of m's session, m included.
// It reports whether m was in a session.
func (h *Hub) Broadcast(m Member, event protocol.Event, payload interface{}) bool {
	h.mu.RLock()
	sessionID, ok := h.membership[m]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	sess := h.sessions[sessionID]
	members := make([]Member, 0, len(sess.members))
	for mem := range sess.members {
		members = append(members, mem)
	}
	h.mu.RUnlock()

	h.fanout(members, event, payload)
	return true
}

// SessionOf returns the id of the session m belongs to, or the empty
// string.
func (h *Hub) SessionOf(m Member) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.membership[m]
}

// SessionCount returns the number of live sessions, emptied ones included.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// GetStats returns a snapshot of hub counters.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ActiveSessions:  len(h.sessions),
		ActiveMembers:   len(h.membership),
		JoinsTotal:      h.joins,
		LeavesTotal:     h.leaves,
		FramesRelayed:   h.framesRelayed,
		SessionsEvicted: h.evicted,
	}
}

func (h *Hub) fanout(members []Member, event protocol.Event, payload interface{}) {
	for _, m := range members {
		if err := m.Send(event, payload); err != nil {
			h.logger.Warn("broadcast delivery failed",
				slog.String("event", event.String()),
				slog.String("user_id", m.UserID()),
				slog.String("error", err.Error()))
		}
	}
}

func (h *Hub) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.evictIdle(time.Now())
		}
	}
}

// evictIdle removes sessions that emptied out and saw no activity within
// the idle timeout.
func (h *Hub) evictIdle(now time.Time) {
	h.mu.Lock()
	var evicted []string
	for id, sess := range h.sessions {
		if len(sess.members) == 0 && now.Sub(sess.lastActivity) > h.idleTimeout {
			delete(h.sessions, id)
			h.evicted++
			evicted = append(evicted, id)
		}
	}
	active := len(h.sessions)
	h.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	if h.metrics != nil {
		h.metrics.SetActiveSessions(active)
	}
	h.logger.Info("evicted idle sessions",
		slog.Int("count", len(evicted)),
		slog.Any("session_ids", evicted))
}

func othersLocked(sess *session, except Member) []Member {
	out := make([]Member, 0, len(sess.members))
	for m := range sess.members {
		if m == except {
			continue
		}
		out = append(out, m)
	}
	return out
}
