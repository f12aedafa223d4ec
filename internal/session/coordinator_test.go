package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

type sentEvent struct {
	event   protocol.Event
	payload interface{}
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	userID    string
	nextID    int
	handlers  map[protocol.Event][]fakeReg
	sent      []sentEvent
	sendErr   error
}

type fakeReg struct {
	id int
	fn connection.Handler
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connected: true,
		userID:    "self-1",
		handlers:  make(map[protocol.Event][]fakeReg),
	}
}

func (f *fakeConn) On(event protocol.Event, fn connection.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[event] = append(f.handlers[event], fakeReg{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *fakeConn) Off(event protocol.Event, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	regs := f.handlers[event]
	for i, reg := range regs {
		if reg.id == id {
			f.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

func (f *fakeConn) Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.connected {
		return &connection.NotConnectedError{Op: fmt.Sprintf("send %s", event)}
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeConn) emit(t *testing.T, event protocol.Event, payload interface{}) {
	t.Helper()
	data, err := protocol.EncodeEnvelope(event, 0, payload)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	f.mu.Lock()
	regs := append([]fakeReg(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, reg := range regs {
		reg.fn(env)
	}
}

func (f *fakeConn) sentCount(event protocol.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}

func newTestCoordinator(t *testing.T, conn Conn) *Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := NewCoordinator(conn, CoordinatorConfig{
		JoinTimeout: 500 * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return c
}

type joinResult struct {
	info *Info
	err  error
}

func joinAsync(c *Coordinator, sessionID string) chan joinResult {
	done := make(chan joinResult, 1)
	go func() {
		info, err := c.Join(context.Background(), sessionID)
		done <- joinResult{info: info, err: err}
	}()
	return done
}

func TestJoinNotConnected(t *testing.T) {
	conn := newFakeConn()
	conn.connected = false
	c := newTestCoordinator(t, conn)

	_, err := c.Join(context.Background(), "s1")
	var ncErr *connection.NotConnectedError
	if !errors.As(err, &ncErr) {
		t.Fatalf("Expected NotConnectedError, got %T: %v", err, err)
	}
}

func TestJoinSuccess(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })

	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{
		SessionID: "s1",
		Stats: &protocol.SessionStats{
			MemberCount:  1,
			CreatedAt:    1700000000000,
			LastActivity: 1700000001000,
		},
		Timestamp: time.Now().UnixMilli(),
	})

	res := <-done
	if res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}
	if res.info.SessionID != "s1" {
		t.Errorf("Expected session s1, got %s", res.info.SessionID)
	}
	if res.info.MemberCount != 1 {
		t.Errorf("Expected member count 1, got %d", res.info.MemberCount)
	}
	if !c.IsJoined() {
		t.Error("Expected joined state after success")
	}
	if got := c.Members(); len(got) != 1 || got[0] != "self-1" {
		t.Errorf("Expected members [self-1], got %v", got)
	}
}

func TestJoinRejected(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })

	conn.emit(t, protocol.EventSessionError, protocol.SessionErrorPayload{Message: "session full"})

	res := <-done
	var sessErr *SessionError
	if !errors.As(res.err, &sessErr) {
		t.Fatalf("Expected SessionError, got %T: %v", res.err, res.err)
	}
	if sessErr.Reason != "session full" {
		t.Errorf("Expected reason 'session full', got %q", sessErr.Reason)
	}
	if c.IsJoined() {
		t.Error("Expected local state untouched after rejection")
	}
	if got := c.Members(); len(got) != 0 {
		t.Errorf("Expected no members after rejection, got %v", got)
	}
}

func TestJoinTimeout(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	_, err := c.Join(context.Background(), "s1")
	var timeoutErr *connection.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %T: %v", err, err)
	}
}

func TestJoinWhileJoined(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	if _, err := c.Join(context.Background(), "s2"); err == nil {
		t.Error("Expected error joining while joined, got nil")
	}
}

func TestLeaveNotJoined(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	if err := c.Leave(); err == nil {
		t.Error("Expected error leaving without a session, got nil")
	}
}

func TestLeaveBestEffort(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	// The leave notification failing must not fail the local leave.
	conn.mu.Lock()
	conn.sendErr = fmt.Errorf("wire broke")
	conn.mu.Unlock()

	if err := c.Leave(); err != nil {
		t.Errorf("Expected fail-open leave, got %v", err)
	}
	if c.IsJoined() {
		t.Error("Expected local state cleared after leave")
	}
	if c.SessionID() != "" {
		t.Errorf("Expected empty session id, got %s", c.SessionID())
	}
}

func TestUpdateStatus(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	if err := c.UpdateStatus(protocol.Status("napping"), ""); err == nil {
		t.Error("Expected error for invalid status, got nil")
	}
	if err := c.UpdateStatus(protocol.StatusActive, ""); err == nil {
		t.Error("Expected error updating status outside a session, got nil")
	}

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	if err := c.UpdateStatus(protocol.StatusRecording, "mic live"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if conn.sentCount(protocol.EventSessionStatus) != 1 {
		t.Errorf("Expected 1 session:status send, got %d", conn.sentCount(protocol.EventSessionStatus))
	}

	conn.mu.Lock()
	last := conn.sent[len(conn.sent)-1]
	conn.mu.Unlock()
	payload, ok := last.payload.(protocol.SessionStatusPayload)
	if !ok {
		t.Fatalf("Expected SessionStatusPayload, got %T", last.payload)
	}
	if payload.Status != protocol.StatusRecording || payload.Message != "mic live" {
		t.Errorf("Expected recording/mic live, got %s/%s", payload.Status, payload.Message)
	}
}

func TestMembershipEvents(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	now := time.Now().UnixMilli()
	conn.emit(t, protocol.EventUserJoined, protocol.UserPresencePayload{UserID: "candidate-7", Timestamp: now})
	conn.emit(t, protocol.EventUserJoined, protocol.UserPresencePayload{UserID: "observer-2", Timestamp: now})

	expected := []string{"candidate-7", "observer-2", "self-1"}
	if got := c.Members(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected members %v, got %v", expected, got)
	}

	conn.emit(t, protocol.EventSessionStatusUpdated, protocol.SessionStatusUpdatedPayload{
		UserID: "candidate-7", Status: protocol.StatusRecording, Timestamp: now,
	})
	if got := c.MemberStatuses()["candidate-7"]; got != protocol.StatusRecording {
		t.Errorf("Expected candidate-7 recording, got %s", got)
	}

	conn.emit(t, protocol.EventUserLeft, protocol.UserPresencePayload{UserID: "observer-2", Timestamp: now})
	conn.emit(t, protocol.EventUserDisconnected, protocol.UserPresencePayload{UserID: "candidate-7", Timestamp: now})

	if got := c.Members(); !reflect.DeepEqual(got, []string{"self-1"}) {
		t.Errorf("Expected members [self-1], got %v", got)
	}
	if _, ok := c.MemberStatuses()["candidate-7"]; ok {
		t.Error("Expected departed member's status to be dropped")
	}
}

func TestNoAutoRejoinAfterReconnect(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	// A fresh handshake means the service forgot this client's membership.
	conn.emit(t, protocol.EventConnectionSuccess, protocol.ConnectionSuccessPayload{
		Message: "connected", UserID: "self-1", Timestamp: time.Now().UnixMilli(),
	})

	if c.IsJoined() {
		t.Error("Expected membership dropped after reconnect")
	}
	if got := c.Members(); len(got) != 0 {
		t.Errorf("Expected no members after reconnect, got %v", got)
	}
	if got := conn.sentCount(protocol.EventSessionJoin); got != 1 {
		t.Errorf("Expected no automatic rejoin, got %d join sends", got)
	}
}

func TestServiceInitiatedRemoval(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(t, conn)

	done := joinAsync(c, "s1")
	waitFor(t, func() bool { return conn.sentCount(protocol.EventSessionJoin) == 1 })
	conn.emit(t, protocol.EventSessionJoined, protocol.SessionJoinedPayload{SessionID: "s1"})
	if res := <-done; res.err != nil {
		t.Fatalf("Join failed: %v", res.err)
	}

	conn.emit(t, protocol.EventSessionLeft, protocol.SessionLeftPayload{
		SessionID: "s1", Timestamp: time.Now().UnixMilli(),
	})

	if c.IsJoined() {
		t.Error("Expected membership cleared after service-initiated removal")
	}
}
