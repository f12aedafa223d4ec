package transcript

import (
	"fmt"
	"log/slog"
	"os"
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
	mu       sync.Mutex
	handlers map[protocol.Event][]connection.Handler
	sent     []sentEvent
	sendErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[protocol.Event][]connection.Handler)}
}

func (f *fakeConn) On(event protocol.Event, fn connection.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return len(f.handlers[event])
}

func (f *fakeConn) Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

// emit routes a payload through the wire codec into the registered handlers,
// the same path a live connection dispatches on.
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
	fns := append([]connection.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (f *fakeConn) sentRequests() []protocol.TranscriptionRequestPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.TranscriptionRequestPayload
	for _, s := range f.sent {
		if s.event == protocol.EventTranscriptionRequest {
			out = append(out, s.payload.(protocol.TranscriptionRequestPayload))
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAggregator(t *testing.T, conn *fakeConn, config AggregatorConfig) *Aggregator {
	t.Helper()
	config.Logger = testLogger()
	a, err := NewAggregator(conn, config)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func result(requestID, speakerID, status, text string) protocol.TranscriptionResultPayload {
	return protocol.TranscriptionResultPayload{
		Text:       text,
		Confidence: 0.9,
		Status:     status,
		RequestID:  requestID,
		SpeakerID:  speakerID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestPartialReplacesPrevious(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultPartial, "tell me"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultPartial, "tell me about"))

	partials := a.Partials()
	if len(partials) != 1 {
		t.Fatalf("Expected 1 partial chain, got %d", len(partials))
	}
	if got := partials["r1"].Text; got != "tell me about" {
		t.Errorf("Expected latest partial to win, got %q", got)
	}
	if stats := a.GetStats(); stats.PartialsTotal != 2 {
		t.Errorf("Expected 2 partials counted, got %d", stats.PartialsTotal)
	}
}

func TestFinalsAppendInArrivalOrder(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultFinal, "first question"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r2", "", protocol.ResultFinal, "second question"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r3", "", protocol.ResultFinal, "third question"))

	entries := a.Transcript()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 turns, got %d", len(entries))
	}
	want := []string{"first question", "second question", "third question"}
	for i, entry := range entries {
		if entry.Text != want[i] {
			t.Errorf("Turn %d: expected %q, got %q", i+1, want[i], entry.Text)
		}
		if entry.Turn != i+1 {
			t.Errorf("Expected turn number %d, got %d", i+1, entry.Turn)
		}
	}
}

func TestFinalReplacesPartialChain(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultPartial, "tell me"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultFinal, "tell me about yourself"))

	if got := len(a.Partials()); got != 0 {
		t.Errorf("Expected partial chain cleared by final, got %d", got)
	}
	entries := a.Transcript()
	if len(entries) != 1 || entries[0].Text != "tell me about yourself" {
		t.Fatalf("Expected one committed turn, got %+v", entries)
	}
}

func TestPartialAfterFinalRejected(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultFinal, "done"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultPartial, "straggler"))

	if got := len(a.Partials()); got != 0 {
		t.Errorf("Expected late partial rejected, got %d chains", got)
	}
	stats := a.GetStats()
	if stats.RejectedResults != 1 {
		t.Errorf("Expected 1 rejected result, got %d", stats.RejectedResults)
	}
	if stats.Turns != 1 {
		t.Errorf("Expected transcript untouched, got %d turns", stats.Turns)
	}
}

func TestDuplicateFinalRejected(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultFinal, "once"))
	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", protocol.ResultFinal, "twice"))

	entries := a.Transcript()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 turn, got %d", len(entries))
	}
	if entries[0].Text != "once" {
		t.Errorf("Expected first final to stand, got %q", entries[0].Text)
	}
	if got := a.GetStats().RejectedResults; got != 1 {
		t.Errorf("Expected 1 rejected result, got %d", got)
	}
}

func TestSpeakerKeyedChains(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("", "interviewer", protocol.ResultPartial, "so tell"))
	conn.emit(t, protocol.EventTranscriptionResult, result("", "candidate", protocol.ResultPartial, "well I"))

	partials := a.Partials()
	if len(partials) != 2 {
		t.Fatalf("Expected 2 speaker chains, got %d", len(partials))
	}

	conn.emit(t, protocol.EventTranscriptionResult, result("", "interviewer", protocol.ResultFinal, "so tell me more"))

	partials = a.Partials()
	if _, ok := partials["interviewer"]; ok {
		t.Error("Expected interviewer chain cleared by its final")
	}
	if _, ok := partials["candidate"]; !ok {
		t.Error("Expected candidate chain untouched")
	}
	if got := a.Turns(); got != 1 {
		t.Errorf("Expected 1 turn, got %d", got)
	}
}

func TestUnknownResultStatusIgnored(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	conn.emit(t, protocol.EventTranscriptionResult, result("r1", "", "speculative", "noise"))

	stats := a.GetStats()
	if stats.Turns != 0 || stats.ActivePartials != 0 {
		t.Errorf("Expected no state change, got %+v", stats)
	}
	if stats.RejectedResults != 1 {
		t.Errorf("Expected 1 rejected result, got %d", stats.RejectedResults)
	}
}

func TestRequestTranscriptionLifecycle(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	audio := []byte{1, 2, 3, 4}
	requestID, err := a.RequestTranscription(audio, protocol.FormatWAV)
	if err != nil {
		t.Fatalf("RequestTranscription failed: %v", err)
	}
	if requestID == "" {
		t.Fatal("Expected a request id")
	}

	requests := conn.sentRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request sent, got %d", len(requests))
	}
	if requests[0].RequestID != requestID {
		t.Errorf("Expected request id %s on the wire, got %s", requestID, requests[0].RequestID)
	}
	if len(requests[0].AudioData) != len(audio) {
		t.Errorf("Expected %d audio bytes, got %d", len(audio), len(requests[0].AudioData))
	}
	if got := a.GetStats().PendingRequests; got != 1 {
		t.Fatalf("Expected 1 pending request, got %d", got)
	}

	conn.emit(t, protocol.EventTranscriptionProcessing, protocol.TranscriptionProcessingPayload{
		RequestID: requestID,
		Status:    protocol.ResultProcessing,
		Timestamp: time.Now().UnixMilli(),
	})
	if got := a.GetStats().PendingRequests; got != 1 {
		t.Errorf("Expected request still pending while processing, got %d", got)
	}

	conn.emit(t, protocol.EventTranscriptionResult, result(requestID, "", protocol.ResultFinal, "the answer"))

	stats := a.GetStats()
	if stats.PendingRequests != 0 {
		t.Errorf("Expected final to resolve the request, got %d pending", stats.PendingRequests)
	}
	entries := a.Transcript()
	if len(entries) != 1 || entries[0].RequestID != requestID {
		t.Fatalf("Expected one turn for %s, got %+v", requestID, entries)
	}
}

func TestRequestTranscriptionSendFailure(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = fmt.Errorf("wire broke")
	a := newTestAggregator(t, conn, AggregatorConfig{})

	if _, err := a.RequestTranscription([]byte{1}, ""); err == nil {
		t.Fatal("Expected send failure to surface")
	}
	if got := a.GetStats().PendingRequests; got != 0 {
		t.Errorf("Expected no pending request after failed send, got %d", got)
	}
}

func TestRequestTranscriptionEmptyAudio(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	if _, err := a.RequestTranscription(nil, ""); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestTimeoutAbandonsRequest(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{RequestTimeout: 50 * time.Millisecond})

	requestID, err := a.RequestTranscription([]byte{1, 2}, "")
	if err != nil {
		t.Fatalf("RequestTranscription failed: %v", err)
	}
	conn.emit(t, protocol.EventTranscriptionResult, result(requestID, "", protocol.ResultPartial, "half a"))

	a.evictExpired(time.Now().Add(100 * time.Millisecond))

	stats := a.GetStats()
	if stats.PendingRequests != 0 {
		t.Errorf("Expected pending request evicted, got %d", stats.PendingRequests)
	}
	if stats.ActivePartials != 0 {
		t.Errorf("Expected partial chain evicted, got %d", stats.ActivePartials)
	}
	if stats.AbandonedRequests != 1 {
		t.Errorf("Expected 1 abandoned request, got %d", stats.AbandonedRequests)
	}

	// A final straggling in after abandonment must not resurrect the turn.
	conn.emit(t, protocol.EventTranscriptionResult, result(requestID, "", protocol.ResultFinal, "too late"))
	if got := a.Turns(); got != 0 {
		t.Errorf("Expected late final rejected, got %d turns", got)
	}
}

func TestStaleLivePartialEvicted(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{RequestTimeout: 50 * time.Millisecond})

	conn.emit(t, protocol.EventTranscriptionResult, result("", "", protocol.ResultPartial, "trailing off"))
	if got := a.GetStats().ActivePartials; got != 1 {
		t.Fatalf("Expected 1 live partial, got %d", got)
	}

	a.evictExpired(time.Now().Add(100 * time.Millisecond))

	if got := a.GetStats().ActivePartials; got != 0 {
		t.Errorf("Expected stale live partial evicted, got %d", got)
	}
}

func TestJanitorSweeps(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{
		RequestTimeout:  30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	if _, err := a.RequestTranscription([]byte{1}, ""); err != nil {
		t.Fatalf("RequestTranscription failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.GetStats().AbandonedRequests >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.GetStats().AbandonedRequests; got != 1 {
		t.Fatalf("Expected janitor to abandon the request, got %d", got)
	}
}

func TestErrorResolvesRequest(t *testing.T) {
	conn := newFakeConn()
	a := newTestAggregator(t, conn, AggregatorConfig{})

	requestID, err := a.RequestTranscription([]byte{1, 2}, "")
	if err != nil {
		t.Fatalf("RequestTranscription failed: %v", err)
	}
	conn.emit(t, protocol.EventTranscriptionResult, result(requestID, "", protocol.ResultPartial, "some"))

	conn.emit(t, protocol.EventTranscriptionError, protocol.TranscriptionErrorPayload{
		Message:   "engine unavailable",
		RequestID: requestID,
	})

	stats := a.GetStats()
	if stats.PendingRequests != 0 {
		t.Errorf("Expected error to resolve the request, got %d pending", stats.PendingRequests)
	}
	if stats.ActivePartials != 0 {
		t.Errorf("Expected partial chain dropped, got %d", stats.ActivePartials)
	}
	if stats.ErrorsTotal != 1 {
		t.Errorf("Expected 1 error counted, got %d", stats.ErrorsTotal)
	}

	conn.emit(t, protocol.EventTranscriptionResult, result(requestID, "", protocol.ResultPartial, "late"))
	if got := a.GetStats().RejectedResults; got != 1 {
		t.Errorf("Expected late partial rejected after error, got %d rejections", got)
	}
}
