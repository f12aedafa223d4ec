package transcript

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

const (
	// DefaultRequestTimeout is how long a transcription request may stay
	// unresolved before it is abandoned.
	DefaultRequestTimeout = 12 * time.Second
	// DefaultCleanupInterval is how often expired requests are swept.
	DefaultCleanupInterval = 2 * time.Second
	// DefaultResolvedTTL is how long a finished request id is remembered so
	// that late partials for it can be rejected.
	DefaultResolvedTTL = 60 * time.Second

	// liveKey tracks the partial chain for streaming results that carry
	// neither a request id nor a speaker id.
	liveKey = "live"
)

// Conn is the slice of the connection manager the aggregator needs.
type Conn interface {
	On(event protocol.Event, fn connection.Handler) int
	Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error
}

// Result is one transcription result as received, partial or final.
type Result struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	RequestID  string    `json:"request_id,omitempty"`
	SpeakerID  string    `json:"speaker_id,omitempty"`
	Timestamp  int64     `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// Entry is one committed transcript turn. Entries are never mutated after
// they are appended.
type Entry struct {
	Turn       int       `json:"turn"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	RequestID  string    `json:"request_id,omitempty"`
	SpeakerID  string    `json:"speaker_id,omitempty"`
	Timestamp  int64     `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// AggregatorStats is a snapshot of transcript state and counters.
type AggregatorStats struct {
	Turns             int    `json:"turns"`
	ActivePartials    int    `json:"active_partials"`
	PendingRequests   int    `json:"pending_requests"`
	PartialsTotal     uint64 `json:"partials_total"`
	FinalsTotal       uint64 `json:"finals_total"`
	RejectedResults   uint64 `json:"rejected_results"`
	AbandonedRequests uint64 `json:"abandoned_requests"`
	ErrorsTotal       uint64 `json:"errors_total"`
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// RequestTimeout abandons requests that stay unresolved this long.
	// Deployments keep this between 10 and 15 seconds; the config layer
	// enforces that window.
	RequestTimeout time.Duration
	// CleanupInterval is how often the janitor sweeps expired state.
	CleanupInterval time.Duration
	// ResolvedTTL bounds how long finished request ids are remembered.
	ResolvedTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.ClientMetrics
}

// Aggregator listens for transcription events and maintains the transcript.
// At most one partial is held per request; a final replaces the partial and
// appends a turn in the order finals arrive.
type Aggregator struct {
	conn           Conn
	logger         *slog.Logger
	metrics        *metrics.ClientMetrics
	requestTimeout time.Duration
	resolvedTTL    time.Duration

	mu         sync.Mutex
	partials   map[string]Result
	transcript []Entry
	pending    map[string]time.Time
	resolved   map[string]time.Time

	partialsTotal uint64
	finalsTotal   uint64
	rejected      uint64
	abandoned     uint64
	errorsTotal   uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewAggregator creates an aggregator, registers its event handlers on conn
// and starts the cleanup janitor. Call Close to stop the janitor.
func NewAggregator(conn Conn, config AggregatorConfig) (*Aggregator, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.RequestTimeout < 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %v", config.RequestTimeout)
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.CleanupInterval < 0 {
		return nil, fmt.Errorf("cleanup interval must be positive, got %v", config.CleanupInterval)
	}
	if config.ResolvedTTL == 0 {
		config.ResolvedTTL = DefaultResolvedTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	a := &Aggregator{
		conn:           conn,
		logger:         config.Logger,
		metrics:        config.Metrics,
		requestTimeout: config.RequestTimeout,
		resolvedTTL:    config.ResolvedTTL,
		partials:       make(map[string]Result),
		pending:        make(map[string]time.Time),
		resolved:       make(map[string]time.Time),
		done:           make(chan struct{}),
	}

	conn.On(protocol.EventTranscriptionResult, a.handleResult)
	conn.On(protocol.EventTranscriptionProcessing, a.handleProcessing)
	conn.On(protocol.EventTranscriptionError, a.handleError)

	go a.janitor(config.CleanupInterval)
	return a, nil
}

// Close stops the cleanup janitor. The transcript stays readable.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
}

// RequestTranscription submits a standalone audio clip and returns the
// request id its results will carry. The request is tracked until a final
// result, an error or the timeout resolves it.
func (a *Aggregator) RequestTranscription(audioData []byte, format string) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("audio data is empty")
	}

	requestID := uuid.NewString()
	a.mu.Lock()
	a.pending[requestID] = time.Now().Add(a.requestTimeout)
	a.mu.Unlock()

	payload := protocol.TranscriptionRequestPayload{
		AudioData: audioData,
		Format:    format,
		RequestID: requestID,
	}
	if err := a.conn.Send(protocol.EventTranscriptionRequest, payload, nil); err != nil {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
		return "", err
	}

	a.logger.Debug("Transcription requested",
		"request_id", requestID,
		"bytes", len(audioData),
		"format", format)
	return requestID, nil
}

// Transcript returns the committed turns in arrival order.
func (a *Aggregator) Transcript() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.transcript))
	copy(out, a.transcript)
	return out
}

// Turns returns how many turns the transcript holds.
func (a *Aggregator) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transcript)
}

// Partials returns the in-flight partial per chain key.
func (a *Aggregator) Partials() map[string]Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Result, len(a.partials))
	for k, v := range a.partials {
		out[k] = v
	}
	return out
}

// GetStats returns a snapshot of transcript counters.
func (a *Aggregator) GetStats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AggregatorStats{
		Turns:             len(a.transcript),
		ActivePartials:    len(a.partials),
		PendingRequests:   len(a.pending),
		PartialsTotal:     a.partialsTotal,
		FinalsTotal:       a.finalsTotal,
		RejectedResults:   a.rejected,
		AbandonedRequests: a.abandoned,
		ErrorsTotal:       a.errorsTotal,
	}
}

func (a *Aggregator) handleResult(env *protocol.Envelope) {
	var p protocol.TranscriptionResultPayload
	if err := env.DecodePayload(&p); err != nil {
		a.logger.Warn("Failed to decode transcription result", "error", err)
		return
	}

	switch p.Status {
	case protocol.ResultPartial:
		a.applyPartial(p)
	case protocol.ResultFinal:
		a.applyFinal(p)
	default:
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		a.logger.Warn("Ignoring transcription result with unknown status",
			"status", p.Status,
			"request_id", p.RequestID)
	}
}

func (a *Aggregator) applyPartial(p protocol.TranscriptionResultPayload) {
	key := chainKey(p.RequestID, p.SpeakerID)

	a.mu.Lock()
	if p.RequestID != "" {
		if _, done := a.resolved[p.RequestID]; done {
			a.rejected++
			a.mu.Unlock()
			a.logger.Warn("Rejecting partial after final",
				"request_id", p.RequestID,
				"text", p.Text)
			return
		}
	}
	a.partials[key] = Result{
		Text:       p.Text,
		Confidence: p.Confidence,
		Status:     p.Status,
		RequestID:  p.RequestID,
		SpeakerID:  p.SpeakerID,
		Timestamp:  p.Timestamp,
		ReceivedAt: time.Now(),
	}
	a.partialsTotal++
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordPartialResult()
	}
	a.logger.Debug("Partial updated", "key", key, "text", p.Text)
}

func (a *Aggregator) applyFinal(p protocol.TranscriptionResultPayload) {
	key := chainKey(p.RequestID, p.SpeakerID)
	now := time.Now()

	a.mu.Lock()
	if p.RequestID != "" {
		if _, done := a.resolved[p.RequestID]; done {
			a.rejected++
			a.mu.Unlock()
			a.logger.Warn("Rejecting duplicate final", "request_id", p.RequestID)
			return
		}
		a.resolved[p.RequestID] = now
		delete(a.pending, p.RequestID)
	}
	delete(a.partials, key)

	entry := Entry{
		Turn:       len(a.transcript) + 1,
		Text:       p.Text,
		Confidence: p.Confidence,
		RequestID:  p.RequestID,
		SpeakerID:  p.SpeakerID,
		Timestamp:  p.Timestamp,
		ReceivedAt: now,
	}
	a.transcript = append(a.transcript, entry)
	turn := entry.Turn
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordFinalResult()
	}
	a.logger.Debug("Transcript turn committed",
		"turn", turn,
		"request_id", p.RequestID,
		"text", p.Text)
}

func (a *Aggregator) handleProcessing(env *protocol.Envelope) {
	var p protocol.TranscriptionProcessingPayload
	if err := env.DecodePayload(&p); err != nil {
		a.logger.Warn("Failed to decode transcription progress", "error", err)
		return
	}
	if p.RequestID == "" {
		return
	}

	// The engine is working; give the request a fresh deadline.
	a.mu.Lock()
	if _, done := a.resolved[p.RequestID]; !done {
		a.pending[p.RequestID] = time.Now().Add(a.requestTimeout)
	}
	a.mu.Unlock()

	a.logger.Debug("Transcription in progress", "request_id", p.RequestID)
}

func (a *Aggregator) handleError(env *protocol.Envelope) {
	var p protocol.TranscriptionErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		a.logger.Warn("Failed to decode transcription error", "error", err)
		return
	}

	a.mu.Lock()
	a.errorsTotal++
	if p.RequestID != "" {
		// The request is over; drop its chain and reject late results.
		delete(a.pending, p.RequestID)
		delete(a.partials, p.RequestID)
		a.resolved[p.RequestID] = time.Now()
	}
	a.mu.Unlock()

	a.logger.Warn("Transcription failed",
		"request_id", p.RequestID,
		"message", p.Message)
}

func (a *Aggregator) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.evictExpired(time.Now())
		}
	}
}

// evictExpired abandons pending requests past their deadline, drops partial
// chains that stopped updating, and forgets old resolved ids.
func (a *Aggregator) evictExpired(now time.Time) {
	a.mu.Lock()
	var abandoned []string
	for id, deadline := range a.pending {
		if now.After(deadline) {
			delete(a.pending, id)
			delete(a.partials, id)
			// Late results for an abandoned request are rejected.
			a.resolved[id] = now
			a.abandoned++
			abandoned = append(abandoned, id)
		}
	}
	for key, r := range a.partials {
		if _, tracked := a.pending[key]; tracked {
			continue
		}
		if now.Sub(r.ReceivedAt) > a.requestTimeout {
			delete(a.partials, key)
			a.abandoned++
			abandoned = append(abandoned, key)
		}
	}
	for id, resolvedAt := range a.resolved {
		if now.Sub(resolvedAt) > a.resolvedTTL {
			delete(a.resolved, id)
		}
	}
	a.mu.Unlock()

	if len(abandoned) == 0 {
		return
	}
	if a.metrics != nil {
		for range abandoned {
			a.metrics.RecordAbandonedRequest()
		}
	}
	a.logger.Warn("Abandoned transcription requests",
		"count", len(abandoned),
		"request_ids", abandoned)
}

// chainKey picks the map key a result's partial chain lives under.
func chainKey(requestID, speakerID string) string {
	if requestID != "" {
		return requestID
	}
	if speakerID != "" {
		return speakerID
	}
	return liveKey
}
