package suggest

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// DefaultHistoryLimit bounds how many suggestion batches are retained.
const DefaultHistoryLimit = 32

// Conn is the slice of the connection manager the relay needs.
type Conn interface {
	On(event protocol.Event, fn connection.Handler) int
}

// TurnSource reports how many transcript turns exist. Suggestions arrive
// after the final result that prompted them, so a batch is keyed to the
// newest committed turn at arrival time.
type TurnSource interface {
	Turns() int
}

// Batch is one delivery of answer candidates for a transcript turn.
type Batch struct {
	Turn        int                           `json:"turn"`
	Suggestions []protocol.ResponseSuggestion `json:"suggestions"`
	Timestamp   int64                         `json:"timestamp"`
	ReceivedAt  time.Time                     `json:"received_at"`
}

// RelayStats is a snapshot of relay counters.
type RelayStats struct {
	BatchesReceived     uint64 `json:"batches_received"`
	SuggestionsReceived uint64 `json:"suggestions_received"`
	LatestTurn          int    `json:"latest_turn"`
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// HistoryLimit caps retained batches, oldest evicted first.
	HistoryLimit int
	Logger       *slog.Logger
}

// Relay listens for suggestion deliveries and retains them per turn.
type Relay struct {
	source TurnSource
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	history []Batch

	batchesReceived     uint64
	suggestionsReceived uint64
}

// NewRelay creates a relay and registers its handler on conn.
func NewRelay(conn Conn, source TurnSource, config RelayConfig) (*Relay, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if source == nil {
		return nil, fmt.Errorf("turn source is required")
	}
	if config.HistoryLimit == 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.HistoryLimit < 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", config.HistoryLimit)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Relay{
		source: source,
		logger: config.Logger,
		limit:  config.HistoryLimit,
	}
	conn.On(protocol.EventResponseSuggestions, r.handleSuggestions)
	return r, nil
}

// Latest returns the most recent batch, or nil when none arrived yet.
func (r *Relay) Latest() *Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return nil
	}
	batch := r.history[len(r.history)-1]
	batch.Suggestions = append([]protocol.ResponseSuggestion(nil), batch.Suggestions...)
	return &batch
}

// ForTurn returns the most recent batch keyed to the given turn, or nil.
func (r *Relay) ForTurn(turn int) *Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Turn == turn {
			batch := r.history[i]
			batch.Suggestions = append([]protocol.ResponseSuggestion(nil), batch.Suggestions...)
			return &batch
		}
	}
	return nil
}

// History returns retained batches, oldest first.
func (r *Relay) History() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Batch, len(r.history))
	copy(out, r.history)
	return out
}

// GetStats returns a snapshot of relay counters.
func (r *Relay) GetStats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := 0
	if len(r.history) > 0 {
		latest = r.history[len(r.history)-1].Turn
	}
	return RelayStats{
		BatchesReceived:     r.batchesReceived,
		SuggestionsReceived: r.suggestionsReceived,
		LatestTurn:          latest,
	}
}

func (r *Relay) handleSuggestions(env *protocol.Envelope) {
	var p protocol.ResponseSuggestionsPayload
	if err := env.DecodePayload(&p); err != nil {
		r.logger.Warn("Failed to decode suggestions", "error", err)
		return
	}
	if len(p.Responses) == 0 {
		r.logger.Warn("Ignoring empty suggestion batch")
		return
	}

	batch := Batch{
		Turn:        r.source.Turns(),
		Suggestions: p.Responses,
		Timestamp:   p.Timestamp,
		ReceivedAt:  time.Now(),
	}

	r.mu.Lock()
	r.history = append(r.history, batch)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
	r.batchesReceived++
	r.suggestionsReceived += uint64(len(p.Responses))
	r.mu.Unlock()

	r.logger.Debug("Suggestions received",
		"turn", batch.Turn,
		"count", len(p.Responses))
}
