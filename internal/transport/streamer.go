package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/udeope/Real-time-interview-sub004/internal/audio"
	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

const (
	// DefaultFlushInterval bounds how long a chunk may sit in the buffer
	// before it is forced onto the wire.
	DefaultFlushInterval = 100 * time.Millisecond
)

// StreamingError reports a dropped frame batch. The batch is discarded and
// streaming continues with the next flush.
type StreamingError struct {
	FrameID string
	Stage   string
	Err     error
}

func (e *StreamingError) Error() string {
	if e.FrameID == "" {
		return fmt.Sprintf("streaming %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("streaming %s failed for frame %s: %v", e.Stage, e.FrameID, e.Err)
}

func (e *StreamingError) Unwrap() error {
	return e.Err
}

// Conn is the slice of the connection manager the streamer needs.
type Conn interface {
	Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error
	IsConnected() bool
}

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	// FlushBytes triggers a flush once the pending buffer reaches this many
	// bytes. Defaults to audio.DefaultFlushBytes.
	FlushBytes int
	// FlushInterval triggers a flush once the oldest pending chunk has
	// waited this long. Defaults to DefaultFlushInterval.
	FlushInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.ClientMetrics
}

// StreamerStats is a snapshot of streaming counters. The ratio and latency
// fields are exponentially smoothed over recent frames.
type StreamerStats struct {
	Active              bool    `json:"active"`
	FramesSent          uint64  `json:"frames_sent"`
	FramesFailed        uint64  `json:"frames_failed"`
	BytesSent           uint64  `json:"bytes_sent"`
	PendingChunks       int     `json:"pending_chunks"`
	CompressionRatio    float64 `json:"compression_ratio"`
	SendLatencyMs       float64 `json:"send_latency_ms"`
	LastServerTimestamp int64   `json:"last_server_timestamp"`
}

// Streamer accumulates audio chunks and ships them as encoded frames.
// A flush happens when the buffered bytes reach the size threshold or when
// the flush interval elapses, whichever comes first. Frames leave in flush
// order; a failed batch is dropped without stopping the stream.
type Streamer struct {
	conn          Conn
	logger        *slog.Logger
	metrics       *metrics.ClientMetrics
	flushBytes    int
	flushInterval time.Duration

	// flushMu serializes drain-encode-send sequences so frames hit the
	// wire in flush order even when the timer and the size trigger race.
	flushMu sync.Mutex

	mu                  sync.Mutex
	active              bool
	encoder             *audio.Encoder
	buffer              *audio.ChunkBuffer
	timer               *time.Timer
	framesSent          uint64
	framesFailed        uint64
	bytesSent           uint64
	ratioEwma           float64
	latencyEwmaMs       float64
	lastServerTimestamp int64
}

// NewStreamer creates a streamer bound to conn. Streaming starts disabled;
// call StartStreaming with the desired encoding before feeding chunks.
func NewStreamer(conn Conn, config StreamerConfig) (*Streamer, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if config.FlushBytes == 0 {
		config.FlushBytes = audio.DefaultFlushBytes
	}
	if config.FlushBytes < 0 {
		return nil, fmt.Errorf("flush bytes must be positive, got %d", config.FlushBytes)
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.FlushInterval < 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %v", config.FlushInterval)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Streamer{
		conn:          conn,
		logger:        config.Logger,
		metrics:       config.Metrics,
		flushBytes:    config.FlushBytes,
		flushInterval: config.FlushInterval,
	}, nil
}

// StartStreaming activates the stream with the given encoding. It fails if
// streaming is already active.
func (s *Streamer) StartStreaming(config audio.EncoderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return fmt.Errorf("streaming already active")
	}

	encoder, err := audio.NewEncoder(config)
	if err != nil {
		return fmt.Errorf("invalid encoder config: %w", err)
	}
	buffer, err := audio.NewChunkBuffer(s.flushBytes)
	if err != nil {
		return err
	}

	s.encoder = encoder
	s.buffer = buffer
	s.active = true

	if !s.conn.IsConnected() {
		s.logger.Warn("Streaming started while disconnected, frames will drop until the connection is up")
	}
	s.logger.Info("Streaming started",
		"format", config.Format,
		"compress", config.Compress,
		"sample_rate", config.SampleRate,
		"flush_bytes", s.flushBytes,
		"flush_interval", s.flushInterval)
	return nil
}

// StreamChunk buffers a chunk for the next frame. When streaming is
// inactive the chunk is ignored. The returned error reports a dropped
// batch when this chunk tripped the size threshold and the flush failed;
// streaming stays active either way.
func (s *Streamer) StreamChunk(chunk audio.Chunk) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.logger.Debug("Ignoring audio chunk, streaming not active")
		return nil
	}

	wasEmpty := s.buffer.Len() == 0
	full := s.buffer.Add(chunk)
	if full {
		s.stopTimerLocked()
		s.mu.Unlock()
		return s.flush("size")
	}
	if wasEmpty {
		s.startTimerLocked()
	}
	s.mu.Unlock()
	return nil
}

// StopStreaming flushes whatever is pending and deactivates the stream.
// The final flush is best effort; a failed flush is logged but does not
// fail the stop.
func (s *Streamer) StopStreaming() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("streaming not active")
	}
	s.stopTimerLocked()
	s.mu.Unlock()

	if err := s.flush("stop"); err != nil {
		s.logger.Warn("Final flush failed during stop", "error", err)
	}

	s.mu.Lock()
	s.active = false
	sent := s.framesSent
	failed := s.framesFailed
	s.mu.Unlock()

	s.logger.Info("Streaming stopped", "frames_sent", sent, "frames_failed", failed)
	return nil
}

// IsActive reports whether the stream accepts chunks.
func (s *Streamer) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// GetStats returns a snapshot of streaming counters.
func (s *Streamer) GetStats() StreamerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	if s.buffer != nil {
		pending = s.buffer.Len()
	}
	return StreamerStats{
		Active:              s.active,
		FramesSent:          s.framesSent,
		FramesFailed:        s.framesFailed,
		BytesSent:           s.bytesSent,
		PendingChunks:       pending,
		CompressionRatio:    s.ratioEwma,
		SendLatencyMs:       s.latencyEwmaMs,
		LastServerTimestamp: s.lastServerTimestamp,
	}
}

// flush drains the pending buffer, encodes one frame and sends it. A drain
// that comes up empty is a no-op. Encode and send failures drop the batch
// and leave the stream active.
func (s *Streamer) flush(reason string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.active || s.buffer == nil {
		s.mu.Unlock()
		return nil
	}
	chunks := s.buffer.Drain()
	encoder := s.encoder
	s.mu.Unlock()

	if len(chunks) == 0 {
		return nil
	}

	frame, err := encoder.EncodeFrame(chunks)
	if err != nil {
		streamErr := &StreamingError{Stage: "encode", Err: err}
		s.recordFailure()
		s.logger.Error("Dropping frame batch, encode failed",
			"reason", reason,
			"chunks", len(chunks),
			"error", err)
		return streamErr
	}

	frameID := uuid.NewString()
	sentAt := time.Now()
	payload := protocol.AudioStreamPayload{
		FrameID:      frameID,
		Timestamp:    sentAt.UnixMilli(),
		Format:       frame.Format,
		SampleRate:   frame.SampleRate,
		ChannelCount: frame.ChannelCount,
		Data:         frame.Data,
		Metadata: protocol.AudioStreamMetadata{
			OriginalChunks:   frame.OriginalChunks,
			OriginalSize:     frame.OriginalSize,
			CompressedSize:   frame.CompressedSize,
			CompressionRatio: frame.Ratio,
		},
	}

	err = s.conn.Send(protocol.EventAudioStream, payload, func(ack protocol.AckPayload) {
		rtt := time.Since(sentAt)
		s.mu.Lock()
		s.latencyEwmaMs = audio.UpdateEwma(s.latencyEwmaMs, float64(rtt)/float64(time.Millisecond), audio.DefaultEwmaWeight)
		s.lastServerTimestamp = ack.Timestamp
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordSendLatency(rtt)
		}
	})
	if err != nil {
		streamErr := &StreamingError{FrameID: frameID, Stage: "send", Err: err}
		s.recordFailure()
		s.logger.Warn("Dropping frame, send failed",
			"frame_id", frameID,
			"reason", reason,
			"error", err)
		return streamErr
	}

	s.mu.Lock()
	s.framesSent++
	s.bytesSent += uint64(len(frame.Data))
	s.ratioEwma = audio.UpdateEwma(s.ratioEwma, frame.Ratio, audio.DefaultEwmaWeight)
	smoothed := s.ratioEwma
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordFrameSent(len(frame.Data), smoothed)
	}
	s.logger.Debug("Frame sent",
		"frame_id", frameID,
		"reason", reason,
		"chunks", frame.OriginalChunks,
		"wire_bytes", len(frame.Data),
		"ratio", frame.Ratio)
	return nil
}

func (s *Streamer) recordFailure() {
	s.mu.Lock()
	s.framesFailed++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordFrameFailed()
	}
}

func (s *Streamer) startTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.flushInterval, func() {
		s.flush("interval")
	})
}

func (s *Streamer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
