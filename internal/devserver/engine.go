package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/udeope/Real-time-interview-sub004/internal/audio"
	"github.com/udeope/Real-time-interview-sub004/internal/metrics"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
	"github.com/udeope/Real-time-interview-sub004/internal/transcription"
	"github.com/udeope/Real-time-interview-sub004/internal/vad"
)

// Engine modes. Canned mode answers from a fixed sentence rotation;
// external mode forwards utterances to a real engine over HTTP.
const (
	ModeCanned   = "canned"
	ModeExternal = "external"
)

// Engine defaults.
const (
	DefaultPartialInterval  = 400 * time.Millisecond
	DefaultUtteranceSilence = 600 * time.Millisecond
	DefaultMinUtterance     = 100 * time.Millisecond

	// defaultSampleRate is assumed for one-shot clips in containers that
	// do not carry their own rate.
	defaultSampleRate = 16000
)

// EmitFunc delivers an engine event to whoever should see it; the server
// binds it to the member's session or to the member alone.
type EmitFunc func(event protocol.Event, payload interface{})

// EngineConfig configures a transcription engine.
type EngineConfig struct {
	// Mode is ModeCanned or ModeExternal.
	Mode string
	// Client serves external mode. Required when Mode is ModeExternal.
	Client *transcription.Client
	// PartialInterval is the cadence of rolling partial results while a
	// member keeps speaking.
	PartialInterval time.Duration
	// UtteranceSilence is the silence gap that closes an utterance.
	UtteranceSilence time.Duration
	// MinUtterance discards shorter speech bursts as noise.
	MinUtterance time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.ServerMetrics
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	ActiveStreams  int    `json:"active_streams"`
	Utterances     uint64 `json:"utterances"`
	Partials       uint64 `json:"partials"`
	Finals         uint64 `json:"finals"`
	OneShots       uint64 `json:"one_shots"`
	EngineFailures uint64 `json:"engine_failures"`
}

// Engine turns streamed audio frames into transcription events. Each
// streaming member gets its own segmenter; every closed utterance becomes
// one request id with `processing, partial..., final` emitted in order.
type Engine struct {
	mode             string
	client           *transcription.Client
	partialInterval  time.Duration
	utteranceSilence time.Duration
	minUtterance     time.Duration
	logger           *slog.Logger
	metrics          *metrics.ServerMetrics

	mu      sync.Mutex
	streams map[Member]*streamState

	sentence   atomic.Uint64
	utterances atomic.Uint64
	partials   atomic.Uint64
	finals     atomic.Uint64
	oneShots   atomic.Uint64
	failures   atomic.Uint64
}

// NewEngine validates the configuration and returns an engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	switch config.Mode {
	case ModeCanned:
	case ModeExternal:
		if config.Client == nil {
			return nil, fmt.Errorf("external mode requires a transcription client")
		}
	default:
		return nil, fmt.Errorf("unknown engine mode %q", config.Mode)
	}
	if config.PartialInterval == 0 {
		config.PartialInterval = DefaultPartialInterval
	}
	if config.UtteranceSilence == 0 {
		config.UtteranceSilence = DefaultUtteranceSilence
	}
	if config.MinUtterance == 0 {
		config.MinUtterance = DefaultMinUtterance
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Engine{
		mode:             config.Mode,
		client:           config.Client,
		partialInterval:  config.PartialInterval,
		utteranceSilence: config.UtteranceSilence,
		minUtterance:     config.MinUtterance,
		logger:           config.Logger,
		metrics:          config.Metrics,
		streams:          make(map[Member]*streamState),
	}, nil
}

// HandleFrame feeds one streamed frame into the member's recognizer state.
// Results flow through emit; a frame that cannot be decoded earns the
// member an audio:error and is dropped without touching its stream.
func (e *Engine) HandleFrame(m Member, emit EmitFunc, p *protocol.AudioStreamPayload) {
	samples, err := audio.DecodeFrame(p.Data, p.Format)
	if err != nil {
		e.logger.Warn("dropping undecodable frame",
			slog.String("frame_id", p.FrameID),
			slog.String("user_id", m.UserID()),
			slog.String("error", err.Error()))
		m.Send(protocol.EventAudioError, protocol.AudioErrorPayload{
			Message: fmt.Sprintf("cannot decode frame %s: %v", p.FrameID, err),
		})
		return
	}

	st, err := e.stream(m, emit, p.SampleRate)
	if err != nil {
		m.Send(protocol.EventAudioError, protocol.AudioErrorPayload{
			Message: fmt.Sprintf("cannot process frame %s: %v", p.FrameID, err),
		})
		return
	}
	st.push(samples)
}

// HandleRequest serves a standalone transcription request. Results reach
// the requester only, under the caller-supplied request id, so concurrent
// one-shot requests never contaminate each other.
func (e *Engine) HandleRequest(m Member, p *protocol.TranscriptionRequestPayload) {
	if p.RequestID == "" {
		m.Send(protocol.EventTranscriptionError, protocol.TranscriptionErrorPayload{
			Message: "requestId is required",
		})
		return
	}

	now := time.Now()
	e.oneShots.Add(1)
	m.Send(protocol.EventTranscriptionProcessing, protocol.TranscriptionProcessingPayload{
		RequestID: p.RequestID,
		Status:    protocol.ResultProcessing,
		Timestamp: now.UnixMilli(),
	})

	format := p.Format
	if format == "" {
		format = protocol.FormatWAV
	}
	samples, sampleRate, err := decodeClip(p.AudioData, format)
	if err != nil {
		m.Send(protocol.EventTranscriptionError, protocol.TranscriptionErrorPayload{
			Message:   fmt.Sprintf("cannot decode audio: %v", err),
			RequestID: p.RequestID,
		})
		return
	}

	emit := func(event protocol.Event, payload interface{}) {
		m.Send(event, payload)
	}
	if e.mode == ModeExternal {
		clip := &vad.Utterance{
			Samples:  samples,
			Duration: time.Duration(len(samples)) * time.Second / time.Duration(sampleRate),
		}
		go e.transcribeExternal(m, emit, p.RequestID, clip, sampleRate)
		return
	}
	e.emitFinal(emit, p.RequestID, m.UserID(), e.nextSentence(), 0.9, time.Now())
}

// ReleaseMember drops the member's recognizer state. In-progress speech is
// discarded; the member is gone and cannot receive results anyway.
func (e *Engine) ReleaseMember(m Member) {
	e.mu.Lock()
	st := e.streams[m]
	delete(e.streams, m)
	e.mu.Unlock()

	if st != nil {
		st.close()
	}
}

// Stop releases every stream.
func (e *Engine) Stop() {
	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[Member]*streamState)
	e.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
}

// GetStats returns a snapshot of engine counters.
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	active := len(e.streams)
	e.mu.Unlock()
	return EngineStats{
		ActiveStreams:  active,
		Utterances:     e.utterances.Load(),
		Partials:       e.partials.Load(),
		Finals:         e.finals.Load(),
		OneShots:       e.oneShots.Load(),
		EngineFailures: e.failures.Load(),
	}
}

func (e *Engine) stream(m Member, emit EmitFunc, sampleRate int) (*streamState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[m]; ok {
		return st, nil
	}

	seg, err := vad.NewSegmenter(vad.SegmenterConfig{
		SampleRate:      sampleRate,
		SilenceHangover: e.utteranceSilence,
		MinUtterance:    e.minUtterance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}
	st := &streamState{
		engine:     e,
		member:     m,
		emit:       emit,
		seg:        seg,
		sampleRate: sampleRate,
	}
	e.streams[m] = st
	return st, nil
}

func (e *Engine) transcribeExternal(m Member, emit EmitFunc, requestID string, u *vad.Utterance, sampleRate int) {
	wavData, err := audio.EncodeWAV(u.Samples, sampleRate, 1)
	if err == nil {
		var resp *transcription.Response
		resp, err = e.client.Transcribe(context.Background(), &transcription.Request{
			RequestID:  requestID,
			AudioData:  wavData,
			Format:     protocol.FormatWAV,
			SampleRate: sampleRate,
			Duration:   u.Duration,
			SpeakerID:  m.UserID(),
		})
		if err == nil {
			e.emitFinal(emit, requestID, m.UserID(), resp.Text, resp.Confidence, time.Now())
			return
		}
	}

	e.failures.Add(1)
	e.logger.Error("engine transcription failed",
		slog.String("request_id", requestID),
		slog.String("user_id", m.UserID()),
		slog.String("error", err.Error()))
	emit(protocol.EventTranscriptionError, protocol.TranscriptionErrorPayload{
		Message:   "transcription engine unavailable",
		RequestID: requestID,
	})
}

// emitFinal commits one utterance: the final result, then the response
// suggestions it prompted.
func (e *Engine) emitFinal(emit EmitFunc, requestID, speakerID, text string, confidence float64, now time.Time) {
	if confidence > 0.99 {
		confidence = 0.99
	}
	e.finals.Add(1)
	if e.metrics != nil {
		e.metrics.RecordEngineResult(protocol.ResultFinal)
	}
	emit(protocol.EventTranscriptionResult, protocol.TranscriptionResultPayload{
		Text:       text,
		Confidence: confidence,
		Status:     protocol.ResultFinal,
		RequestID:  requestID,
		SpeakerID:  speakerID,
		Timestamp:  now.UnixMilli(),
	})
	emit(protocol.EventResponseSuggestions, suggestionsFor(text, now))
}

func (e *Engine) nextSentence() string {
	idx := e.sentence.Add(1) - 1
	return cannedTranscripts[int(idx)%len(cannedTranscripts)]
}

// streamState is one member's continuous recognition state. The idle timer
// force-closes an utterance when frames stop arriving, so trailing speech
// is not stuck waiting for silence that never streams in.
type streamState struct {
	engine     *Engine
	member     Member
	emit       EmitFunc
	sampleRate int

	mu          sync.Mutex
	seg         *vad.Segmenter
	requestID   string
	words       []string
	spoken      int
	lastPartial time.Time
	idleTimer   *time.Timer
	closed      bool
}

func (st *streamState) push(samples []int16) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	now := time.Now()
	utts, err := st.seg.Push(samples, now)
	if err != nil {
		st.engine.logger.Warn("segmenter rejected samples",
			slog.String("user_id", st.member.UserID()),
			slog.String("error", err.Error()))
		return
	}

	for _, u := range utts {
		st.beginLocked(now)
		st.finishLocked(u, now)
	}
	if st.seg.GetStats().InSpeech {
		st.beginLocked(now)
		if now.Sub(st.lastPartial) >= st.engine.partialInterval {
			st.partialLocked(now)
		}
	}
	st.armIdleTimerLocked()
}

func (st *streamState) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
}

// beginLocked opens a request for the utterance in progress: a processing
// notice followed by the first partial.
func (st *streamState) beginLocked(now time.Time) {
	if st.requestID != "" {
		return
	}
	st.requestID = uuid.NewString()
	st.words = strings.Fields(st.engine.nextSentence())
	st.spoken = 0
	st.engine.utterances.Add(1)
	if st.engine.metrics != nil {
		st.engine.metrics.RecordUtterance()
	}
	st.emit(protocol.EventTranscriptionProcessing, protocol.TranscriptionProcessingPayload{
		RequestID: st.requestID,
		Status:    protocol.ResultProcessing,
		Timestamp: now.UnixMilli(),
	})
	st.partialLocked(now)
}

// partialLocked replaces the rolling partial with a longer prefix of the
// sentence attributed to this utterance.
func (st *streamState) partialLocked(now time.Time) {
	step := len(st.words)/3 + 1
	st.spoken += step
	if st.spoken > len(st.words) {
		st.spoken = len(st.words)
	}
	st.lastPartial = now
	st.engine.partials.Add(1)
	if st.engine.metrics != nil {
		st.engine.metrics.RecordEngineResult(protocol.ResultPartial)
	}
	st.emit(protocol.EventTranscriptionResult, protocol.TranscriptionResultPayload{
		Text:       strings.Join(st.words[:st.spoken], " "),
		Confidence: 0.6,
		Status:     protocol.ResultPartial,
		RequestID:  st.requestID,
		SpeakerID:  st.member.UserID(),
		Timestamp:  now.UnixMilli(),
	})
}

func (st *streamState) finishLocked(u *vad.Utterance, now time.Time) {
	requestID := st.requestID
	words := st.words
	st.requestID = ""
	st.words = nil
	st.spoken = 0

	if st.engine.mode == ModeExternal {
		go st.engine.transcribeExternal(st.member, st.emit, requestID, u, st.sampleRate)
		return
	}
	confidence := 0.8 + 0.19*u.Confidence
	st.engine.emitFinal(st.emit, requestID, st.member.UserID(), strings.Join(words, " "), confidence, now)
}

func (st *streamState) armIdleTimerLocked() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(2*st.engine.utteranceSilence, st.onIdle)
}

// onIdle fires when a member stops streaming mid-utterance. The segmenter
// is flushed so the trailing speech still produces a final.
func (st *streamState) onIdle() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	now := time.Now()
	u := st.seg.Flush(now)
	if u == nil {
		if st.requestID != "" {
			// The burst was too short to keep; its request never resolves
			// and the client's timeout reclaims it.
			st.engine.logger.Debug("discarding sub-minimum utterance",
				slog.String("request_id", st.requestID),
				slog.String("user_id", st.member.UserID()))
			st.requestID = ""
			st.words = nil
		}
		return
	}
	st.beginLocked(now)
	st.finishLocked(u, now)
}

// decodeClip decodes a one-shot request body, recovering the sample rate
// from the container when it carries one.
func decodeClip(data []byte, format string) ([]int16, int, error) {
	if format == protocol.FormatWAV {
		samples, info, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		return samples, info.SampleRate, nil
	}
	samples, err := audio.DecodeFrame(data, format)
	if err != nil {
		return nil, 0, err
	}
	return samples, defaultSampleRate, nil
}
