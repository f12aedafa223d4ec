package protocol

import (
	"encoding/json"
	"fmt"
)

// Event identifies a message on the wire. The set below is closed: anything
// else is rejected by IsValidEvent and routed to the receiver's default case.
type Event string

// Outbound events (client to server).
const (
	EventSessionJoin          Event = "session:join"
	EventSessionLeave         Event = "session:leave"
	EventSessionStatus        Event = "session:status"
	EventAudioStream          Event = "audio:stream"
	EventTranscriptionRequest Event = "transcription:request"
)

// Inbound events (server to client).
const (
	EventConnectionSuccess       Event = "connection:success"
	EventConnectionError         Event = "connection:error"
	EventSessionJoined           Event = "session:joined"
	EventSessionLeft             Event = "session:left"
	EventSessionError            Event = "session:error"
	EventSessionStatusUpdated    Event = "session:status:updated"
	EventUserJoined              Event = "user:joined"
	EventUserLeft                Event = "user:left"
	EventUserDisconnected        Event = "user:disconnected"
	EventAudioReceived           Event = "audio:received"
	EventAudioError              Event = "audio:error"
	EventTranscriptionResult     Event = "transcription:result"
	EventTranscriptionProcessing Event = "transcription:processing"
	EventTranscriptionError      Event = "transcription:error"
	EventResponseSuggestions     Event = "responses:suggestions"
)

// EventAck acknowledges receipt of an envelope that carried an id.
// It flows in both directions.
const EventAck Event = "ack"

// Status values a session member can report.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
)

// Transcription result states.
const (
	ResultPartial    = "partial"
	ResultFinal      = "final"
	ResultProcessing = "processing"
)

// Audio wire formats.
const (
	FormatPCM16 = "pcm16"
	FormatWAV   = "wav"
	FormatMulaw = "mulaw"
)

// Envelope is the framing for every WebSocket text message. ID is non-zero
// only when the sender wants an ack; the receiver answers with an EventAck
// envelope carrying the same id before processing the payload.
type Envelope struct {
	Event   Event           `json:"event"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionJoinPayload asks the server to add this connection to a session.
type SessionJoinPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionLeavePayload carries no fields; the server resolves the session
// from the connection.
type SessionLeavePayload struct{}

// SessionStatusPayload reports this member's activity status.
type SessionStatusPayload struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// AudioStreamMetadata describes how a frame was assembled and compressed.
type AudioStreamMetadata struct {
	OriginalChunks   int     `json:"originalChunks"`
	OriginalSize     int     `json:"originalSize"`
	CompressedSize   int     `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// AudioStreamPayload is one encoded audio frame. Data is base64 on the wire.
type AudioStreamPayload struct {
	FrameID      string              `json:"frameId"`
	Timestamp    int64               `json:"timestamp"`
	Format       string              `json:"format"`
	SampleRate   int                 `json:"sampleRate"`
	ChannelCount int                 `json:"channelCount"`
	Data         []byte              `json:"data"`
	Metadata     AudioStreamMetadata `json:"metadata"`
}

// TranscriptionRequestPayload submits a standalone clip for transcription,
// correlated to its results by RequestID.
type TranscriptionRequestPayload struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format,omitempty"`
	RequestID string `json:"requestId"`
}

// ConnectionSuccessPayload completes the application handshake.
type ConnectionSuccessPayload struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionErrorPayload rejects the application handshake.
type ConnectionErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SessionStats summarizes a session at join time.
type SessionStats struct {
	MemberCount  int   `json:"memberCount"`
	CreatedAt    int64 `json:"createdAt"`
	LastActivity int64 `json:"lastActivity"`
}

// SessionJoinedPayload confirms a join request.
type SessionJoinedPayload struct {
	SessionID string        `json:"sessionId"`
	Stats     *SessionStats `json:"stats,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// SessionLeftPayload confirms a leave request.
type SessionLeftPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// SessionErrorPayload rejects a session operation.
type SessionErrorPayload struct {
	Message string `json:"message"`
}

// SessionStatusUpdatedPayload broadcasts a member's status change.
type SessionStatusUpdatedPayload struct {
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// UserPresencePayload is shared by user:joined, user:left and
// user:disconnected.
type UserPresencePayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// AudioReceivedPayload relays another member's audio frame.
type AudioReceivedPayload struct {
	UserID     string `json:"userId"`
	AudioData  []byte `json:"audioData"`
	Timestamp  int64  `json:"timestamp"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// AudioErrorPayload reports a server-side audio processing failure.
type AudioErrorPayload struct {
	Message string `json:"message"`
}

// TranscriptionResultPayload is a partial or final transcription segment.
type TranscriptionResultPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	RequestID  string  `json:"requestId,omitempty"`
	SpeakerID  string  `json:"speakerId,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// TranscriptionProcessingPayload signals that transcription work started
// for a request.
type TranscriptionProcessingPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptionErrorPayload reports a transcription failure. RequestID is
// present when the failure belongs to a specific request.
type TranscriptionErrorPayload struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ResponseSuggestion is one generated answer candidate.
type ResponseSuggestion struct {
	ID                string   `json:"id"`
	Content           string   `json:"content"`
	Structure         string   `json:"structure,omitempty"`
	EstimatedDuration int      `json:"estimatedDuration,omitempty"`
	Confidence        float64  `json:"confidence"`
	Tags              []string `json:"tags,omitempty"`
}

// ResponseSuggestionsPayload delivers answer candidates for the latest turn.
type ResponseSuggestionsPayload struct {
	Responses []ResponseSuggestion `json:"responses"`
	Timestamp int64                `json:"timestamp"`
}

// AckPayload carries the receiver's clock at acknowledgement time.
type AckPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// EncodeEnvelope marshals an event with its payload into wire bytes.
// An id of zero means no acknowledgement is requested.
func EncodeEnvelope(event Event, id uint64, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return data, nil
}

// ParseEnvelope unmarshals wire bytes into an envelope. The payload stays
// raw; callers decode it with DecodePayload once the event is known.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent payload
// decodes as the zero value.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// IsValidEvent reports whether the event is part of the contract.
func IsValidEvent(event Event) bool {
	switch event {
	case EventSessionJoin, EventSessionLeave, EventSessionStatus,
		EventAudioStream, EventTranscriptionRequest,
		EventConnectionSuccess, EventConnectionError,
		EventSessionJoined, EventSessionLeft, EventSessionError,
		EventSessionStatusUpdated,
		EventUserJoined, EventUserLeft, EventUserDisconnected,
		EventAudioReceived, EventAudioError,
		EventTranscriptionResult, EventTranscriptionProcessing, EventTranscriptionError,
		EventResponseSuggestions,
		EventAck:
		return true
	default:
		return false
	}
}

// IsValidStatus reports whether the status is one a member may report.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusIdle, StatusActive, StatusPaused, StatusRecording, StatusProcessing:
		return true
	default:
		return false
	}
}

// IsValidResultStatus reports whether a transcription result status is known.
func IsValidResultStatus(status string) bool {
	switch status {
	case ResultPartial, ResultFinal:
		return true
	default:
		return false
	}
}

// String returns the event name.
func (e Event) String() string {
	return string(e)
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}
