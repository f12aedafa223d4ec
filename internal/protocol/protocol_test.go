package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeParseEnvelopeRoundTrip(t *testing.T) {
	payload := SessionJoinPayload{SessionID: "interview-42"}

	data, err := EncodeEnvelope(EventSessionJoin, 7, payload)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	if env.Event != EventSessionJoin {
		t.Errorf("Expected event %s, got %s", EventSessionJoin, env.Event)
	}
	if env.ID != 7 {
		t.Errorf("Expected id 7, got %d", env.ID)
	}

	var decoded SessionJoinPayload
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if decoded.SessionID != "interview-42" {
		t.Errorf("Expected sessionId interview-42, got %s", decoded.SessionID)
	}
}

func TestEncodeEnvelopeOmitsZeroID(t *testing.T) {
	data, err := EncodeEnvelope(EventSessionLeave, 0, SessionLeavePayload{})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	if strings.Contains(string(data), `"id"`) {
		t.Errorf("Expected no id field for id 0, got %s", data)
	}
}

func TestEncodeEnvelopeNilPayload(t *testing.T) {
	data, err := EncodeEnvelope(EventSessionLeave, 0, nil)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	var decoded SessionLeavePayload
	if err := env.DecodePayload(&decoded); err != nil {
		t.Errorf("Expected nil payload to decode as zero value, got error: %v", err)
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty message",
			data: []byte{},
		},
		{
			name: "invalid JSON",
			data: []byte(`{"event": "session:join"`),
		},
		{
			name: "missing event name",
			data: []byte(`{"payload": {}}`),
		},
		{
			name: "not an object",
			data: []byte(`[1, 2, 3]`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope(tt.data)
			if err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestAudioStreamPayloadWireFields(t *testing.T) {
	payload := AudioStreamPayload{
		FrameID:      "frame-1",
		Timestamp:    1700000000000,
		Format:       FormatMulaw,
		SampleRate:   16000,
		ChannelCount: 1,
		Data:         []byte{0x01, 0x02, 0x03},
		Metadata: AudioStreamMetadata{
			OriginalChunks:   2,
			OriginalSize:     8192,
			CompressedSize:   1024,
			CompressionRatio: 8.0,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"frameId", "timestamp", "format", "sampleRate", "channelCount", "data", "metadata"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected wire field %q, got keys %v", key, fieldNames(fields))
		}
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal(fields["metadata"], &meta); err != nil {
		t.Fatalf("Unmarshal metadata failed: %v", err)
	}
	for _, key := range []string{"originalChunks", "originalSize", "compressedSize", "compressionRatio"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("Expected metadata field %q, got keys %v", key, fieldNames(meta))
		}
	}

	// []byte round-trips through base64 text.
	var decoded AudioStreamPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal payload failed: %v", err)
	}
	if len(decoded.Data) != 3 || decoded.Data[0] != 0x01 {
		t.Errorf("Expected data [1 2 3], got %v", decoded.Data)
	}
}

func fieldNames(m map[string]json.RawMessage) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func TestDecodePayloadSessionJoined(t *testing.T) {
	raw := []byte(`{"event":"session:joined","payload":{"sessionId":"s1","stats":{"memberCount":2,"createdAt":1700000000000,"lastActivity":1700000001000},"timestamp":1700000002000}}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	var joined SessionJoinedPayload
	if err := env.DecodePayload(&joined); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}

	if joined.SessionID != "s1" {
		t.Errorf("Expected sessionId s1, got %s", joined.SessionID)
	}
	if joined.Stats == nil {
		t.Fatal("Expected stats, got nil")
	}
	if joined.Stats.MemberCount != 2 {
		t.Errorf("Expected memberCount 2, got %d", joined.Stats.MemberCount)
	}
}

func TestIsValidEvent(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		valid bool
	}{
		{"session join", EventSessionJoin, true},
		{"audio stream", EventAudioStream, true},
		{"transcription result", EventTranscriptionResult, true},
		{"suggestions", EventResponseSuggestions, true},
		{"ack", EventAck, true},
		{"unknown", Event("session:explode"), false},
		{"empty", Event(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidEvent(tt.event); got != tt.valid {
				t.Errorf("Expected IsValidEvent(%q) = %v, got %v", tt.event, tt.valid, got)
			}
		})
	}
}

func TestIsValidStatus(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		valid  bool
	}{
		{"idle", StatusIdle, true},
		{"active", StatusActive, true},
		{"paused", StatusPaused, true},
		{"recording", StatusRecording, true},
		{"processing", StatusProcessing, true},
		{"unknown", Status("sleeping"), false},
		{"empty", Status(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidStatus(tt.status); got != tt.valid {
				t.Errorf("Expected IsValidStatus(%q) = %v, got %v", tt.status, tt.valid, got)
			}
		})
	}
}

func TestIsValidResultStatus(t *testing.T) {
	if !IsValidResultStatus(ResultPartial) {
		t.Error("Expected partial to be a valid result status")
	}
	if !IsValidResultStatus(ResultFinal) {
		t.Error("Expected final to be a valid result status")
	}
	if IsValidResultStatus(ResultProcessing) {
		t.Error("Expected processing to be rejected as a result status")
	}
	if IsValidResultStatus("done") {
		t.Error("Expected done to be rejected as a result status")
	}
}
