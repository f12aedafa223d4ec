package audio

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

func toneChunk(samples int, amplitude float64) Chunk {
	c := Chunk{
		Samples:    make([]int16, samples),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Now(),
	}
	for i := range c.Samples {
		c.Samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return c
}

func TestNewEncoderValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  EncoderConfig
		wantErr bool
	}{
		{
			name:    "valid pcm16",
			config:  EncoderConfig{Format: protocol.FormatPCM16, SampleRate: 16000, Channels: 1},
			wantErr: false,
		},
		{
			name:    "valid wav compressed",
			config:  EncoderConfig{Format: protocol.FormatWAV, Compress: true, SampleRate: 16000, Channels: 1},
			wantErr: false,
		},
		{
			name:    "unknown format",
			config:  EncoderConfig{Format: "opus", SampleRate: 16000, Channels: 1},
			wantErr: true,
		},
		{
			name:    "mulaw is wire-only",
			config:  EncoderConfig{Format: protocol.FormatMulaw, SampleRate: 16000, Channels: 1},
			wantErr: true,
		},
		{
			name:    "zero sample rate",
			config:  EncoderConfig{Format: protocol.FormatPCM16, Channels: 1},
			wantErr: true,
		},
		{
			name:    "zero channels",
			config:  EncoderConfig{Format: protocol.FormatPCM16, SampleRate: 16000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder(tt.config)
			if tt.wantErr && err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error for %s, got %v", tt.name, err)
			}
		})
	}
}

func TestEncodeFramePCM16(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{Format: protocol.FormatPCM16, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	chunks := []Chunk{toneChunk(160, 8000), toneChunk(160, 8000)}
	frame, err := enc.EncodeFrame(chunks)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	if frame.Format != protocol.FormatPCM16 {
		t.Errorf("Expected format pcm16, got %s", frame.Format)
	}
	if frame.OriginalChunks != 2 {
		t.Errorf("Expected 2 original chunks, got %d", frame.OriginalChunks)
	}
	if frame.OriginalSize != 640 {
		t.Errorf("Expected original size 640, got %d", frame.OriginalSize)
	}
	if len(frame.Data) != 640 {
		t.Errorf("Expected 640 data bytes, got %d", len(frame.Data))
	}
	if frame.Ratio != 1.0 {
		t.Errorf("Expected ratio 1.0 without compression, got %v", frame.Ratio)
	}

	decoded, err := DecodeFrame(frame.Data, frame.Format)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if len(decoded) != 320 {
		t.Errorf("Expected 320 samples, got %d", len(decoded))
	}
	if decoded[5] != chunks[0].Samples[5] {
		t.Errorf("Expected sample %d, got %d", chunks[0].Samples[5], decoded[5])
	}
}

func TestEncodeFrameWAV(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{Format: protocol.FormatWAV, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	frame, err := enc.EncodeFrame([]Chunk{toneChunk(160, 8000)})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	if !bytes.HasPrefix(frame.Data, []byte("RIFF")) {
		t.Error("Expected RIFF container")
	}
	if frame.CompressedSize != len(frame.Data) {
		t.Errorf("Expected compressed size %d, got %d", len(frame.Data), frame.CompressedSize)
	}
}

func TestEncodeFrameCompressed(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{Format: protocol.FormatPCM16, Compress: true, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	original := toneChunk(2048, 8000)
	frame, err := enc.EncodeFrame([]Chunk{original})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	if frame.Format != protocol.FormatMulaw {
		t.Errorf("Expected wire format mulaw, got %s", frame.Format)
	}
	if frame.CompressedSize >= frame.OriginalSize {
		t.Errorf("Expected compression to shrink %d bytes, got %d", frame.OriginalSize, frame.CompressedSize)
	}
	if frame.Ratio <= 1.0 {
		t.Errorf("Expected ratio above 1.0, got %v", frame.Ratio)
	}

	decoded, err := DecodeFrame(frame.Data, frame.Format)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if len(decoded) != len(original.Samples) {
		t.Fatalf("Expected %d samples, got %d", len(original.Samples), len(decoded))
	}

	// Mu-law is lossy; verify the reconstruction stays close at this level.
	for i := range decoded {
		diff := int(decoded[i]) - int(original.Samples[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > 300 {
			t.Fatalf("Sample %d error too large: expected near %d, got %d", i, original.Samples[i], decoded[i])
		}
	}
}

func TestEncodeFrameEmpty(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{Format: protocol.FormatPCM16, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	if _, err := enc.EncodeFrame(nil); err == nil {
		t.Error("Expected error for empty chunk batch, got nil")
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		format string
	}{
		{"empty data", nil, protocol.FormatPCM16},
		{"odd pcm16", []byte{1, 2, 3}, protocol.FormatPCM16},
		{"unknown format", []byte{1, 2}, "opus"},
		{"bad mulaw stream", []byte{0xFF, 0xFF, 0xFF}, protocol.FormatMulaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(tt.data, tt.format); err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestMulawExtremes(t *testing.T) {
	in := []int16{-32768, -1, 0, 1, 32767}
	out := DecodeMulaw(EncodeMulaw(in))

	if len(out) != len(in) {
		t.Fatalf("Expected %d samples, got %d", len(in), len(out))
	}
	if out[0] > -30000 {
		t.Errorf("Expected negative extreme near -32124, got %d", out[0])
	}
	if out[4] < 30000 {
		t.Errorf("Expected positive extreme near 32124, got %d", out[4])
	}
	for i := 1; i <= 3; i++ {
		if out[i] < -16 || out[i] > 16 {
			t.Errorf("Expected near-zero reconstruction for %d, got %d", in[i], out[i])
		}
	}
}
