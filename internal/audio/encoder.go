package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// Frame is the encoded form of one or more buffered chunks, ready to be
// shipped as an audio:stream payload.
type Frame struct {
	Data           []byte
	Format         string
	SampleRate     int
	ChannelCount   int
	OriginalChunks int
	OriginalSize   int
	CompressedSize int
	Ratio          float64
}

// EncoderConfig selects the wire representation of audio frames.
type EncoderConfig struct {
	Format     string // pcm16 or wav when compression is off
	Compress   bool   // mu-law + deflate, wire format becomes mulaw
	SampleRate int
	Channels   int
}

// Encoder turns drained chunk batches into wire frames. It is stateless and
// safe to share; the caller folds the per-frame Ratio into its own EWMA.
type Encoder struct {
	format     string
	compress   bool
	sampleRate int
	channels   int
}

// NewEncoder validates the configuration and returns an encoder.
func NewEncoder(config EncoderConfig) (*Encoder, error) {
	switch config.Format {
	case protocol.FormatPCM16, protocol.FormatWAV:
	default:
		return nil, fmt.Errorf("unsupported frame format %q", config.Format)
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", config.SampleRate)
	}
	if config.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", config.Channels)
	}
	return &Encoder{
		format:     config.Format,
		compress:   config.Compress,
		sampleRate: config.SampleRate,
		channels:   config.Channels,
	}, nil
}

// EncodeFrame concatenates the chunk samples and encodes them for the wire.
// With compression on, samples pass through mu-law and deflate and the
// frame reports the achieved ratio; otherwise the container bytes go out
// as-is with a ratio of 1.
func (e *Encoder) EncodeFrame(chunks []Chunk) (*Frame, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to encode")
	}

	total := 0
	for _, c := range chunks {
		total += len(c.Samples)
	}
	if total == 0 {
		return nil, fmt.Errorf("chunks contain no samples")
	}
	samples := make([]int16, 0, total)
	for _, c := range chunks {
		samples = append(samples, c.Samples...)
	}

	frame := &Frame{
		SampleRate:     e.sampleRate,
		ChannelCount:   e.channels,
		OriginalChunks: len(chunks),
		OriginalSize:   len(samples) * 2,
	}

	if e.compress {
		data, err := deflateBytes(EncodeMulaw(samples))
		if err != nil {
			return nil, fmt.Errorf("failed to compress frame: %w", err)
		}
		frame.Data = data
		frame.Format = protocol.FormatMulaw
		frame.CompressedSize = len(data)
		frame.Ratio = float64(frame.OriginalSize) / float64(len(data))
		return frame, nil
	}

	switch e.format {
	case protocol.FormatPCM16:
		frame.Data = pcmBytes(samples)
	case protocol.FormatWAV:
		data, err := EncodeWAV(samples, e.sampleRate, e.channels)
		if err != nil {
			return nil, fmt.Errorf("failed to encode WAV frame: %w", err)
		}
		frame.Data = data
	}
	frame.Format = e.format
	frame.CompressedSize = len(frame.Data)
	frame.Ratio = 1.0
	return frame, nil
}

// DecodeFrame reverses EncodeFrame for a received payload.
func DecodeFrame(data []byte, format string) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame data")
	}

	switch format {
	case protocol.FormatMulaw:
		raw, err := inflateBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
		return DecodeMulaw(raw), nil
	case protocol.FormatPCM16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("odd pcm16 frame length %d", len(data))
		}
		samples := make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return samples, nil
	case protocol.FormatWAV:
		samples, _, err := DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode WAV frame: %w", err)
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateBytes(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
