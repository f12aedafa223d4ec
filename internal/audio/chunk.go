package audio

import (
	"context"
	"time"
)

// Chunk is a fixed-duration block of PCM samples tagged with its capture
// time and format. Chunks are the unit flowing from a Source through the
// buffer into encoded frames.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// ByteSize returns the PCM size of the chunk in bytes (2 bytes per sample).
func (c Chunk) ByteSize() int {
	return len(c.Samples) * 2
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Source produces a stream of capture chunks. Implementations own their
// production goroutine; Chunks is closed when the source stops.
type Source interface {
	Start(ctx context.Context) error
	Chunks() <-chan Chunk
	Stop() error
}
