package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// SyntheticSource generates a continuous sine tone sliced into fixed
// duration chunks. It stands in for a microphone in tests and demos.
type SyntheticSource struct {
	sampleRate    int
	channels      int
	chunkDuration time.Duration
	frequency     float64
	amplitude     float64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	out     chan Chunk

	phase float64
}

// NewSyntheticSource creates a tone source. chunkDuration controls how much
// audio each emitted chunk carries.
func NewSyntheticSource(sampleRate, channels int, chunkDuration time.Duration) (*SyntheticSource, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if chunkDuration <= 0 {
		return nil, fmt.Errorf("invalid chunk duration: %v", chunkDuration)
	}
	return &SyntheticSource{
		sampleRate:    sampleRate,
		channels:      channels,
		chunkDuration: chunkDuration,
		frequency:     440,
		amplitude:     8000,
		out:           make(chan Chunk, 8),
	}, nil
}

// Start begins emitting chunks until the context is canceled or Stop is
// called. Chunks are dropped when the consumer falls behind.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("source already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	return nil
}

// Chunks returns the output channel. It is closed after Stop.
func (s *SyntheticSource) Chunks() <-chan Chunk {
	return s.out
}

// Stop halts generation and closes the chunk channel.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (s *SyntheticSource) run(ctx context.Context) {
	defer close(s.out)
	defer close(s.done)

	ticker := time.NewTicker(s.chunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			chunk := Chunk{
				Samples:    s.nextSamples(),
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				Timestamp:  now,
			}
			select {
			case s.out <- chunk:
			default:
				// Consumer is behind; drop rather than stall generation.
			}
		}
	}
}

func (s *SyntheticSource) nextSamples() []int16 {
	frames := int(float64(s.sampleRate) * s.chunkDuration.Seconds())
	samples := make([]int16, frames*s.channels)
	step := 2 * math.Pi * s.frequency / float64(s.sampleRate)
	for f := 0; f < frames; f++ {
		v := int16(s.amplitude * math.Sin(s.phase))
		s.phase += step
		for c := 0; c < s.channels; c++ {
			samples[f*s.channels+c] = v
		}
	}
	if s.phase > 2*math.Pi {
		s.phase -= 2 * math.Pi * math.Floor(s.phase/(2*math.Pi))
	}
	return samples
}
