package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/udeope/Real-time-interview-sub004/internal/audio"
)

// micSource captures the default input device through portaudio. It
// implements audio.Source so the rest of the pipeline does not care whether
// audio comes from hardware or the synthetic tone.
type micSource struct {
	sampleRate      int
	channels        int
	framesPerBuffer int

	mu      sync.Mutex
	started bool
	stream  *portaudio.Stream
	out     chan audio.Chunk
}

func newMicSource(sampleRate, channels int, chunkDuration time.Duration) (*micSource, error) {
	frames := int(float64(sampleRate) * chunkDuration.Seconds())
	if frames <= 0 {
		return nil, fmt.Errorf("chunk duration %v too short for %d Hz", chunkDuration, sampleRate)
	}
	return &micSource{
		sampleRate:      sampleRate,
		channels:        channels,
		framesPerBuffer: frames,
		out:             make(chan audio.Chunk, 8),
	}, nil
}

func (m *micSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("source already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("no default input device: %w", err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: m.channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.sampleRate),
		FramesPerBuffer: m.framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, m.onInput)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	m.stream = stream
	m.started = true
	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// onInput runs on the portaudio callback thread and must never block; a
// full channel drops the chunk instead.
func (m *micSource) onInput(in []int16) {
	if len(in) == 0 {
		return
	}
	samples := make([]int16, len(in))
	copy(samples, in)
	select {
	case m.out <- audio.Chunk{
		Samples:    samples,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		Timestamp:  time.Now(),
	}:
	default:
	}
}

func (m *micSource) Chunks() <-chan audio.Chunk {
	return m.out
}

func (m *micSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	err := m.stream.Stop()
	m.stream.Close()
	portaudio.Terminate()
	return err
}
