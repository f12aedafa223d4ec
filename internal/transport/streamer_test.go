package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/udeope/Real-time-interview-sub004/internal/audio"
	"github.com/udeope/Real-time-interview-sub004/internal/connection"
	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    []protocol.AudioStreamPayload
	acks      []connection.AckFunc
}

func (f *fakeConn) Send(event protocol.Event, payload interface{}, ack connection.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if event != protocol.EventAudioStream {
		return fmt.Errorf("unexpected event %s", event)
	}
	p, ok := payload.(protocol.AudioStreamPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	f.frames = append(f.frames, p)
	if ack != nil {
		f.acks = append(f.acks, ack)
	}
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) frame(i int) protocol.AudioStreamPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) lastAck() connection.AckFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acks) == 0 {
		return nil
	}
	return f.acks[len(f.acks)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStreamer(t *testing.T, conn *fakeConn, config StreamerConfig) *Streamer {
	t.Helper()
	config.Logger = testLogger()
	s, err := NewStreamer(conn, config)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}
	return s
}

func pcmChunk(samples int, marker int16) audio.Chunk {
	data := make([]int16, samples)
	if samples > 0 {
		data[0] = marker
	}
	for i := 1; i < samples; i++ {
		data[i] = int16(i % 100)
	}
	return audio.Chunk{
		Samples:    data,
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Now(),
	}
}

func pcm16Config() audio.EncoderConfig {
	return audio.EncoderConfig{
		Format:     protocol.FormatPCM16,
		SampleRate: 16000,
		Channels:   1,
	}
}

func waitForFrames(t *testing.T, conn *fakeConn, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.frameCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d frames, got %d", want, conn.frameCount())
}

func TestNewStreamerValidation(t *testing.T) {
	if _, err := NewStreamer(nil, StreamerConfig{}); err == nil {
		t.Error("Expected error for nil connection")
	}
	if _, err := NewStreamer(&fakeConn{}, StreamerConfig{FlushBytes: -1}); err == nil {
		t.Error("Expected error for negative flush bytes")
	}
	if _, err := NewStreamer(&fakeConn{}, StreamerConfig{FlushInterval: -time.Second}); err == nil {
		t.Error("Expected error for negative flush interval")
	}
}

func TestStartStreamingTwice(t *testing.T) {
	s := newTestStreamer(t, &fakeConn{connected: true}, StreamerConfig{})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := s.StartStreaming(pcm16Config()); err == nil {
		t.Error("Expected error when starting an active stream")
	}
	if !s.IsActive() {
		t.Error("Expected stream to stay active after rejected restart")
	}
}

func TestStreamChunkWhileInactive(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{})

	if err := s.StreamChunk(pcmChunk(2500, 1)); err != nil {
		t.Fatalf("Expected inactive chunk to be ignored, got %v", err)
	}
	if conn.frameCount() != 0 {
		t.Errorf("Expected no frames, got %d", conn.frameCount())
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: 100 * time.Millisecond})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	// 2500 samples is 5000 bytes, past the 4096 byte threshold in one add.
	if err := s.StreamChunk(pcmChunk(2500, 7)); err != nil {
		t.Fatalf("StreamChunk failed: %v", err)
	}

	if conn.frameCount() != 1 {
		t.Fatalf("Expected exactly one frame, got %d", conn.frameCount())
	}

	// The interval timer must not produce a second frame from the same data.
	time.Sleep(150 * time.Millisecond)
	if conn.frameCount() != 1 {
		t.Errorf("Expected one frame after interval, got %d", conn.frameCount())
	}

	frame := conn.frame(0)
	if frame.FrameID == "" {
		t.Error("Expected a frame id")
	}
	if frame.Format != protocol.FormatPCM16 {
		t.Errorf("Expected format pcm16, got %s", frame.Format)
	}
	if frame.Metadata.OriginalChunks != 1 {
		t.Errorf("Expected 1 original chunk, got %d", frame.Metadata.OriginalChunks)
	}
	if frame.Metadata.OriginalSize != 5000 {
		t.Errorf("Expected original size 5000, got %d", frame.Metadata.OriginalSize)
	}
	if frame.Metadata.CompressionRatio != 1.0 {
		t.Errorf("Expected ratio 1.0 for pcm16, got %f", frame.Metadata.CompressionRatio)
	}

	stats := s.GetStats()
	if stats.FramesSent != 1 {
		t.Errorf("Expected 1 frame sent, got %d", stats.FramesSent)
	}
	if stats.BytesSent != uint64(len(frame.Data)) {
		t.Errorf("Expected %d bytes sent, got %d", len(frame.Data), stats.BytesSent)
	}
	if stats.PendingChunks != 0 {
		t.Errorf("Expected empty buffer, got %d pending", stats.PendingChunks)
	}
}

func TestIntervalTriggeredFlush(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: 30 * time.Millisecond})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	// 320 samples is 640 bytes, well below the size threshold.
	if err := s.StreamChunk(pcmChunk(320, 3)); err != nil {
		t.Fatalf("StreamChunk failed: %v", err)
	}
	if conn.frameCount() != 0 {
		t.Fatalf("Expected no immediate frame, got %d", conn.frameCount())
	}

	waitForFrames(t, conn, 1)

	frame := conn.frame(0)
	if frame.Metadata.OriginalSize != 640 {
		t.Errorf("Expected original size 640, got %d", frame.Metadata.OriginalSize)
	}
	if s.GetStats().PendingChunks != 0 {
		t.Error("Expected buffer to drain after interval flush")
	}
}

func TestFlushOrderMonotonic(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 1000, FlushInterval: time.Minute})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	// Every chunk is 1200 bytes and trips the 1000 byte threshold on its own.
	const frames = 12
	for i := 0; i < frames; i++ {
		if err := s.StreamChunk(pcmChunk(600, int16(i+1))); err != nil {
			t.Fatalf("StreamChunk %d failed: %v", i, err)
		}
	}

	if conn.frameCount() != frames {
		t.Fatalf("Expected %d frames, got %d", frames, conn.frameCount())
	}

	seen := make(map[string]bool)
	for i := 0; i < frames; i++ {
		frame := conn.frame(i)
		if seen[frame.FrameID] {
			t.Errorf("Duplicate frame id %s", frame.FrameID)
		}
		seen[frame.FrameID] = true

		samples, err := audio.DecodeFrame(frame.Data, frame.Format)
		if err != nil {
			t.Fatalf("DecodeFrame %d failed: %v", i, err)
		}
		if got := samples[0]; got != int16(i+1) {
			t.Errorf("Frame %d carries marker %d, order broken", i, got)
		}
	}
}

func TestEncodeFailureDropsBatchAndContinues(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: time.Minute})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	// An empty chunk makes the batch unencodable.
	if err := s.StreamChunk(pcmChunk(0, 0)); err != nil {
		t.Fatalf("StreamChunk failed: %v", err)
	}
	err := s.flush("test")
	var streamErr *StreamingError
	if !errors.As(err, &streamErr) {
		t.Fatalf("Expected StreamingError, got %v", err)
	}
	if streamErr.Stage != "encode" {
		t.Errorf("Expected encode stage, got %s", streamErr.Stage)
	}

	stats := s.GetStats()
	if stats.FramesFailed != 1 {
		t.Errorf("Expected 1 failed frame, got %d", stats.FramesFailed)
	}
	if !stats.Active {
		t.Error("Expected streaming to continue after a dropped batch")
	}

	if err := s.StreamChunk(pcmChunk(2500, 9)); err != nil {
		t.Fatalf("StreamChunk after failure returned %v", err)
	}
	if conn.frameCount() != 1 {
		t.Errorf("Expected next batch to ship, got %d frames", conn.frameCount())
	}
}

func TestSendFailureDropsFrame(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: time.Minute})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	conn.setSendErr(&connection.NotConnectedError{Op: "send audio:stream"})
	err := s.StreamChunk(pcmChunk(2500, 1))
	var streamErr *StreamingError
	if !errors.As(err, &streamErr) {
		t.Fatalf("Expected StreamingError, got %v", err)
	}
	if streamErr.Stage != "send" {
		t.Errorf("Expected send stage, got %s", streamErr.Stage)
	}
	if streamErr.FrameID == "" {
		t.Error("Expected the dropped frame id in the error")
	}

	conn.setSendErr(nil)
	if err := s.StreamChunk(pcmChunk(2500, 2)); err != nil {
		t.Fatalf("StreamChunk after recovery returned %v", err)
	}

	stats := s.GetStats()
	if stats.FramesFailed != 1 || stats.FramesSent != 1 {
		t.Errorf("Expected 1 failed and 1 sent, got %d failed %d sent",
			stats.FramesFailed, stats.FramesSent)
	}
}

func TestAckUpdatesLatencyAndServerTimestamp(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: time.Minute})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := s.StreamChunk(pcmChunk(2500, 1)); err != nil {
		t.Fatalf("StreamChunk failed: %v", err)
	}

	ack := conn.lastAck()
	if ack == nil {
		t.Fatal("Expected frame send to register an ack callback")
	}

	time.Sleep(5 * time.Millisecond)
	ack(protocol.AckPayload{Timestamp: 4242})

	stats := s.GetStats()
	if stats.LastServerTimestamp != 4242 {
		t.Errorf("Expected server timestamp 4242, got %d", stats.LastServerTimestamp)
	}
	if stats.SendLatencyMs <= 0 {
		t.Errorf("Expected positive smoothed latency, got %f", stats.SendLatencyMs)
	}
}

func TestCompressedFramesFoldRatio(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: time.Minute})

	config := pcm16Config()
	config.Compress = true
	if err := s.StartStreaming(config); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.StreamChunk(pcmChunk(2500, int16(i+1))); err != nil {
			t.Fatalf("StreamChunk %d failed: %v", i, err)
		}
	}

	if conn.frameCount() != 2 {
		t.Fatalf("Expected 2 frames, got %d", conn.frameCount())
	}
	if got := conn.frame(0).Format; got != protocol.FormatMulaw {
		t.Errorf("Expected compressed format mulaw, got %s", got)
	}

	stats := s.GetStats()
	if stats.CompressionRatio <= 1.0 {
		t.Errorf("Expected smoothed ratio above 1.0, got %f", stats.CompressionRatio)
	}
}

func TestStopStreamingFlushesPending(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestStreamer(t, conn, StreamerConfig{FlushBytes: 4096, FlushInterval: time.Minute})

	if err := s.StartStreaming(pcm16Config()); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := s.StreamChunk(pcmChunk(320, 5)); err != nil {
		t.Fatalf("StreamChunk failed: %v", err)
	}
	if conn.frameCount() != 0 {
		t.Fatalf("Expected chunk to stay buffered, got %d frames", conn.frameCount())
	}

	if err := s.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming failed: %v", err)
	}
	if conn.frameCount() != 1 {
		t.Errorf("Expected final flush to ship the pending chunk, got %d frames", conn.frameCount())
	}
	if s.IsActive() {
		t.Error("Expected stream inactive after stop")
	}
	if err := s.StopStreaming(); err == nil {
		t.Error("Expected error stopping an inactive stream")
	}
}
