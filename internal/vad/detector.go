package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Detector scores fixed-size windows of PCM samples for speech energy
type Detector struct {
	threshold  float64
	windowSize int // Samples per window (320 for 20ms at 16kHz)
	sampleRate int

	// Detection state
	lastResult float64
	smoothing  float64 // Weight of the newest window in the smoothed score

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the outcome of scoring one window
type Result struct {
	Probability float64   `json:"probability"` // Speech probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`   // Whether speech was detected
	Confidence  float64   `json:"confidence"`  // Confidence in the decision
	Window      int       `json:"window"`      // Window index processed
	Timestamp   time.Time `json:"timestamp"`   // When scoring occurred
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float64   `json:"threshold"`
}

// NewDetector creates a new speech detector instance
func NewDetector(threshold float64, windowSize int, sampleRate int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	detector := &Detector{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  0.7,
	}

	return detector, nil
}

// Detect scores a window of audio samples for speech activity
func (d *Detector) Detect(samples []int16) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(samples) != d.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(samples))
	}

	probability := d.scoreWindow(samples)

	// Smooth against the previous window
	if d.totalWindows > 0 {
		probability = d.smoothing*probability + (1-d.smoothing)*d.lastResult
	}
	d.lastResult = probability

	hasVoice := probability >= d.threshold

	d.totalWindows++
	if hasVoice {
		d.voiceWindows++
	}
	d.lastProcessed = time.Now()

	// Confidence grows with distance from the threshold
	confidence := math.Abs(probability - d.threshold)
	if confidence > 0.5 {
		confidence = 0.5
	}
	confidence = confidence * 2 // Scale to 0-1

	result := &Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence,
		Window:      int(d.totalWindows - 1),
		Timestamp:   time.Now(),
	}

	return result, nil
}

// scoreWindow computes a normalized RMS energy score for one window
func (d *Detector) scoreWindow(samples []int16) float64 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	// Normalize to 0-1 assuming speech peaks around 10000 RMS
	normalized := energy / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}

	return normalized
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return DetectorStats{
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   d.lastProcessed,
		Threshold:       d.threshold,
	}
}

// UpdateThreshold updates the speech detection threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// Reset resets the detector state and statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalWindows = 0
	d.voiceWindows = 0
	d.lastResult = 0
	d.lastProcessed = time.Time{}
}

// GetThreshold returns the current speech detection threshold
func (d *Detector) GetThreshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// GetWindowSize returns the window size in samples
func (d *Detector) GetWindowSize() int {
	return d.windowSize
}
