package vad

import (
	"fmt"
	"sync"
	"time"
)

// Segmenter defaults, tuned for conversational speech at 16kHz.
const (
	DefaultThreshold       = 0.1
	DefaultSilenceHangover = 600 * time.Millisecond
	DefaultMinUtterance    = 200 * time.Millisecond
	DefaultMaxUtterance    = 15 * time.Second
)

// SegmenterConfig configures utterance segmentation.
type SegmenterConfig struct {
	SampleRate int
	// WindowSize is the samples per scored window. Zero picks 20ms worth.
	WindowSize int
	// Threshold is the speech probability that counts a window as voiced.
	Threshold float64
	// SilenceHangover is the silence run that closes an utterance.
	SilenceHangover time.Duration
	// MinUtterance discards shorter bursts as noise.
	MinUtterance time.Duration
	// MaxUtterance force-closes an utterance that never goes silent.
	MaxUtterance time.Duration
}

// Utterance is one contiguous stretch of speech cut from the stream.
type Utterance struct {
	Samples    []int16       `json:"-"`
	Duration   time.Duration `json:"duration"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Confidence float64       `json:"confidence"` // Mean confidence of voiced windows
	Windows    int           `json:"windows"`
	Forced     bool          `json:"forced"` // Closed by length cap or flush, not silence
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	Utterances      uint64 `json:"utterances"`
	Discarded       uint64 `json:"discarded"`
	InSpeech        bool   `json:"in_speech"`
	BufferedWindows int    `json:"buffered_windows"`
	ResidualSamples int    `json:"residual_samples"`
}

// Segmenter accumulates a PCM stream, scores it window by window and cuts
// it into utterances at silence boundaries. Pauses shorter than the
// hangover stay inside the utterance.
type Segmenter struct {
	detector   *Detector
	sampleRate int
	windowSize int

	hangoverWindows int
	minWindows      int
	maxWindows      int

	mu            sync.Mutex
	residual      []int16
	current       []int16
	inSpeech      bool
	silenceRun    int
	windowCount   int
	voicedWindows int
	confidenceSum float64
	startedAt     time.Time

	utterances uint64
	discarded  uint64
}

// NewSegmenter creates a segmenter for the given stream parameters.
func NewSegmenter(config SegmenterConfig) (*Segmenter, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.WindowSize == 0 {
		config.WindowSize = config.SampleRate / 50
	}
	if config.WindowSize < 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", config.WindowSize)
	}
	if config.Threshold == 0 {
		config.Threshold = DefaultThreshold
	}
	if config.SilenceHangover == 0 {
		config.SilenceHangover = DefaultSilenceHangover
	}
	if config.MinUtterance == 0 {
		config.MinUtterance = DefaultMinUtterance
	}
	if config.MaxUtterance == 0 {
		config.MaxUtterance = DefaultMaxUtterance
	}
	if config.MaxUtterance <= config.MinUtterance {
		return nil, fmt.Errorf("max utterance (%v) must exceed min utterance (%v)",
			config.MaxUtterance, config.MinUtterance)
	}

	detector, err := NewDetector(config.Threshold, config.WindowSize, config.SampleRate)
	if err != nil {
		return nil, err
	}

	windowDuration := time.Duration(config.WindowSize) * time.Second / time.Duration(config.SampleRate)
	hangover := int(config.SilenceHangover / windowDuration)
	if hangover < 1 {
		hangover = 1
	}
	minW := int(config.MinUtterance / windowDuration)
	if minW < 1 {
		minW = 1
	}
	maxW := int(config.MaxUtterance / windowDuration)

	return &Segmenter{
		detector:        detector,
		sampleRate:      config.SampleRate,
		windowSize:      config.WindowSize,
		hangoverWindows: hangover,
		minWindows:      minW,
		maxWindows:      maxW,
	}, nil
}

// Push feeds samples into the segmenter and returns any utterances the new
// audio completed. Samples that do not fill a whole window are held for the
// next push.
func (s *Segmenter) Push(samples []int16, at time.Time) ([]*Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.residual = append(s.residual, samples...)

	var completed []*Utterance
	for len(s.residual) >= s.windowSize {
		window := s.residual[:s.windowSize]
		s.residual = s.residual[s.windowSize:]

		result, err := s.detector.Detect(window)
		if err != nil {
			return completed, err
		}

		if !s.inSpeech {
			if !result.HasVoice {
				continue
			}
			s.inSpeech = true
			s.silenceRun = 0
			s.startedAt = at
		}

		s.current = append(s.current, window...)
		s.windowCount++
		if result.HasVoice {
			s.silenceRun = 0
			s.voicedWindows++
			s.confidenceSum += result.Confidence
		} else {
			s.silenceRun++
		}

		if s.silenceRun >= s.hangoverWindows {
			if u := s.closeLocked(at, false); u != nil {
				completed = append(completed, u)
			}
			continue
		}
		if s.windowCount >= s.maxWindows {
			if u := s.closeLocked(at, true); u != nil {
				completed = append(completed, u)
			}
		}
	}

	return completed, nil
}

// Flush force-closes the in-progress utterance, if any. Bursts shorter than
// the minimum are discarded.
func (s *Segmenter) Flush(at time.Time) *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inSpeech {
		return nil
	}
	return s.closeLocked(at, true)
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		Utterances:      s.utterances,
		Discarded:       s.discarded,
		InSpeech:        s.inSpeech,
		BufferedWindows: s.windowCount,
		ResidualSamples: len(s.residual),
	}
}

// closeLocked finalizes the in-progress utterance. A close at a silence
// boundary trims the trailing hangover so the utterance ends on speech.
func (s *Segmenter) closeLocked(at time.Time, forced bool) *Utterance {
	samples := s.current
	windows := s.windowCount
	if !forced {
		trim := s.silenceRun * s.windowSize
		samples = samples[:len(samples)-trim]
		windows -= s.silenceRun
	}

	var u *Utterance
	if windows >= s.minWindows {
		confidence := float64(0)
		if s.voicedWindows > 0 {
			confidence = s.confidenceSum / float64(s.voicedWindows)
		}
		u = &Utterance{
			Samples:    append([]int16(nil), samples...),
			Duration:   time.Duration(len(samples)) * time.Second / time.Duration(s.sampleRate),
			Start:      s.startedAt,
			End:        at,
			Confidence: confidence,
			Windows:    windows,
			Forced:     forced,
		}
		s.utterances++
	} else {
		s.discarded++
	}

	s.current = nil
	s.inSpeech = false
	s.silenceRun = 0
	s.windowCount = 0
	s.voicedWindows = 0
	s.confidenceSum = 0
	s.startedAt = time.Time{}

	return u
}
