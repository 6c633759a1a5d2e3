package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Detector classifies fixed-size windows of audio samples as speech or
// silence. Classification is based on RMS energy with light exponential
// smoothing so single loud or quiet windows do not flip the result.
type Detector struct {
	threshold  float32
	windowSize int // Samples per window (480 for 30ms at 16kHz)
	sampleRate int

	// Detector state
	lastEnergy float32
	smoothing  float32

	// Statistics
	totalWindows uint64
	voiceWindows uint64
	lastWindowAt time.Time

	mu sync.RWMutex
}

// DetectorStats is a snapshot of detector counters.
type DetectorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastWindowAt    time.Time `json:"last_window_at"`
	Threshold       float32   `json:"threshold"`
	WindowSize      int       `json:"window_size"`
}

// NewDetector creates a detector for windows of windowSize samples at the
// given sample rate. The threshold is the normalized energy (0..1) above
// which a window counts as speech.
func NewDetector(threshold float32, windowSize int, sampleRate int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Detector{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  0.3,
	}, nil
}

// Classify processes one window of samples and reports whether it contains
// speech. The window must be exactly WindowSize samples long.
func (d *Detector) Classify(samples []int16) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(samples) != d.windowSize {
		return false, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(samples))
	}

	energy := windowEnergy(samples)

	// Blend in a fraction of the previous window so a single outlier does
	// not flip the classification. The current window keeps most of the
	// weight so the detector still reacts within a window or two.
	if d.totalWindows > 0 {
		energy = (1-d.smoothing)*energy + d.smoothing*d.lastEnergy
	}
	d.lastEnergy = energy

	hasVoice := energy >= d.threshold

	d.totalWindows++
	if hasVoice {
		d.voiceWindows++
	}
	d.lastWindowAt = time.Now()

	return hasVoice, nil
}

// windowEnergy computes the normalized RMS energy of a window, 0 when fully
// silent and approaching 1 for full-scale input.
func windowEnergy(samples []int16) float32 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	// 16-bit full scale is 32768; speech at normal microphone gain sits well
	// below that, so normalize against a lower ceiling.
	normalized := rms / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}

	return float32(normalized)
}

// Stats returns current detector statistics.
func (d *Detector) Stats() DetectorStats {
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
		LastWindowAt:    d.lastWindowAt,
		Threshold:       d.threshold,
		WindowSize:      d.windowSize,
	}
}

// UpdateThreshold changes the speech energy threshold.
func (d *Detector) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// Reset clears the detector state and statistics.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalWindows = 0
	d.voiceWindows = 0
	d.lastEnergy = 0
	d.lastWindowAt = time.Time{}
}

// WindowSize returns the window size in samples.
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// Threshold returns the current speech energy threshold.
func (d *Detector) Threshold() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}
