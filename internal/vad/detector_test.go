package vad

import (
	"testing"
)

const (
	testWindowSize = 480
	testSampleRate = 16000
)

func makeWindow(amplitude int16) []int16 {
	samples := make([]int16, testWindowSize)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func TestNewDetector(t *testing.T) {
	tests := []struct {
		name        string
		threshold   float32
		windowSize  int
		sampleRate  int
		expectError bool
	}{
		{name: "valid parameters", threshold: 0.3, windowSize: testWindowSize, sampleRate: testSampleRate},
		{name: "threshold too low", threshold: -0.1, windowSize: testWindowSize, sampleRate: testSampleRate, expectError: true},
		{name: "threshold too high", threshold: 1.5, windowSize: testWindowSize, sampleRate: testSampleRate, expectError: true},
		{name: "zero window size", threshold: 0.3, windowSize: 0, sampleRate: testSampleRate, expectError: true},
		{name: "zero sample rate", threshold: 0.3, windowSize: testWindowSize, sampleRate: 0, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector, err := NewDetector(tt.threshold, tt.windowSize, tt.sampleRate)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if detector.WindowSize() != tt.windowSize {
				t.Errorf("Expected window size %d, got %d", tt.windowSize, detector.WindowSize())
			}
		})
	}
}

func TestClassifyWindowSizeMismatch(t *testing.T) {
	detector, err := NewDetector(0.3, testWindowSize, testSampleRate)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	_, err = detector.Classify(make([]int16, testWindowSize-1))
	if err == nil {
		t.Error("Expected error for short window")
	}

	_, err = detector.Classify(make([]int16, testWindowSize+1))
	if err == nil {
		t.Error("Expected error for long window")
	}
}

func TestClassifySilenceAndSpeech(t *testing.T) {
	detector, err := NewDetector(0.3, testWindowSize, testSampleRate)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	hasVoice, err := detector.Classify(makeWindow(0))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if hasVoice {
		t.Error("Silent window classified as speech")
	}

	// Loud windows: full-scale square wave has RMS far above the threshold.
	// Feed several so smoothing catches up.
	for i := 0; i < 5; i++ {
		hasVoice, err = detector.Classify(makeWindow(16000))
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}
	if !hasVoice {
		t.Error("Loud window classified as silence")
	}
}

func TestClassifyStats(t *testing.T) {
	detector, err := NewDetector(0.3, testWindowSize, testSampleRate)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := detector.Classify(makeWindow(0)); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := detector.Classify(makeWindow(16000)); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}

	stats := detector.Stats()
	if stats.TotalWindows != 10 {
		t.Errorf("Expected 10 total windows, got %d", stats.TotalWindows)
	}
	if stats.VoiceWindows == 0 {
		t.Error("Expected some voice windows")
	}
	if stats.VoiceWindows >= stats.TotalWindows {
		t.Errorf("Expected fewer voice windows than total, got %d of %d", stats.VoiceWindows, stats.TotalWindows)
	}
	if stats.LastWindowAt.IsZero() {
		t.Error("Expected last window timestamp to be set")
	}
}

func TestUpdateThreshold(t *testing.T) {
	detector, err := NewDetector(0.3, testWindowSize, testSampleRate)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	if err := detector.UpdateThreshold(0.7); err != nil {
		t.Fatalf("UpdateThreshold failed: %v", err)
	}
	if detector.Threshold() != 0.7 {
		t.Errorf("Expected threshold 0.7, got %f", detector.Threshold())
	}

	if err := detector.UpdateThreshold(1.5); err == nil {
		t.Error("Expected error for threshold above 1")
	}
}

func TestReset(t *testing.T) {
	detector, err := NewDetector(0.3, testWindowSize, testSampleRate)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := detector.Classify(makeWindow(16000)); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}

	detector.Reset()

	stats := detector.Stats()
	if stats.TotalWindows != 0 || stats.VoiceWindows != 0 {
		t.Errorf("Expected zeroed counters after reset, got %d/%d", stats.VoiceWindows, stats.TotalWindows)
	}
	if !stats.LastWindowAt.IsZero() {
		t.Error("Expected zero timestamp after reset")
	}
}
