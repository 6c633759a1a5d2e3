package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mewamew/voice-input/internal/audio"
	"github.com/mewamew/voice-input/internal/metrics"
	"github.com/mewamew/voice-input/internal/vad"
)

// Auto-stop reasons reported to the OnAutoStop callback.
const (
	ReasonTimeout = "timeout"
	ReasonSilence = "silence"
)

// ErrDevice wraps failures of the underlying input device.
var ErrDevice = errors.New("audio device error")

// InputDevice abstracts the microphone. Start begins delivering PCM frames to
// the callback from a device-owned goroutine until Stop is called.
type InputDevice interface {
	Start(onFrame func(frame []byte)) error
	Stop() error
}

// StartOptions controls a single recording.
type StartOptions struct {
	// MaxDuration is the hard ceiling on recording length. When reached the
	// recorder fires OnAutoStop with ReasonTimeout.
	MaxDuration time.Duration

	// SilenceTimeout stops the recording after this much time without
	// detected speech. Zero disables silence detection.
	SilenceTimeout time.Duration

	// OnFrame receives each raw PCM frame as it is captured. Optional.
	OnFrame func(frame []byte)

	// OnAutoStop fires at most once per recording with the stop reason. The
	// callback runs outside the recorder lock, on the device's
	// frame-delivery goroutine; a handler that stops the recorder must do
	// so from another goroutine, since device Stop implementations wait
	// for that goroutine to drain.
	OnAutoStop func(reason string)
}

// Recorder accumulates PCM from an input device and runs voice activity
// detection over it. One recording at a time; Start while active is a no-op.
type Recorder struct {
	device   InputDevice
	detector *vad.Detector
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// now is replaceable in tests.
	now func() time.Time

	mu            sync.Mutex
	active        bool
	starting      bool
	autoStopFired bool
	pcm           []byte
	residual      []byte
	startedAt     time.Time
	lastVoiceAt   time.Time
	opts          StartOptions
}

// NewRecorder creates a recorder reading from device and classifying speech
// with detector. A nil logger falls back to slog.Default; m may be nil to run
// uninstrumented.
func NewRecorder(device InputDevice, detector *vad.Detector, logger *slog.Logger, m *metrics.Metrics) (*Recorder, error) {
	if device == nil {
		return nil, fmt.Errorf("input device is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("voice activity detector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		device:   device,
		detector: detector,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Start begins a recording. When a recording is already active the call is a
// no-op. A device failure leaves the recorder inactive.
func (r *Recorder) Start(opts StartOptions) error {
	if opts.MaxDuration <= 0 {
		return fmt.Errorf("max duration must be positive, got %v", opts.MaxDuration)
	}
	if opts.SilenceTimeout < 0 {
		return fmt.Errorf("silence timeout must not be negative, got %v", opts.SilenceTimeout)
	}

	r.mu.Lock()
	if r.active || r.starting {
		r.mu.Unlock()
		r.logger.Warn("Start called while recording is active, ignoring")
		return nil
	}

	now := r.now()
	r.starting = true
	r.autoStopFired = false
	r.pcm = nil
	r.residual = nil
	r.startedAt = now
	r.lastVoiceAt = now
	r.opts = opts
	r.detector.Reset()
	r.mu.Unlock()

	// active flips only once the device open has succeeded; frames the
	// device delivers before then are accepted via starting.
	if err := r.device.Start(r.handleFrame); err != nil {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}

	r.mu.Lock()
	r.starting = false
	r.active = true
	r.mu.Unlock()

	r.logger.Info("Recording started",
		slog.Duration("max_duration", opts.MaxDuration),
		slog.Duration("silence_timeout", opts.SilenceTimeout))

	return nil
}

// Stop ends the recording and returns everything captured since Start.
// Calling Stop when no recording is active returns nil.
func (r *Recorder) Stop() []byte {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}

	r.active = false
	captured := r.pcm
	r.pcm = nil
	r.residual = nil
	duration := r.now().Sub(r.startedAt)
	r.mu.Unlock()

	if err := r.device.Stop(); err != nil {
		r.logger.Error("Failed to stop input device", slog.String("error", err.Error()))
	}

	r.logger.Info("Recording stopped",
		slog.Duration("duration", duration),
		slog.Int("captured_bytes", len(captured)))

	return captured
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// handleFrame runs on the device goroutine for every captured frame.
func (r *Recorder) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}

	r.mu.Lock()
	if !r.active && !r.starting {
		// Frames racing in after Stop are discarded.
		r.mu.Unlock()
		return
	}

	r.pcm = append(r.pcm, frame...)
	onFrame := r.opts.OnFrame

	r.classifyLocked(frame)
	reason := r.checkAutoStopLocked()
	onAutoStop := r.opts.OnAutoStop
	r.mu.Unlock()

	if onFrame != nil {
		onFrame(frame)
	}
	if reason != "" {
		r.logger.Info("Auto-stop triggered", slog.String("reason", reason))
		if onAutoStop != nil {
			onAutoStop(reason)
		}
	}
}

// classifyLocked feeds complete detector windows from the frame, carrying any
// partial window over to the next frame. The carried residual is always
// shorter than one window.
func (r *Recorder) classifyLocked(frame []byte) {
	r.residual = append(r.residual, frame...)
	windowBytes := r.detector.WindowSize() * audio.BytesPerSample

	for len(r.residual) >= windowBytes {
		window := audio.Samples(r.residual[:windowBytes])
		r.residual = r.residual[windowBytes:]

		hasVoice, err := r.detector.Classify(window)
		if err != nil {
			// A detector failure counts as silence for this window.
			r.logger.Warn("Voice detection failed", slog.String("error", err.Error()))
			continue
		}
		r.metrics.RecordVADWindow(hasVoice)
		if hasVoice {
			r.lastVoiceAt = r.now()
		}
	}
}

// checkAutoStopLocked returns the stop reason when a limit has been crossed,
// at most once per recording. The duration ceiling wins over silence.
func (r *Recorder) checkAutoStopLocked() string {
	if r.autoStopFired {
		return ""
	}

	now := r.now()
	if now.Sub(r.startedAt) >= r.opts.MaxDuration {
		r.autoStopFired = true
		return ReasonTimeout
	}
	if r.opts.SilenceTimeout > 0 && now.Sub(r.lastVoiceAt) >= r.opts.SilenceTimeout {
		r.autoStopFired = true
		return ReasonSilence
	}

	return ""
}
