package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mewamew/voice-input/internal/capture"
	"github.com/mewamew/voice-input/internal/metrics"
	"github.com/mewamew/voice-input/internal/session"
)

// State is the orchestrator state.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
)

// String returns the state name for logs and status reports.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// TextSink receives every finished transcript. Typically this types the text
// into the focused window or copies it to the clipboard.
type TextSink func(text string)

// RecognitionSession is the per-utterance session surface the orchestrator
// drives.
type RecognitionSession interface {
	Start(ctx context.Context)
	FeedAudio(pcm []byte)
	Stop() string
}

// SessionFactory creates a fresh session for one utterance.
type SessionFactory func(cb session.Callbacks) (RecognitionSession, error)

// Options holds the per-recording limits.
type Options struct {
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
}

// Status is a snapshot of the orchestrator for monitoring.
type Status struct {
	State      string `json:"state"`
	Utterances uint64 `json:"utterances"`
	LastResult string `json:"last_result"`
	LastError  string `json:"last_error,omitempty"`
}

// App coordinates one recorder and one live session at a time.
type App struct {
	recorder *capture.Recorder
	factory  SessionFactory
	sink     TextSink
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	state       State
	sess        RecognitionSession
	lastPartial string
	lastResult  string
	lastError   string
	utterances  uint64
}

// New creates the orchestrator. The recorder, factory and sink are required;
// logger may be nil; m may be nil to run uninstrumented.
func New(recorder *capture.Recorder, factory SessionFactory, sink TextSink,
	opts Options, logger *slog.Logger, m *metrics.Metrics) (*App, error) {

	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("text sink is required")
	}
	if opts.MaxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %v", opts.MaxDuration)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &App{
		recorder: recorder,
		factory:  factory,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Toggle starts a recording when idle and finishes it when recording. A
// toggle while the previous utterance is still finalizing is ignored.
func (a *App) Toggle() {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	switch state {
	case StateIdle:
		if err := a.startRecording(); err != nil {
			a.logger.Error("Failed to start recording", slog.String("error", err.Error()))
			a.setLastError(err)
		}
	case StateRecording:
		a.finish()
	case StateProcessing:
		a.logger.Warn("Toggle ignored while finalizing previous utterance")
	}
}

// Status returns a snapshot for the monitoring server.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		State:      a.state.String(),
		Utterances: a.utterances,
		LastResult: a.lastResult,
		LastError:  a.lastError,
	}
}

// startRecording creates a fresh session and starts the recorder feeding it.
func (a *App) startRecording() error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return nil
	}
	a.state = StateRecording
	a.lastPartial = ""
	a.mu.Unlock()

	sess, err := a.factory(session.Callbacks{
		OnPartial: a.onPartial,
		OnError:   a.onSessionError,
	})
	if err != nil {
		a.mu.Lock()
		a.state = StateIdle
		a.mu.Unlock()
		return fmt.Errorf("create session: %w", err)
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	sess.Start(context.Background())

	err = a.recorder.Start(capture.StartOptions{
		MaxDuration:    a.opts.MaxDuration,
		SilenceTimeout: a.opts.SilenceTimeout,
		OnFrame:        a.onFrame,
		OnAutoStop:     a.onAutoStop,
	})
	if err != nil {
		// The session was never fed; tear it down and roll back.
		sess.Stop()
		a.mu.Lock()
		a.sess = nil
		a.state = StateIdle
		a.mu.Unlock()
		return fmt.Errorf("start recorder: %w", err)
	}

	a.logger.Info("Utterance started")
	return nil
}

// onFrame streams each captured frame into the live session.
func (a *App) onFrame(frame []byte) {
	a.metrics.RecordFrameCaptured(len(frame))

	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.FeedAudio(frame)
	}
}

func (a *App) onPartial(text string) {
	a.mu.Lock()
	a.lastPartial = text
	a.mu.Unlock()
	a.logger.Debug("Partial transcript", slog.String("text", text))
}

func (a *App) onSessionError(err error) {
	a.logger.Warn("Session reported error", slog.String("error", err.Error()))
	a.setLastError(err)
}

// onAutoStop runs on the device's frame-delivery goroutine. It claims the
// finalization here so a racing Toggle is ignored, then completes it on a
// fresh goroutine: stopping the recorder waits for the device to drain the
// very goroutine this callback is blocking. Silence means the user stopped
// talking without meaningful speech, so the utterance is discarded; the
// duration ceiling finishes it normally.
func (a *App) onAutoStop(reason string) {
	a.metrics.RecordAutoStop(reason)
	a.logger.Info("Recording auto-stopped", slog.String("reason", reason))

	sess := a.beginFinalize()
	if sess == nil {
		return
	}

	go func() {
		if reason == capture.ReasonSilence {
			a.completeCancel(sess)
			return
		}
		a.completeFinish(sess)
	}()
}

// finish stops the recorder and the session and delivers the transcript.
func (a *App) finish() {
	sess := a.beginFinalize()
	if sess == nil {
		return
	}
	a.completeFinish(sess)
}

// completeFinish tears down a claimed utterance and delivers its text. An
// empty final text falls back to the last observed partial.
func (a *App) completeFinish(sess RecognitionSession) {
	a.recorder.Stop()
	final := sess.Stop()

	a.mu.Lock()
	if final == "" {
		final = a.lastPartial
	}
	a.lastResult = final
	a.utterances++
	a.state = StateIdle
	a.sess = nil
	a.mu.Unlock()

	if final != "" {
		a.sink(final)
		a.logger.Info("Utterance finished", slog.Int("text_length", len(final)))
	} else {
		a.logger.Info("Utterance finished with no transcript")
	}
}

// completeCancel tears down a claimed utterance and discards whatever was
// recognized.
func (a *App) completeCancel(sess RecognitionSession) {
	a.recorder.Stop()
	sess.Stop()

	a.mu.Lock()
	a.utterances++
	a.state = StateIdle
	a.sess = nil
	a.mu.Unlock()

	a.logger.Info("Utterance cancelled")
}

// beginFinalize transitions Recording to Processing, returning the live
// session, or nil when another path already claimed the finalization.
func (a *App) beginFinalize() RecognitionSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRecording || a.sess == nil {
		return nil
	}
	a.state = StateProcessing
	return a.sess
}

// Shutdown finalizes any utterance still in flight and waits for the
// orchestrator to reach idle, so captured audio is delivered before exit.
// The wait is bounded by ctx.
func (a *App) Shutdown(ctx context.Context) {
	a.finish()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.mu.Lock()
		state := a.state
		a.mu.Unlock()
		if state == StateIdle {
			return
		}
		select {
		case <-ctx.Done():
			a.logger.Warn("Shutdown gave up waiting for finalization")
			return
		case <-ticker.C:
		}
	}
}

func (a *App) setLastError(err error) {
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
}
