package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mewamew/voice-input/internal/audio"
	"github.com/mewamew/voice-input/internal/metrics"
	"github.com/mewamew/voice-input/internal/protocol"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateStopping
	StateFinalized
	StateFailed
)

// String returns the state name for logs and status reports.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrBufferOverflow reports that the send buffer filled up and the oldest
// audio was dropped. Non-fatal: the session keeps streaming.
var ErrBufferOverflow = errors.New("send buffer overflow, oldest audio dropped")

// ErrTransport wraps connect, send and receive failures.
var ErrTransport = errors.New("transport error")

// RecognitionError is an error frame received from the recognition service.
type RecognitionError struct {
	Code   int32
	Detail string
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition service error %d: %s", e.Code, e.Detail)
}

// Config holds the session parameters. Zero tunables take the documented
// defaults.
type Config struct {
	Dial DialConfig

	// Handshake parameters sent in the full request.
	UID                 string
	Model               string
	EnablePunctuation   bool
	EnableNormalization bool
	SampleRate          int
	BitDepth            int
	Channels            int

	// ChunkBytes is the audio chunk size for one frame, 6400 bytes is
	// 200ms at 16kHz 16-bit mono.
	ChunkBytes int

	// BufferChunks caps the send buffer at this many chunks.
	BufferChunks int

	// PollInterval is the sender wait when the buffer holds no full chunk.
	PollInterval time.Duration

	// ReadTimeout bounds each single receive so the loop can observe a stop.
	ReadTimeout time.Duration

	// ReadGrace bounds how long the receiver keeps waiting for a final
	// result after a stop has been requested.
	ReadGrace time.Duration

	// HandshakeTimeout bounds the wait for the handshake response.
	HandshakeTimeout time.Duration

	// StopWait is how long Stop blocks for a graceful final result before
	// force-closing the transport.
	StopWait time.Duration

	// ForceCloseWait bounds the unwind after the forced transport close.
	ForceCloseWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.BitDepth == 0 {
		c.BitDepth = 16
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.ChunkBytes == 0 {
		c.ChunkBytes = 6400
	}
	if c.BufferChunks == 0 {
		c.BufferChunks = 60
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.ReadGrace == 0 {
		c.ReadGrace = 12 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.StopWait == 0 {
		c.StopWait = 10 * time.Second
	}
	if c.ForceCloseWait == 0 {
		c.ForceCloseWait = 2 * time.Second
	}
}

// Callbacks receive session events. All callbacks are invoked from session
// goroutines; they must not block for long. OnError fires at most once for a
// fatal error; a buffer overflow additionally reports ErrBufferOverflow once
// without failing the session.
type Callbacks struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

// handshakeRequest is the JSON payload of the opening full request.
type handshakeRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		Format  string `json:"format"`
		Codec   string `json:"codec"`
		Rate    int    `json:"rate"`
		Bits    int    `json:"bits"`
		Channel int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName  string `json:"model_name"`
		EnablePunc bool   `json:"enable_punc"`
		EnableITN  bool   `json:"enable_itn"`
		ResultType string `json:"result_type"`
	} `json:"request"`
}

// Session streams one utterance to the recognition service. Create with New,
// call Start once, feed audio, then Stop. Not reusable.
type Session struct {
	dialer  Dialer
	cfg     Config
	cb      Callbacks
	logger  *slog.Logger
	metrics *metrics.Metrics

	buffer *audio.Ring

	mu        sync.Mutex
	state     State
	transport Transport
	started   bool
	stopped   bool
	stopAt    time.Time
	finalText string
	startedAt time.Time

	stopCh   chan struct{}
	resultCh chan struct{}
	doneCh   chan struct{}

	stopOnce   sync.Once
	resultOnce sync.Once
	errOnce    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session. The dialer is required; logger may be nil; m may be
// nil to run uninstrumented.
func New(dialer Dialer, cfg Config, cb Callbacks, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	s := &Session{
		dialer:   dialer,
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		metrics:  m,
		state:    StateConnecting,
		stopCh:   make(chan struct{}),
		resultCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	ring, err := audio.NewRing(cfg.ChunkBytes*cfg.BufferChunks, s.onOverflow)
	if err != nil {
		return nil, fmt.Errorf("create send buffer: %w", err)
	}
	s.buffer = ring

	return s, nil
}

// onOverflow fires at most once per ring lifetime.
func (s *Session) onOverflow(dropped int) {
	s.logger.Warn("Send buffer overflow, dropping oldest audio",
		slog.Int("dropped_bytes", dropped))
	s.metrics.RecordBufferOverflow()
	if s.cb.OnError != nil {
		s.cb.OnError(ErrBufferOverflow)
	}
}

// Start launches the connection lifecycle and returns immediately. Call it
// exactly once.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.RecordSessionStarted()
	go s.run()
}

// FeedAudio appends PCM to the send buffer. Audio fed after Stop is discarded.
func (s *Session) FeedAudio(pcm []byte) {
	if s.isStopped() {
		return
	}
	s.buffer.Write(pcm)
}

// Stop finalizes the session and returns the final transcript, empty when
// none was produced. Idempotent: repeat calls return the same text without
// blocking again or duplicating teardown.
func (s *Session) Stop() string {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.stopAt = time.Now()
		started := s.started
		if s.state == StateStreaming || s.state == StateConnecting {
			s.state = StateStopping
		}
		s.mu.Unlock()
		close(s.stopCh)

		if !started {
			// Start never ran; there are no loops to wait out.
			s.finishWithoutResult()
			return
		}

		select {
		case <-s.resultCh:
		case <-time.After(s.cfg.StopWait):
			s.logger.Warn("Graceful stop timed out, forcing transport close")
			s.mu.Lock()
			t := s.transport
			s.mu.Unlock()
			if t != nil {
				_ = t.Close()
			}
			if s.cancel != nil {
				s.cancel()
			}
			select {
			case <-s.doneCh:
			case <-time.After(s.cfg.ForceCloseWait):
				s.logger.Error("Session loops did not unwind in time")
			}
			s.finishWithoutResult()
		}
	})

	return s.FinalText()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FinalText returns the final transcript recorded so far, empty when none.
func (s *Session) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalText
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) sinceStop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopAt.IsZero() {
		return 0
	}
	return time.Since(s.stopAt)
}

// fail records a fatal error: state Failed, one OnError, both loops unwound.
// A session that already finalized stays finalized; late teardown errors from
// the other loop are not surfaced.
func (s *Session) fail(stage string, err error) {
	s.mu.Lock()
	if s.state == StateFinalized {
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.logger.Error("Session failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	s.metrics.RecordSessionError(stage)

	s.errOnce.Do(func() {
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	})
	s.resultOnce.Do(func() { close(s.resultCh) })
	if s.cancel != nil {
		s.cancel()
	}
}

// setFinal records the final transcript and finalizes the session.
func (s *Session) setFinal(text string) {
	s.mu.Lock()
	s.finalText = text
	s.state = StateFinalized
	s.mu.Unlock()
	s.resultOnce.Do(func() { close(s.resultCh) })
}

// finishWithoutResult finalizes the session when no final result will come.
func (s *Session) finishWithoutResult() {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = StateFinalized
	}
	s.mu.Unlock()
	s.resultOnce.Do(func() { close(s.resultCh) })
}

// run owns the connection lifecycle: dial, handshake, then the sender and
// receiver loops until both unwind.
func (s *Session) run() {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		started := s.startedAt
		s.mu.Unlock()
		s.metrics.RecordSessionEnded(time.Since(started).Seconds())
	}()

	transport, err := s.dialer(s.ctx, s.cfg.Dial)
	if err != nil {
		s.fail("connect", fmt.Errorf("%w: %v", ErrTransport, err))
		return
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if err := s.handshake(transport); err != nil {
		_ = transport.Close()
		return
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateStreaming
	}
	s.mu.Unlock()
	s.logger.Info("Session streaming", slog.String("url", s.cfg.Dial.URL))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.senderLoop(transport)
	}()
	go func() {
		defer wg.Done()
		s.receiverLoop(transport)
	}()
	wg.Wait()

	_ = transport.Close()
	s.finishWithoutResult()
}

// handshake sends the full request and validates the response. A failure is
// recorded via fail and returned so run can abort before starting the loops.
func (s *Session) handshake(transport Transport) error {
	payload := handshakeRequest{}
	payload.User.UID = s.cfg.UID
	payload.Audio.Format = "pcm"
	payload.Audio.Codec = "raw"
	payload.Audio.Rate = s.cfg.SampleRate
	payload.Audio.Bits = s.cfg.BitDepth
	payload.Audio.Channel = s.cfg.Channels
	payload.Request.ModelName = s.cfg.Model
	payload.Request.EnablePunc = s.cfg.EnablePunctuation
	payload.Request.EnableITN = s.cfg.EnableNormalization
	payload.Request.ResultType = "single"

	frame, err := protocol.EncodeFullRequest(payload, 1)
	if err != nil {
		s.fail("handshake", err)
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := transport.Send(ctx, frame); err != nil {
		err = fmt.Errorf("%w: handshake send: %v", ErrTransport, err)
		s.fail("handshake", err)
		return err
	}

	data, err := transport.Receive(ctx)
	if err != nil {
		err = fmt.Errorf("%w: handshake receive: %v", ErrTransport, err)
		s.fail("handshake", err)
		return err
	}

	msg, err := protocol.DecodeServerFrame(data)
	if err != nil {
		s.fail("handshake", err)
		return err
	}
	if msg.Kind == protocol.KindError {
		err := &RecognitionError{Code: msg.ErrorCode, Detail: msg.ErrorDetail}
		s.fail("handshake", err)
		return err
	}

	return nil
}

// senderLoop drains whole chunks from the send buffer until a stop is
// requested, then flushes the remainder and transmits the terminal marker.
// Sequence 1 belongs to the handshake; audio starts at 2.
func (s *Session) senderLoop(transport Transport) {
	seq := int32(2)
	sentBytes := 0
	defer func() {
		s.logger.Debug("Sender finished",
			slog.Int("sent_bytes", sentBytes),
			slog.Duration("audio_duration", audio.Duration(sentBytes, s.cfg.SampleRate)))
	}()

	sendChunk := func(pcm []byte, last bool) bool {
		frame := protocol.EncodeAudioChunk(pcm, seq, last)
		if err := transport.Send(s.ctx, frame); err != nil {
			if s.ctx.Err() == nil {
				s.fail("send", fmt.Errorf("%w: %v", ErrTransport, err))
			}
			return false
		}
		seq++
		if len(pcm) > 0 {
			sentBytes += len(pcm)
			s.metrics.RecordChunkSent(len(pcm))
		}
		return true
	}

	for {
		if chunk := s.buffer.ReadChunk(s.cfg.ChunkBytes); chunk != nil {
			if !sendChunk(chunk, false) {
				return
			}
			continue
		}

		if s.isStopped() {
			if rest := s.buffer.Drain(); len(rest) > 0 {
				if !sendChunk(rest, false) {
					return
				}
			}
			// Empty terminal frame tells the service no more audio is coming.
			sendChunk(nil, true)
			return
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// receiverLoop decodes server frames until a final result, an error frame, or
// the post-stop grace period runs out.
func (s *Session) receiverLoop(transport Transport) {
	for {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReadTimeout)
		data, err := transport.Receive(ctx)
		cancel()

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if s.isStopped() && s.sinceStop() > s.cfg.ReadGrace {
					s.logger.Warn("Gave up waiting for a final result after stop")
					s.finishWithoutResult()
					return
				}
				continue
			}
			if s.isStopped() {
				// The transport ended while finalizing; treat as finished.
				s.finishWithoutResult()
				return
			}
			s.fail("receive", fmt.Errorf("%w: %v", ErrTransport, err))
			return
		}

		msg, err := protocol.DecodeServerFrame(data)
		if err != nil {
			s.fail("decode", err)
			return
		}

		switch msg.Kind {
		case protocol.KindAck:
			continue
		case protocol.KindError:
			s.fail("recognition", &RecognitionError{Code: msg.ErrorCode, Detail: msg.ErrorDetail})
			return
		case protocol.KindResult:
			if msg.IsFinal {
				s.metrics.RecordFinalResult()
				s.setFinal(msg.Text)
				if s.cb.OnFinal != nil {
					s.cb.OnFinal(msg.Text)
				}
				return
			}
			s.metrics.RecordPartialResult()
			if s.cb.OnPartial != nil {
				s.cb.OnPartial(msg.Text)
			}
		default:
			// Unknown message kinds are ignored for forward compatibility.
		}
	}
}
