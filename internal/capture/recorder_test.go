package capture

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mewamew/voice-input/internal/vad"
)

const windowBytes = 480 * 2

type fakeDevice struct {
	mu        sync.Mutex
	started   bool
	stopCalls int
	onFrame   func([]byte)
	startErr  error

	// onStart observes the recorder mid-open when set.
	onStart func()
}

func (d *fakeDevice) Start(onFrame func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onStart != nil {
		d.onStart()
	}
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	d.onFrame = onFrame
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.stopCalls++
	return nil
}

// feed pushes one frame through the device callback, as the audio backend
// would from its stream goroutine.
func (d *fakeDevice) feed(frame []byte) {
	d.mu.Lock()
	onFrame := d.onFrame
	d.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRecorder(t *testing.T, device *fakeDevice) (*Recorder, *fakeClock) {
	t.Helper()

	detector, err := vad.NewDetector(0.3, 480, 16000)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	rec, err := NewRecorder(device, detector, nil, nil)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	clock := &fakeClock{t: time.Unix(1000, 0)}
	rec.now = clock.Now
	return rec, clock
}

// silentFrame is one detector window of zero samples.
func silentFrame() []byte {
	return make([]byte, windowBytes)
}

// loudFrame is one detector window of a full-volume square wave.
func loudFrame() []byte {
	frame := make([]byte, windowBytes)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x80
		frame[i+1] = 0x3e // 16000 little-endian
	}
	return frame
}

func TestStartDeviceFailure(t *testing.T) {
	device := &fakeDevice{startErr: fmt.Errorf("no such device")}
	rec, _ := newTestRecorder(t, device)

	err := rec.Start(StartOptions{MaxDuration: 30 * time.Second})
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("Expected ErrDevice, got: %v", err)
	}
	if rec.Active() {
		t.Error("Recorder should not be active after device failure")
	}
}

func TestActiveOnlyAfterDeviceStarts(t *testing.T) {
	device := &fakeDevice{startErr: fmt.Errorf("device busy")}
	rec, _ := newTestRecorder(t, device)

	var duringOpen []bool
	device.onStart = func() { duringOpen = append(duringOpen, rec.Active()) }

	if err := rec.Start(StartOptions{MaxDuration: time.Second}); !errors.Is(err, ErrDevice) {
		t.Fatalf("Expected ErrDevice, got: %v", err)
	}
	if len(duringOpen) != 1 || duringOpen[0] {
		t.Errorf("Recorder reported active while the device open was failing: %v", duringOpen)
	}

	device.startErr = nil
	if err := rec.Start(StartOptions{MaxDuration: time.Second}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(duringOpen) != 2 || duringOpen[1] {
		t.Errorf("Recorder must report active only after the open succeeds: %v", duringOpen)
	}
	if !rec.Active() {
		t.Error("Recorder should be active after a successful start")
	}
}

func TestStartValidation(t *testing.T) {
	rec, _ := newTestRecorder(t, &fakeDevice{})

	if err := rec.Start(StartOptions{}); err == nil {
		t.Error("Expected error for zero max duration")
	}
	if err := rec.Start(StartOptions{MaxDuration: time.Second, SilenceTimeout: -time.Second}); err == nil {
		t.Error("Expected error for negative silence timeout")
	}
}

func TestStartWhileActiveIsNoop(t *testing.T) {
	device := &fakeDevice{}
	rec, _ := newTestRecorder(t, device)

	if err := rec.Start(StartOptions{MaxDuration: 30 * time.Second}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rec.Start(StartOptions{MaxDuration: 30 * time.Second}); err != nil {
		t.Fatalf("Second Start should be a no-op, got: %v", err)
	}
	if !rec.Active() {
		t.Error("Recorder should still be active")
	}
}

func TestStopReturnsCapturedAudio(t *testing.T) {
	device := &fakeDevice{}
	rec, _ := newTestRecorder(t, device)

	var delivered [][]byte
	err := rec.Start(StartOptions{
		MaxDuration: 30 * time.Second,
		OnFrame:     func(frame []byte) { delivered = append(delivered, frame) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frames := [][]byte{loudFrame(), silentFrame(), loudFrame()}
	var want []byte
	for _, f := range frames {
		device.feed(f)
		want = append(want, f...)
	}

	got := rec.Stop()
	if !bytes.Equal(got, want) {
		t.Errorf("Captured audio mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if len(delivered) != len(frames) {
		t.Errorf("Expected %d delivered frames, got %d", len(frames), len(delivered))
	}
	if device.stopCalls != 1 {
		t.Errorf("Expected 1 device stop, got %d", device.stopCalls)
	}
	if rec.Active() {
		t.Error("Recorder should be inactive after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	device := &fakeDevice{}
	rec, _ := newTestRecorder(t, device)

	if err := rec.Start(StartOptions{MaxDuration: 30 * time.Second}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.feed(loudFrame())

	if got := rec.Stop(); got == nil {
		t.Error("First Stop should return captured audio")
	}
	if got := rec.Stop(); got != nil {
		t.Errorf("Second Stop should return nil, got %d bytes", len(got))
	}
	if device.stopCalls != 1 {
		t.Errorf("Expected 1 device stop, got %d", device.stopCalls)
	}
}

func TestFramesAfterStopDiscarded(t *testing.T) {
	device := &fakeDevice{}
	rec, _ := newTestRecorder(t, device)

	if err := rec.Start(StartOptions{MaxDuration: 30 * time.Second}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.Stop()

	// The device goroutine may still race a late frame in.
	device.feed(loudFrame())

	if err := rec.Start(StartOptions{MaxDuration: 30 * time.Second}); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if got := rec.Stop(); got != nil {
		t.Errorf("New recording should start empty, got %d bytes", len(got))
	}
}

func TestSilenceAutoStop(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var reasons []string
	err := rec.Start(StartOptions{
		MaxDuration:    30 * time.Second,
		SilenceTimeout: 3 * time.Second,
		OnAutoStop:     func(reason string) { reasons = append(reasons, reason) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	device.feed(loudFrame())
	// Silent windows immediately after the speech flush the detector
	// smoothing while the clock stands still.
	device.feed(silentFrame())
	device.feed(silentFrame())

	clock.Advance(2999 * time.Millisecond)
	device.feed(silentFrame())
	if len(reasons) != 0 {
		t.Fatalf("Auto-stop fired before silence timeout elapsed: %v", reasons)
	}

	clock.Advance(2 * time.Millisecond)
	device.feed(silentFrame())
	if len(reasons) != 1 || reasons[0] != ReasonSilence {
		t.Fatalf("Expected one silence auto-stop, got %v", reasons)
	}

	// The limit stays tripped for the rest of the recording.
	clock.Advance(time.Second)
	device.feed(silentFrame())
	if len(reasons) != 1 {
		t.Errorf("Auto-stop fired more than once: %v", reasons)
	}
}

func TestSpeechDefersSilenceAutoStop(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var reasons []string
	err := rec.Start(StartOptions{
		MaxDuration:    30 * time.Second,
		SilenceTimeout: 3 * time.Second,
		OnAutoStop:     func(reason string) { reasons = append(reasons, reason) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Speech every two seconds keeps resetting the silence clock.
	for i := 0; i < 5; i++ {
		device.feed(loudFrame())
		clock.Advance(2 * time.Second)
		device.feed(silentFrame())
	}

	if len(reasons) != 0 {
		t.Errorf("Auto-stop fired despite ongoing speech: %v", reasons)
	}
}

func TestTimeoutAutoStop(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var reasons []string
	err := rec.Start(StartOptions{
		MaxDuration: 3 * time.Second,
		OnAutoStop:  func(reason string) { reasons = append(reasons, reason) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(2999 * time.Millisecond)
	device.feed(loudFrame())
	if len(reasons) != 0 {
		t.Fatalf("Auto-stop fired before duration ceiling: %v", reasons)
	}

	clock.Advance(2 * time.Millisecond)
	device.feed(loudFrame())
	if len(reasons) != 1 || reasons[0] != ReasonTimeout {
		t.Fatalf("Expected one timeout auto-stop, got %v", reasons)
	}
}

func TestTimeoutWinsOverSilence(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var reasons []string
	err := rec.Start(StartOptions{
		MaxDuration:    3 * time.Second,
		SilenceTimeout: time.Second,
		OnAutoStop:     func(reason string) { reasons = append(reasons, reason) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Both limits elapsed; the duration ceiling takes precedence.
	clock.Advance(4 * time.Second)
	device.feed(silentFrame())

	if len(reasons) != 1 || reasons[0] != ReasonTimeout {
		t.Fatalf("Expected timeout to win, got %v", reasons)
	}
}

func TestAutoStopCallbackMayCallStop(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var captured []byte
	err := rec.Start(StartOptions{
		MaxDuration: 3 * time.Second,
		OnAutoStop:  func(string) { captured = rec.Stop() },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	device.feed(loudFrame())
	clock.Advance(4 * time.Second)
	device.feed(loudFrame())

	if rec.Active() {
		t.Error("Recorder should be stopped by the callback")
	}
	if len(captured) != 2*windowBytes {
		t.Errorf("Expected %d captured bytes, got %d", 2*windowBytes, len(captured))
	}
}

func TestPartialWindowsCarryOver(t *testing.T) {
	device := &fakeDevice{}
	rec, clock := newTestRecorder(t, device)

	var reasons []string
	err := rec.Start(StartOptions{
		MaxDuration:    30 * time.Second,
		SilenceTimeout: 3 * time.Second,
		OnAutoStop:     func(reason string) { reasons = append(reasons, reason) },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Frames smaller than one detector window accumulate until a full
	// window is available; speech in them still resets the silence clock.
	loud := loudFrame()
	half := len(loud) / 2
	device.feed(loud[:half])
	clock.Advance(4 * time.Second)
	device.feed(loud[half:])
	device.feed(silentFrame())

	if len(reasons) != 0 {
		t.Errorf("Auto-stop fired despite speech in split windows: %v", reasons)
	}
}
