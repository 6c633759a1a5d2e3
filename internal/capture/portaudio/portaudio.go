// Package portaudio provides a microphone input device backed by the
// portaudio default input stream.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/mewamew/voice-input/internal/audio"
)

// Initialize prepares the portaudio runtime. Call once at startup, paired
// with Terminate at shutdown.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the portaudio runtime.
func Terminate() error {
	return portaudio.Terminate()
}

// Device reads mono 16-bit PCM frames from the default input stream. It
// implements the capture input device interface.
type Device struct {
	sampleRate int
	frameSize  int // samples per frame
	logger     *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDevice creates a device delivering frames of frameSize samples at the
// given rate.
func NewDevice(sampleRate, frameSize int, logger *slog.Logger) (*Device, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Device{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		logger:     logger,
	}, nil
}

// Start opens the default input stream and delivers frames to onFrame from a
// dedicated goroutine until Stop is called.
func (d *Device) Start(onFrame func(frame []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return fmt.Errorf("device already started")
	}

	d.buf = make([]int16, d.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frameSize, d.buf)
	if err != nil {
		return fmt.Errorf("open default input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}

	d.stream = stream
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	d.logger.Debug("Input stream opened",
		slog.Int("sample_rate", d.sampleRate),
		slog.Int("frame_size", d.frameSize))

	go d.readLoop(stream, onFrame)
	return nil
}

// readLoop blocks on the stream until a full frame is available and hands a
// copy to the callback.
func (d *Device) readLoop(stream *portaudio.Stream, onFrame func(frame []byte)) {
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			select {
			case <-d.stopCh:
				// Read errors during teardown are expected.
			default:
				d.logger.Error("Input stream read failed", slog.String("error", err.Error()))
			}
			return
		}

		onFrame(audio.Bytes(d.buf))
	}
}

// Stop ends frame delivery and closes the stream.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return nil
	}

	close(d.stopCh)
	if err := d.stream.Stop(); err != nil {
		d.logger.Warn("Failed to stop input stream", slog.String("error", err.Error()))
	}
	<-d.doneCh

	err := d.stream.Close()
	d.stream = nil
	if err != nil {
		return fmt.Errorf("close input stream: %w", err)
	}
	return nil
}
