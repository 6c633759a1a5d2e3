// Package metrics defines the Prometheus instrumentation for the voice input
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice input pipeline. All
// Record methods are safe to call on a nil receiver, so components can run
// uninstrumented in tests.
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	BytesCaptured  prometheus.Counter
	AutoStops      *prometheus.CounterVec

	// VAD metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram
	SessionErrors   *prometheus.CounterVec
	BufferOverflows prometheus.Counter
	ChunksSent      prometheus.Counter
	BytesSent       prometheus.Counter
	PartialResults  prometheus.Counter
	FinalResults    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_captured_total",
			Help: "Total number of PCM frames captured from the microphone",
		}),
		BytesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_bytes_captured_total",
			Help: "Total number of PCM bytes captured from the microphone",
		}),
		AutoStops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_auto_stops_total",
			Help: "Total number of automatic recording stops",
		}, []string{"reason"}),

		// VAD metrics
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_vad_windows_processed_total",
			Help: "Total number of VAD windows processed",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_vad_voice_detected_total",
			Help: "Total number of VAD windows with voice detected",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of active recognition sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_started_total",
			Help: "Total number of recognition sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Duration of recognition sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_session_errors_total",
			Help: "Total number of recognition session errors",
		}, []string{"stage"}),
		BufferOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_buffer_overflows_total",
			Help: "Total number of send buffer overflow events",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_chunks_sent_total",
			Help: "Total number of audio chunks sent to the recognition service",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_bytes_sent_total",
			Help: "Total number of PCM bytes sent to the recognition service",
		}),
		PartialResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_partial_results_total",
			Help: "Total number of partial transcription results received",
		}),
		FinalResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_final_results_total",
			Help: "Total number of final transcription results received",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrameCaptured records one captured PCM frame.
func (m *Metrics) RecordFrameCaptured(sizeBytes int) {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
	m.BytesCaptured.Add(float64(sizeBytes))
}

// RecordAutoStop increments the auto-stop counter for the given reason.
func (m *Metrics) RecordAutoStop(reason string) {
	if m == nil {
		return
	}
	m.AutoStops.WithLabelValues(reason).Inc()
}

// RecordVADWindow increments VAD windows processed and optionally voice detected.
func (m *Metrics) RecordVADWindow(hasVoice bool) {
	if m == nil {
		return
	}
	m.VADWindowsProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordSessionStarted records a new recognition session.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records the end of a recognition session.
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionError increments the session error counter for the given stage.
func (m *Metrics) RecordSessionError(stage string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(stage).Inc()
}

// RecordBufferOverflow increments the overflow counter.
func (m *Metrics) RecordBufferOverflow() {
	if m == nil {
		return
	}
	m.BufferOverflows.Inc()
}

// RecordChunkSent records one audio chunk sent to the service.
func (m *Metrics) RecordChunkSent(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(sizeBytes))
}

// RecordPartialResult increments the partial results counter.
func (m *Metrics) RecordPartialResult() {
	if m == nil {
		return
	}
	m.PartialResults.Inc()
}

// RecordFinalResult increments the final results counter.
func (m *Metrics) RecordFinalResult() {
	if m == nil {
		return
	}
	m.FinalResults.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
