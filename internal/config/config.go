// Package config loads and validates the YAML configuration for the voice
// input pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Audio       AudioConfig       `yaml:"audio"`
	Recording   RecordingConfig   `yaml:"recording"`
	Session     SessionConfig     `yaml:"session"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// RecognitionConfig contains the remote recognition service parameters
type RecognitionConfig struct {
	URL                 string `yaml:"url"`
	AppKey              string `yaml:"app_key"`
	AccessKey           string `yaml:"access_key"`
	ResourceID          string `yaml:"resource_id"`
	UID                 string `yaml:"uid"`
	Model               string `yaml:"model"`
	EnablePunctuation   bool   `yaml:"enable_punctuation"`
	EnableNormalization bool   `yaml:"enable_normalization"`
}

// AudioConfig contains capture format parameters
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	FrameSize  int `yaml:"frame_size"` // samples per capture frame
}

// RecordingConfig contains recording limits and VAD parameters
type RecordingConfig struct {
	MaxDuration    float64 `yaml:"max_duration"`    // seconds
	SilenceTimeout float64 `yaml:"silence_timeout"` // seconds, 0 disables
	VADThreshold   float32 `yaml:"vad_threshold"`
	VADWindowSize  int     `yaml:"vad_window_size"` // samples
}

// SessionConfig contains streaming session tunables
type SessionConfig struct {
	ChunkDuration  float64 `yaml:"chunk_duration"`   // seconds of audio per frame
	BufferChunks   int     `yaml:"buffer_chunks"`    // send buffer ceiling
	PollInterval   float64 `yaml:"poll_interval"`    // seconds
	ReadTimeout    float64 `yaml:"read_timeout"`     // seconds
	ReadGrace      float64 `yaml:"read_grace"`       // seconds
	StopWait       float64 `yaml:"stop_wait"`        // seconds
	ForceCloseWait float64 `yaml:"force_close_wait"` // seconds
}

// HTTPConfig contains the monitoring server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates recognition service configuration
func (r *RecognitionConfig) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if r.AppKey == "" {
		return fmt.Errorf("app_key cannot be empty")
	}

	if r.AccessKey == "" {
		return fmt.Errorf("access_key cannot be empty")
	}

	if r.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameSize < 1 {
		return fmt.Errorf("frame_size must be at least 1 sample, got %d", a.FrameSize)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %f", r.MaxDuration)
	}

	if r.SilenceTimeout < 0 {
		return fmt.Errorf("silence_timeout cannot be negative, got %f", r.SilenceTimeout)
	}

	if r.SilenceTimeout > 0 && r.SilenceTimeout >= r.MaxDuration {
		return fmt.Errorf("silence_timeout (%f) must be less than max_duration (%f)",
			r.SilenceTimeout, r.MaxDuration)
	}

	if r.VADThreshold < 0 || r.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", r.VADThreshold)
	}

	if r.VADWindowSize < 80 || r.VADWindowSize > 4096 {
		return fmt.Errorf("vad_window_size must be between 80 and 4096 samples, got %d", r.VADWindowSize)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", s.ChunkDuration)
	}

	if s.BufferChunks < 1 {
		return fmt.Errorf("buffer_chunks must be at least 1, got %d", s.BufferChunks)
	}

	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", s.PollInterval)
	}

	if s.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %f", s.ReadTimeout)
	}

	if s.ReadGrace < s.ReadTimeout {
		return fmt.Errorf("read_grace (%f) must be at least read_timeout (%f)",
			s.ReadGrace, s.ReadTimeout)
	}

	if s.StopWait <= 0 {
		return fmt.Errorf("stop_wait must be positive, got %f", s.StopWait)
	}

	if s.ForceCloseWait <= 0 {
		return fmt.Errorf("force_close_wait must be positive, got %f", s.ForceCloseWait)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetMaxDuration returns the recording ceiling as a time.Duration
func (r *RecordingConfig) GetMaxDuration() time.Duration {
	return time.Duration(r.MaxDuration * float64(time.Second))
}

// GetSilenceTimeout returns the silence timeout as a time.Duration
func (r *RecordingConfig) GetSilenceTimeout() time.Duration {
	return time.Duration(r.SilenceTimeout * float64(time.Second))
}

// GetChunkBytes returns the audio chunk size in bytes for the given format
func (s *SessionConfig) GetChunkBytes(sampleRate, bitDepth, channels int) int {
	bytesPerSecond := sampleRate * bitDepth / 8 * channels
	return int(s.ChunkDuration * float64(bytesPerSecond))
}

// GetPollInterval returns the sender poll interval as a time.Duration
func (s *SessionConfig) GetPollInterval() time.Duration {
	return time.Duration(s.PollInterval * float64(time.Second))
}

// GetReadTimeout returns the receiver read timeout as a time.Duration
func (s *SessionConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout * float64(time.Second))
}

// GetReadGrace returns the post-stop receive grace period as a time.Duration
func (s *SessionConfig) GetReadGrace() time.Duration {
	return time.Duration(s.ReadGrace * float64(time.Second))
}

// GetStopWait returns the graceful stop timeout as a time.Duration
func (s *SessionConfig) GetStopWait() time.Duration {
	return time.Duration(s.StopWait * float64(time.Second))
}

// GetForceCloseWait returns the forced close timeout as a time.Duration
func (s *SessionConfig) GetForceCloseWait() time.Duration {
	return time.Duration(s.ForceCloseWait * float64(time.Second))
}
