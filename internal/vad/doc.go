// Package vad provides voice activity detection over fixed-size windows of
// 16-bit PCM samples. The detector classifies each window as speech or
// silence using smoothed RMS energy and keeps running counters so callers
// can report the voiced fraction of a recording.
package vad
