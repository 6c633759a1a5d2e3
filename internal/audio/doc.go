// Package audio provides the bounded byte ring used to buffer outgoing PCM
// audio between the capture callback and the network sender, plus small
// helpers for converting between raw little-endian bytes and int16 samples.
package audio
