// Package session implements one streaming recognition session against the
// remote ASR service. A session owns exactly one transport connection, a
// bounded audio send buffer, a sender loop and a receiver loop. Sessions are
// single-use: one utterance, then Stop, then a fresh session for the next
// recording.
package session
