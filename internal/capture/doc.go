// Package capture records PCM audio from an input device and watches the
// stream with a voice activity detector. A recording stops either when the
// caller asks for it or automatically, once on a hard duration ceiling or
// after a run of silence following the last detected speech.
package capture
