// Package app wires the recorder and the recognition session into the
// dictation workflow: toggle to record, stream audio while recording, stop
// and deliver the transcript to the configured text sink. One utterance is
// in flight at a time; every utterance gets a fresh session.
package app
