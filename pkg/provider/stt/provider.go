// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens a [SessionHandle] that accepts audio bytes and emits two
// streams of [Transcript] values: low-latency partials and authoritative
// finals. Audio is forwarded as received; encoding and container detection
// are left to the backend.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio and recognition hints for a session.
type StreamConfig struct {
	// Encoding names raw audio encodings such as "linear16". Leave it empty
	// for containerised audio (webm, ogg) that the backend detects itself.
	Encoding string

	// SampleRate in Hz. Only meaningful together with Encoding.
	SampleRate int

	// Channels is the number of audio channels. Zero leaves it to the backend.
	Channels int

	// Language is a BCP-47 tag. Empty uses the provider default.
	Language string

	// Keywords are vocabulary hints.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming session. Callers must call Close when
// done. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues audio bytes for recognition. It fails after Close or
	// once the connection has dropped.
	SendAudio(chunk []byte) error

	// Partials emits interim results. It is closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. It is closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the session. Later calls are
	// no-ops that return nil.
	Close() error
}

// ErrorReporter is implemented by sessions that can report why they ended.
type ErrorReporter interface {
	// Err returns the error that ended the session, or nil after a clean
	// close.
	Err() error
}

// Provider opens streaming sessions.
type Provider interface {
	// StartStream opens a session ready to accept audio. The caller owns the
	// returned handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
