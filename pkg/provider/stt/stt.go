// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, or a
// local whisper.cpp decoder) and exposes a uniform streaming interface. The
// central abstraction is Stream: once opened, a stream accepts raw PCM audio
// and emits a single ordered channel of [Event] values — partials for
// speculation, finals for the transcript, utterance-end for endpointing, and
// an error event when the upstream dies mid-call.
//
// A single event channel rather than one channel per kind keeps the ordering
// guarantee trivial: a partial can never be observed after the final it
// belongs to, and utterance-end cannot overtake the final that triggered it.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SendAudio after the stream has been closed.
var ErrClosed = errors.New("stt: stream closed")

// EventType discriminates the members of the [Event] union.
type EventType int

// Stream event kinds.
const (
	// EventPartial is a low-latency interim transcript. Suitable for
	// speculation, never for the authoritative log.
	EventPartial EventType = iota

	// EventFinal is an authoritative transcript for a finished segment.
	EventFinal

	// EventUtteranceEnd signals the vendor's endpointing decision: the
	// speaker has finished a turn.
	EventUtteranceEnd

	// EventSpeechStarted signals voice activity after silence, when the
	// vendor supports VAD events.
	EventSpeechStarted

	// EventError reports a mid-stream upstream failure. The event channel
	// closes after an error event.
	EventError
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance-end"
	case EventSpeechStarted:
		return "speech-started"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Transcript is one recognition result, partial or final.
type Transcript struct {
	// Text is the transcribed speech.
	Text string

	// Confidence is the provider's overall confidence (0.0–1.0), zero when
	// not reported.
	Confidence float64
}

// Event is one member of the stream's closed event union. Route on Type;
// Transcript is meaningful for partial and final events, Err for error
// events.
type Event struct {
	Type       EventType
	Transcript Transcript
	Err        error
}

// StreamConfig describes the audio format and recognition parameters for a
// new stream.
type StreamConfig struct {
	// SampleRate is the input sample rate in Hz. The telephony wire
	// delivers 8000.
	SampleRate int

	// Channels is the input channel count; the wire delivers mono.
	Channels int

	// Language is the BCP-47 recognition language. Empty lets the provider
	// auto-detect when supported.
	Language string

	// Model selects the provider model. Empty uses the provider default.
	Model string

	// EndpointingMS asks the vendor to emit utterance-end after this many
	// milliseconds of trailing silence. Zero uses the vendor default.
	EndpointingMS int

	// VADEvents requests speech-started events when supported.
	VADEvents bool
}

// Stream is an open transcription stream.
//
// Callers must call Close when done; failing to do so leaks goroutines and
// the upstream connection. All methods are safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM matching StreamConfig. Returns
	// ErrClosed after Close.
	SendAudio(chunk []byte) error

	// Events returns the ordered event channel. It is closed when the
	// stream ends, after a final error event if the upstream failed.
	Events() <-chan Event

	// Close flushes pending audio, tears down the upstream connection, and
	// closes the event channel. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any streaming STT backend. Multiple
// streams may be open simultaneously; the pool in internal/sttpool bounds
// that number process-wide.
type Provider interface {
	// Open establishes a new transcription stream, ready to accept audio
	// immediately. The stream outlives ctx; ctx bounds only establishment.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
