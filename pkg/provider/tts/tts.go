// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, or a local
// Coqui server) and presents a uniform streaming interface: Synthesize
// accepts a channel of text fragments and returns a channel of raw PCM audio
// as it becomes available, so LLM output pipes straight into synthesis
// without waiting for the full reply.
//
// Providers self-identify through Name, which the synthesis queue uses to
// key per-provider concurrency caps, and declare their PCM output rate
// through SampleRate so the caller can transcode to the telephony wire
// format.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects the synthesis voice for one request.
type Voice struct {
	// ID is the provider-specific voice or speaker identifier.
	ID string

	// Language hints the synthesis language for multilingual models. Empty
	// uses the provider default.
	Language string

	// Speed adjusts the speaking rate where the vendor supports it.
	// Zero means the vendor default.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Name identifies the provider for logging and for per-provider
	// concurrency limits.
	Name() string

	// SampleRate is the rate in Hz of the mono 16-bit PCM the provider
	// emits.
	SampleRate() int

	// Synthesize consumes text fragments from text and returns a channel
	// emitting raw PCM chunks as they are synthesized. The audio channel is
	// closed when all text has been spoken, when ctx is cancelled, or when
	// synthesis fails mid-stream; the caller must drain it.
	//
	// A non-nil error is returned only when the stream cannot be started at
	// all.
	Synthesize(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)
}
