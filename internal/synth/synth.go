// Package synth picks a text-to-speech backend for each utterance and runs
// the synthesis under the per-provider concurrency caps of
// internal/ttsqueue.
//
// Selection policy: the primary provider is used unless its queue depth has
// reached the configured threshold, in which case the fallback (when set)
// takes the utterance. If the chosen provider fails to start the stream, the
// other one is tried exactly once. Mid-stream failures are the caller's to
// handle; an utterance that has started speaking cannot be restarted without
// the caller hearing a glitch.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vocalix/vocalix/internal/ttsqueue"
	"github.com/vocalix/vocalix/pkg/provider/tts"
)

// ErrNoProvider is returned when the requested provider is not registered.
var ErrNoProvider = errors.New("synth: no such provider")

// Config tunes provider selection.
type Config struct {
	// Primary is the provider used by default.
	Primary string

	// Fallback, when non-empty, takes over when the primary queue is
	// congested or the primary fails to start.
	Fallback string

	// QueueThreshold is the primary queue depth at which new utterances
	// shift to the fallback. Zero disables the congestion check.
	QueueThreshold int
}

// Result is one running synthesis.
type Result struct {
	// Audio carries raw PCM chunks; closed when the utterance ends.
	Audio <-chan []byte

	// Provider is the backend that took the utterance.
	Provider string

	// SampleRate is the PCM rate of Audio in Hz.
	SampleRate int
}

// Synthesizer routes utterances to TTS providers.
type Synthesizer struct {
	queue     *ttsqueue.Queue
	providers map[string]tts.Provider
	cfg       Config
	logger    *slog.Logger
}

// New creates a Synthesizer. Every provider named in cfg must be present in
// providers.
func New(queue *ttsqueue.Queue, providers []tts.Provider, cfg Config, logger *slog.Logger) (*Synthesizer, error) {
	if queue == nil {
		return nil, errors.New("synth: queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]tts.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if _, ok := byName[cfg.Primary]; !ok {
		return nil, fmt.Errorf("synth: primary %w: %q", ErrNoProvider, cfg.Primary)
	}
	if cfg.Fallback != "" {
		if _, ok := byName[cfg.Fallback]; !ok {
			return nil, fmt.Errorf("synth: fallback %w: %q", ErrNoProvider, cfg.Fallback)
		}
	}
	return &Synthesizer{
		queue:     queue,
		providers: byName,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Speak synthesizes the fragments arriving on text with the chosen backend.
// The preferred provider may be overridden per call (an agent's configured
// voice provider); empty uses the configured primary.
func (s *Synthesizer) Speak(ctx context.Context, preferred string, text <-chan string, voice tts.Voice) (Result, error) {
	first := s.choose(preferred)
	res, err := s.speakWith(ctx, first, text, voice)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}

	second := s.other(first)
	if second == "" {
		return Result{}, err
	}
	s.logger.Warn("tts provider failed to start, trying fallback",
		"provider", first,
		"fallback", second,
		"error", err,
	)
	return s.speakWith(ctx, second, text, voice)
}

// speakWith runs one synthesis on the named provider under its queue cap.
func (s *Synthesizer) speakWith(ctx context.Context, name string, text <-chan string, voice tts.Voice) (Result, error) {
	provider, ok := s.providers[name]
	if !ok {
		return Result{}, fmt.Errorf("synth: speak: %w: %q", ErrNoProvider, name)
	}
	audio, err := s.queue.Run(ctx, name, func(ctx context.Context) (<-chan []byte, error) {
		return provider.Synthesize(ctx, text, voice)
	})
	if err != nil {
		return Result{}, fmt.Errorf("synth: speak via %s: %w", name, err)
	}
	return Result{Audio: audio, Provider: name, SampleRate: provider.SampleRate()}, nil
}

// choose returns the provider for a new utterance, shifting to the fallback
// when the preferred lane is congested.
func (s *Synthesizer) choose(preferred string) string {
	name := preferred
	if name == "" {
		name = s.cfg.Primary
	}
	if _, ok := s.providers[name]; !ok {
		name = s.cfg.Primary
	}
	if s.cfg.Fallback == "" || s.cfg.QueueThreshold <= 0 || name == s.cfg.Fallback {
		return name
	}
	if depth := s.queue.QueueDepth(name); depth >= s.cfg.QueueThreshold {
		s.logger.Debug("tts queue congested, using fallback",
			"provider", name,
			"depth", depth,
			"fallback", s.cfg.Fallback,
		)
		return s.cfg.Fallback
	}
	return name
}

// other returns the alternative to name within the primary/fallback pair, or
// "" when there is none.
func (s *Synthesizer) other(name string) string {
	switch {
	case s.cfg.Fallback == "":
		return ""
	case name == s.cfg.Fallback:
		return s.cfg.Primary
	default:
		return s.cfg.Fallback
	}
}
