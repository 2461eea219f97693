// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

// NativeProvider implements stt.Provider with in-process whisper.cpp
// inference. The model loads once and is shared across all streams; each
// inference gets its own whisper context because contexts are not
// thread-safe.
type NativeProvider struct {
	model       whisperlib.Model
	language    string
	silenceMs   int
	maxBufferMs int
	log         *slog.Logger

	mu sync.Mutex
}

var _ stt.Provider = (*NativeProvider)(nil)

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the transcription language.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSilenceThresholdMs sets the silence window that commits an
// utterance.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceMs = ms }
}

// WithNativeMaxBufferDurationMs caps buffered speech before a forced flush.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferMs = ms }
}

// WithNativeLogger sets the logger for inference failures.
func WithNativeLogger(log *slog.Logger) NativeOption {
	return func(p *NativeProvider) { p.log = log }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must Close
// the provider when done with it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:       model,
		language:    defaultLanguage,
		silenceMs:   defaultSilenceMs,
		maxBufferMs: defaultMaxBufferMs,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the shared model. Streams opened earlier must be closed
// first.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Open starts a new stream backed by in-process inference.
func (p *NativeProvider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: open: %w", err)
	}

	lang := p.language
	if cfg.Language != "" {
		lang = cfg.Language
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	silence := p.silenceMs
	if cfg.EndpointingMS > 0 {
		silence = cfg.EndpointingMS
	}

	seg := &segmenter{
		sampleRate: rate,
		channels:   channels,
		silenceMs:  silence,
		maxBytes:   p.maxBufferMs * rate * channels * (bitsPerSample / 8) / 1000,
	}

	infer := func(_ context.Context, pcm []byte) (string, error) {
		return p.inferNative(pcm, channels, lang)
	}
	return newSession(infer, seg, cfg.VADEvents, p.log), nil
}

// inferNative converts the utterance to float32 mono and runs whisper.cpp
// in-process. The model itself is shareable but context creation is
// serialized to stay on the safe side of the bindings.
func (p *NativeProvider) inferNative(pcm []byte, channels int, lang string) (string, error) {
	samples := pcmToFloat32Mono(pcm, channels)

	p.mu.Lock()
	wctx, err := p.model.NewContext()
	p.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		p.log.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// pcmToFloat32Mono down-mixes 16-bit little-endian PCM to mono float32
// samples in [-1.0, 1.0], averaging channels per frame.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		n := len(pcm) / 2
		samples := make([]float32, n)
		for i := range n {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		}
		return samples
	}

	perChannel := len(pcm) / (2 * channels)
	mono := make([]float32, perChannel)
	for i := range perChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:idx+2]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
