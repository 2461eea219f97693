// Package whisper provides stt.Provider implementations backed by
// whisper.cpp, for deployments that keep transcription on-premises or need
// a fallback when the hosted vendor is unreachable.
//
// Two variants exist. [Provider] talks to a running whisper-server binary
// over its REST API (POST /inference). [NativeProvider] links whisper.cpp
// directly through the CGO bindings, trading build complexity for zero HTTP
// overhead.
//
// whisper.cpp is a batch engine, so both variants simulate streaming: audio
// is buffered through an energy-based silence detector and each completed
// utterance is transcribed in one shot. True low-latency partials are not
// possible; each utterance emits a partial and a final carrying the same
// text, followed by an utterance-end.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

const (
	defaultLanguage      = "en"
	defaultSampleRate    = 8000
	defaultSilenceMs     = 500
	defaultMaxBufferMs   = 10_000
	defaultInferHTTPWait = 30 * time.Second
)

// Provider implements stt.Provider against a whisper.cpp HTTP server.
// Multiple streams may be open simultaneously; each maintains its own
// buffer and goroutine.
type Provider struct {
	serverURL   string
	model       string
	language    string
	silenceMs   int
	maxBufferMs int
	httpClient  *http.Client
	log         *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "base.en"). When empty the server uses whichever model it was started
// with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThresholdMs sets how much consecutive silence after speech
// commits an utterance for transcription. Streams that configure
// endpointing override this.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceMs = ms }
}

// WithMaxBufferDurationMs caps how much continuous speech may accumulate
// before a flush is forced.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferMs = ms }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger for inference failures.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// New creates a Provider that connects to the whisper.cpp server at
// serverURL (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server url must not be empty")
	}
	p := &Provider{
		serverURL:   serverURL,
		language:    defaultLanguage,
		silenceMs:   defaultSilenceMs,
		maxBufferMs: defaultMaxBufferMs,
		httpClient:  &http.Client{Timeout: defaultInferHTTPWait},
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Open starts a new stream. No network connection is established until the
// first utterance completes.
func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: open: %w", err)
	}

	lang := p.language
	if cfg.Language != "" {
		lang = cfg.Language
	}
	seg := p.segmenterFor(cfg)

	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.inferHTTP(ctx, pcm, seg.sampleRate, seg.channels, lang)
	}
	return newSession(infer, seg, cfg.VADEvents, p.log), nil
}

// segmenterFor builds the silence detector for one stream's audio format.
func (p *Provider) segmenterFor(cfg stt.StreamConfig) *segmenter {
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

	bytesPerMs := rate * channels * (bitsPerSample / 8) / 1000
	return &segmenter{
		sampleRate: rate,
		channels:   channels,
		silenceMs:  silence,
		maxBytes:   p.maxBufferMs * bytesPerMs,
	}
}

// inferHTTP encodes pcm as WAV and POSTs it to the /inference endpoint as
// multipart/form-data.
func (p *Provider) inferHTTP(ctx context.Context, pcm []byte, sampleRate, channels int, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, sampleRate, channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
