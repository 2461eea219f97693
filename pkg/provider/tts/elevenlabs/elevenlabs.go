// Package elevenlabs implements tts.Provider on the ElevenLabs streaming
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/vocalix/vocalix/pkg/provider/tts"
)

// ProviderName keys this provider in queue caps and logs.
const ProviderName = "elevenlabs"

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256
)

// Option configures the Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format. Only PCM formats
// ("pcm_16000", "pcm_24000", ...) are supported by the rest of the pipeline.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithHTTPClient replaces the HTTP client used for the voices endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithEndpoints overrides the streaming and voices endpoints. ws is a
// format string with slots for voice ID and model. Useful for proxies.
func WithEndpoints(ws, voices string) Option {
	return func(p *Provider) {
		p.wsEndpointFmt = ws
		p.voicesEndpoint = voices
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey         string
	model          string
	outputFormat   string
	wsEndpointFmt  string
	voicesEndpoint string
	httpClient     *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates an ElevenLabs provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		outputFormat:   defaultOutputFmt,
		wsEndpointFmt:  wsEndpointFmt,
		voicesEndpoint: voicesEndpoint,
		httpClient:     &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "elevenlabs".
func (p *Provider) Name() string { return ProviderName }

// SampleRate parses the configured output format ("pcm_16000" → 16000).
func (p *Provider) SampleRate() int {
	rate, err := strconv.Atoi(strings.TrimPrefix(p.outputFormat, "pcm_"))
	if err != nil {
		return 16000
	}
	return rate
}

// ---- WebSocket message types ----

// textMessage is the payload sent for each text fragment. An empty Text
// flushes and ends the stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial handshake that authenticates and configures the
// stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// audioResponse is a message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize opens a WebSocket to ElevenLabs, pipes text fragments through
// it, and returns a channel emitting raw PCM chunks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}

	wsURL := fmt.Sprintf(p.wsEndpointFmt, voice.ID, p.model)
	if voice.Language != "" {
		wsURL += "&language_code=" + voice.Language
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	settings := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Speed > 0 {
		settings.Speed = voice.Speed
	}

	// The first message must carry a non-empty text value.
	boi, _ := json.Marshal(boiMessage{
		Text:          " ",
		VoiceSettings: settings,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					continue
				}
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// End of input: flush and wait for the reader to drain
					// the remaining audio.
					flush, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flush)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				payload, _ := json.Marshal(textMessage{Text: fragment})
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ---- voice catalogue ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// VoiceInfo describes one catalogue entry from the voices endpoint.
type VoiceInfo struct {
	ID       string
	Name     string
	Category string
	Labels   map[string]string
}

// ListVoices returns the voices available to the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]VoiceInfo, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, VoiceInfo{
			ID:       v.VoiceID,
			Name:     v.Name,
			Category: v.Category,
			Labels:   v.Labels,
		})
	}
	return voices, nil
}
