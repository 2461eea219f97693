// Package coqui implements tts.Provider on a locally running Coqui TTS
// server, either the standard image (ghcr.io/coqui-ai/tts-cpu) or an XTTS v2
// API server.
//
// Both servers are batch engines: one HTTP call per utterance rather than a
// streaming socket. Synthesize therefore accumulates incoming text fragments
// into complete sentences and dispatches concurrent HTTP requests with a
// small lookahead window, emitting PCM in sentence order.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/vocalix/vocalix/pkg/audio"
	"github.com/vocalix/vocalix/pkg/provider/tts"
)

// ProviderName keys this provider in queue caps and logs.
const ProviderName = "coqui"

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 16000

	xttsEndpoint     = "/tts_to_audio/"
	speakersEndpoint = "/studio_speakers"
	apiTTSEndpoint   = "/api/tts"
	detailsEndpoint  = "/details"

	// lookahead is how many synthesis requests may be in flight at once.
	// Higher values hide server latency at the cost of extra load.
	lookahead = 4

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted downstream.
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the default synthesis language. Voices that carry their
// own language override it per request.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API flavour.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputSampleRate sets the rate all synthesized PCM is resampled to.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements tts.Provider backed by a Coqui TTS server. It is safe
// for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	outputRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Provider targeting the Coqui server at serverURL (e.g.
// "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server url must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "coqui".
func (p *Provider) Name() string { return ProviderName }

// SampleRate returns the configured output rate.
func (p *Provider) SampleRate() int { return p.outputRate }

// ---- synthesis pipeline ----

// synthResult carries one sentence's PCM or error from a worker.
type synthResult struct {
	pcm []byte
	err error
}

// Synthesize accumulates text fragments into sentences, synthesizes each
// over HTTP with bounded concurrency, and emits PCM chunks in sentence
// order. The returned channel closes when all text is spoken, ctx is
// cancelled, or a synthesis request fails.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice id must not be empty in xtts mode")
	}

	audioCh := make(chan []byte, audioChanBuf)
	sentences := make(chan string, lookahead)
	results := make(chan chan synthResult, lookahead)

	go p.accumulate(ctx, text, sentences)
	go p.dispatch(ctx, sentences, results, voice)
	go p.collect(ctx, results, audioCh)

	return audioCh, nil
}

// accumulate buffers text fragments and emits complete sentences, flushing
// any trailing partial sentence when the input closes.
func (p *Provider) accumulate(ctx context.Context, text <-chan string, sentences chan<- string) {
	defer close(sentences)
	var buf strings.Builder
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if rest := strings.TrimSpace(buf.String()); rest != "" {
					select {
					case sentences <- rest:
					case <-ctx.Done():
					}
				}
				return
			}
			buf.WriteString(fragment)
			for {
				s := buf.String()
				idx := sentenceBoundary(s)
				if idx < 0 {
					break
				}
				sentence := strings.TrimSpace(s[:idx+1])
				buf.Reset()
				buf.WriteString(s[idx+1:])
				if sentence == "" {
					continue
				}
				select {
				case sentences <- sentence:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch launches one HTTP request per sentence and queues an ordered
// result slot for the collector. The bounded results channel is what caps
// in-flight requests.
func (p *Provider) dispatch(ctx context.Context, sentences <-chan string, results chan<- chan synthResult, voice tts.Voice) {
	defer close(results)
	for {
		select {
		case sentence, ok := <-sentences:
			if !ok {
				return
			}
			slot := make(chan synthResult, 1)
			select {
			case results <- slot:
			case <-ctx.Done():
				return
			}
			go func(s string) {
				pcm, err := p.synthesize(ctx, s, voice)
				slot <- synthResult{pcm: pcm, err: err}
			}(sentence)
		case <-ctx.Done():
			return
		}
	}
}

// collect drains result slots in order and emits fixed-size PCM chunks. A
// failed sentence ends the stream early.
func (p *Provider) collect(ctx context.Context, results <-chan chan synthResult, audioCh chan<- []byte) {
	defer close(audioCh)
	for {
		select {
		case slot, ok := <-results:
			if !ok {
				return
			}
			var res synthResult
			select {
			case res = <-slot:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				return
			}
			pcm := res.pcm
			for len(pcm) > 0 {
				end := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:end]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[end:]
			}
		case <-ctx.Done():
			return
		}
	}
}

// ---- HTTP calls ----

// xttsRequest is the JSON body for POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// synthesize runs one sentence through the configured API flavour and
// normalizes the result to mono PCM at the output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeXTTS {
		wav, err = p.requestXTTS(ctx, sentence, voice)
	} else {
		wav, err = p.requestStandard(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}
	return p.normalize(wav)
}

func (p *Provider) requestXTTS(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	lang := p.language
	if voice.Language != "" {
		lang = voice.Language
	}
	body, err := json.Marshal(xttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   lang,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return p.doAudio(req, xttsEndpoint)
}

func (p *Provider) requestStandard(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	lang := p.language
	if voice.Language != "" {
		lang = voice.Language
	}
	if lang != "" {
		params.Set("language_id", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return p.doAudio(req, apiTTSEndpoint)
}

func (p *Provider) doAudio(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read wav response: %w", err)
	}
	return wav, nil
}

// normalize strips the WAV container and converts the PCM to mono at the
// configured output rate.
func (p *Provider) normalize(wav []byte) ([]byte, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := samplesToBytes(bytesToSamples(wav[info.DataOffset:]))
	if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if info.SampleRate != p.outputRate {
		pcm = audio.Resample(pcm, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// ---- voice catalogue ----

// ListSpeakers returns the speaker identifiers the server offers, sorted.
// Single-speaker standard models report their model name as the only entry.
func (p *Provider) ListSpeakers(ctx context.Context) ([]string, error) {
	if p.apiMode == APIModeXTTS {
		return p.listSpeakersXTTS(ctx)
	}
	return p.listSpeakersStandard(ctx)
}

func (p *Provider) listSpeakersXTTS(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+speakersEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create speakers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", speakersEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", speakersEndpoint, resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("coqui: decode speakers: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) listSpeakersStandard(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create details request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details: %w", err)
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)
		return speakers, nil
	}
	if details.ModelName != "" {
		return []string{details.ModelName}, nil
	}
	return []string{"default"}, nil
}

// ---- helpers ----

// sentenceBoundary returns the index of the first '.', '!' or '?' that ends
// the string or is followed by whitespace, -1 when none. The whitespace
// rule keeps abbreviations like "Dr." and decimals like "3.14" intact.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavInfo holds format metadata from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks to locate the fmt and data sub-chunks.
// Walking beats a hardcoded 44-byte offset because the fmt chunk size
// varies between encoders.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: wav response too short to be a riff file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: wav response missing riff header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: wav response missing wave identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: wav response missing data chunk")
}

func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(s))
	}
	return pcm
}
