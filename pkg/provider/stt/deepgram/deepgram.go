// Package deepgram implements stt.Provider on Deepgram's realtime
// transcription WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

const (
	defaultBaseURL    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "en"
	defaultSampleRate = 8000

	// audioBuffer bounds how many chunks SendAudio may queue before it
	// blocks. At 20 ms per frame this is about five seconds of speech.
	audioBuffer = 256

	// eventBuffer smooths bursts of results arriving faster than the
	// session consumes them.
	eventBuffer = 32

	// closeGrace is how long Close waits for the vendor to flush pending
	// results after CloseStream before tearing the connection down.
	closeGrace = 5 * time.Second
)

// Provider opens realtime transcription streams against Deepgram.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	language string
	log      *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default Deepgram model for streams that do not pick
// their own.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBaseURL overrides the API endpoint. Useful for proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithLogger sets the logger for protocol-level noise (unknown message
// types, parse failures).
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// New creates a Deepgram provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: api key must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		model:    defaultModel,
		language: defaultLanguage,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Open dials the realtime endpoint and starts the stream's send and receive
// loops. ctx bounds only the dial.
func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	u, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s := &session{
		conn:     conn,
		log:      p.log,
		events:   make(chan stt.Event, eventBuffer),
		audio:    make(chan []byte, audioBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	lang := p.language
	if cfg.Language != "" {
		lang = cfg.Language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMS))
		// UtteranceEnd messages require a window of at least one second.
		utt := cfg.EndpointingMS
		if utt < 1000 {
			utt = 1000
		}
		q.Set("utterance_end_ms", strconv.Itoa(utt))
	}
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// session is one live transcription stream. Audio flows in through a
// buffered channel so SendAudio rarely blocks on the network; results flow
// out through the single ordered event channel.
type session struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan stt.Event
	audio  chan []byte

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ stt.Stream = (*session)(nil)

// SendAudio queues a linear16 PCM chunk for delivery to the vendor.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Events returns the ordered event channel.
func (s *session) Events() <-chan stt.Event {
	return s.events
}

// Close drains queued audio, asks the vendor to flush remaining results,
// waits briefly for them, and tears down the connection.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()

		select {
		case <-s.readDone:
		case <-time.After(closeGrace):
		}
		err = s.conn.Close(websocket.StatusNormalClosure, "stream complete")
	})
	return err
}

// writeLoop ships queued audio to the vendor. On shutdown it drains the
// buffer first so the tail of the caller's speech still reaches the
// recognizer before CloseStream.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// message is the subset of Deepgram's realtime protocol the session routes
// on. Unknown types are logged and skipped.
type message struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// readLoop parses vendor messages into stream events. It owns the event
// channel and closes it on exit.
func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Orderly shutdown; the vendor closed after CloseStream.
			default:
				s.emit(stt.Event{
					Type: stt.EventError,
					Err:  fmt.Errorf("deepgram: read: %w", err),
				})
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("deepgram: unparseable message", "error", err)
			continue
		}

		switch msg.Type {
		case "Results":
			s.handleResults(msg)
		case "UtteranceEnd":
			s.emit(stt.Event{Type: stt.EventUtteranceEnd})
		case "SpeechStarted":
			s.emit(stt.Event{Type: stt.EventSpeechStarted})
		case "Metadata":
			// Sent once after CloseStream; nothing to route.
		default:
			s.log.Debug("deepgram: unknown message type", "type", msg.Type)
		}
	}
}

// handleResults routes one Results message. Empty transcripts are dropped,
// but a speech_final marker still counts as an endpoint: the vendor may
// detect the pause on a result whose text already arrived.
func (s *session) handleResults(msg message) {
	var t stt.Transcript
	if len(msg.Channel.Alternatives) > 0 {
		alt := msg.Channel.Alternatives[0]
		t = stt.Transcript{Text: alt.Transcript, Confidence: alt.Confidence}
	}

	if t.Text != "" {
		kind := stt.EventPartial
		if msg.IsFinal {
			kind = stt.EventFinal
		}
		s.emit(stt.Event{Type: kind, Transcript: t})
	}
	if msg.SpeechFinal {
		s.emit(stt.Event{Type: stt.EventUtteranceEnd})
	}
}

// emit delivers an event without wedging the read loop when the consumer
// has already gone away.
func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
