package deepgram

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"testing"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", defaultModel, q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["endpointing"]; ok {
		t.Error("expected no endpointing param when not configured")
	}
}

func TestBuildURL_StreamConfigOverrides(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		Model:      "base",
		Language:   "de-DE",
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q := mustQuery(t, rawURL)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Endpointing(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{EndpointingMS: 300, VADEvents: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q := mustQuery(t, rawURL)
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	// The utterance-end window has a vendor-imposed one second floor.
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
	assertEqual(t, "vad_events", "true", q.Get("vad_events"))
}

func TestBuildURL_LongEndpointing(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{EndpointingMS: 1500})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q := mustQuery(t, rawURL)
	assertEqual(t, "utterance_end_ms", "1500", q.Get("utterance_end_ms"))
}

// ---- result routing tests ----

func newTestSession() *session {
	return &session{
		log:    slog.Default(),
		events: make(chan stt.Event, 8),
		done:   make(chan struct{}),
	}
}

func decodeMessage(t *testing.T, raw string) message {
	t.Helper()
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHandleResults_Final(t *testing.T) {
	s := newTestSession()
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{"transcript": "Hello world", "confidence": 0.95}]
		}
	}`)

	s.handleResults(msg)

	ev := <-s.events
	if ev.Type != stt.EventFinal {
		t.Fatalf("event type = %v, want EventFinal", ev.Type)
	}
	assertEqual(t, "text", "Hello world", ev.Transcript.Text)
	if ev.Transcript.Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", ev.Transcript.Confidence)
	}
}

func TestHandleResults_Partial(t *testing.T) {
	s := newTestSession()
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{"transcript": "Hello", "confidence": 0.7}]
		}
	}`)

	s.handleResults(msg)

	ev := <-s.events
	if ev.Type != stt.EventPartial {
		t.Fatalf("event type = %v, want EventPartial", ev.Type)
	}
	assertEqual(t, "text", "Hello", ev.Transcript.Text)
}

func TestHandleResults_SpeechFinalEmitsUtteranceEnd(t *testing.T) {
	s := newTestSession()
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": true,
		"speech_final": true,
		"channel": {
			"alternatives": [{"transcript": "Goodbye", "confidence": 0.9}]
		}
	}`)

	s.handleResults(msg)

	first := <-s.events
	if first.Type != stt.EventFinal {
		t.Fatalf("first event = %v, want EventFinal", first.Type)
	}
	second := <-s.events
	if second.Type != stt.EventUtteranceEnd {
		t.Fatalf("second event = %v, want EventUtteranceEnd", second.Type)
	}
}

func TestHandleResults_EmptyTranscriptSpeechFinal(t *testing.T) {
	// The endpoint marker may ride a result whose text already arrived in an
	// earlier message. It must still be routed.
	s := newTestSession()
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": true,
		"speech_final": true,
		"channel": {"alternatives": [{"transcript": "", "confidence": 0}]}
	}`)

	s.handleResults(msg)

	ev := <-s.events
	if ev.Type != stt.EventUtteranceEnd {
		t.Fatalf("event = %v, want EventUtteranceEnd", ev.Type)
	}
	select {
	case extra := <-s.events:
		t.Fatalf("unexpected extra event %v", extra.Type)
	default:
	}
}

func TestHandleResults_EmptyAlternatives(t *testing.T) {
	s := newTestSession()
	msg := decodeMessage(t, `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)

	s.handleResults(msg)

	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %v for empty alternatives", ev.Type)
	default:
	}
}

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "base url", defaultBaseURL, p.baseURL)
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithBaseURL("wss://proxy.local/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", "nova-3", p.model)
	assertEqual(t, "base url", "wss://proxy.local/listen", p.baseURL)
}

// ---- helpers ----

func mustQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	return u.Query()
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
