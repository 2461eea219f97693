package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocalix/vocalix/internal/amd"
	"github.com/vocalix/vocalix/internal/prompt"
	"github.com/vocalix/vocalix/internal/synth"
	llmmock "github.com/vocalix/vocalix/pkg/provider/llm/mock"
	"github.com/vocalix/vocalix/pkg/provider/stt"
	sttmock "github.com/vocalix/vocalix/pkg/provider/stt/mock"
	"github.com/vocalix/vocalix/pkg/provider/tts"
	storemock "github.com/vocalix/vocalix/pkg/store/mock"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"
)

// fakeConn is an in-memory MediaConn. Tests push inbound frames on in and
// inspect written audio as text, because the fake speaker synthesises each
// sentence to its own bytes.
type fakeConn struct {
	callID string
	in     chan telephony.Frame

	mu    sync.Mutex
	audio []byte
	marks []string
}

func newFakeConn(callID string) *fakeConn {
	return &fakeConn{callID: callID, in: make(chan telephony.Frame, 16)}
}

func (c *fakeConn) CallID() string   { return c.callID }
func (c *fakeConn) StreamID() string { return "MZ-test" }

func (c *fakeConn) ReadFrame(ctx context.Context) (telephony.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return telephony.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return telephony.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm...)
	return nil
}

func (c *fakeConn) WriteMark(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, name)
	return nil
}

func (c *fakeConn) Close(string) error { return nil }

func (c *fakeConn) audioText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.audio)
}

// fakePool hands out streams from an stt mock provider and counts releases.
type fakePool struct {
	provider *sttmock.Provider

	mu       sync.Mutex
	acquired int
	released int
}

func (p *fakePool) Acquire(ctx context.Context, _ string, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()
	return p.provider.Open(ctx, cfg)
}

func (p *fakePool) Release(string) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakePool) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// fakeSpeaker synthesises each sentence to its literal bytes at the wire
// rate, so written audio reads as the spoken text.
type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSpeaker) Speak(_ context.Context, _ string, text <-chan string, _ tts.Voice) (synth.Result, error) {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for t := range text {
			f.mu.Lock()
			f.texts = append(f.texts, t)
			f.mu.Unlock()
			// Sample-align so the transcoder passes the bytes through.
			b := []byte(t)
			if len(b)%2 == 1 {
				b = append(b, ' ')
			}
			out <- b
		}
	}()
	return synth.Result{Audio: out, Provider: "fake", SampleRate: 8000}, nil
}

// sink records transcript turns in memory.
type sink struct {
	mu      sync.Mutex
	turns   []types.TranscriptTurn
	flushes int
}

func (s *sink) Append(_ string, turn types.TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *sink) FlushCall(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *sink) texts(speaker types.Speaker) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.turns {
		if t.Speaker == speaker {
			out = append(out, t.Text)
		}
	}
	return out
}

func (s *sink) speakers() []types.Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Speaker, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Speaker
	}
	return out
}

type agentSrc struct{ agent *types.Agent }

func (a *agentSrc) Get(context.Context, string) (*types.Agent, error) { return a.agent, nil }

type fixture struct {
	store   *storemock.Store
	agent   *types.Agent
	pool    *fakePool
	stream  *sttmock.Stream
	speaker *fakeSpeaker
	llm     *llmmock.Provider
	sink    *sink
	conn    *fakeConn
	done    chan error
}

func newFixture(t *testing.T, cfg Config, mutate func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		store:   storemock.New(),
		speaker: &fakeSpeaker{},
		llm:     &llmmock.Provider{Chunks: llmmock.TextChunks("Certainly.")},
		sink:    &sink{},
		conn:    newFakeConn("call_1"),
		stream:  sttmock.NewStream(),
		done:    make(chan error, 1),
	}
	f.pool = &fakePool{provider: &sttmock.Provider{Stream: f.stream}}
	f.agent = &types.Agent{
		ID:            "agent_1",
		Persona:       "You are a helpful receptionist.",
		Greeting:      "Hi there!",
		GoodbyeLine:   "Bye now!",
		EndPhrases:    []string{"goodbye"},
		VoiceProvider: "elevenlabs",
		Active:        true,
	}
	if mutate != nil {
		mutate(f)
	}

	err := f.store.CreateCall(context.Background(), &types.Call{
		ID:        "call_1",
		AgentID:   "agent_1",
		Direction: types.DirectionOutbound,
		Phone:     "+14155550101",
		Status:    types.StatusRinging,
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	eng := NewEngine(Deps{
		Store:       f.store,
		Agents:      &agentSrc{agent: f.agent},
		Pool:        f.pool,
		Speaker:     f.speaker,
		LLM:         f.llm,
		Prompts:     prompt.New(nil, prompt.Config{}, nil),
		Transcripts: f.sink,
		Detector:    amd.New(),
	}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go func() { f.done <- eng.Handle(ctx, f.conn) }()
	return f
}

func (f *fixture) emit(t *testing.T, ev stt.Event) {
	t.Helper()
	f.stream.Emit(ev)
}

func partialEvent(text string) stt.Event {
	return stt.Event{Type: stt.EventPartial, Transcript: stt.Transcript{Text: text}}
}

func finalEvent(text string) stt.Event {
	return stt.Event{Type: stt.EventFinal, Transcript: stt.Transcript{Text: text}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("session returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}
}

func (f *fixture) callStatus(t *testing.T) *types.Call {
	t.Helper()
	call, err := f.store.GetCall(context.Background(), "call_1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	return call
}

func TestSession_GreetingAndBasicTurn(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.llm.Chunks = llmmock.TextChunks("The answer", " is 42.")
	})

	waitFor(t, "greeting", func() bool { return strings.Contains(f.conn.audioText(), "Hi there!") })

	f.emit(t, partialEvent("what"))
	f.emit(t, finalEvent("what is the answer"))
	f.emit(t, stt.Event{Type: stt.EventUtteranceEnd})

	waitFor(t, "assistant reply", func() bool {
		return strings.Contains(f.conn.audioText(), "The answer is 42.")
	})

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)

	call := f.callStatus(t)
	if call.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if got := f.sink.texts(types.SpeakerUser); len(got) != 1 || got[0] != "what is the answer" {
		t.Errorf("user turns = %v", got)
	}
	assistant := f.sink.texts(types.SpeakerAssistant)
	if len(assistant) != 2 || assistant[0] != "Hi there!" || assistant[1] != "The answer is 42." {
		t.Errorf("assistant turns = %v", assistant)
	}
	if f.pool.releaseCount() != 1 {
		t.Errorf("stt releases = %d, want 1", f.pool.releaseCount())
	}
}

func TestSession_MediaFramesReachSTT(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.conn.in <- telephony.NewMediaFrame("MZ-test", 1, []byte("caller pcm"))
	waitFor(t, "stt audio", func() bool { return f.stream.SendAudioCallCount() > 0 })

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_SpeculativeResponseIsAuthoritative(t *testing.T) {
	f := newFixture(t, Config{SpeculationThreshold: 3, SilenceBackstop: time.Minute}, func(f *fixture) {
		f.llm.Chunks = llmmock.TextChunks("We are open nine to five.")
	})
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, partialEvent("what are your hours"))
	waitFor(t, "speculative response", func() bool {
		return strings.Contains(f.conn.audioText(), "We are open nine to five.")
	})

	f.emit(t, finalEvent("what are your hours today"))
	f.emit(t, stt.Event{Type: stt.EventUtteranceEnd})
	waitFor(t, "user turn logged", func() bool {
		return len(f.sink.texts(types.SpeakerUser)) == 1
	})

	if n := f.llm.CallCount(); n != 1 {
		t.Errorf("llm calls = %d, want 1 (final must not re-run the model)", n)
	}
	req := f.llm.LastRequest()
	if last := req.Messages[len(req.Messages)-1]; last.Content != "what are your hours" {
		t.Errorf("speculative request built on %q, want the trigger partial", last.Content)
	}
	if got := f.sink.texts(types.SpeakerUser)[0]; got != "what are your hours today" {
		t.Errorf("logged user turn = %q, want the final transcript", got)
	}

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_SpeculativeReplyLogsAfterUserTurn(t *testing.T) {
	f := newFixture(t, Config{SpeculationThreshold: 3, SilenceBackstop: time.Minute}, func(f *fixture) {
		f.llm.Chunks = llmmock.TextChunks("We close at five.")
	})
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	// Let the speculative reply finish speaking before the final arrives.
	f.emit(t, partialEvent("when do you close"))
	waitFor(t, "speculative response", func() bool {
		return strings.Contains(f.conn.audioText(), "We close at five.")
	})
	if got := f.sink.texts(types.SpeakerAssistant); len(got) != 1 {
		t.Fatalf("assistant turns before final = %v, want greeting only", got)
	}

	f.emit(t, finalEvent("when do you close today"))
	f.emit(t, stt.Event{Type: stt.EventUtteranceEnd})
	waitFor(t, "reply logged", func() bool {
		return len(f.sink.texts(types.SpeakerAssistant)) == 2
	})

	want := []types.Speaker{types.SpeakerAssistant, types.SpeakerUser, types.SpeakerAssistant}
	got := f.sink.speakers()
	if len(got) != len(want) {
		t.Fatalf("turn sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn %d speaker = %s, want %s (sequence %v)", i, got[i], want[i], got)
		}
	}

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_SpeculationWordThreshold(t *testing.T) {
	f := newFixture(t, Config{SpeculationThreshold: 3, SilenceBackstop: time.Minute}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	// Two words sit under the threshold, the third word crosses it. Partials
	// are processed in order, so the recorded request shows which one fired.
	f.emit(t, partialEvent("what are"))
	f.emit(t, partialEvent("what are your"))
	waitFor(t, "speculation", func() bool { return f.llm.CallCount() >= 1 })

	if n := f.llm.CallCount(); n != 1 {
		t.Fatalf("llm calls = %d, want 1", n)
	}
	req := f.llm.Calls()[0].Req
	if last := req.Messages[len(req.Messages)-1]; last.Content != "what are your" {
		t.Errorf("speculation fired on %q, want the three-word partial", last.Content)
	}

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_EndPhraseSpeaksGoodbye(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, finalEvent("okay goodbye then"))
	f.waitDone(t)

	if !strings.Contains(f.conn.audioText(), "Bye now!") {
		t.Error("goodbye line never spoken")
	}
	if call := f.callStatus(t); call.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if n := f.llm.CallCount(); n != 0 {
		t.Errorf("llm calls = %d, want 0 for an end-phrase turn", n)
	}
}

func TestSession_EndPhraseWaitsForInFlightResponse(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Config{SpeculationThreshold: 3, SilenceBackstop: time.Minute}, func(f *fixture) {
		f.llm.Gate = gate
	})
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	// Hold the speculative responder in flight, then match an end phrase.
	// The goodbye must wait for the responder to release the media writer.
	f.emit(t, partialEvent("one more thing please"))
	waitFor(t, "responder started", func() bool { return f.llm.CallCount() == 1 })

	f.emit(t, finalEvent("okay goodbye then"))
	f.waitDone(t)

	audio := f.conn.audioText()
	if !strings.HasSuffix(audio, "Bye now!") {
		t.Errorf("audio = %q, want it to end with the goodbye line", audio)
	}
	if call := f.callStatus(t); call.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if got := f.sink.texts(types.SpeakerUser); len(got) != 1 || got[0] != "okay goodbye then" {
		t.Errorf("user turns = %v", got)
	}
}

func TestSession_LLMErrorSpeaksApology(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.llm.StreamErrs = []error{errors.New("model down")}
	})
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, finalEvent("what is the answer"))
	f.emit(t, stt.Event{Type: stt.EventUtteranceEnd})

	waitFor(t, "apology", func() bool {
		return strings.Contains(f.conn.audioText(), apologyLine)
	})

	// The session stays up; a later turn works normally.
	f.emit(t, finalEvent("are you still there"))
	f.emit(t, stt.Event{Type: stt.EventUtteranceEnd})
	waitFor(t, "recovered reply", func() bool {
		return strings.Contains(f.conn.audioText(), "Certainly.")
	})

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_SilenceBackstopEndsUtterance(t *testing.T) {
	f := newFixture(t, Config{
		SpeculationThreshold: 50,
		SilenceBackstop:      30 * time.Millisecond,
	}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	// Partial arrives but the vendor never sends utterance-end.
	f.emit(t, partialEvent("tell me a joke"))
	waitFor(t, "backstop response", func() bool { return f.llm.CallCount() == 1 })

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_MaxIdleEndsCall(t *testing.T) {
	f := newFixture(t, Config{MaxIdle: 150 * time.Millisecond}, nil)

	f.waitDone(t)
	call := f.callStatus(t)
	if call.Status != types.StatusFailed || call.FailureReason != types.FailureNoResponse {
		t.Errorf("call = %s/%s, want failed/no-response", call.Status, call.FailureReason)
	}
}

func TestSession_VoicemailEndsWithoutSpeaking(t *testing.T) {
	f := newFixture(t, Config{AMDEnabled: true}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, finalEvent("you have reached the voicemail of Dana please leave a message after the tone"))
	f.waitDone(t)

	call := f.callStatus(t)
	if call.Status != types.StatusFailed || call.FailureReason != types.FailureVoicemail {
		t.Errorf("call = %s/%s, want failed/voicemail", call.Status, call.FailureReason)
	}
	if call.SubStatus != types.SubVoicemail {
		t.Errorf("sub-status = %s, want voicemail", call.SubStatus)
	}
	if n := f.llm.CallCount(); n != 0 {
		t.Errorf("llm calls = %d, want 0 for a voicemail", n)
	}
}

func TestSession_SocketCloseEndsCall(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	close(f.conn.in)
	f.waitDone(t)

	if call := f.callStatus(t); call.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if f.sink.flushes == 0 {
		t.Error("transcript never flushed")
	}
}

func TestSession_STTErrorReacquiresOnce(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, stt.Event{Type: stt.EventError, Err: errors.New("upstream died")})
	waitFor(t, "reacquire", func() bool { return f.pool.provider.OpenCallCount() == 2 })

	f.conn.in <- telephony.Frame{Event: telephony.EventStop}
	f.waitDone(t)
}

func TestSession_STTReacquireFailureEndsCall(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.pool.provider.OpenErrs = []error{nil, errors.New("pool exhausted")}
	})
	waitFor(t, "greeting", func() bool { return f.conn.audioText() != "" })

	f.emit(t, stt.Event{Type: stt.EventError, Err: errors.New("upstream died")})
	f.waitDone(t)

	call := f.callStatus(t)
	if call.Status != types.StatusFailed || call.FailureReason != types.FailureConnectionLost {
		t.Errorf("call = %s/%s, want failed/connection-lost", call.Status, call.FailureReason)
	}
}

func TestMatchEndPhrase(t *testing.T) {
	phrases := []string{"goodbye", "talk to you later"}
	tests := []struct {
		text string
		want bool
	}{
		{"Goodbye!", true},
		{"okay GOODBYE then", true},
		{"talk to you later alligator", true},
		{"the goodbyes were said", false},
		{"later", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, got := matchEndPhrase(tt.text, phrases); got != tt.want {
			t.Errorf("matchEndPhrase(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
