// Package session drives one live call from media-socket open to close.
//
// A session follows the lifecycle opening → greeting → listening → speaking
// → ending → closed. One owner goroutine consumes a single stream of inputs
// (media frames, STT events, responder completions, watchdog ticks) and is
// the only writer of session state. Helper goroutines, the socket read pump
// and the responder that streams an LLM reply through synthesis, communicate
// with the owner exclusively through channels.
//
// The latency trick is speculation: once a partial transcript reaches the
// word threshold, the model is started on it before the caller has finished
// speaking. When the final transcript arrives the in-flight speculative
// response is authoritative; the model is not re-run, because the caller is
// already hearing the answer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vocalix/vocalix/internal/amd"
	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/internal/prompt"
	"github.com/vocalix/vocalix/internal/synth"
	"github.com/vocalix/vocalix/pkg/provider/llm"
	"github.com/vocalix/vocalix/pkg/provider/stt"
	"github.com/vocalix/vocalix/pkg/provider/tts"
	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"
)

// Fallback lines for agents without configured text and for mid-call
// failures.
const (
	defaultGreeting = "Hello! How can I help you today?"
	defaultGoodbye  = "Thank you for your time. Goodbye!"
	apologyLine     = "I'm sorry, I'm having trouble right now. Could you say that again?"
)

// MediaConn is the session's view of the media socket. *media.Conn satisfies
// it; tests use an in-memory fake.
type MediaConn interface {
	CallID() string
	StreamID() string
	ReadFrame(ctx context.Context) (telephony.Frame, error)
	WriteAudio(ctx context.Context, pcm []byte) error
	WriteMark(ctx context.Context, name string) error
	Close(reason string) error
}

// STTPool is the slice of the STT slot pool the session uses.
type STTPool interface {
	Acquire(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.Stream, error)
	Release(clientID string)
}

// Speaker runs one synthesis under the TTS concurrency caps.
// *synth.Synthesizer satisfies it.
type Speaker interface {
	Speak(ctx context.Context, preferred string, text <-chan string, voice tts.Voice) (synth.Result, error)
}

// AgentSource resolves agent configurations. *agent.Registry satisfies it.
type AgentSource interface {
	Get(ctx context.Context, id string) (*types.Agent, error)
}

// TranscriptSink receives conversation turns. *transcript.Writer satisfies
// it.
type TranscriptSink interface {
	Append(callID string, turn types.TranscriptTurn) error
	FlushCall(callID string)
}

// Deps are the shared components one Engine serves all its sessions with.
type Deps struct {
	Store       store.CallStore
	Agents      AgentSource
	Pool        STTPool
	Speaker     Speaker
	LLM         llm.Provider
	Prompts     *prompt.Assembler
	Transcripts TranscriptSink

	// Detector classifies first utterances of outbound calls; nil disables
	// voicemail detection regardless of config.
	Detector *amd.Detector

	// Greetings caches synthesised greeting audio; nil disables caching.
	Greetings *GreetingCache

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Config tunes session behaviour. Zero values fall back to the documented
// defaults.
type Config struct {
	// SpeculationThreshold is the partial-transcript word count that starts
	// a speculative model run. Default: 3.
	SpeculationThreshold int

	// SilenceBackstop triggers a manual utterance end when a non-empty
	// partial has not updated for this long. Default: 1s.
	SilenceBackstop time.Duration

	// MaxIdle ends the call with reason no-response after this much caller
	// silence. Default: 30s.
	MaxIdle time.Duration

	// MaxCallDuration is the hard call length watchdog. Default: 30m.
	MaxCallDuration time.Duration

	// LLMTimeout bounds one model response. Default: 30s.
	LLMTimeout time.Duration

	// EndpointingMS is passed to the STT stream. Zero uses the vendor
	// default.
	EndpointingMS int

	// AMDEnabled runs voicemail detection on the first final transcript of
	// outbound calls.
	AMDEnabled bool
}

func (c *Config) applyDefaults() {
	if c.SpeculationThreshold <= 0 {
		c.SpeculationThreshold = 3
	}
	if c.SilenceBackstop <= 0 {
		c.SilenceBackstop = time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 30 * time.Second
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 30 * time.Minute
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 30 * time.Second
	}
}

// Engine creates and runs sessions. One Engine serves the whole process.
type Engine struct {
	deps Deps
	cfg  Config
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps, cfg: cfg}
}

// session states.
type state int

const (
	stateGreeting state = iota
	stateListening
	stateSpeaking
	stateEnding
)

func (s state) String() string {
	switch s {
	case stateGreeting:
		return "greeting"
	case stateListening:
		return "listening"
	case stateSpeaking:
		return "speaking"
	case stateEnding:
		return "ending"
	}
	return "unknown"
}

// frameMsg is one read-pump delivery.
type frameMsg struct {
	frame telephony.Frame
	err   error
}

type session struct {
	e    *Engine
	conn MediaConn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	call  *types.Call
	agent *types.Agent

	stream    stt.Stream
	sttEvents <-chan stt.Event
	frames    chan frameMsg
	respDone  chan respResult

	st          state
	history     []types.TranscriptTurn
	partial     string
	finals      []string
	speculating bool
	specServed  bool
	heldReply   string
	respBusy    bool
	respCancel  context.CancelFunc
	firstFinal  bool

	startedAt    time.Time
	lastActivity time.Time
	uttStart     time.Time
	uttEnded     bool
	tm           timings

	endStatus types.CallStatus
	endReason types.FailureReason
}

// Handle runs the session for one media connection. It satisfies
// media.BindFunc via a closure in the app wiring.
func (e *Engine) Handle(ctx context.Context, conn MediaConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		e:        e,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan frameMsg, 16),
		respDone: make(chan respResult, 1),
		st:       stateGreeting,
		log:      e.deps.Logger.With("call_id", conn.CallID()),
	}
	return s.run()
}

func (s *session) run() error {
	call, err := s.e.deps.Store.GetCall(s.ctx, s.conn.CallID())
	if err != nil {
		return fmt.Errorf("session: load call %s: %w", s.conn.CallID(), err)
	}
	s.call = call
	s.log = s.log.With("agent_id", call.AgentID, "direction", call.Direction)

	agent, err := s.e.deps.Agents.Get(s.ctx, call.AgentID)
	if err != nil {
		return fmt.Errorf("session: load agent %s: %w", call.AgentID, err)
	}
	s.agent = agent

	now := time.Now().UTC()
	s.startedAt = now
	s.lastActivity = now
	s.markInProgress(now)

	stream, err := s.acquireSTT()
	if err != nil {
		s.finalize(types.StatusFailed, types.FailureConnectionLost)
		return fmt.Errorf("session: acquire stt slot: %w", err)
	}
	s.stream = stream
	s.sttEvents = stream.Events()

	if s.e.deps.Metrics != nil {
		s.e.deps.Metrics.ActiveSessions.Add(s.ctx, 1)
		defer s.e.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	go s.readPump()

	s.speakGreeting()
	if s.st != stateEnding {
		s.st = stateListening
	}

	s.loop()

	s.finalize(s.endStatus, s.endReason)
	return nil
}

// loop is the owner goroutine: the only writer of session state.
func (s *session) loop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for s.st != stateEnding {
		select {
		case <-s.ctx.Done():
			s.end(types.StatusFailed, types.FailureConnectionLost)

		case msg := <-s.frames:
			s.onFrame(msg)

		case ev, ok := <-s.sttEvents:
			if !ok {
				s.sttEvents = nil
				continue
			}
			s.onSTTEvent(ev)

		case res := <-s.respDone:
			s.onResponseDone(res)

		case <-ticker.C:
			s.onTick()
		}
	}
}

// readPump forwards socket frames to the owner loop.
func (s *session) readPump() {
	for {
		frame, err := s.conn.ReadFrame(s.ctx)
		select {
		case s.frames <- frameMsg{frame: frame, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) onFrame(msg frameMsg) {
	if msg.err != nil {
		if errors.Is(msg.err, io.EOF) || s.ctx.Err() != nil {
			s.end(types.StatusCompleted, "")
		} else {
			s.log.Warn("media socket failed", "error", msg.err)
			s.end(types.StatusFailed, types.FailureConnectionLost)
		}
		return
	}

	switch msg.frame.Event {
	case telephony.EventMedia:
		pcm, err := msg.frame.MediaPayload()
		if err != nil {
			s.log.Warn("dropping malformed media frame", "error", err)
			return
		}
		if err := s.stream.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrClosed) {
			s.log.Warn("stt send failed", "error", err)
		}
	case telephony.EventStop:
		s.end(types.StatusCompleted, "")
	case telephony.EventMark:
		// Playback acknowledgement; nothing to track yet.
	default:
		s.log.Debug("ignoring media frame", "event", msg.frame.Event)
	}
}

func (s *session) onSTTEvent(ev stt.Event) {
	now := time.Now()
	switch ev.Type {
	case stt.EventPartial:
		if s.partial == "" {
			s.uttStart = now
			s.uttEnded = false
			s.specServed = false
			s.tm.observeFirstPartial(now)
		}
		s.partial = ev.Transcript.Text
		s.lastActivity = now
		s.maybeSpeculate()

	case stt.EventFinal:
		text := strings.TrimSpace(ev.Transcript.Text)
		s.lastActivity = now
		s.partial = ""
		if text == "" {
			return
		}
		if s.uttEnded || len(s.finals) == 0 && s.uttStart.IsZero() {
			s.uttStart = now
			s.uttEnded = false
			s.specServed = false
		}
		s.finals = append(s.finals, text)
		s.tm.observeFinal(now, s.uttStart)

		if !s.firstFinal {
			s.firstFinal = true
			if s.detectVoicemail(text) {
				return
			}
		}
		if phrase, ok := matchEndPhrase(text, s.agent.EndPhrases); ok {
			s.log.Info("end phrase matched", "phrase", phrase)
			s.uttEnded = true
			s.appendTurn(types.SpeakerUser, strings.Join(s.finals, " "))
			s.finals = nil
			s.specServed = false
			s.flushHeldReply()
			s.sayGoodbyeAndEnd(types.StatusCompleted, "")
		}

	case stt.EventUtteranceEnd:
		s.endUtterance()

	case stt.EventSpeechStarted:
		s.lastActivity = now

	case stt.EventError:
		s.log.Warn("stt stream failed mid-call, reacquiring", "error", ev.Err)
		s.reacquireSTT()
	}
}

// maybeSpeculate starts the model on the current partial once it crosses the
// word threshold. At most one responder runs at a time.
func (s *session) maybeSpeculate() {
	if s.st != stateListening || s.speculating || s.respBusy || s.specServed {
		return
	}
	if len(strings.Fields(s.partial)) < s.e.cfg.SpeculationThreshold {
		return
	}
	s.speculating = true
	s.tm.observeSpeculation(time.Now(), s.uttStart)
	s.log.Debug("starting speculative response", "partial", s.partial)
	req := s.e.deps.Prompts.AssembleSpeculative(s.agent, s.history, s.partial)
	s.startResponder(req)
}

// endUtterance closes the caller's turn. Idempotent: the vendor's
// utterance-end and the silence backstop may both fire for one utterance.
func (s *session) endUtterance() {
	if s.uttEnded {
		return
	}
	userText := strings.Join(s.finals, " ")
	if userText == "" {
		userText = strings.TrimSpace(s.partial)
	}
	if userText == "" {
		return
	}
	s.uttEnded = true
	s.finals = nil
	s.partial = ""

	if s.speculating || s.specServed {
		// The speculative response is authoritative; log the final text and
		// let the in-flight responder finish if it has not already.
		s.appendTurn(types.SpeakerUser, userText)
		s.specServed = false
		s.flushHeldReply()
		if s.speculating {
			s.st = stateSpeaking
		}
		return
	}

	req := s.e.deps.Prompts.Assemble(s.ctx, s.agent, s.history, userText)
	s.appendTurn(types.SpeakerUser, userText)
	s.flushHeldReply()
	s.st = stateSpeaking
	s.startResponder(req)
}

func (s *session) onResponseDone(res respResult) {
	s.respBusy = false
	s.respCancel = nil
	wasSpeculating := s.speculating
	s.speculating = false
	if wasSpeculating && s.e.deps.Metrics != nil {
		outcome := "used"
		if res.err != nil {
			outcome = "discarded"
		}
		s.e.deps.Metrics.RecordSpeculation(s.ctx, outcome)
	}
	if wasSpeculating && res.err == nil && !s.uttEnded {
		// Finished before the caller's final transcript arrived; remember
		// that this utterance has already been answered.
		s.specServed = true
	}

	if res.err != nil {
		if errors.Is(res.err, errLLM) {
			s.log.Warn("model failed, speaking apology", "error", res.err)
			if _, err := s.speakText(s.ctx, apologyLine); err != nil {
				s.log.Warn("apology synthesis failed", "error", err)
			}
		} else {
			s.log.Warn("synthesis failed, skipping turn", "error", res.err)
		}
	} else if res.text != "" {
		if s.specServed {
			// The caller's turn has not been logged yet; hold the reply so
			// the transcript stays in user-then-assistant order.
			if s.heldReply != "" {
				s.heldReply += " "
			}
			s.heldReply += res.text
		} else {
			s.appendTurn(types.SpeakerAssistant, res.text)
		}
		s.tm.observeResponse(res, wasSpeculating)
		s.recordTurnMetrics(res)
	}

	if s.st == stateSpeaking {
		s.st = stateListening
	}
	s.lastActivity = time.Now()
}

func (s *session) onTick() {
	now := time.Now()

	if s.st == stateListening && !s.uttEnded &&
		(s.partial != "" || len(s.finals) > 0) &&
		now.Sub(s.lastActivity) >= s.e.cfg.SilenceBackstop {
		s.log.Debug("silence backstop fired", "partial", s.partial)
		s.endUtterance()
		return
	}

	if now.Sub(s.startedAt) >= s.e.cfg.MaxCallDuration {
		s.log.Info("max call duration reached")
		s.sayGoodbyeAndEnd(types.StatusCompleted, "")
		return
	}

	if s.st == stateListening && !s.respBusy &&
		now.Sub(s.lastActivity) >= s.e.cfg.MaxIdle {
		s.log.Info("caller idle, ending call")
		s.end(types.StatusFailed, types.FailureNoResponse)
	}
}

// detectVoicemail runs the first outbound final transcript through the
// answering-machine detector. A machine verdict ends the call silently.
func (s *session) detectVoicemail(text string) bool {
	if !s.e.cfg.AMDEnabled || s.e.deps.Detector == nil ||
		s.call.Direction != types.DirectionOutbound {
		return false
	}
	v := s.e.deps.Detector.Classify(text)
	if !v.Machine {
		return false
	}
	s.log.Info("answering machine detected",
		"phrase", v.Phrase, "confidence", v.Confidence)
	sub := types.SubVoicemail
	if _, err := s.e.deps.Store.UpdateCall(s.ctx, s.call.ID, store.CallUpdate{SubStatus: &sub}); err != nil {
		s.log.Warn("voicemail sub-status update failed", "error", err)
	}
	s.end(types.StatusFailed, types.FailureVoicemail)
	return true
}

// sayGoodbyeAndEnd aborts any in-flight response, speaks the goodbye line,
// and transitions to ending.
func (s *session) sayGoodbyeAndEnd(status types.CallStatus, reason types.FailureReason) {
	if s.respCancel != nil {
		s.respCancel()
		// The responder owns the media writer until it reports back. Wait for
		// it so the goodbye audio does not interleave with a cancelled reply.
		res := <-s.respDone
		s.respBusy = false
		s.respCancel = nil
		s.speculating = false
		if res.err == nil && res.text != "" {
			s.appendTurn(types.SpeakerAssistant, res.text)
		}
	}
	s.flushHeldReply()
	goodbye := s.agent.GoodbyeLine
	if goodbye == "" {
		goodbye = defaultGoodbye
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if _, err := s.speakText(ctx, goodbye); err != nil {
		s.log.Warn("goodbye synthesis failed", "error", err)
	} else {
		s.appendTurn(types.SpeakerAssistant, goodbye)
	}
	s.end(status, reason)
}

func (s *session) end(status types.CallStatus, reason types.FailureReason) {
	if s.st == stateEnding {
		return
	}
	s.endStatus = status
	s.endReason = reason
	s.st = stateEnding
}

// finalize releases resources and persists the terminal call state. It runs
// on its own deadline because the session context may already be cancelled.
func (s *session) finalize(status types.CallStatus, reason types.FailureReason) {
	if s.respCancel != nil {
		s.respCancel()
	}
	s.cancel()
	s.flushHeldReply()
	if s.stream != nil {
		s.e.deps.Pool.Release(s.call.ID)
	}
	s.e.deps.Transcripts.FlushCall(s.conn.CallID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if status == "" {
		status = types.StatusCompleted
	}
	now := time.Now().UTC()
	duration := now.Sub(s.startedAt)
	update := store.CallUpdate{
		Status:   &status,
		EndedAt:  &now,
		Duration: &duration,
	}
	if reason != "" {
		update.FailureReason = &reason
	}
	if _, err := s.e.deps.Store.UpdateCall(ctx, s.conn.CallID(), update); err != nil &&
		!errors.Is(err, store.ErrTerminalStatus) {
		s.log.Error("final call update failed", "error", err)
	}

	if s.e.deps.Metrics != nil && s.call != nil {
		s.e.deps.Metrics.RecordCallCompleted(ctx, string(status))
	}
	attrs := append([]any{
		"status", status,
		"reason", reason,
		"duration", duration,
	}, s.tm.logAttrs()...)
	s.log.Info("session closed", attrs...)
}

// markInProgress records answer time. A lost race with the webhook updater
// is harmless; both write the same transition.
func (s *session) markInProgress(now time.Time) {
	status := types.StatusInProgress
	sub := types.SubConnected
	if _, err := s.e.deps.Store.UpdateCall(s.ctx, s.call.ID, store.CallUpdate{
		Status:    &status,
		SubStatus: &sub,
		StartedAt: &now,
	}); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		s.log.Warn("in-progress update failed", "error", err)
	}
}

func (s *session) acquireSTT() (stt.Stream, error) {
	return s.e.deps.Pool.Acquire(s.ctx, s.call.ID, stt.StreamConfig{
		SampleRate:    8000,
		Channels:      1,
		Language:      s.agent.Language,
		EndpointingMS: s.e.cfg.EndpointingMS,
		VADEvents:     true,
	})
}

// reacquireSTT tries one immediate replacement stream; on failure the call
// ends with connection-lost.
func (s *session) reacquireSTT() {
	s.e.deps.Pool.Release(s.call.ID)
	stream, err := s.acquireSTT()
	if err != nil {
		s.log.Error("stt reacquire failed", "error", err)
		s.stream = nil
		s.sttEvents = nil
		s.end(types.StatusFailed, types.FailureConnectionLost)
		return
	}
	s.stream = stream
	s.sttEvents = stream.Events()
}

// flushHeldReply appends a reply that completed before the caller's turn was
// logged. Runs right after the user turn lands, and as a backstop on teardown.
func (s *session) flushHeldReply() {
	if s.heldReply == "" {
		return
	}
	s.appendTurn(types.SpeakerAssistant, s.heldReply)
	s.heldReply = ""
}

func (s *session) appendTurn(speaker types.Speaker, text string) {
	turn := types.TranscriptTurn{Speaker: speaker, Text: text, Timestamp: time.Now().UTC()}
	s.history = append(s.history, turn)
	if err := s.e.deps.Transcripts.Append(s.conn.CallID(), turn); err != nil {
		s.log.Warn("transcript append failed", "error", err)
	}
}

func (s *session) voice() tts.Voice {
	return tts.Voice{ID: s.agent.VoiceID, Language: s.agent.Language}
}

func (s *session) recordTurnMetrics(res respResult) {
	m := s.e.deps.Metrics
	if m == nil {
		return
	}
	if res.firstToken > 0 {
		m.LLMFirstToken.Record(s.ctx, res.firstToken.Seconds())
	}
	if res.firstAudio > 0 {
		m.TurnDuration.Record(s.ctx, res.firstAudio.Seconds())
	}
}

// matchEndPhrase reports whether any configured end-phrase occurs in text as
// a case-insensitive whole-word substring.
func matchEndPhrase(text string, phrases []string) (string, bool) {
	if len(phrases) == 0 {
		return "", false
	}
	words := " " + strings.Join(tokenize(text), " ") + " "
	for _, phrase := range phrases {
		p := strings.Join(tokenize(phrase), " ")
		if p == "" {
			continue
		}
		if strings.Contains(words, " "+p+" ") {
			return phrase, true
		}
	}
	return "", false
}

// tokenize lower-cases and strips punctuation so "Goodbye!" matches the
// configured "goodbye".
func tokenize(text string) []string {
	f := func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	}
	return strings.FieldsFunc(strings.ToLower(text), f)
}
