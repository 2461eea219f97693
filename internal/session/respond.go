package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vocalix/vocalix/pkg/audio"
	"github.com/vocalix/vocalix/pkg/provider/llm"
)

// errLLM marks responder failures caused by the model rather than synthesis;
// the owner loop speaks an apology for these and skips the turn otherwise.
var errLLM = errors.New("session: llm failure")

// respResult is what a finished responder reports back to the owner loop.
type respResult struct {
	// text is the full assistant reply, empty when nothing was produced.
	text string

	firstToken time.Duration
	firstAudio time.Duration
	audioBytes int

	err error
}

// startResponder launches the helper goroutine that streams one model reply
// through synthesis to the socket. The owner loop receives the result on
// s.respDone; at most one responder runs at a time.
func (s *session) startResponder(req llm.Request) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.respCancel = cancel
	s.respBusy = true
	go func() {
		defer cancel()
		s.respDone <- s.respond(ctx, req)
	}()
}

// respond streams the model output, buffers it into sentences on {. ? !},
// and feeds each completed sentence straight into synthesis. Audio chunks go
// to the socket as they arrive; nothing accumulates a full utterance.
func (s *session) respond(ctx context.Context, req llm.Request) respResult {
	var res respResult
	start := time.Now()

	llmCtx, cancelLLM := context.WithTimeout(ctx, s.e.cfg.LLMTimeout)
	defer cancelLLM()
	chunks, err := s.e.deps.LLM.StreamChat(llmCtx, req)
	if err != nil {
		return respResult{err: fmt.Errorf("%w: start: %v", errLLM, err)}
	}

	type speakStats struct {
		firstAudio time.Duration
		bytes      int
		err        error
	}
	sentences := make(chan string, 4)
	speakDone := make(chan speakStats, 1)

	go func() {
		var st speakStats
		defer func() { speakDone <- st }()

		out, err := s.e.deps.Speaker.Speak(ctx, s.agent.VoiceProvider, sentences, s.voice())
		if err != nil {
			st.err = err
			audio.Drain(sentences) // unblock the producer
			return
		}
		tr := &audio.Transcoder{SrcRate: out.SampleRate, SrcChannels: 1}
		for chunk := range out.Audio {
			pcm := tr.Transcode(chunk)
			if len(pcm) == 0 {
				continue
			}
			if st.bytes == 0 {
				st.firstAudio = time.Since(start)
			}
			st.bytes += len(pcm)
			if err := s.conn.WriteAudio(ctx, pcm); err != nil {
				st.err = err
				audio.Drain(out.Audio)
				audio.Drain(sentences)
				return
			}
		}
	}()

	var full, pending strings.Builder
	var llmErr error
	for chunk := range chunks {
		if chunk.FinishReason == llm.FinishError {
			llmErr = fmt.Errorf("%w: %s", errLLM, chunk.Text)
			break
		}
		if chunk.Text == "" {
			continue
		}
		if res.firstToken == 0 {
			res.firstToken = time.Since(start)
		}
		full.WriteString(chunk.Text)
		pending.WriteString(chunk.Text)
		s.emitSentences(ctx, &pending, sentences)
	}
	if llmErr == nil {
		if tail := strings.TrimSpace(pending.String()); tail != "" {
			send(ctx, sentences, tail)
		}
	}
	close(sentences)
	st := <-speakDone

	res.text = strings.TrimSpace(full.String())
	res.firstAudio = st.firstAudio
	res.audioBytes = st.bytes
	switch {
	case llmErr != nil:
		res.err = llmErr
	case st.err != nil && ctx.Err() == nil:
		res.err = fmt.Errorf("session: synthesis: %w", st.err)
	}
	return res
}

// emitSentences moves every terminated sentence out of pending into the
// synthesis channel, keeping the unterminated remainder buffered.
func (s *session) emitSentences(ctx context.Context, pending *strings.Builder, sentences chan<- string) {
	for {
		text := pending.String()
		idx := strings.IndexAny(text, ".?!")
		if idx < 0 {
			return
		}
		sentence := strings.TrimSpace(text[:idx+1])
		rest := strings.TrimLeft(text[idx+1:], " ")
		pending.Reset()
		pending.WriteString(rest)
		if sentence != "" {
			send(ctx, sentences, sentence)
		}
	}
}

func send(ctx context.Context, ch chan<- string, text string) {
	select {
	case ch <- text:
	case <-ctx.Done():
	}
}

// speakText synthesises one fixed utterance (greeting, goodbye, apology) and
// streams it out, returning the wire PCM that was sent.
func (s *session) speakText(ctx context.Context, text string) ([]byte, error) {
	sentences := make(chan string, 1)
	sentences <- text
	close(sentences)

	out, err := s.e.deps.Speaker.Speak(ctx, s.agent.VoiceProvider, sentences, s.voice())
	if err != nil {
		return nil, fmt.Errorf("session: speak %q: %w", text, err)
	}
	tr := &audio.Transcoder{SrcRate: out.SampleRate, SrcChannels: 1}
	var sent []byte
	for chunk := range out.Audio {
		pcm := tr.Transcode(chunk)
		if len(pcm) == 0 {
			continue
		}
		if err := s.conn.WriteAudio(ctx, pcm); err != nil {
			audio.Drain(out.Audio)
			return sent, fmt.Errorf("session: speak %q: %w", text, err)
		}
		sent = append(sent, pcm...)
	}
	return sent, nil
}
