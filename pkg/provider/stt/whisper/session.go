package whisper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/provider/stt"
)

const (
	// inferTimeout bounds a single transcription request.
	inferTimeout = 30 * time.Second

	// maxInferFailures is how many consecutive transcription failures the
	// session tolerates before declaring the stream dead.
	maxInferFailures = 3
)

// inferFunc transcribes one utterance of PCM audio. The HTTP and native
// providers differ only in how this runs.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session adapts batch transcription to the streaming contract. A single
// goroutine feeds incoming audio through the segmenter and submits each
// completed utterance for inference. Because whisper.cpp produces no interim
// results, each utterance yields a partial, a final with the same text, and
// an utterance-end, in that order.
type session struct {
	infer inferFunc
	seg   *segmenter
	vad   bool
	log   *slog.Logger

	events chan stt.Event
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	failures int
}

var _ stt.Stream = (*session)(nil)

func newSession(infer inferFunc, seg *segmenter, vad bool, log *slog.Logger) *session {
	s := &session{
		infer:  infer,
		seg:    seg,
		vad:    vad,
		log:    log,
		events: make(chan stt.Event, 32),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop()
	return s
}

// SendAudio queues a chunk of 16-bit little-endian PCM for segmentation.
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

// Close transcribes any buffered speech and shuts the session down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop owns the segmenter and the event channel.
func (s *session) processLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		select {
		case <-s.done:
			s.drainAudio()
			if pcm := s.seg.flush(); pcm != nil {
				s.transcribe(pcm)
			}
			return

		case chunk := <-s.audio:
			pcm, started := s.seg.feed(chunk)
			if started && s.vad {
				s.emit(stt.Event{Type: stt.EventSpeechStarted})
			}
			if pcm != nil {
				if fatal := s.transcribe(pcm); fatal {
					return
				}
			}
		}
	}
}

// drainAudio feeds whatever SendAudio queued before Close into the
// segmenter so the tail of speech is not lost.
func (s *session) drainAudio() {
	for {
		select {
		case chunk := <-s.audio:
			s.seg.feed(chunk)
		default:
			return
		}
	}
}

// transcribe runs inference on one utterance and emits its events. Isolated
// failures are logged and dropped; repeated failures kill the stream so the
// caller can reacquire. Returns true when the stream is dead.
func (s *session) transcribe(pcm []byte) (fatal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), inferTimeout)
	defer cancel()

	text, err := s.infer(ctx, pcm)
	if err != nil {
		s.failures++
		s.log.Warn("whisper: inference failed", "error", err, "consecutive", s.failures)
		if s.failures >= maxInferFailures {
			s.emit(stt.Event{Type: stt.EventError, Err: err})
			return true
		}
		return false
	}
	s.failures = 0

	if text == "" {
		return false
	}
	t := stt.Transcript{Text: text, Confidence: 0}
	s.emit(stt.Event{Type: stt.EventPartial, Transcript: t})
	s.emit(stt.Event{Type: stt.EventFinal, Transcript: t})
	s.emit(stt.Event{Type: stt.EventUtteranceEnd})
	return false
}

// emit delivers an event without wedging the loop when the consumer has
// stopped reading during shutdown.
func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("whisper: dropping event, consumer not keeping up", "type", ev.Type)
	}
}
