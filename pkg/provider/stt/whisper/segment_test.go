package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func sine(samples int, amplitude float64) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestSegmenter_LeadingSilenceDiscarded(t *testing.T) {
	g := &segmenter{sampleRate: 8000, channels: 1, silenceMs: 100}

	pcm, started := g.feed(make([]byte, 320))
	if pcm != nil || started {
		t.Fatalf("feed(silence) = (%v, %v), want (nil, false)", pcm, started)
	}
	if len(g.buf) != 0 {
		t.Errorf("leading silence buffered %d bytes, want 0", len(g.buf))
	}
}

func TestSegmenter_SilenceAfterSpeechCommits(t *testing.T) {
	g := &segmenter{sampleRate: 8000, channels: 1, silenceMs: 100}

	pcm, started := g.feed(sine(800, 10_000)) // 100 ms of speech
	if pcm != nil {
		t.Fatal("speech alone should not commit")
	}
	if !started {
		t.Error("first speech chunk should report started")
	}

	// 20 ms silence chunks accumulate; the fifth crosses 100 ms.
	for i := 0; i < 4; i++ {
		if pcm, _ := g.feed(make([]byte, 320)); pcm != nil {
			t.Fatalf("commit after %d silence chunks, want 5", i+1)
		}
	}
	pcm, _ = g.feed(make([]byte, 320))
	if pcm == nil {
		t.Fatal("fifth silence chunk should commit the utterance")
	}
	// 100 ms speech + 100 ms silence at 16 B/ms.
	if want := 800*2 + 5*320; len(pcm) != want {
		t.Errorf("utterance length = %d, want %d", len(pcm), want)
	}
	if g.hadSpeech || g.quietMs != 0 || g.buf != nil {
		t.Error("segmenter state not reset after commit")
	}
}

func TestSegmenter_MaxBytesForcesCommit(t *testing.T) {
	g := &segmenter{sampleRate: 8000, channels: 1, silenceMs: 1000, maxBytes: 1600}

	if pcm, _ := g.feed(sine(400, 10_000)); pcm != nil {
		t.Fatal("800 bytes should not hit the 1600 cap")
	}
	pcm, _ := g.feed(sine(400, 10_000))
	if pcm == nil {
		t.Fatal("1600 buffered bytes should force a commit")
	}
	if len(pcm) != 1600 {
		t.Errorf("forced commit length = %d, want 1600", len(pcm))
	}
}

func TestSegmenter_FlushReturnsBufferedSpeech(t *testing.T) {
	g := &segmenter{sampleRate: 8000, channels: 1, silenceMs: 1000}

	g.feed(sine(800, 10_000))
	pcm := g.flush()
	if len(pcm) != 1600 {
		t.Fatalf("flush length = %d, want 1600", len(pcm))
	}
	if g.flush() != nil {
		t.Error("second flush should return nil")
	}
}

func TestRMS(t *testing.T) {
	if got := rms(nil); got != 0 {
		t.Errorf("rms(nil) = %v, want 0", got)
	}
	if got := rms(make([]byte, 640)); got != 0 {
		t.Errorf("rms(zeros) = %v, want 0", got)
	}
	loud := rms(sine(800, 10_000))
	if loud < 5000 || loud > 8000 {
		t.Errorf("rms(sine 10k) = %v, want roughly 7071", loud)
	}
	if quiet := rms(sine(800, 100)); quiet >= rmsThreshold {
		t.Errorf("rms(sine 100) = %v, want below threshold %v", quiet, rmsThreshold)
	}
}
