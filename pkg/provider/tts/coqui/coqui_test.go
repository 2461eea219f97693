package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vocalix/vocalix/pkg/provider/tts"
)

// wavFixture builds a minimal RIFF/WAVE file around pcm.
func wavFixture(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// drain collects everything from the audio channel.
func drain(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty server url, got nil")
	}
}

func TestNameAndSampleRate(t *testing.T) {
	p, err := New("http://localhost:5002", WithOutputSampleRate(8000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "coqui" {
		t.Errorf("Name() = %q, want coqui", p.Name())
	}
	if p.SampleRate() != 8000 {
		t.Errorf("SampleRate() = %d, want 8000", p.SampleRate())
	}
}

func TestSynthesize_SplitsSentencesAndPreservesOrder(t *testing.T) {
	// Requests may arrive out of order because of the lookahead window, so
	// the PCM fill byte is derived from the sentence text. The output must
	// still come back in sentence order.
	fillFor := func(text string) byte {
		switch text {
		case "First sentence.":
			return 1
		case "Second one!":
			return 2
		case "And a trailing fragment":
			return 3
		}
		return 0
	}
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
		fill := fillFor(text)
		if fill == 0 {
			t.Errorf("unexpected sentence %q", text)
			fill = 0xFF
		}
		pcm := bytes.Repeat([]byte{fill, fill}, 80)
		_, _ = w.Write(wavFixture(pcm, 16000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	text := make(chan string, 4)
	text <- "First sentence. Second"
	text <- " one! And a trailing fragment"
	close(text)

	audioCh, err := p.Synthesize(context.Background(), text, tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := drain(audioCh)

	mu.Lock()
	if len(seen) != 3 {
		t.Errorf("server saw %d sentences %q, want 3", len(seen), seen)
	}
	mu.Unlock()

	// 160 bytes per sentence, filled with 1, 2, 3 in sentence order.
	if len(got) != 3*160 {
		t.Fatalf("audio length = %d, want %d", len(got), 3*160)
	}
	for i, fill := range []byte{1, 2, 3} {
		seg := got[i*160 : (i+1)*160]
		if seg[0] != fill || seg[159] != fill {
			t.Errorf("segment %d filled with %d, want %d", i, seg[0], fill)
		}
	}
}

func TestSynthesize_XTTSMode_PostsJSONBody(t *testing.T) {
	var gotReq xttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tts_to_audio/" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("parse body: %v", err)
		}
		_, _ = w.Write(wavFixture(make([]byte, 32), 16000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"))
	text := make(chan string, 1)
	text <- "Guten Tag."
	close(text)

	audioCh, err := p.Synthesize(context.Background(), text, tts.Voice{ID: "speaker-7"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drain(audioCh)

	if gotReq.Text != "Guten Tag." || gotReq.SpeakerWav != "speaker-7" || gotReq.Language != "de" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestSynthesize_XTTSMode_RequiresVoiceID(t *testing.T) {
	p, _ := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	text := make(chan string)
	if _, err := p.Synthesize(context.Background(), text, tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice id in xtts mode, got nil")
	}
}

func TestSynthesize_ResamplesToOutputRate(t *testing.T) {
	srcPCM := make([]byte, 320) // 160 samples at 8 kHz
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(wavFixture(srcPCM, 8000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithOutputSampleRate(16000))
	text := make(chan string, 1)
	text <- "Resample me."
	close(text)

	audioCh, err := p.Synthesize(context.Background(), text, tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := drain(audioCh)
	if len(got) != len(srcPCM)*2 {
		t.Errorf("resampled length = %d, want %d", len(got), len(srcPCM)*2)
	}
}

func TestSynthesize_ServerError_ClosesStreamEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	text := make(chan string, 1)
	text <- "Doomed."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audioCh, err := p.Synthesize(ctx, text, tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := drain(audioCh); len(got) != 0 {
		t.Errorf("got %d audio bytes from failed synthesis, want 0", len(got))
	}
}

func TestListSpeakers_StandardMultiSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/details" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"model_name":"vits","speakers":["zoe","alan","mia"]}`))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	speakers, err := p.ListSpeakers(context.Background())
	if err != nil {
		t.Fatalf("ListSpeakers: %v", err)
	}
	want := []string{"alan", "mia", "zoe"}
	if len(speakers) != 3 {
		t.Fatalf("got %d speakers, want 3", len(speakers))
	}
	for i := range want {
		if speakers[i] != want[i] {
			t.Errorf("speakers[%d] = %q, want %q (sorted)", i, speakers[i], want[i])
		}
	}
}

func TestListSpeakers_XTTSStudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/studio_speakers" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"Claribel Dervla":{},"Aaron Dreschner":{}}`))
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithAPIMode(APIModeXTTS))
	speakers, err := p.ListSpeakers(context.Background())
	if err != nil {
		t.Fatalf("ListSpeakers: %v", err)
	}
	if len(speakers) != 2 || speakers[0] != "Aaron Dreschner" {
		t.Errorf("speakers = %q, want sorted studio names", speakers)
	}
}

func TestSentenceBoundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"Hello there. More", 11},
		{"Hello there.", 11},
		{"No terminator yet", -1},
		{"Dr. Smith said 3.14 is pi", 2}, // "Dr." is followed by a space
		{"Version 3.14 shipped", -1},
		{"Really?!", 6},
		{"", -1},
	}
	for _, tt := range tests {
		if got := sentenceBoundary(tt.in); got != tt.want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := wavFixture(pcm, 22050, 2)

	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 || info.SampleRate != 22050 || info.Channels != 2 {
		t.Errorf("info = %+v, want offset 44, rate 22050, channels 2", info)
	}

	if _, err := parseWAV([]byte("too short")); err == nil {
		t.Error("short input should error")
	}
	bad := wavFixture(pcm, 22050, 1)
	copy(bad[0:4], "JUNK")
	if _, err := parseWAV(bad); err == nil {
		t.Error("missing RIFF header should error")
	}
}

func TestParseWAV_ExtraChunkBeforeData(t *testing.T) {
	// RIFF with a LIST chunk between fmt and data; the walker must skip it.
	pcm := []byte{9, 9}
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	fmtBody := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtBody[0:2], 1)
	binary.LittleEndian.PutUint16(fmtBody[2:4], 1)
	binary.LittleEndian.PutUint32(fmtBody[4:8], 44100)
	b.Write(fmtBody)
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("INFO")
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)

	info, err := parseWAV(b.Bytes())
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 44100 || info.Channels != 1 {
		t.Errorf("info = %+v, want rate 44100 mono", info)
	}
	if got := b.Bytes()[info.DataOffset]; got != 9 {
		t.Errorf("data offset points at %d, want 9", got)
	}
}
