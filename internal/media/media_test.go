package media

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalix/vocalix/pkg/telephony"
)

func startFrame(callID string) telephony.Frame {
	return telephony.Frame{
		Event:    telephony.EventStart,
		StreamID: "MZ1",
		Start: &telephony.StartFrame{
			CallSid:          "CA1",
			CustomParameters: map[string]string{telephony.CallIDParam: callID},
			MediaFormat:      telephony.MediaFormat{Encoding: "audio/l16", SampleRate: 8000, Channels: 1},
		},
	}
}

func sendFrame(t *testing.T, ctx context.Context, ws *websocket.Conn, f telephony.Frame) {
	t.Helper()
	data, err := telephony.EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) telephony.Frame {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := telephony.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// dialHandler starts an httptest server around a handler and dials it.
func dialHandler(t *testing.T, ctx context.Context, h *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ws, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func TestHandshakeAndBind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		callID string
		pcm    []byte
		err    error
	}
	bound := make(chan result, 1)
	h := NewHandler(func(ctx context.Context, conn *Conn) error {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			bound <- result{err: err}
			return err
		}
		pcm, err := frame.MediaPayload()
		bound <- result{callID: conn.CallID(), pcm: pcm, err: err}

		// Drain until the peer closes.
		for {
			if _, err := conn.ReadFrame(ctx); err != nil {
				return nil
			}
		}
	}, Config{}, nil)

	ws := dialHandler(t, ctx, h)
	sendFrame(t, ctx, ws, telephony.Frame{Event: telephony.EventConnected})
	sendFrame(t, ctx, ws, startFrame("call_01ABC"))
	sendFrame(t, ctx, ws, telephony.NewMediaFrame("MZ1", 1, []byte("caller audio")))

	got := <-bound
	if got.err != nil {
		t.Fatalf("bind read: %v", got.err)
	}
	if got.callID != "call_01ABC" {
		t.Errorf("call id = %q, want call_01ABC", got.callID)
	}
	if string(got.pcm) != "caller audio" {
		t.Errorf("pcm = %q", got.pcm)
	}
}

func TestReadFrame_NormalCloseIsEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	h := NewHandler(func(ctx context.Context, conn *Conn) error {
		_, err := conn.ReadFrame(ctx)
		errs <- err
		return nil
	}, Config{}, nil)

	ws := dialHandler(t, ctx, h)
	sendFrame(t, ctx, ws, startFrame("call_1"))
	ws.Close(websocket.StatusNormalClosure, "hangup")

	if err := <-errs; !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestWriteAudio_FramesAndSequences(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	h := NewHandler(func(ctx context.Context, conn *Conn) error {
		pcm := make([]byte, 700)
		if err := conn.WriteAudio(ctx, pcm); err != nil {
			done <- err
			return err
		}
		done <- conn.WriteMark(ctx, "utterance-1")
		return nil
	}, Config{FrameBytes: 320}, nil)

	ws := dialHandler(t, ctx, h)
	sendFrame(t, ctx, ws, startFrame("call_1"))

	wantSizes := []int{320, 320, 60}
	for i, want := range wantSizes {
		f := readFrame(t, ctx, ws)
		if f.Event != telephony.EventMedia {
			t.Fatalf("frame %d event = %q", i, f.Event)
		}
		if f.SequenceNumber != uint64(i+1) {
			t.Errorf("frame %d sequence = %d, want %d", i, f.SequenceNumber, i+1)
		}
		if f.StreamID != "MZ1" {
			t.Errorf("frame %d stream = %q", i, f.StreamID)
		}
		pcm, err := f.MediaPayload()
		if err != nil {
			t.Fatalf("frame %d payload: %v", i, err)
		}
		if len(pcm) != want {
			t.Errorf("frame %d payload size = %d, want %d", i, len(pcm), want)
		}
	}

	mark := readFrame(t, ctx, ws)
	if mark.Event != telephony.EventMark || mark.Mark == nil || mark.Mark.Name != "utterance-1" {
		t.Errorf("mark frame = %+v", mark)
	}
	if err := <-done; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestHandshake_MissingCallID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := NewHandler(func(context.Context, *Conn) error {
		t.Error("bind called despite failed handshake")
		return nil
	}, Config{}, nil)

	ws := dialHandler(t, ctx, h)
	f := startFrame("")
	f.Start.CustomParameters = nil
	sendFrame(t, ctx, ws, f)

	_, _, err := ws.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", err)
	}
}

func TestHandshake_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := NewHandler(func(context.Context, *Conn) error {
		t.Error("bind called despite silent peer")
		return nil
	}, Config{HandshakeTimeout: 20 * time.Millisecond}, nil)

	ws := dialHandler(t, ctx, h)

	// Never send start; the server gives up and closes.
	_, _, err := ws.Read(ctx)
	if err == nil {
		t.Fatal("expected close after handshake timeout")
	}
}
