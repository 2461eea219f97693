// Package media terminates the telephony provider's bidirectional audio
// websocket.
//
// The provider dials in once per call, sends a connected frame, then a start
// frame carrying the call correlation data, then a stream of 20 ms PCM media
// frames. The handler performs that handshake, wraps the socket in a [Conn],
// and hands it to the bind callback, which runs the session for the life of
// the call. Outbound audio is framed here: WriteAudio splits PCM into
// fixed-size payloads with per-call sequence numbers contiguous from 1.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalix/vocalix/pkg/telephony"
)

// ErrHandshake is returned when the provider never completes the
// connected/start handshake.
var ErrHandshake = errors.New("media: handshake failed")

// Config tunes the handler. Zero values fall back to the documented
// defaults.
type Config struct {
	// HandshakeTimeout bounds the wait for the start frame after the
	// socket opens. Default: 5s.
	HandshakeTimeout time.Duration

	// FrameBytes is the PCM payload size of one outbound media frame.
	// Default: 320 (20 ms at 8 kHz 16-bit mono).
	FrameBytes int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 320
	}
}

// BindFunc runs a session over an established media connection. It returns
// when the call is over; the handler closes the socket afterwards.
type BindFunc func(ctx context.Context, conn *Conn) error

// Handler upgrades incoming media connections and binds them to sessions.
type Handler struct {
	cfg    Config
	bind   BindFunc
	logger *slog.Logger
}

// NewHandler creates a Handler; logger may be nil.
func NewHandler(bind BindFunc, cfg Config, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, bind: bind, logger: logger}
}

// ServeHTTP implements http.Handler for the media upgrade endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("media socket accept failed", "error", err)
		return
	}

	conn, err := h.handshake(r.Context(), ws)
	if err != nil {
		h.logger.Warn("media handshake failed", "error", err)
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	h.logger.Info("media stream started",
		"call_id", conn.CallID(),
		"call_sid", conn.Start.CallSid,
		"stream_id", conn.StreamID(),
	)
	if err := h.bind(r.Context(), conn); err != nil {
		h.logger.Error("media session ended with error",
			"call_id", conn.CallID(), "error", err)
		ws.Close(websocket.StatusInternalError, "session error")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "call ended")
}

// handshake reads frames until the start frame arrives, skipping connected
// and anything unknown.
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		frame, err := telephony.DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch frame.Event {
		case telephony.EventConnected:
			continue
		case telephony.EventStart:
			if frame.Start == nil {
				return nil, fmt.Errorf("%w: start frame without body", ErrHandshake)
			}
			if frame.Start.CustomParameters[telephony.CallIDParam] == "" {
				return nil, fmt.Errorf("%w: start frame without %s parameter", ErrHandshake, telephony.CallIDParam)
			}
			return &Conn{
				ws:         ws,
				Start:      *frame.Start,
				streamID:   frame.StreamID,
				frameBytes: h.cfg.FrameBytes,
			}, nil
		default:
			return nil, fmt.Errorf("%w: unexpected %s frame before start", ErrHandshake, frame.Event)
		}
	}
}

// Conn is one established media stream. Reads and writes may run on
// different goroutines, but each side must have a single caller: the session
// owns the read pump, its TTS pump owns writes.
type Conn struct {
	ws         *websocket.Conn
	streamID   string
	frameBytes int

	// Start is the handshake frame the provider opened the stream with.
	Start telephony.StartFrame

	seq uint64
}

// CallID returns the internal call identifier carried in the start frame.
func (c *Conn) CallID() string {
	return c.Start.CustomParameters[telephony.CallIDParam]
}

// StreamID returns the provider's stream identifier.
func (c *Conn) StreamID() string {
	return c.streamID
}

// ReadFrame blocks for the next frame. A normal peer close returns io.EOF.
func (c *Conn) ReadFrame(ctx context.Context) (telephony.Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
			websocket.CloseStatus(err) == websocket.StatusGoingAway {
			return telephony.Frame{}, io.EOF
		}
		return telephony.Frame{}, fmt.Errorf("media: read: %w", err)
	}
	frame, err := telephony.DecodeFrame(data)
	if err != nil {
		return telephony.Frame{}, fmt.Errorf("media: read: %w", err)
	}
	return frame, nil
}

// WriteAudio splits pcm into wire-size media frames and sends them in order.
// Sequence numbers are per connection, contiguous from 1. The socket's own
// flow control provides backpressure; the call blocks until every frame is
// accepted or ctx ends.
func (c *Conn) WriteAudio(ctx context.Context, pcm []byte) error {
	for len(pcm) > 0 {
		n := min(len(pcm), c.frameBytes)
		c.seq++
		frame := telephony.NewMediaFrame(c.streamID, c.seq, pcm[:n])
		if err := c.writeFrame(ctx, frame); err != nil {
			return fmt.Errorf("media: write audio: %w", err)
		}
		pcm = pcm[n:]
	}
	return nil
}

// WriteMark sends a mark frame; the provider echoes it once everything
// queued before it has been played to the caller.
func (c *Conn) WriteMark(ctx context.Context, name string) error {
	if err := c.writeFrame(ctx, telephony.NewMarkFrame(c.streamID, name)); err != nil {
		return fmt.Errorf("media: write mark: %w", err)
	}
	return nil
}

func (c *Conn) writeFrame(ctx context.Context, frame telephony.Frame) error {
	data, err := telephony.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close tears the socket down with a normal closure.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
