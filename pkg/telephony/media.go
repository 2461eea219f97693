package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media socket event types. Each websocket text message carries exactly one
// JSON [Frame]; the event field selects which member is populated.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Frame is one message on the bidirectional media socket.
//
// Inbound (provider → us): connected, then start, then a stream of media
// frames, then stop. The provider also echoes mark frames back once the
// audio queued before the mark has been played to the caller.
//
// Outbound (us → provider): media frames carrying assistant audio with
// strictly increasing sequence numbers, and mark frames used to learn when
// playback of an utterance has finished.
type Frame struct {
	// Event is one of the Event* constants.
	Event string `json:"event"`

	// StreamID identifies the media stream; set on every frame after
	// connected.
	StreamID string `json:"streamSid,omitempty"`

	// SequenceNumber orders outbound media frames per call, contiguous
	// from 1. Zero on non-media frames.
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`

	Start *StartFrame `json:"start,omitempty"`
	Media *MediaFrame `json:"media,omitempty"`
	Stop  *StopFrame  `json:"stop,omitempty"`
	Mark  *MarkFrame  `json:"mark,omitempty"`
}

// StartFrame announces a new media stream and carries call correlation data.
type StartFrame struct {
	// CallSid is the provider call identifier.
	CallSid string `json:"callSid"`

	// CustomParameters carries application data configured at initiation
	// time; the internal call ID travels under the "callId" key.
	CustomParameters map[string]string `json:"customParameters,omitempty"`

	// MediaFormat describes the PCM encoding of media payloads.
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaFormat describes the audio encoding of a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"` // "audio/l16"
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaFrame carries one base64-encoded PCM payload.
type MediaFrame struct {
	// Payload is base64 of 8 kHz 16-bit little-endian mono PCM, typically
	// 20 ms (320 bytes decoded).
	Payload string `json:"payload"`
}

// StopFrame ends a media stream.
type StopFrame struct {
	CallSid string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MarkFrame labels a position in the outbound audio stream. The provider
// echoes it after playing everything queued before it.
type MarkFrame struct {
	Name string `json:"name"`
}

// CallIDParam is the CustomParameters key carrying the internal call ID.
const CallIDParam = "callId"

// DecodeFrame parses one socket message. Unknown event types decode without
// error so callers can log and skip them.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("telephony: malformed media frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("telephony: media frame missing event field")
	}
	return f, nil
}

// EncodeFrame serialises a frame for the socket.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode media frame: %w", err)
	}
	return data, nil
}

// MediaPayload decodes the base64 audio of a media frame.
func (f Frame) MediaPayload() ([]byte, error) {
	if f.Media == nil {
		return nil, fmt.Errorf("telephony: %s frame has no media payload", f.Event)
	}
	pcm, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: malformed media payload: %w", err)
	}
	return pcm, nil
}

// NewMediaFrame builds an outbound media frame from raw PCM.
func NewMediaFrame(streamID string, seq uint64, pcm []byte) Frame {
	return Frame{
		Event:          EventMedia,
		StreamID:       streamID,
		SequenceNumber: seq,
		Media:          &MediaFrame{Payload: base64.StdEncoding.EncodeToString(pcm)},
	}
}

// NewMarkFrame builds an outbound mark frame.
func NewMarkFrame(streamID, name string) Frame {
	return Frame{
		Event:    EventMark,
		StreamID: streamID,
		Mark:     &MarkFrame{Name: name},
	}
}
