package audio

import (
	"log/slog"
	"sync"
)

// Transcoder converts provider PCM chunks to the wire format. It validates
// int16 alignment and logs once per stream on the first conversion and on the
// first corrupt chunk. Create one per synthesis stream; not for shared use
// across goroutines.
type Transcoder struct {
	// SrcRate is the provider's declared output sample rate in Hz.
	SrcRate int

	// SrcChannels is the provider's channel count (1 or 2).
	SrcChannels int

	warnedConvert sync.Once
	warnedCorrupt sync.Once
}

// Transcode converts one chunk to 8 kHz mono wire PCM. Chunks whose byte
// count is not sample-aligned are dropped (nil return). If the source already
// matches the wire format, the chunk is returned unchanged.
func (t *Transcoder) Transcode(chunk []byte) []byte {
	if len(chunk)%2 != 0 {
		t.warnedCorrupt.Do(func() {
			slog.Warn("audio transcoder: odd byte count in PCM chunk, dropping",
				"bytes", len(chunk),
				"src_rate", t.SrcRate,
			)
		})
		return nil
	}

	if t.SrcRate == WireRate && t.SrcChannels <= WireChannels {
		return chunk
	}

	t.warnedConvert.Do(func() {
		slog.Debug("audio transcoder: converting to wire format",
			"src_rate", t.SrcRate,
			"src_channels", t.SrcChannels,
			"wire_rate", WireRate,
		)
	})

	pcm := chunk
	if t.SrcChannels == 2 {
		pcm = StereoToMono(pcm)
	}
	return Resample(pcm, t.SrcRate, WireRate)
}
