package whisper

import (
	"encoding/binary"
	"math"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM this
// package accepts.
const bitsPerSample = 16

// rmsThreshold is the root-mean-square energy (in 16-bit PCM units) below
// which a chunk counts as silence. Full scale is 32767; 300 is near-silence.
const rmsThreshold = 300.0

// segmenter turns a continuous PCM stream into utterances using an
// energy-based silence detector. whisper.cpp is a batch engine, so the
// stream must be cut somewhere; the cut happens after silenceMs of quiet
// following speech, or when the buffer reaches maxBytes during continuous
// speech. Leading silence before any speech is discarded.
//
// Not safe for concurrent use; the session confines it to one goroutine.
type segmenter struct {
	sampleRate int
	channels   int
	silenceMs  int
	maxBytes   int

	buf       []byte
	hadSpeech bool
	quietMs   int
}

// feed consumes one chunk. It returns a completed utterance (nil if the
// chunk did not finish one) and whether the chunk started a new utterance
// after silence.
func (g *segmenter) feed(chunk []byte) (pcm []byte, started bool) {
	if rms(chunk) < rmsThreshold {
		if !g.hadSpeech {
			return nil, false
		}
		g.quietMs += g.durationMs(chunk)
		g.buf = append(g.buf, chunk...)
		if g.quietMs >= g.silenceMs {
			return g.take(), false
		}
		return nil, false
	}

	started = !g.hadSpeech
	g.hadSpeech = true
	g.quietMs = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.take(), started
	}
	return nil, started
}

// flush returns whatever speech is still buffered, nil when there is none.
func (g *segmenter) flush() []byte {
	if !g.hadSpeech {
		g.buf = nil
		return nil
	}
	return g.take()
}

func (g *segmenter) take() []byte {
	pcm := g.buf
	g.buf = nil
	g.hadSpeech = false
	g.quietMs = 0
	return pcm
}

func (g *segmenter) durationMs(chunk []byte) int {
	bytesPerSec := g.sampleRate * g.channels * (bitsPerSample / 8)
	if bytesPerSec <= 0 {
		return 0
	}
	return len(chunk) * 1000 / bytesPerSec
}

// rms returns the root-mean-square energy of 16-bit little-endian PCM, in
// sample units (0–32767). Buffers shorter than one sample score 0.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
