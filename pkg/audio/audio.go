// Package audio converts provider audio to the telephony wire format.
//
// The media socket speaks 8 kHz 16-bit little-endian mono PCM in fixed 20 ms
// frames. TTS providers synthesise at higher rates (ElevenLabs 16 kHz, Coqui
// 22.05 or 24 kHz), so every assistant utterance passes through a [Transcoder]
// and a [Framer] before it reaches the socket. On the inbound side the socket
// format already matches what streaming STT accepts, except for providers
// that want 16 kHz input, which upsample with [Resample].
package audio

import "time"

// Wire format of the telephony media socket.
const (
	// WireRate is the socket sample rate in Hz.
	WireRate = 8000

	// WireChannels is the socket channel count.
	WireChannels = 1

	// FrameDuration is the length of one media frame.
	FrameDuration = 20 * time.Millisecond

	// FrameBytes is the decoded payload size of one frame:
	// 8000 Hz × 0.020 s × 2 bytes per sample.
	FrameBytes = WireRate / 50 * 2
)

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when abandoning a streaming channel
// mid-flight (a TTS chunk stream whose turn was skipped, for example).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
