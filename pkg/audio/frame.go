package audio

// Framer splits a continuous PCM byte stream into fixed-size media frames.
// Bytes that do not fill a whole frame are buffered until the next push;
// Flush emits the remainder padded with silence. One Framer per utterance,
// single-goroutine use.
type Framer struct {
	// Size is the frame payload size in bytes. Zero means [FrameBytes].
	Size int

	buf []byte
}

// Push appends pcm to the framer and returns all complete frames now
// available, in order. The returned slices are freshly allocated and safe to
// retain.
func (f *Framer) Push(pcm []byte) [][]byte {
	size := f.size()
	f.buf = append(f.buf, pcm...)

	n := len(f.buf) / size
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, size)
		copy(frame, f.buf[i*size:(i+1)*size])
		frames = append(frames, frame)
	}
	f.buf = append(f.buf[:0], f.buf[n*size:]...)
	return frames
}

// Flush returns the buffered remainder as one final frame padded with
// silence, or nil when nothing is buffered. The framer is ready for reuse
// afterwards.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size())
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}

// Buffered returns the number of bytes awaiting a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

func (f *Framer) size() int {
	if f.Size > 0 {
		return f.Size
	}
	return FrameBytes
}
