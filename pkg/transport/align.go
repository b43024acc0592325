package transport

import (
	"time"

	"github.com/demiurge16/localwave/pkg/broadcast"
)

// maxAlignBuffer is how much leading data is held back while looking for a
// frame header. Past it the stream is passed through unaligned.
const maxAlignBuffer = 8192

// findMP3FrameSync returns the offset of the first MPEG audio frame sync
// word, eleven set bits: 0xFF followed by a byte with its top three bits set.
// It returns -1 when there is none.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

type frameAligner struct {
	sink    broadcast.Sink
	pending []byte
	aligned bool
}

// AlignFrames wraps sink so that nothing before the first MP3 frame header
// reaches it. Writes after alignment pass straight through.
func AlignFrames(sink broadcast.Sink) broadcast.Sink {
	return &frameAligner{sink: sink}
}

func (a *frameAligner) Write(p []byte) error {
	if a.aligned {
		return a.sink.Write(p)
	}

	a.pending = append(a.pending, p...)
	pos := findMP3FrameSync(a.pending)
	if pos < 0 {
		if len(a.pending) <= maxAlignBuffer {
			return nil
		}
		// Probably not MPEG audio, pass it through as is.
		pos = 0
	}

	a.aligned = true
	out := a.pending[pos:]
	a.pending = nil
	return a.sink.Write(out)
}

func (a *frameAligner) SetWriteDeadline(t time.Time) error {
	if ds, ok := a.sink.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return ds.SetWriteDeadline(t)
	}
	return nil
}

func (a *frameAligner) Close() error {
	return a.sink.Close()
}
