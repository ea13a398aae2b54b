// Package framer reassembles whole JPEG frames out of an ordered byte
// stream using SOI/EOI markers. It is pure and deterministic: it holds no
// timers and its output depends only on the bytes fed to it. Grounded on
// the SOI/EOI scan used by the viewer's ffmpeg reader, generalized with the
// design's size filter and desync guard.
package framer

const (
	soi0, soi1 = 0xFF, 0xD8
	eoi0, eoi1 = 0xFF, 0xD9
)

// Stats accumulates framer counters for observability, matching the
// design's "counted but not emitted" requirement for rejected frames.
type Stats struct {
	Emitted           uint64
	RejectedUndersize uint64
	RejectedOversize  uint64
	Desyncs           uint64
}

// Framer holds a rolling buffer and extracts complete JPEG frames from it.
// One Framer serves exactly one session; it is not safe for concurrent use
// from more than one feeder goroutine.
type Framer struct {
	buf     []byte
	minSize int
	maxSize int
	bufMax  int
	stats   Stats
}

// New creates a Framer with the given size filter and desync-guard bounds.
func New(minSize, maxSize, bufMax int) *Framer {
	if minSize <= 0 {
		minSize = 1024
	}
	if maxSize <= 0 {
		maxSize = 500 * 1024
	}
	if bufMax <= 0 {
		bufMax = 2 * 1024 * 1024
	}
	return &Framer{minSize: minSize, maxSize: maxSize, bufMax: bufMax}
}

// Feed appends chunk to the rolling buffer and returns every complete,
// size-valid frame it can extract, in order. Garbage before the first SOI
// is dropped; after the last EOI, bytes from the next SOI onward (or a
// lone trailing 0xFF that may begin a split marker) are retained for the
// next call, and anything else is dropped. If a desync occurs (buffer exceeds bufMax without yielding a
// frame), the buffer is discarded, Stats.Desyncs is incremented, and desync
// is reported true — a recoverable condition, never a panic.
func (f *Framer) Feed(chunk []byte) (frames [][]byte, desync bool) {
	f.buf = append(f.buf, chunk...)

	for {
		soi := indexSOI(f.buf, 0)
		if soi < 0 {
			// No SOI at all: drop everything except a possible trailing
			// 0xFF that might be the start of a split marker.
			if len(f.buf) > 0 && f.buf[len(f.buf)-1] == 0xFF {
				f.buf = f.buf[len(f.buf)-1:]
			} else {
				f.buf = f.buf[:0]
			}
			break
		}
		if soi > 0 {
			// Drop garbage preceding the SOI.
			f.buf = f.buf[soi:]
			soi = 0
		}

		eoi := indexEOI(f.buf, soi+2)
		if eoi < 0 {
			break // partial frame, wait for more bytes
		}

		end := eoi + 2
		size := end - soi
		frame := make([]byte, size)
		copy(frame, f.buf[soi:end])
		f.buf = f.buf[end:]

		switch {
		case size < f.minSize:
			f.stats.RejectedUndersize++
		case size > f.maxSize:
			f.stats.RejectedOversize++
		default:
			f.stats.Emitted++
			frames = append(frames, frame)
		}
	}

	if len(f.buf) > f.bufMax {
		f.buf = f.buf[:0]
		f.stats.Desyncs++
		desync = true
	}

	return frames, desync
}

// Stats returns a snapshot of the framer's counters.
func (f *Framer) Stats() Stats {
	return f.stats
}

func indexSOI(b []byte, from int) int {
	for i := from; i+1 < len(b); i++ {
		if b[i] == soi0 && b[i+1] == soi1 {
			return i
		}
	}
	return -1
}

func indexEOI(b []byte, from int) int {
	for i := from; i+1 < len(b); i++ {
		if b[i] == eoi0 && b[i+1] == eoi1 {
			return i
		}
	}
	return -1
}
