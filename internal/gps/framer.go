package gps

import (
	"bytes"
	"errors"
)

// DefaultFrameMax is the default carry-over bound for an incomplete sentence.
const DefaultFrameMax = 512

// maxQueuedLines caps completed sentences waiting for Next. The relay drains
// the queue every cycle, so hitting this means the consumer stalled.
const maxQueuedLines = 256

// ErrFrameOverflow is returned by Framer.Write when buffered data exceeded the
// carry-over bound and was dropped.
var ErrFrameOverflow = errors.New("gps: frame overflow")

// Framer splits an unbounded byte stream into newline-terminated sentences.
// Sentences may be split across any number of Write calls. It never blocks
// and is not safe for concurrent use.
type Framer struct {
	max        int
	buf        []byte
	lines      []string
	discarding bool
}

// NewFramer returns a Framer that keeps at most maxBytes bytes of an unterminated
// sentence. maxBytes <= 0 selects DefaultFrameMax.
func NewFramer(maxBytes int) *Framer {
	if maxBytes <= 0 {
		maxBytes = DefaultFrameMax
	}
	return &Framer{max: maxBytes, buf: make([]byte, 0, maxBytes)}
}

// Write consumes p. Completed sentences are queued for Next with the trailing
// "\r" removed; empty lines are skipped.
//
// When the carry-over would exceed the bound, the buffered bytes are dropped,
// ErrFrameOverflow is returned and everything up to the next '\n' is
// discarded. Later writes in the same overflow episode return nil.
func (f *Framer) Write(p []byte) (int, error) {
	n := len(p)
	overflow := false

	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if f.discarding {
				break
			}
			if len(f.buf)+len(p) > f.max {
				f.buf = f.buf[:0]
				f.discarding = true
				overflow = true
				break
			}
			f.buf = append(f.buf, p...)
			break
		}

		seg := p[:i]
		p = p[i+1:]

		if f.discarding {
			// resync point
			f.discarding = false
			continue
		}
		if len(f.buf)+len(seg) > f.max {
			f.buf = f.buf[:0]
			overflow = true
			continue
		}

		f.buf = append(f.buf, seg...)
		line := f.buf
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 {
			f.push(string(line))
		}
		f.buf = f.buf[:0]
	}

	if overflow {
		return n, ErrFrameOverflow
	}
	return n, nil
}

func (f *Framer) push(line string) {
	if len(f.lines) >= maxQueuedLines {
		f.lines = f.lines[1:]
	}
	f.lines = append(f.lines, line)
}

// Next returns the oldest completed sentence, if any.
func (f *Framer) Next() (string, bool) {
	if len(f.lines) == 0 {
		return "", false
	}
	line := f.lines[0]
	f.lines[0] = ""
	f.lines = f.lines[1:]
	return line, true
}

// Pending reports how many bytes of an unterminated sentence are buffered.
func (f *Framer) Pending() int {
	return len(f.buf)
}
