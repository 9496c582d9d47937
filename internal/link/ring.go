package link

import "bytes"

// ring is a fixed-capacity byte FIFO used by the reader to accumulate
// partial lines between reads.
type ring struct {
	buf  []byte
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

// write appends p, or reports false without copying if p does not fit.
func (r *ring) write(p []byte) bool {
	if r.size+len(p) > len(r.buf) {
		return false
	}
	for _, b := range p {
		r.buf[(r.head+r.size)%len(r.buf)] = b
		r.size++
	}
	return true
}

// nextLine pops everything up to and including the first '\n'.
func (r *ring) nextLine() ([]byte, bool) {
	for i := 0; i < r.size; i++ {
		if r.buf[(r.head+i)%len(r.buf)] != '\n' {
			continue
		}
		line := make([]byte, i+1)
		for j := range line {
			line[j] = r.buf[(r.head+j)%len(r.buf)]
		}
		r.head = (r.head + i + 1) % len(r.buf)
		r.size -= i + 1
		return bytes.TrimRight(line, "\r\n"), true
	}
	return nil, false
}

func (r *ring) reset() {
	r.head = 0
	r.size = 0
}

func (r *ring) len() int { return r.size }
