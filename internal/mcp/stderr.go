package mcp

import (
	"strings"
	"sync"
)

const stderrBufferSize = 64 * 1024

// ringBuffer keeps the most recent stderr output of a child process so that
// connection failures can report what the server printed before dying.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	full bool
	pos  int
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{buf: make([]byte, stderrBufferSize)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	// Only the last stderrBufferSize bytes ever matter.
	if len(p) > len(r.buf) {
		p = p[len(p)-len(r.buf):]
	}
	for len(p) > 0 {
		c := copy(r.buf[r.pos:], p)
		p = p[c:]
		r.pos += c
		if r.pos == len(r.buf) {
			r.pos = 0
			r.full = true
		}
	}
	return n, nil
}

// String returns the buffered output in write order.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return string(r.buf[:r.pos])
	}
	return string(r.buf[r.pos:]) + string(r.buf[:r.pos])
}

// Tail returns at most n trailing lines of the buffered output.
func (r *ringBuffer) Tail(n int) string {
	s := strings.TrimRight(r.String(), "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
