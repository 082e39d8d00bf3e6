package executor

import (
	"bytes"
	"strings"
	"sync"
)

// TruncationMarker is appended to output that exceeded the capture limit.
const TruncationMarker = "\n...[output truncated]"

// boundedBuffer keeps the first max bytes written to it and silently drops
// the rest. Writes never fail, so a chatty command is never blocked or
// killed by the capture. Safe for concurrent writers.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.max - b.buf.Len()
	switch {
	case remain <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case len(p) > remain:
		b.buf.Write(p[:remain])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// Result returns the captured text (with the marker when truncated).
func (b *boundedBuffer) Result() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.ToValidUTF8(b.buf.String(), "")
	if b.truncated {
		s += TruncationMarker
	}
	return s, b.truncated
}
