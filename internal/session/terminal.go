package session

import (
	"io"
	"sync"

	"github.com/amv42/honeysh/internal/recorder"
)

// terminal is the single writer towards the attacker. Everything shown on
// screen, command output and echo alike, passes through it so the
// transcript sees bytes in the order they were sent.
type terminal struct {
	ch  io.Writer
	rec *recorder.Recorder
	// crlf translates bare \n to \r\n, as a pty in cooked mode would.
	crlf   bool
	lastCR bool
	closed bool
	mu     sync.Mutex
}

func (t *terminal) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return len(p), nil
	}
	out := p
	if t.crlf {
		out = t.translate(p)
	}
	if t.rec != nil {
		t.rec.Output(out)
	}
	if _, err := t.ch.Write(out); err != nil {
		t.closed = true
	}
	return len(p), nil
}

func (t *terminal) translate(p []byte) []byte {
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' && !t.lastCR {
			out = append(out, '\r')
		}
		out = append(out, b)
		t.lastCR = b == '\r'
	}
	return out
}

func (t *terminal) WriteString(s string) {
	_, _ = t.Write([]byte(s))
}

func (t *terminal) setCRLF(on bool) {
	t.mu.Lock()
	t.crlf = on
	t.mu.Unlock()
}

// close drops later writes.
func (t *terminal) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
