package command

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Input is an unbounded byte queue feeding terminal data to the running
// command. Writes never block; reads block until data arrives, the queue is
// closed, or the reader's context ends.
type Input struct {
	notify chan struct{}
	buf    bytes.Buffer
	mu     sync.Mutex
	closed bool
}

// NewInput returns an open, empty queue.
func NewInput() *Input {
	return &Input{notify: make(chan struct{}, 1)}
}

// Write queues p. Writes after Close are dropped.
func (in *Input) Write(p []byte) (int, error) {
	in.mu.Lock()
	if !in.closed {
		in.buf.Write(p)
	}
	in.mu.Unlock()
	in.wake()
	return len(p), nil
}

// Close marks the end of input. Queued data can still be read.
func (in *Input) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.wake()
	return nil
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Drain removes and returns queued bytes nobody read.
func (in *Input) Drain() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(in.buf.Bytes())
	in.buf.Reset()
	return out
}

func (in *Input) wake() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// ReadContext reads queued data, waiting until some is available.
func (in *Input) ReadContext(ctx context.Context, p []byte) (int, error) {
	for {
		in.mu.Lock()
		if in.buf.Len() > 0 {
			n, _ := in.buf.Read(p)
			in.mu.Unlock()
			return n, nil
		}
		if in.closed {
			in.mu.Unlock()
			return 0, io.EOF
		}
		in.mu.Unlock()

		select {
		case <-in.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Reader returns an io.Reader over the queue bound to ctx.
func (in *Input) Reader(ctx context.Context) io.Reader {
	return &inputReader{ctx: ctx, in: in}
}

type inputReader struct {
	ctx context.Context
	in  *Input
}

func (r *inputReader) Read(p []byte) (int, error) {
	return r.in.ReadContext(r.ctx, p)
}
