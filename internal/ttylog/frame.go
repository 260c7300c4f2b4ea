// Package ttylog reads and writes session transcripts: a flat sequence of
// timestamped frames with no index, recoverable by sequential scan.
package ttylog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// HeaderSize is the size of the frame header in bytes:
	// 4 bytes elapsed microseconds + 1 byte type + 4 bytes payload length,
	// all little-endian.
	HeaderSize = 9

	// MaxPayload bounds a single frame when reading.
	MaxPayload = 16 * 1024 * 1024
)

// FrameType tags the direction of a frame.
type FrameType byte

const (
	FrameInput    FrameType = 0
	FrameOutput   FrameType = 1
	FrameInteract FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameInput:
		return "input"
	case FrameOutput:
		return "output"
	case FrameInteract:
		return "interact"
	default:
		return fmt.Sprintf("FrameType(%d)", byte(t))
	}
}

// Frame is one transcript record.
type Frame struct {
	Payload []byte
	Elapsed uint32 // microseconds since session start, modulo 2^32
	Type    FrameType
}

// ErrFrameTooLarge is returned when a frame payload exceeds MaxPayload.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes f to w in a single Write call.
//
//nolint:gosec // G115: payload length bounded by MaxPayload check
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], f.Elapsed)
	buf[4] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame from r. It returns io.EOF at a clean end
// and io.ErrUnexpectedEOF for a truncated trailing frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Elapsed: binary.LittleEndian.Uint32(header[0:4]),
		Type:    FrameType(header[4]),
	}
	n := binary.LittleEndian.Uint32(header[5:9])
	if n > MaxPayload {
		return Frame{}, ErrFrameTooLarge
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}

// Elapsed converts the time since start into the wrapping frame counter.
//
//nolint:gosec // G115: wraparound is the counter's defined behavior
func Elapsed(start, t time.Time) uint32 {
	us := t.Sub(start).Microseconds()
	if us < 0 {
		return 0
	}
	return uint32(uint64(us))
}

// Writer appends frames stamped relative to a start time. It is safe for
// concurrent use.
type Writer struct {
	w     io.Writer
	now   func() time.Time
	start time.Time
	size  int64
	mu    sync.Mutex
}

// NewWriter returns a Writer whose elapsed counter starts at start. A nil
// now uses time.Now.
func NewWriter(w io.Writer, start time.Time, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{w: w, start: start, now: now}
}

// Write appends p as frames of type typ. Payloads over MaxPayload are
// split into consecutive frames sharing one timestamp.
func (tw *Writer) Write(typ FrameType, p []byte) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	elapsed := Elapsed(tw.start, tw.now())
	for {
		chunk := p
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		if err := WriteFrame(tw.w, Frame{Elapsed: elapsed, Type: typ, Payload: chunk}); err != nil {
			return err
		}
		tw.size += int64(HeaderSize + len(chunk))
		p = p[len(chunk):]
		if len(p) == 0 {
			return nil
		}
	}
}

// Size returns the number of bytes written.
func (tw *Writer) Size() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.size
}

// Start returns the session start time.
func (tw *Writer) Start() time.Time { return tw.start }
