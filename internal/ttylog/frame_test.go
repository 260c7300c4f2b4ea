package ttylog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrame_Layout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Elapsed: 0x01020304, Type: FrameOutput, Payload: []byte("hi")}))

	b := buf.Bytes()
	require.Len(t, b, HeaderSize+2)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[0:4], "elapsed is little-endian")
	assert.Equal(t, byte(1), b[4])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[5:9]))
	assert.Equal(t, "hi", string(b[9:]))
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestWriteFrame_SingleWrite(t *testing.T) {
	var w countingWriter
	require.NoError(t, WriteFrame(&w, Frame{Type: FrameInput, Payload: []byte("ls -la\r")}))
	assert.Equal(t, 1, w.writes)
}

func TestReadFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Elapsed: 0, Type: FrameInteract, Payload: []byte("uname -a")},
		{Elapsed: 10, Type: FrameInput},
		{Elapsed: 20, Type: FrameOutput, Payload: []byte("Linux\n")},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	var got []Frame
	require.NoError(t, Scan(&buf, func(f Frame) error {
		got = append(got, f)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, frames[0], got[0])
	assert.Nil(t, got[1].Payload)
	assert.Equal(t, FrameOutput, got[2].Type)
	assert.Equal(t, uint32(20), got[2].Elapsed)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameOutput, Payload: []byte("complete")}))
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameOutput, Payload: []byte("cut off")}))
	data := buf.Bytes()[:buf.Len()-3]

	r := bytes.NewReader(data)
	f, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(f.Payload))

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_TooLarge(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[5:9], MaxPayload+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestElapsed_Wraps(t *testing.T) {
	start := time.Unix(0, 0)
	assert.Equal(t, uint32(1500), Elapsed(start, start.Add(1500*time.Microsecond)))
	assert.Equal(t, uint32(5), Elapsed(start, start.Add((1<<32+5)*time.Microsecond)))
	assert.Equal(t, uint32(0), Elapsed(start, start.Add(-time.Second)))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	start := time.Unix(100, 0)
	now := start
	w := NewWriter(&buf, start, func() time.Time { return now })

	require.NoError(t, w.Write(FrameInteract, nil))
	now = now.Add(250 * time.Millisecond)
	require.NoError(t, w.Write(FrameOutput, []byte("$ ")))
	assert.Equal(t, int64(2*HeaderSize+2), w.Size())

	_, err := ReadFrame(&buf)
	require.NoError(t, err)
	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(250000), f.Elapsed)
}

func TestWriter_SplitsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Unix(0, 0), nil)
	big := bytes.Repeat([]byte("A"), MaxPayload+10)
	require.NoError(t, w.Write(FrameOutput, big))
	assert.Equal(t, int64(2*HeaderSize+len(big)), w.Size())

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, first.Payload, MaxPayload)
	assert.Len(t, second.Payload, 10)
	assert.Equal(t, first.Elapsed, second.Elapsed)
	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	for _, f := range []Frame{
		{Elapsed: 0, Type: FrameInteract, Payload: []byte("marker")},
		{Elapsed: 0, Type: FrameOutput, Payload: []byte("$ ")},
		{Elapsed: 1_000_000, Type: FrameInput, Payload: []byte("id\r")},
		{Elapsed: 3_000_000, Type: FrameOutput, Payload: []byte("uid=0(root)\r\n")},
	} {
		require.NoError(t, WriteFrame(&buf, f))
	}
	data := buf.Bytes()

	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	var out bytes.Buffer
	require.NoError(t, Replay(context.Background(), bytes.NewReader(data), &out, ReplayOptions{Sleep: sleep, Speed: 2}))
	assert.Equal(t, "$ uid=0(root)\r\n", out.String())
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, slept)

	slept = nil
	out.Reset()
	require.NoError(t, Replay(context.Background(), bytes.NewReader(data), &out, ReplayOptions{Sleep: sleep, Input: true, MaxWait: time.Second}))
	assert.Equal(t, "$ id\ruid=0(root)\r\n", out.String())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestReplay_Cancelled(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Elapsed: 0, Type: FrameOutput, Payload: []byte("a")}))
	require.NoError(t, WriteFrame(&buf, Frame{Elapsed: 60_000_000, Type: FrameOutput, Payload: []byte("b")}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Replay(ctx, &buf, io.Discard, ReplayOptions{})
	assert.True(t, errors.Is(err, context.Canceled))
}
