package ttylog

import (
	"context"
	"errors"
	"io"
	"time"
)

// ReplayOptions control transcript playback.
type ReplayOptions struct {
	// Sleep waits between frames. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Speed divides the recorded gaps; values <= 0 mean 1.
	Speed float64
	// MaxWait caps a single gap; zero means no cap.
	MaxWait time.Duration
	// Input also writes attacker keystrokes.
	Input bool
}

// Replay reads frames from r and writes their payloads to w, pacing output
// by the recorded gaps. Interaction markers are skipped.
func Replay(ctx context.Context, r io.Reader, w io.Writer, opts ReplayOptions) error {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	var last uint32
	first := true
	for {
		f, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Type == FrameInteract || (f.Type == FrameInput && !opts.Input) {
			continue
		}

		if !first {
			// Unsigned subtraction handles one counter wrap between frames.
			gap := time.Duration(float64(time.Duration(f.Elapsed-last)*time.Microsecond) / opts.Speed)
			if opts.MaxWait > 0 && gap > opts.MaxWait {
				gap = opts.MaxWait
			}
			if gap > 0 {
				if err := opts.Sleep(ctx, gap); err != nil {
					return err
				}
			}
		}
		first = false
		last = f.Elapsed

		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
}

// Scan reads every frame in r and calls fn for each one.
func Scan(r io.Reader, fn func(Frame) error) error {
	for {
		f, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
