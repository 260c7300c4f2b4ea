// Package recorder captures everything a session sends and receives:
// a framed transcript, raw stdin for exec sessions, and files written by
// output redirection. On close every capture is deduplicated into an
// artifact store.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/ttylog"
)

// Kind distinguishes interactive shells from single-command sessions. The
// value is the suffix used in transcript names.
type Kind byte

const (
	Interactive Kind = 'i'
	Exec        Kind = 'e'
)

// Options configure a Recorder.
type Options struct {
	// Transcripts stores framed session logs. Nil disables transcripts.
	Transcripts *artifact.Store
	// Downloads stores stdin and redirect captures. Nil disables them.
	Downloads   *artifact.Store
	Sink        event.Sink
	Logger      *slog.Logger
	Now         func() time.Time
	TransportID string
	SrcIP       string
	ChannelID   uint32
	// InputLimit caps received bytes; zero means unlimited.
	InputLimit int64
}

// Recorder is safe for concurrent use. Failures to open or write a capture
// are logged and leave the session running without that capture.
type Recorder struct {
	opts     Options
	start    time.Time
	tty      *artifact.Writer
	frames   *ttylog.Writer
	stdin    *artifact.Writer
	stdinErr error
	redirs   []*Capture
	received int64
	mu       sync.Mutex
	once     sync.Once
	started  bool
	limitHit bool
	closed   bool
	kind     Kind
}

// New returns a recorder. Nothing is opened until Start.
func New(opts Options) *Recorder {
	if opts.Sink == nil {
		opts.Sink = event.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{opts: opts}
}

func (r *Recorder) pendingName(suffix string) string {
	return fmt.Sprintf("%s-%s-%d%s", r.start.Format("20060102-150405"), r.opts.TransportID, r.opts.ChannelID, suffix)
}

// Start opens the captures for a session of the given kind and writes the
// marker frame. For exec sessions command is the requested command line.
func (r *Recorder) Start(kind Kind, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.kind = kind
	r.start = r.opts.Now()

	if r.opts.Transcripts != nil {
		w, err := r.opts.Transcripts.Create(r.pendingName(string(kind) + ".log"))
		if err != nil {
			r.opts.Logger.Warn("transcript disabled", "session", r.opts.TransportID, "error", err)
		} else {
			r.tty = w
			r.frames = ttylog.NewWriter(w, r.start, r.opts.Now)
			r.writeFrameLocked(ttylog.FrameInteract, []byte(command))
		}
	}

	if kind == Exec && r.opts.Downloads != nil {
		w, err := r.opts.Downloads.Create(r.pendingName("-stdin.log"))
		if err != nil {
			r.opts.Logger.Warn("stdin capture disabled", "session", r.opts.TransportID, "error", err)
		} else {
			r.stdin = w
		}
	}
}

func (r *Recorder) writeFrameLocked(typ ttylog.FrameType, p []byte) {
	if r.frames == nil {
		return
	}
	if err := r.frames.Write(typ, p); err != nil {
		// Keep what is already on disk; Close still publishes it.
		r.opts.Logger.Warn("transcript write failed, recording stopped", "session", r.opts.TransportID, "error", err)
		r.frames = nil
	}
}

// Output records bytes sent to the attacker.
func (r *Recorder) Output(p []byte) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.writeFrameLocked(ttylog.FrameOutput, p)
}

// Input records bytes received from the attacker. It returns false once the
// input limit has been exceeded; the caller should then signal end of input.
func (r *Recorder) Input(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.limitHit {
		return false
	}
	r.received += int64(len(p))
	if r.opts.InputLimit > 0 && r.received > r.opts.InputLimit {
		r.limitHit = true
		r.opts.Logger.Info("data upload limit reached", "session", r.opts.TransportID, "received", r.received)
		return false
	}

	r.writeFrameLocked(ttylog.FrameInput, p)
	if r.stdin != nil && r.stdinErr == nil {
		if _, err := r.stdin.Write(p); err != nil {
			r.opts.Logger.Warn("stdin capture write failed, capture stopped", "session", r.opts.TransportID, "error", err)
			r.stdinErr = err
		}
	}
	return true
}

// Received returns the number of input bytes seen.
func (r *Recorder) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// Capture collects the bytes a command redirected into a file.
type Capture struct {
	w      *artifact.Writer
	target string
	mu     sync.Mutex
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return len(p), nil
	}
	return c.w.Write(p)
}

// Redirect starts a capture for output redirected to target, a path in the
// fake filesystem. The capture is published when the recorder closes.
func (r *Recorder) Redirect(target string) *Capture {
	c := &Capture{target: target}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.opts.Downloads == nil {
		return c
	}
	if !r.started {
		r.start = r.opts.Now()
	}
	w, err := r.opts.Downloads.Create(r.pendingName("-redir_" + sanitize(target)))
	if err != nil {
		r.opts.Logger.Warn("redirect capture disabled", "session", r.opts.TransportID, "target", target, "error", err)
		return c
	}
	c.w = w
	r.redirs = append(r.redirs, c)
	return c
}

func sanitize(target string) string {
	s := strings.Trim(target, "/")
	s = strings.NewReplacer("/", "_", "\x00", "").Replace(s)
	if len(s) > 128 {
		s = s[len(s)-128:]
	}
	if s == "" {
		s = "root"
	}
	return s
}

// Close publishes every capture exactly once. Later calls do nothing.
func (r *Recorder) Close() {
	r.once.Do(r.close)
}

func (r *Recorder) close() {
	r.mu.Lock()
	r.closed = true
	tty, stdin, redirs := r.tty, r.stdin, r.redirs
	r.tty, r.frames, r.stdin, r.redirs = nil, nil, nil, nil
	start := r.start
	r.mu.Unlock()

	if stdin != nil {
		if res, ok := r.commit("stdin", stdin); ok {
			r.emit(event.FileDownload, map[string]any{
				"url":      "stdin",
				"outfile":  res.Path,
				"shasum":   res.Digest,
				"size":     res.Size,
				"destfile": "",
			})
		}
	}

	for _, c := range redirs {
		c.mu.Lock()
		w := c.w
		c.w = nil
		c.mu.Unlock()
		if res, ok := r.commit("redir", w); ok {
			r.emit(event.FileDownload, map[string]any{
				"url":      c.target,
				"outfile":  res.Path,
				"shasum":   res.Digest,
				"size":     res.Size,
				"destfile": c.target,
			})
		}
	}

	if tty != nil {
		if res, ok := r.commit("transcript", tty); ok {
			r.emit(event.LogClosed, map[string]any{
				"ttylog":    res.Path,
				"size":      res.Size,
				"shasum":    res.Digest,
				"duration":  r.opts.Now().Sub(start).Seconds(),
				"duplicate": res.Duplicate,
			})
		}
	}
}

func (r *Recorder) commit(kind string, w *artifact.Writer) (artifact.Result, bool) {
	res, err := w.Commit()
	switch {
	case errors.Is(err, artifact.ErrEmpty):
		return artifact.Result{}, false
	case err != nil:
		r.opts.Logger.Warn("capture commit failed", "session", r.opts.TransportID, "kind", kind, "error", err)
		return artifact.Result{}, false
	}
	if res.Duplicate {
		r.opts.Logger.Info("duplicate capture", "session", r.opts.TransportID, "kind", kind, "shasum", res.Digest)
		r.emit(event.ArtifactDuplicate, map[string]any{"kind": kind, "shasum": res.Digest, "size": res.Size})
	}
	return res, true
}

func (r *Recorder) emit(t event.Type, fields map[string]any) {
	r.opts.Sink.Emit(event.New(t, r.opts.TransportID, r.opts.SrcIP, fields))
}
