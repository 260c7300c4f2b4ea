package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/vfs"
)

// terminateGrace bounds how long a cancelled command may take to return.
const terminateGrace = 2 * time.Second

// StatusInterrupted is the status of a command killed by ^C.
const StatusInterrupted = 130

type foreground struct {
	inv *Invocation
	cmd Command
}

// Shell executes command lines for one session. Execute runs on a single
// goroutine at a time; EOF and Interrupt may be called from any goroutine
// while it runs.
type Shell struct {
	rt         *Runtime
	stdout     io.Writer
	stderr     io.Writer
	fg         *foreground
	lineCancel context.CancelFunc
	mu         sync.Mutex
}

// NewShell returns an executor writing to stdout and stderr.
func NewShell(rt *Runtime, stdout, stderr io.Writer) *Shell {
	return &Shell{rt: rt, stdout: stdout, stderr: stderr}
}

// Runtime returns the session state.
func (s *Shell) Runtime() *Runtime { return s.rt }

// Execute runs one command line. Terminal input for the line's commands is
// read from in, which may be nil. It returns the last exit status.
func (s *Shell) Execute(ctx context.Context, line string, in *Input) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return s.rt.Status
	}
	s.rt.History = append(s.rt.History, line)
	s.rt.Emit(event.CommandInput, map[string]any{"input": line})
	s.rt.Logger.Debug("command line", "session", s.rt.Session, "input", line)

	pipes, err := ParseLine(line)
	if err != nil {
		s.printf(s.stderr, "-bash: %s\n", err)
		s.rt.Status = 2
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.lineCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.lineCancel = nil
		s.mu.Unlock()
	}()

	status := s.rt.Status
	for i, p := range pipes {
		if ctx.Err() != nil || s.rt.Exited() {
			break
		}
		if i > 0 {
			prev := pipes[i-1].Next
			if (prev == And && status != 0) || (prev == Or && status == 0) {
				continue
			}
		}
		status = s.runPipeline(ctx, p, in)
		s.rt.Status = status
	}
	return status
}

// EOF delivers ^D to the foreground command. It returns false when nothing
// is running.
func (s *Shell) EOF() bool {
	s.mu.Lock()
	fg := s.fg
	s.mu.Unlock()
	if fg == nil {
		return false
	}
	if h, ok := fg.cmd.(EOFHandler); ok {
		h.EOF(fg.inv)
	} else {
		fg.inv.Terminate()
	}
	return true
}

// Interrupt delivers ^C: the foreground command is terminated and the rest
// of the line is abandoned. It returns false when nothing is running.
func (s *Shell) Interrupt() bool {
	s.mu.Lock()
	fg, cancel := s.fg, s.lineCancel
	s.mu.Unlock()
	if fg != nil {
		if h, ok := fg.cmd.(InterruptHandler); ok {
			h.Interrupt(fg.inv)
		}
		fg.inv.Terminate()
	}
	if cancel != nil {
		cancel()
	}
	return fg != nil || cancel != nil
}

// Busy reports whether a command line is executing.
func (s *Shell) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineCancel != nil
}

// Foreground reports whether a command is currently running.
func (s *Shell) Foreground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fg != nil
}

func (s *Shell) lookup(name string) (string, bool) {
	switch name {
	case "?":
		return strconv.Itoa(s.rt.Status), true
	case "$":
		return strconv.Itoa(s.rt.PID), true
	case "#":
		return "0", true
	case "0":
		return "-bash", true
	}
	v, ok := s.rt.Env[name]
	return v, ok
}

func (s *Shell) printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// source is where a command's standard input comes from.
type source struct {
	in   *Input
	data []byte
	pipe bool
}

func (s *Shell) runPipeline(ctx context.Context, p Pipeline, in *Input) int {
	status := 0
	src := source{in: in}
	for i, sc := range p.Commands {
		last := i == len(p.Commands)-1
		var out io.Writer = s.stdout
		var buf *bytes.Buffer
		if !last {
			buf = new(bytes.Buffer)
			out = buf
		}
		status = s.runSimple(ctx, sc, src, out)
		if ctx.Err() != nil {
			return StatusInterrupted
		}
		if s.rt.Exited() {
			return status
		}
		if buf != nil {
			src = source{data: buf.Bytes(), pipe: true}
		}
	}
	return status
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		if !isNameByte(w[i], i == 0) {
			return false
		}
	}
	return true
}

// substitute re-reads a command with variables expanded. Expansion happens
// just before the command runs so earlier assignments on the line apply.
func (s *Shell) substitute(sc Simple) Simple {
	if sc.Raw == "" {
		return sc
	}
	pipes, err := ParseLineEnv(sc.Raw, s.lookup)
	if err != nil || len(pipes) != 1 || len(pipes[0].Commands) != 1 {
		return sc
	}
	return pipes[0].Commands[0]
}

func (s *Shell) expand(words []Word) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w.Glob {
			if m := Glob(s.rt.FS, w.Text, s.rt.Cwd); len(m) > 0 {
				out = append(out, m...)
				continue
			}
		}
		out = append(out, w.Text)
	}
	return out
}

//nolint:gocyclo // redirection setup is a flat sequence of cases
func (s *Shell) runSimple(ctx context.Context, sc Simple, src source, out io.Writer) int {
	sc = s.substitute(sc)
	argv := s.expand(sc.Words)

	env := s.rt.Env
	n := 0
	for n < len(argv) && isAssignment(argv[n]) {
		n++
	}
	if n > 0 {
		if n == len(argv) {
			for _, a := range argv {
				k, v, _ := strings.Cut(a, "=")
				s.rt.Env[k] = v
			}
			return 0
		}
		env = maps.Clone(s.rt.Env)
		for _, a := range argv[:n] {
			k, v, _ := strings.Cut(a, "=")
			env[k] = v
		}
		argv = argv[n:]
	}

	stdout, stderr := out, s.stderr
	var sinks []*fileSink
	defer func() {
		for _, f := range sinks {
			f.flush()
		}
	}()
	for _, r := range sc.Redirects {
		switch r.Op {
		case RedirIn:
			data, err := s.rt.FS.ReadFile(s.rt.Abs(r.Target))
			if err != nil {
				s.printf(s.stderr, "-bash: %s: %s\n", r.Target, vfs.Message(err))
				return 1
			}
			src = source{data: data, pipe: true}
		case RedirOut, RedirAppend:
			w, sink, err := s.openSink(r)
			if err != nil {
				s.printf(s.stderr, "-bash: %s: %s\n", r.Target, vfs.Message(err))
				return 1
			}
			if sink != nil {
				sinks = append(sinks, sink)
			}
			if r.FD == 2 {
				stderr = w
			} else {
				stdout = w
			}
		case RedirDup:
			switch {
			case r.FD == 2 && r.Target == "1":
				stderr = stdout
			case r.FD == 1 && r.Target == "2":
				stdout = stderr
			}
		}
	}
	if len(argv) == 0 {
		return 0
	}

	factory, status, msg := s.resolve(argv[0])
	if factory == nil {
		s.printf(stderr, "-bash: %s: %s\n", argv[0], msg)
		s.rt.Emit(event.CommandFailed, map[string]any{"input": strings.Join(argv, " ")})
		return status
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outGate, errGate := &gate{w: stdout}, &gate{w: stderr}
	defer outGate.close()
	defer errGate.close()

	inv := &Invocation{
		Runtime: s.rt,
		Name:    path.Base(argv[0]),
		Args:    argv[1:],
		Stdout:  outGate,
		Stderr:  errGate,
		Env:     env,
		cancel:  cancel,
	}
	switch {
	case src.pipe:
		inv.Stdin = bytes.NewReader(src.data)
	case src.in != nil:
		inv.Stdin = src.in.Reader(ctx)
		inv.closeInput = func() { _ = src.in.Close() }
	default:
		inv.Stdin = bytes.NewReader(nil)
	}
	return s.invoke(ctx, inv, factory())
}

// resolve finds the command for argv[0]. On failure it returns the bash
// error text and exit status.
func (s *Shell) resolve(name string) (Factory, int, string) {
	reg, fsys := s.rt.Registry, s.rt.FS
	if reg == nil {
		return nil, 127, "command not found"
	}
	if !strings.Contains(name, "/") {
		if reg.IsBuiltin(name) {
			f, _ := reg.Lookup(name)
			return f, 0, ""
		}
		pathVar, ok := s.rt.Env["PATH"]
		if !ok {
			pathVar = DefaultPath
		}
		for _, dir := range strings.Split(pathVar, ":") {
			if dir == "" {
				continue
			}
			p := vfs.Abs(name, dir)
			if !fsys.Exists(p) || fsys.IsDir(p) {
				continue
			}
			if f, ok := reg.Lookup(p); ok {
				return f, 0, ""
			}
			if f, ok := reg.Lookup(name); ok {
				return f, 0, ""
			}
			break
		}
		return nil, 127, "command not found"
	}

	abs := s.rt.Abs(name)
	fi, err := fsys.Stat(abs)
	if err != nil {
		return nil, 127, vfs.Message(err)
	}
	if fi.IsDir() {
		return nil, 126, "Is a directory"
	}
	if f, ok := reg.Lookup(abs); ok {
		return f, 0, ""
	}
	if canon, err := fsys.Resolve(abs, "/"); err == nil {
		if f, ok := reg.Lookup(canon); ok {
			return f, 0, ""
		}
	}
	if fi.Perm()&0o111 == 0 {
		return nil, 126, "Permission denied"
	}
	return nil, 126, "cannot execute binary file: Exec format error"
}

func (s *Shell) setForeground(fg *foreground) {
	s.mu.Lock()
	s.fg = fg
	s.mu.Unlock()
}

func (s *Shell) invoke(ctx context.Context, inv *Invocation, cmd Command) int {
	s.setForeground(&foreground{inv: inv, cmd: cmd})
	defer s.setForeground(nil)

	done := make(chan int, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.rt.Logger.Error("command panicked", "session", s.rt.Session, "command", inv.Name, "panic", r)
				_, _ = io.WriteString(inv.Stderr, "Segmentation fault\n")
				done <- 139
			}
		}()
		done <- cmd.Run(ctx, inv)
	}()

	var status int
	select {
	case status = <-done:
	case <-ctx.Done():
		select {
		case status = <-done:
		case <-time.After(terminateGrace):
			s.rt.Logger.Warn("command ignored cancellation", "session", s.rt.Session, "command", inv.Name)
			status = StatusInterrupted
		}
	}
	if inv.Terminated() {
		return StatusInterrupted
	}
	return status
}

// gate forwards writes until closed, so a command that outlives its
// invocation cannot write into the next one.
type gate struct {
	w      io.Writer
	mu     sync.Mutex
	closed bool
}

func (g *gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return len(p), nil
	}
	return g.w.Write(p)
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// fileSink collects output redirected into a file. The bytes land in the
// filesystem when the command finishes and are copied to the recorder's
// capture as they arrive.
type fileSink struct {
	fs      *vfs.FS
	capture io.Writer
	path    string
	buf     bytes.Buffer
	uid     int
	gid     int
	mu      sync.Mutex
}

func (f *fileSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Write(p)
	if f.capture != nil {
		_, _ = f.capture.Write(p)
	}
	return len(p), nil
}

func (f *fileSink) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf.Len() == 0 {
		return
	}
	_ = f.fs.AppendFile(f.path, f.buf.Bytes(), f.uid, f.gid, 0o644)
	f.buf.Reset()
}

// openSink prepares the file named by an output redirection. Writes to
// /dev/null are discarded.
func (s *Shell) openSink(r Redirect) (io.Writer, *fileSink, error) {
	abs := s.rt.Abs(r.Target)
	if abs == "/dev/null" {
		return io.Discard, nil, nil
	}
	fsys, u := s.rt.FS, s.rt.User
	if fsys.IsDir(abs) {
		return nil, nil, &vfs.PathError{Op: "open", Path: abs, Err: vfs.ErrIsDir}
	}
	if r.Op == RedirOut || !fsys.Exists(abs) {
		if err := fsys.WriteFile(abs, nil, u.UID, u.GID, 0o644); err != nil {
			return nil, nil, err
		}
	}
	sink := &fileSink{fs: fsys, path: abs, uid: u.UID, gid: u.GID}
	if s.rt.Recorder != nil {
		sink.capture = s.rt.Recorder.Redirect(abs)
	}
	return sink, sink, nil
}
