// Package session runs one shell or exec request on a protocol channel.
// It owns the line discipline an attacker types into, feeds complete
// lines to the command executor, and routes every byte through the
// session recorder.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/machine"
	"github.com/amv42/honeysh/internal/recorder"
)

var (
	// ErrStarted is returned when a second shell or exec is requested.
	ErrStarted = errors.New("session: already started")
	// ErrClosed is returned for requests after Close.
	ErrClosed = errors.New("session: closed")
)

// Channel is the outbound side of the protocol channel.
type Channel interface {
	io.Writer
	// Exit reports the exit status of the shell or command.
	Exit(status int) error
	// CloseWrite signals end of output.
	CloseWrite() error
	Close() error
}

// Config carries what a session needs from the server.
type Config struct {
	// ID identifies the transport in events and capture names.
	ID        string
	SrcIP     string
	User      command.User
	Server    *machine.Server
	Registry  *command.Registry
	Recorder  *recorder.Recorder
	Downloads *artifact.Store
	Events    event.Sink
	Logger    *slog.Logger
	HTTP      *http.Client
	// Env holds variables the client sent before the shell started.
	Env           map[string]string
	DownloadLimit int64
	DownloadRate  int64
}

type mode int

const (
	modeNone mode = iota
	modeShell
	modeExec
)

// queued is a line waiting for the executor. Typeahead lines were typed
// while something else ran and are echoed after the next prompt.
type queued struct {
	text      string
	typeahead bool
}

// Session is safe for concurrent use. Inbound calls normally come from the
// channel's reader goroutine; commands run on a goroutine of their own.
type Session struct {
	cfg    Config
	ch     Channel
	term   *terminal
	rt     *command.Runtime
	shell  *command.Shell
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu         sync.Mutex
	mode       mode
	closed     bool
	eof        bool
	line       []byte
	esc        []byte
	lastCR     bool
	queue      []queued
	cur        *command.Input
	lineCancel context.CancelFunc
	history    []string
	histIdx    int
	prompt     string
	rows, cols int

	closeOnce sync.Once
}

// New prepares a session writing to ch. Nothing runs until RequestShell or
// RequestExec.
func New(cfg Config, ch Channel) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = event.Discard
	}
	logger := cfg.Logger.With("session", cfg.ID, "src_ip", cfg.SrcIP)

	rt := command.NewRuntime(cfg.Server, cfg.Registry, cfg.User)
	rt.Session = cfg.ID
	rt.SrcIP = cfg.SrcIP
	rt.Events = cfg.Events
	rt.Logger = logger
	rt.Recorder = cfg.Recorder
	rt.Downloads = cfg.Downloads
	rt.DownloadLimit = cfg.DownloadLimit
	rt.DownloadRate = cfg.DownloadRate
	if cfg.HTTP != nil {
		rt.HTTP = cfg.HTTP
	}
	for k, v := range cfg.Env {
		rt.Env[k] = v
	}

	term := &terminal{ch: ch, rec: cfg.Recorder}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		ch:      ch,
		term:    term,
		rt:      rt,
		shell:   command.NewShell(rt, term, term),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		histIdx: -1,
		prompt:  rt.Prompt(),
	}
}

// Done is closed once the shell or command has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestPTY switches output to terminal line endings and records the
// initial window size.
func (s *Session) RequestPTY(term string, rows, cols int) {
	s.term.setCRLF(true)
	s.mu.Lock()
	if term != "" && s.mode == modeNone {
		s.rt.Env["TERM"] = term
	}
	s.mu.Unlock()
	s.WindowResize(rows, cols)
}

// WindowResize records a new terminal size.
func (s *Session) WindowResize(rows, cols int) {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	s.cfg.Events.Emit(event.New(event.ClientSize, s.cfg.ID, s.cfg.SrcIP, map[string]any{
		"width":  cols,
		"height": rows,
	}))
	s.logger.Debug("terminal size", "rows", rows, "cols", cols)
}

func (s *Session) begin(m mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.mode != modeNone:
		return ErrStarted
	}
	s.mode = m
	return nil
}

// RequestShell starts an interactive login shell.
func (s *Session) RequestShell() error {
	if err := s.begin(modeShell); err != nil {
		return err
	}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Start(recorder.Interactive, "")
	}
	s.logger.Info("shell started", "user", s.cfg.User.Name)

	if motd, err := s.rt.FS.ReadFile("/etc/motd"); err == nil && len(motd) > 0 {
		_, _ = s.term.Write(motd)
	}
	s.mu.Lock()
	s.term.WriteString(s.prompt)
	s.mu.Unlock()
	go s.run()
	return nil
}

// RequestExec runs a single command line. Data received afterwards is its
// standard input.
func (s *Session) RequestExec(cmd string) error {
	if err := s.begin(modeExec); err != nil {
		return err
	}
	in := command.NewInput()
	s.mu.Lock()
	s.cur = in
	s.mu.Unlock()
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Start(recorder.Exec, cmd)
	}
	s.logger.Info("exec started", "command", cmd)
	go s.runExec(cmd, in)
	return nil
}

// DataIn delivers bytes typed or piped by the client.
func (s *Session) DataIn(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	m, stopped := s.mode, s.closed || s.eof
	s.mu.Unlock()
	if stopped || m == modeNone {
		return
	}
	if s.cfg.Recorder != nil && !s.cfg.Recorder.Input(p) {
		s.logger.Info("input limit reached, ending input")
		s.SignalEOF()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m == modeExec {
		if s.cur != nil {
			_, _ = s.cur.Write(p)
		}
		return
	}
	for _, b := range p {
		s.keyLocked(b)
	}
}

// SignalEOF marks the end of client input. Queued lines still run; the
// session ends once they finish.
func (s *Session) SignalEOF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return
	}
	s.eof = true
	if s.cur != nil {
		if len(s.line) > 0 {
			_, _ = s.cur.Write(s.line)
			s.line = s.line[:0]
		}
		_ = s.cur.Close()
	}
	s.signal()
}

// SignalInterrupt behaves like ^C typed at the terminal.
func (s *Session) SignalInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeExec {
		s.interruptRunningLocked()
		return
	}
	s.interruptLocked()
}

// Close ends the session: the running command is cancelled, the executor
// is awaited and the recorder finalized. Only the first call has effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.mode != modeNone
		in := s.cur
		s.mu.Unlock()

		s.cancel()
		if in != nil {
			_ = in.Close()
		}
		if started {
			<-s.done
		}
		s.term.close()
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.Close()
		}
		s.logger.Info("session closed", "reason", reason)
	})
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) busyLocked() bool {
	return s.cur != nil || len(s.queue) > 0
}

func (s *Session) keyLocked(b byte) {
	if s.esc != nil {
		s.escapeLocked(b)
		return
	}
	if s.lastCR && b == '\n' {
		s.lastCR = false
		return
	}
	s.lastCR = b == '\r'

	switch {
	case b == '\r' || b == '\n':
		s.term.WriteString("\r\n")
		text := string(s.line)
		s.line = s.line[:0]
		s.histIdx = -1
		s.submitLocked(text)
	case b == 0x7f || b == 0x08:
		if len(s.line) > 0 {
			_, size := utf8.DecodeLastRune(s.line)
			s.line = s.line[:len(s.line)-size]
			s.term.WriteString("\b \b")
		}
	case b == 0x03:
		s.interruptLocked()
	case b == 0x04:
		s.eofKeyLocked()
	case b == 0x15:
		if n := utf8.RuneCount(s.line); n > 0 {
			s.term.WriteString(strings.Repeat("\b \b", n))
			s.line = s.line[:0]
		}
	case b == 0x0c:
		if !s.busyLocked() {
			s.term.WriteString("\x1b[H\x1b[2J" + s.prompt + string(s.line))
		}
	case b == 0x1b:
		s.esc = []byte{b}
	case b >= 0x20:
		s.line = append(s.line, b)
		_, _ = s.term.Write([]byte{b})
	}
}

// escapeLocked collects an ANSI escape sequence. Only the history arrows
// do anything; every other sequence is swallowed.
func (s *Session) escapeLocked(b byte) {
	s.esc = append(s.esc, b)
	if len(s.esc) == 2 {
		if b != '[' && b != 'O' {
			s.esc = nil
		}
		return
	}
	if b < 0x40 || b > 0x7e {
		if len(s.esc) > 16 {
			s.esc = nil
		}
		return
	}
	s.esc = nil
	if s.busyLocked() {
		return
	}
	switch b {
	case 'A':
		s.historyLocked(-1)
	case 'B':
		s.historyLocked(1)
	}
}

func (s *Session) historyLocked(step int) {
	n := len(s.history)
	if n == 0 {
		return
	}
	switch {
	case step < 0 && s.histIdx == -1:
		s.histIdx = n - 1
	case step < 0 && s.histIdx > 0:
		s.histIdx--
	case step > 0 && s.histIdx == -1:
		return
	case step > 0 && s.histIdx < n-1:
		s.histIdx++
	case step > 0:
		s.histIdx = -1
	}
	text := ""
	if s.histIdx >= 0 {
		text = s.history[s.histIdx]
	}
	s.term.WriteString("\r\x1b[K" + s.prompt + text)
	s.line = append(s.line[:0], text...)
}

// submitLocked hands a finished line to the running command, or queues it
// for the shell.
func (s *Session) submitLocked(text string) {
	if s.cur != nil {
		_, _ = s.cur.Write([]byte(text + "\n"))
		return
	}
	if strings.TrimSpace(text) == "" && len(s.queue) == 0 {
		s.term.WriteString(s.prompt)
		return
	}
	s.enqueueLocked(queued{text: text, typeahead: len(s.queue) > 0})
	s.signal()
}

func (s *Session) enqueueLocked(items ...queued) {
	for _, q := range items {
		if strings.TrimSpace(q.text) != "" {
			s.history = append(s.history, q.text)
		}
	}
	s.queue = append(s.queue, items...)
}

func (s *Session) interruptLocked() {
	s.line = s.line[:0]
	s.esc = nil
	s.histIdx = -1
	s.term.WriteString("^C\r\n")
	if s.busyLocked() {
		s.queue = nil
		s.interruptRunningLocked()
		return
	}
	s.term.WriteString(s.prompt)
}

func (s *Session) interruptRunningLocked() {
	s.shell.Interrupt()
	if s.lineCancel != nil {
		s.lineCancel()
	}
}

// eofKeyLocked handles ^D: it flushes a partial line to the running
// command, ends that command's input, or logs out of an idle shell.
func (s *Session) eofKeyLocked() {
	if s.cur != nil {
		if len(s.line) > 0 {
			_, _ = s.cur.Write(s.line)
			s.line = s.line[:0]
			return
		}
		s.shell.EOF()
		return
	}
	if len(s.line) > 0 || len(s.queue) > 0 {
		return
	}
	s.term.WriteString("logout\r\n")
	s.eof = true
	s.signal()
}

// next waits for a queued line and makes it current.
func (s *Session) next() (queued, *command.Input, context.Context, bool) {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return queued{}, nil, nil, false
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			in := command.NewInput()
			if s.eof {
				_ = in.Close()
			}
			ctx, cancel := context.WithCancel(s.ctx)
			s.cur, s.lineCancel = in, cancel
			s.mu.Unlock()
			return item, in, ctx, true
		}
		if s.eof {
			s.mu.Unlock()
			return queued{}, nil, nil, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
		}
	}
}

// settle clears the finished line and requeues whatever the command left
// unread, the way a terminal keeps typeahead for the shell.
func (s *Session) settle(in *command.Input) {
	left := in.Drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lineCancel != nil {
		s.lineCancel()
		s.lineCancel = nil
	}
	s.cur = nil
	if len(left) > 0 {
		parts := strings.Split(string(left), "\n")
		if partial := parts[len(parts)-1]; partial != "" {
			s.line = append([]byte(partial), s.line...)
		}
		var lines []queued
		for _, p := range parts[:len(parts)-1] {
			lines = append(lines, queued{text: p, typeahead: true})
		}
		rest := s.queue
		s.queue = nil
		s.enqueueLocked(lines...)
		s.queue = append(s.queue, rest...)
	}
	s.prompt = s.rt.Prompt()
}

func (s *Session) run() {
	defer close(s.done)
	for {
		item, in, ctx, ok := s.next()
		if !ok {
			break
		}
		if item.typeahead {
			s.term.WriteString(item.text + "\n")
		}
		s.shell.Execute(ctx, item.text, in)
		s.settle(in)
		if s.rt.Exited() || s.ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		if len(s.queue) > 0 || !s.eof {
			s.term.WriteString(s.prompt + string(s.line))
		}
		s.mu.Unlock()
	}
	if s.ctx.Err() != nil {
		return
	}
	s.end(s.rt.Status)
}

func (s *Session) runExec(cmd string, in *command.Input) {
	defer close(s.done)
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.lineCancel = cancel
	s.mu.Unlock()

	status := s.shell.Execute(ctx, cmd, in)
	cancel()
	if s.ctx.Err() != nil {
		return
	}
	s.end(status)
}

// end reports status and closes the channel. The server notices the
// closed channel and calls Close.
func (s *Session) end(status int) {
	s.logger.Info("session ended", "status", status)
	_ = s.ch.CloseWrite()
	_ = s.ch.Exit(status)
	_ = s.ch.Close()
}
