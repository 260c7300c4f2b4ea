package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/machine"
	"github.com/amv42/honeysh/internal/recorder"
	"github.com/amv42/honeysh/internal/vfs"
)

// DefaultPath is the PATH a fresh login shell starts with.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// User is the account the attacker logged in as.
type User struct {
	Name string
	Home string
	UID  int
	GID  int
}

// Runtime is the state one shell session carries between command lines.
// Only the session's executor goroutine mutates it.
type Runtime struct {
	Server    *machine.Server
	FS        *vfs.FS
	Downloads *artifact.Store
	Recorder  *recorder.Recorder
	Events    event.Sink
	Logger    *slog.Logger
	HTTP      *http.Client
	Registry  *Registry
	Now       func() time.Time
	Env       map[string]string
	User      User
	Session   string
	SrcIP     string
	Cwd       string
	History   []string
	// DownloadLimit caps a single fetch; zero means unlimited.
	DownloadLimit int64
	// DownloadRate caps fetch bandwidth in bytes per second.
	DownloadRate int64
	Status       int
	// PID is the fake process id of the login shell.
	PID    int
	exited bool
}

// NewRuntime fills defaults for a session on srv logged in as user.
func NewRuntime(srv *machine.Server, reg *Registry, user User) *Runtime {
	rt := &Runtime{
		Server:   srv,
		FS:       srv.FS,
		Registry: reg,
		User:     user,
		Events:   event.Discard,
		Logger:   slog.Default(),
		HTTP:     http.DefaultClient,
		Now:      time.Now,
		Cwd:      user.Home,
		PID:      2000 + rand.IntN(28000),
	}
	if rt.Cwd == "" || !rt.FS.IsDir(rt.Cwd) {
		rt.Cwd = "/"
	}
	rt.Env = map[string]string{
		"HOME":    user.Home,
		"LOGNAME": user.Name,
		"USER":    user.Name,
		"SHELL":   "/bin/bash",
		"PATH":    DefaultPath,
		"TERM":    "xterm",
		"PWD":     rt.Cwd,
	}
	return rt
}

// Hostname returns the emulated host name.
func (rt *Runtime) Hostname() string {
	if rt.Server != nil && rt.Server.Hostname != "" {
		return rt.Server.Hostname
	}
	return "localhost"
}

// Prompt renders the bash prompt for the current directory.
func (rt *Runtime) Prompt() string {
	dir := rt.Cwd
	if home := rt.User.Home; home != "" && home != "/" {
		if dir == home {
			dir = "~"
		} else if strings.HasPrefix(dir, home+"/") {
			dir = "~" + dir[len(home):]
		}
	}
	sign := "$"
	if rt.User.UID == 0 {
		sign = "#"
	}
	return rt.User.Name + "@" + rt.Hostname() + ":" + dir + sign + " "
}

// Abs resolves p against the working directory without following links.
func (rt *Runtime) Abs(p string) string {
	return vfs.Abs(p, rt.Cwd)
}

// Chdir moves the working directory.
func (rt *Runtime) Chdir(dir string) {
	rt.Env["OLDPWD"] = rt.Cwd
	rt.Cwd = dir
	rt.Env["PWD"] = dir
}

// Emit publishes an event for this session.
func (rt *Runtime) Emit(t event.Type, fields map[string]any) {
	if rt.Events == nil {
		return
	}
	rt.Events.Emit(event.New(t, rt.Session, rt.SrcIP, fields))
}

// RequestExit asks the session to end after the current command line.
func (rt *Runtime) RequestExit() { rt.exited = true }

// Exited reports whether a command asked the session to end.
func (rt *Runtime) Exited() bool { return rt.exited }

// Invocation is a single execution of a command.
type Invocation struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Runtime *Runtime
	// Env is the environment seen by this invocation.
	Env        map[string]string
	cancel     context.CancelFunc
	closeInput func()
	Name       string
	Args       []string
	mu         sync.Mutex
	terminated bool
}

// NewInvocation builds an invocation outside the executor, mainly for
// tests. Stdin may be nil.
func NewInvocation(rt *Runtime, name string, args []string, stdin io.Reader, stdout, stderr io.Writer) *Invocation {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	return &Invocation{
		Runtime: rt,
		Name:    name,
		Args:    args,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Env:     maps.Clone(rt.Env),
	}
}

// Terminate cancels the invocation's context.
func (inv *Invocation) Terminate() {
	inv.mu.Lock()
	inv.terminated = true
	cancel := inv.cancel
	inv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Terminated reports whether Terminate was called.
func (inv *Invocation) Terminated() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.terminated
}

// CloseInput ends the invocation's terminal input.
func (inv *Invocation) CloseInput() {
	inv.mu.Lock()
	f := inv.closeInput
	inv.mu.Unlock()
	if f != nil {
		f()
	}
}

// Write sends s to stdout.
func (inv *Invocation) Write(s string) {
	_, _ = io.WriteString(inv.Stdout, s)
}

// Printf formats to stdout.
func (inv *Invocation) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(inv.Stdout, format, args...)
}

// Errorf writes one "name: message" line to stderr.
func (inv *Invocation) Errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(inv.Stderr, "%s: %s\n", inv.Name, fmt.Sprintf(format, args...))
}

// FS is a shortcut for the host filesystem.
func (inv *Invocation) FS() *vfs.FS { return inv.Runtime.FS }

// Abs resolves p against the working directory.
func (inv *Invocation) Abs(p string) string { return inv.Runtime.Abs(p) }

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
