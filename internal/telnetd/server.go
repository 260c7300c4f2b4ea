// Package telnetd serves the emulated shell over Telnet. A connection
// negotiates server-side echo, asks for a login and password, and then
// drives one interactive session on the host shared with every other
// connection from the same source address.
package telnetd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/machine"
	"github.com/amv42/honeysh/internal/recorder"
	"github.com/amv42/honeysh/internal/session"
)

const (
	defaultLoginTimeout  = 2 * time.Minute
	defaultLoginAttempts = 3
	maxLoginLine         = 256

	// Window size assumed until the client reports one.
	defaultRows = 40
	defaultCols = 80
)

// Authenticator decides which credentials are refused.
type Authenticator interface {
	Denies(user, password string) bool
}

// Config wires a Server to the rest of the honeypot.
type Config struct {
	MaxConnections int
	// Deny may be nil to accept every login.
	Deny          Authenticator
	LoginAttempts int
	LoginTimeout  time.Duration

	Machines *machine.Registry
	Commands *command.Registry
	// Transcripts may be nil to disable session transcripts.
	Transcripts *artifact.Store
	Downloads   *artifact.Store
	Events      event.Sink
	Logger      *slog.Logger
	HTTP        *http.Client

	InputLimit    int64
	DownloadLimit int64
	DownloadRate  int64
}

// Server is a Telnet listener. It is safe to call Serve once.
type Server struct {
	cfg    Config
	wg     sync.WaitGroup
	active atomic.Int64
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Machines == nil || cfg.Commands == nil {
		return nil, errors.New("telnetd: machine and command registries are required")
	}
	if cfg.Events == nil {
		cfg.Events = event.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = defaultLoginAttempts
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: time.Minute}
	}
	return &Server{cfg: cfg}, nil
}

// Active returns the number of connections being served.
func (s *Server) Active() int64 { return s.active.Load() }

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var sem chan struct{}
	if s.cfg.MaxConnections > 0 {
		sem = make(chan struct{}, s.cfg.MaxConnections)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.cfg.Logger.Info("telnet listening", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			default:
				s.cfg.Logger.Warn("connection limit reached, rejecting", "remote", nc.RemoteAddr().String())
				nc.Close()
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			s.handleConn(ctx, nc)
		}()
	}
}

func newTransportID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}

func splitAddr(a net.Addr) (string, int) {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// client is the state of one Telnet connection.
type client struct {
	srv    *Server
	tc     *conn
	logger *slog.Logger
	id     string
	srcIP  string

	// pending holds bytes read past the end of the last login line.
	pending []byte
	skipLF  bool
}

func (c *client) emit(t event.Type, fields map[string]any) {
	c.srv.cfg.Events.Emit(event.New(t, c.id, c.srcIP, fields))
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer nc.Close()

	srcIP, srcPort := splitAddr(nc.RemoteAddr())
	dstIP, dstPort := splitAddr(nc.LocalAddr())
	c := &client{srv: s, tc: newConn(nc), id: newTransportID(), srcIP: srcIP}
	c.logger = s.cfg.Logger.With("session", c.id, "src_ip", srcIP)
	started := time.Now()
	c.emit(event.SessionConnect, map[string]any{
		"src_port": srcPort,
		"dst_ip":   dstIP,
		"dst_port": dstPort,
		"protocol": "telnet",
	})
	c.logger.Info("new connection", "src_port", srcPort, "protocol", "telnet")
	defer func() {
		d := time.Since(started)
		c.emit(event.SessionClosed, map[string]any{"duration": d.Seconds()})
		c.logger.Info("connection lost", "duration", d.Round(time.Millisecond))
	}()

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	_ = nc.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))
	username, err := c.login()
	if err != nil {
		c.logger.Debug("login ended", "error", err)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	host := s.cfg.Machines.Acquire(srcIP)
	defer s.cfg.Machines.Release(host)
	c.logger = c.logger.With("server", host.ID)
	c.shell(host, command.LookupUser(host.FS, username))
}

var errLoginFailed = errors.New("too many failed logins")

// login runs the login and password prompts until a credential is
// accepted or the attempts run out.
func (c *client) login() (string, error) {
	c.tc.do(optNAWS)
	for range c.srv.cfg.LoginAttempts {
		if _, err := c.tc.Write([]byte("login: ")); err != nil {
			return "", err
		}
		username, err := c.readLine(true)
		if err != nil {
			return "", err
		}
		// With the server claiming echo, the client stops echoing locally.
		c.tc.will(optEcho)
		if _, err := c.tc.Write([]byte("Password: ")); err != nil {
			return "", err
		}
		password, err := c.readLine(false)
		if err != nil {
			return "", err
		}
		_, _ = c.tc.Write([]byte("\r\n"))

		fields := map[string]any{"username": username, "password": password, "method": "password"}
		if deny := c.srv.cfg.Deny; deny != nil && deny.Denies(username, password) {
			c.emit(event.LoginFailed, fields)
			c.logger.Info("login attempt failed", "username", username)
			c.tc.wont(optEcho)
			_, _ = c.tc.Write([]byte("\r\nLogin incorrect\r\n"))
			continue
		}
		c.emit(event.LoginSuccess, fields)
		c.logger.Info("login attempt succeeded", "username", username)
		return username, nil
	}
	return "", errLoginFailed
}

// readLine reads one line typed at a login prompt. Backspace edits the
// line; echo only happens when the client handed echoing to us.
func (c *client) readLine(echo bool) (string, error) {
	var line []byte
	for {
		b, err := c.nextByte()
		if err != nil {
			return "", err
		}
		if c.skipLF {
			c.skipLF = false
			if b == '\n' {
				continue
			}
		}
		switch {
		case b == '\r' || b == '\n':
			c.skipLF = b == '\r'
			if echo && c.tc.echoing() {
				_, _ = c.tc.Write([]byte("\r\n"))
			}
			return string(line), nil
		case b == 0x7f || b == 0x08:
			if len(line) > 0 {
				line = line[:len(line)-1]
				if echo && c.tc.echoing() {
					_, _ = c.tc.Write([]byte("\b \b"))
				}
			}
		case b == 0x03 || b == 0x04:
			return "", errors.New("login aborted")
		case b >= 0x20 && len(line) < maxLoginLine:
			line = append(line, b)
			if echo && c.tc.echoing() {
				_, _ = c.tc.Write([]byte{b})
			}
		}
	}
}

func (c *client) nextByte() (byte, error) {
	for len(c.pending) == 0 {
		buf := make([]byte, 512)
		n, err := c.tc.Read(buf)
		if n > 0 {
			c.pending = buf[:n]
			break
		}
		if err != nil {
			return 0, err
		}
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, nil
}

// channel adapts the Telnet connection to session.Channel. Telnet has no
// exit status, so ending the shell just hangs up.
type channel struct {
	tc *conn
}

func (ch channel) Write(p []byte) (int, error) { return ch.tc.Write(p) }
func (ch channel) Exit(int) error              { return nil }
func (ch channel) CloseWrite() error           { return nil }
func (ch channel) Close() error                { return ch.tc.nc.Close() }

func (c *client) shell(host *machine.Server, user command.User) {
	cfg := c.srv.cfg
	rec := recorder.New(recorder.Options{
		Transcripts: cfg.Transcripts,
		Downloads:   cfg.Downloads,
		Sink:        cfg.Events,
		Logger:      c.logger,
		TransportID: c.id,
		SrcIP:       c.srcIP,
		InputLimit:  cfg.InputLimit,
	})
	sess := session.New(session.Config{
		ID:            c.id,
		SrcIP:         c.srcIP,
		User:          user,
		Server:        host,
		Registry:      cfg.Commands,
		Recorder:      rec,
		Downloads:     cfg.Downloads,
		Events:        cfg.Events,
		Logger:        c.logger,
		HTTP:          cfg.HTTP,
		DownloadLimit: cfg.DownloadLimit,
		DownloadRate:  cfg.DownloadRate,
	}, channel{c.tc})

	// Character mode: the client sends every key and we echo it.
	c.tc.will(optSGA)
	c.tc.will(optEcho)
	rows, cols := c.tc.size(defaultRows, defaultCols)
	sess.RequestPTY("", rows, cols)
	c.tc.setOnResize(sess.WindowResize)
	if err := sess.RequestShell(); err != nil {
		c.logger.Debug("shell refused", "error", err)
		sess.Close("shell refused")
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		skipLF := c.skipLF
		deliver := func(p []byte) {
			if skipLF && len(p) > 0 {
				skipLF = false
				if p[0] == '\n' {
					p = p[1:]
				}
			}
			sess.DataIn(p)
		}
		deliver(c.pending)
		c.pending = nil
		buf := make([]byte, 32*1024)
		for {
			n, err := c.tc.Read(buf)
			if n > 0 {
				deliver(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	reason := "connection lost"
	select {
	case <-sess.Done():
		reason = "shell exited"
	case <-readDone:
	}
	sess.Close(reason)
	c.tc.nc.Close()
	<-readDone
}
