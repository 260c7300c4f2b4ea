package sshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/recorder"
)

// Backend is the real host attacker sessions are relayed to in proxy mode.
type Backend struct {
	// Address is host:port; the port defaults to 22.
	Address  string
	User     string
	Password string
	KeyFile  string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string
	// InsecureHostKey accepts any host key when known_hosts is unusable.
	InsecureHostKey bool
	Timeout         time.Duration
}

// Dial connects and authenticates to the backend.
//
// Auth methods are tried in order:
//  1. SSH agent (if SSH_AUTH_SOCK is set)
//  2. Backend.KeyFile
//  3. Backend.Password
func (b *Backend) Dial(ctx context.Context) (*ssh.Client, error) {
	addr := b.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	methods, agentConn := b.authMethods()
	if agentConn != nil {
		// The agent is only consulted during the handshake.
		defer agentConn.Close()
	}
	if len(methods) == 0 {
		return nil, errors.New("no backend auth methods available (set SSH_AUTH_SOCK, key_file or password)")
	}
	hostKeyCallback, err := b.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            b.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         b.Timeout,
	}

	nc, err := (&net.Dialer{Timeout: b.Timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", addr, err)
	}
	if b.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(b.Timeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with backend %s: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// authMethods returns the usable auth methods and the agent connection
// backing the first of them, if any. The caller closes it.
func (b *Backend) authMethods() ([]ssh.AuthMethod, net.Conn) {
	var methods []ssh.AuthMethod
	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if b.KeyFile != "" {
		if data, err := os.ReadFile(b.KeyFile); err == nil {
			if signer, err := ssh.ParsePrivateKey(data); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}
	if b.Password != "" {
		methods = append(methods, ssh.Password(b.Password))
	}
	return methods, agentConn
}

func (b *Backend) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := b.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	cb, err := knownhosts.New(path)
	if err == nil {
		return cb, nil
	}
	if b.InsecureHostKey {
		//nolint:gosec // explicitly configured
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, fmt.Errorf("load backend known_hosts: %w", err)
}

// backendClient returns the connection's backend client, dialing it on
// first use.
func (c *conn) backendClient(ctx context.Context) (*ssh.Client, error) {
	c.backendMu.Lock()
	defer c.backendMu.Unlock()
	if c.backend != nil {
		return c.backend, nil
	}
	b := c.srv.cfg.Backend
	client, err := b.Dial(ctx)
	if err != nil {
		host, port, _ := net.SplitHostPort(b.Address)
		c.emit(event.ProxyBackendFailed, map[string]any{
			"dst_ip":   host,
			"dst_port": port,
			"error":    err.Error(),
		})
		c.logger.Error("backend connection failed", "backend", b.Address, "error", err)
		return nil, err
	}
	c.logger.Info("connected to backend", "backend", b.Address)
	c.backend = client
	return client, nil
}

func (c *conn) closeBackend() {
	c.backendMu.Lock()
	defer c.backendMu.Unlock()
	if c.backend != nil {
		_ = c.backend.Close()
		c.backend = nil
	}
}

// proxySession relays a session channel to the backend. Requests and data
// pass through unchanged and are recorded like an emulated session.
func (c *conn) proxySession(ctx context.Context, nch ssh.NewChannel) {
	client, err := c.backendClient(ctx)
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "Connection refused")
		return
	}
	bch, breqs, err := client.OpenChannel("session", nil)
	if err != nil {
		c.logger.Error("backend refused session", "error", err)
		_ = nch.Reject(ssh.ConnectionFailed, "Connection refused")
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		bch.Close()
		return
	}
	channelID := c.nextChannelID()
	logger := c.logger.With("channel", channelID)
	rec := c.newRecorder(channelID)
	defer rec.Close()
	defer ch.Close()
	defer bch.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for r := range breqs {
			ok, _ := ch.SendRequest(r.Type, r.WantReply, r.Payload)
			if r.WantReply {
				_ = r.Reply(ok, nil)
			}
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.MultiWriter(ch, recordOutput{rec}), bch)
		_ = ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.MultiWriter(ch.Stderr(), recordOutput{rec}), bch.Stderr())
	}()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				if !rec.Input(buf[:n]) {
					_ = bch.CloseWrite()
					return
				}
				if _, werr := bch.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				_ = bch.CloseWrite()
				return
			}
		}
	}()

	relayed := waitDone(&wg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-relayed:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			c.observeRequest(req, rec, logger)
			ok, err := bch.SendRequest(req.Type, req.WantReply, req.Payload)
			if err != nil {
				logger.Debug("backend request failed", "type", req.Type, "error", err)
			}
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}
		}
	}
}

// observeRequest logs and records a relayed channel request.
func (c *conn) observeRequest(req *ssh.Request, rec *recorder.Recorder, logger *slog.Logger) {
	switch req.Type {
	case "pty-req":
		var m ptyRequestMsg
		if ssh.Unmarshal(req.Payload, &m) == nil {
			c.emit(event.ClientSize, map[string]any{"width": int(m.Columns), "height": int(m.Rows)})
		}
	case "window-change":
		var m windowChangeMsg
		if ssh.Unmarshal(req.Payload, &m) == nil {
			c.emit(event.ClientSize, map[string]any{"width": int(m.Columns), "height": int(m.Rows)})
		}
	case "env":
		var m envRequestMsg
		if ssh.Unmarshal(req.Payload, &m) == nil {
			c.emit(event.ClientVar, map[string]any{"name": m.Name, "value": m.Value})
		}
	case "shell":
		rec.Start(recorder.Interactive, "")
		logger.Info("proxied shell started")
	case "exec":
		var m execMsg
		if ssh.Unmarshal(req.Payload, &m) == nil {
			rec.Start(recorder.Exec, m.Command)
			c.emit(event.CommandInput, map[string]any{"input": m.Command})
			logger.Info("proxied exec", "command", m.Command)
		}
	case "subsystem":
		var m subsystemMsg
		if ssh.Unmarshal(req.Payload, &m) == nil {
			logger.Info("proxied subsystem", "name", m.Name)
		}
	}
}

type recordOutput struct{ rec *recorder.Recorder }

func (r recordOutput) Write(p []byte) (int, error) {
	r.rec.Output(p)
	return len(p), nil
}

func waitDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
