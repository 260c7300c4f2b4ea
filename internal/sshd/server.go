// Package sshd accepts attacker SSH connections and hands their channels
// to the emulated shell, the SFTP subsystem, the forwarding policy or a
// real backend host.
package sshd

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
	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/forward"
	"github.com/amv42/honeysh/internal/machine"
)

const (
	// handshakeTimeout bounds key exchange plus authentication.
	handshakeTimeout = 2 * time.Minute
	maxAuthTries     = 6
	dialTimeout      = 10 * time.Second
)

// Config wires a Server to the rest of the honeypot.
type Config struct {
	HostKeys []ssh.Signer
	// Version is the identification string sent to clients.
	Version        string
	MaxConnections int
	Deny           DenyList

	SFTP       bool
	Forwarding bool
	Forward    forward.Policy
	// Backend, when set, relays session channels to a real host instead of
	// the emulated shell.
	Backend *Backend

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

// Server is an SSH listener. It is safe to call Serve once.
type Server struct {
	cfg    Config
	dialer *forward.Dialer
	wg     sync.WaitGroup
	active atomic.Int64
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("sshd: no host keys")
	}
	if cfg.Machines == nil || cfg.Commands == nil {
		return nil, errors.New("sshd: machine and command registries are required")
	}
	if cfg.Events == nil {
		cfg.Events = event.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "SSH-2.0-OpenSSH_6.0p1 Debian-4+deb7u2"
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: time.Minute}
	}
	return &Server{cfg: cfg, dialer: &forward.Dialer{Timeout: dialTimeout}}, nil
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

	s.cfg.Logger.Info("ssh listening", "addr", ln.Addr().String())
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

// newTransportID returns the short id tagging every event of a connection.
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

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer nc.Close()

	srcIP, srcPort := splitAddr(nc.RemoteAddr())
	dstIP, dstPort := splitAddr(nc.LocalAddr())
	c := &conn{
		srv:     s,
		id:      newTransportID(),
		srcIP:   srcIP,
		started: time.Now(),
	}
	c.logger = s.cfg.Logger.With("session", c.id, "src_ip", srcIP)
	c.emit(event.SessionConnect, map[string]any{
		"src_port": srcPort,
		"dst_ip":   dstIP,
		"dst_port": dstPort,
		"protocol": "ssh",
	})
	c.logger.Info("new connection", "src_port", srcPort)
	defer func() {
		d := time.Since(c.started)
		c.emit(event.SessionClosed, map[string]any{"duration": d.Seconds()})
		c.logger.Info("connection lost", "duration", d.Round(time.Millisecond))
	}()

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	_ = nc.SetDeadline(time.Now().Add(handshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.serverConfig(c))
	if err != nil {
		c.logger.Debug("handshake failed", "error", err)
		return
	}
	_ = nc.SetDeadline(time.Time{})
	defer sshConn.Close()
	c.sshConn = sshConn

	c.host = s.cfg.Machines.Acquire(srcIP)
	defer s.cfg.Machines.Release(c.host)
	c.user = command.LookupUser(c.host.FS, sshConn.User())
	c.logger = c.logger.With("server", c.host.ID)
	defer c.closeBackend()

	go c.globalRequests(reqs)

	var channels sync.WaitGroup
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			channels.Add(1)
			go func() {
				defer channels.Done()
				if s.cfg.Backend != nil {
					c.proxySession(ctx, nch)
					return
				}
				c.handleSession(ctx, nch)
			}()
		case "direct-tcpip":
			if !s.cfg.Forwarding {
				_ = nch.Reject(ssh.Prohibited, "administratively prohibited")
				continue
			}
			channels.Add(1)
			go func() {
				defer channels.Done()
				c.handleDirectTCPIP(ctx, nch)
			}()
		default:
			c.logger.Debug("rejected channel", "type", nch.ChannelType())
			_ = nch.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
	channels.Wait()
}

func (s *Server) serverConfig(c *conn) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: s.cfg.Version,
		MaxAuthTries:  maxAuthTries,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return c.login(meta, "password", string(password))
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				return nil, errors.New("unexpected answer count")
			}
			return c.login(meta, "keyboard-interactive", answers[0])
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			c.clientVersion(meta)
			c.emit(event.ClientFingerprint, map[string]any{
				"username":    meta.User(),
				"fingerprint": ssh.FingerprintSHA256(key),
				"key_type":    key.Type(),
			})
			return nil, errors.New("public key authentication disabled")
		},
	}
	for _, k := range s.cfg.HostKeys {
		cfg.AddHostKey(k)
	}
	return cfg
}

// conn is the state of one authenticated connection.
type conn struct {
	srv      *Server
	sshConn  *ssh.ServerConn
	host     *machine.Server
	logger   *slog.Logger
	started  time.Time
	id       string
	srcIP    string
	user     command.User
	channels atomic.Uint32
	version  sync.Once

	backendMu sync.Mutex
	backend   *ssh.Client
}

func (c *conn) emit(t event.Type, fields map[string]any) {
	c.srv.cfg.Events.Emit(event.New(t, c.id, c.srcIP, fields))
}

func (c *conn) clientVersion(meta ssh.ConnMetadata) {
	c.version.Do(func() {
		c.emit(event.ClientVersion, map[string]any{"version": string(meta.ClientVersion())})
	})
}

func (c *conn) login(meta ssh.ConnMetadata, method, password string) (*ssh.Permissions, error) {
	c.clientVersion(meta)
	fields := map[string]any{"username": meta.User(), "password": password, "method": method}
	if c.srv.cfg.Deny.Denies(meta.User(), password) {
		c.emit(event.LoginFailed, fields)
		c.logger.Info("login attempt failed", "username", meta.User())
		return nil, errors.New("access denied")
	}
	c.emit(event.LoginSuccess, fields)
	c.logger.Info("login attempt succeeded", "username", meta.User())
	return &ssh.Permissions{}, nil
}

func (c *conn) globalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		c.logger.Debug("global request", "type", req.Type)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (c *conn) nextChannelID() uint32 {
	return c.channels.Add(1) - 1
}
