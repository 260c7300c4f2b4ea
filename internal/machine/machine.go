// Package machine holds the emulated hosts. Connections from the same
// identity share one host, so a file uploaded over SFTP is visible from a
// later shell.
package machine

import (
	"encoding/hex"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/amv42/honeysh/internal/vfs"
)

// Server is one emulated host.
type Server struct {
	Boot      time.Time
	FS        *vfs.FS
	evict     *time.Timer
	ID        string
	Identity  string
	Hostname  string
	Arch      string
	Processes []Process
	refs      int
}

var unameMachine = map[string]string{ //nolint:gochecknoglobals // lookup table
	"linux-x64-lsb":     "x86_64",
	"linux-x86-lsb":     "i686",
	"linux-arm-lsb":     "armv7l",
	"linux-arm64-lsb":   "aarch64",
	"linux-mips-lsb":    "mips",
	"linux-mips-msb":    "mips",
	"linux-mips64-lsb":  "mips64",
	"linux-mips64-msb":  "mips64",
	"linux-powerpc-msb": "ppc",
	"linux-sparc-msb":   "sparc",
}

// Machine returns the uname machine string for the host's architecture.
func (s *Server) Machine() string {
	if m, ok := unameMachine[s.Arch]; ok {
		return m
	}
	return "x86_64"
}

// Uptime returns how long the host appears to have been running.
func (s *Server) Uptime(now time.Time) time.Duration {
	return now.Sub(s.Boot)
}

// Config describes how new hosts are built.
type Config struct {
	Template  *vfs.Inode
	Content   vfs.ContentSource
	Rand      func(n int) int
	OnCount   func(n int)
	Logger    *slog.Logger
	Hostname  string
	Arches    []string
	Protected []string
	Processes []Process
	// IdleTimeout keeps a host alive after its last connection closes.
	IdleTimeout time.Duration
}

// Registry maps identities to live hosts.
type Registry struct {
	servers map[string]*Server
	cfg     Config
	mu      sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Template == nil {
		cfg.Template = vfs.DefaultTemplate()
	}
	if len(cfg.Arches) == 0 {
		cfg.Arches = []string{"linux-x64-lsb"}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Processes == nil {
		cfg.Processes = DefaultProcesses()
	}
	return &Registry{servers: make(map[string]*Server), cfg: cfg}
}

// ServerID derives the stable short id for an identity.
func ServerID(identity string) string {
	sum := blake3.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}

// Acquire returns the host for identity, creating it on first use. Every
// Acquire must be paired with a Release.
func (r *Registry) Acquire(identity string) *Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.servers[identity]; ok {
		if s.evict != nil {
			s.evict.Stop()
			s.evict = nil
		}
		s.refs++
		return s
	}

	s := r.build(identity)
	s.refs = 1
	r.servers[identity] = s
	r.countLocked()
	r.cfg.Logger.Info("initialized emulated server", "server", s.ID, "identity", identity, "arch", s.Arch)
	return s
}

func (r *Registry) build(identity string) *Server {
	opts := []vfs.Option{vfs.WithProtectedPaths(r.cfg.Protected...)}
	if r.cfg.Content != nil {
		opts = append(opts, vfs.WithContent(r.cfg.Content))
	}
	s := &Server{
		ID:        ServerID(identity),
		Identity:  identity,
		Hostname:  r.cfg.Hostname,
		Arch:      r.cfg.Arches[r.cfg.Rand(len(r.cfg.Arches))],
		FS:        vfs.New(r.cfg.Template, opts...),
		Processes: r.cfg.Processes,
		Boot:      time.Now().Add(-time.Duration(3+r.cfg.Rand(40)) * 24 * time.Hour),
	}
	if s.Hostname != "" && s.FS.Exists("/etc/hostname") {
		_ = s.FS.WriteFile("/etc/hostname", []byte(s.Hostname+"\n"), 0, 0, 0o644)
	}
	return s
}

// Release drops one reference. The host is discarded once unreferenced for
// the idle timeout.
func (r *Registry) Release(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 || r.servers[s.Identity] != s {
		return
	}
	if r.cfg.IdleTimeout <= 0 {
		r.dropLocked(s)
		return
	}
	s.evict = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s.refs == 0 && r.servers[s.Identity] == s {
			r.dropLocked(s)
		}
	})
}

func (r *Registry) dropLocked(s *Server) {
	delete(r.servers, s.Identity)
	s.evict = nil
	r.countLocked()
	r.cfg.Logger.Debug("evicted emulated server", "server", s.ID)
}

func (r *Registry) countLocked() {
	if r.cfg.OnCount != nil {
		r.cfg.OnCount(len(r.servers))
	}
}

// Len returns the number of live hosts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Close cancels pending evictions and forgets every host.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.servers {
		if s.evict != nil {
			s.evict.Stop()
		}
		delete(r.servers, id)
	}
	r.countLocked()
}
