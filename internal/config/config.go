package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the honeysh configuration file. Every field is optional;
// Resolve fills in defaults for anything left unset.
type Config struct {
	Honeypot HoneypotConfig `toml:"honeypot"`
	SSH      SSHConfig      `toml:"ssh"`
	Telnet   TelnetConfig   `toml:"telnet"`
	Backend  BackendConfig  `toml:"backend"`
	Output   OutputConfig   `toml:"output"`
	Auth     AuthConfig     `toml:"auth"`
}

// HoneypotConfig describes the emulated host and where captures are kept.
type HoneypotConfig struct {
	Hostname          *string  `toml:"hostname"`
	Arch              []string `toml:"arch"`
	Filesystem        *string  `toml:"filesystem"`
	ProcessTable      *string  `toml:"process_table"`
	DownloadDir       *string  `toml:"download_dir"`
	TTYLog            *bool    `toml:"ttylog"`
	TTYLogDir         *string  `toml:"ttylog_dir"`
	DownloadLimitSize *string  `toml:"download_limit_size"`
	DownloadRate      *string  `toml:"download_rate"`
	InputLimit        *string  `toml:"input_limit"`
	MinFreeSpace      *string  `toml:"min_free_space"`
	ProtectedPaths    []string `toml:"protected_paths"`
	IdleTimeout       *string  `toml:"idle_timeout"`
}

// SSHConfig holds listener and channel options.
type SSHConfig struct {
	Listen          *string           `toml:"listen"`
	HostKey         *string           `toml:"host_key"`
	Version         *string           `toml:"version"`
	MaxConnections  *int              `toml:"max_connections"`
	SFTP            *bool             `toml:"sftp"`
	Forwarding      *bool             `toml:"forwarding"`
	ForwardRedirect map[string]string `toml:"forward_redirect"`
	ForwardTunnel   map[string]string `toml:"forward_tunnel"`
}

// TelnetConfig enables the Telnet frontend. It always serves the emulated
// shell, whatever the backend mode.
type TelnetConfig struct {
	Enabled *bool   `toml:"enabled"`
	Listen  *string `toml:"listen"`
}

// BackendConfig selects between the emulated shell and a real proxied host.
type BackendConfig struct {
	Mode            *string `toml:"mode"`
	Address         *string `toml:"address"`
	User            *string `toml:"user"`
	Password        *string `toml:"password"`
	KeyFile         *string `toml:"key_file"`
	KnownHosts      *string `toml:"known_hosts"`
	InsecureHostKey *bool   `toml:"insecure_host_key"`
}

// OutputConfig configures structured log and event sinks.
type OutputConfig struct {
	LogFile       *string `toml:"log_file"`
	LogLevel      *string `toml:"log_level"`
	SQLite        *string `toml:"sqlite"`
	MetricsListen *string `toml:"metrics_listen"`
}

// AuthConfig lists credentials the fake host refuses. Entries are
// "user:password" with "*" matching anything on either side.
type AuthConfig struct {
	Deny []string `toml:"deny"`
}

// Backend modes.
const (
	BackendShell = "shell"
	BackendProxy = "proxy"
)

// Path returns the default path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "honeysh", "config.toml")
}

// Load reads the config file at path, or at Path() when path is empty.
// A missing default file yields a zero Config. A missing explicit file is
// an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Settings is a Config with defaults applied and sizes and durations parsed.
type Settings struct {
	Hostname          string
	Arches            []string
	Filesystem        string
	ProcessTable      string
	DownloadDir       string
	TTYLog            bool
	TTYLogDir         string
	DownloadLimitSize int64
	DownloadRate      int64
	InputLimit        int64
	MinFreeSpace      int64
	ProtectedPaths    []string
	IdleTimeout       time.Duration

	Listen          string
	HostKey         string
	Version         string
	MaxConnections  int
	SFTP            bool
	Forwarding      bool
	ForwardRedirect map[uint16]string
	ForwardTunnel   map[uint16]string

	// TelnetListen is empty when Telnet is disabled.
	TelnetListen string

	BackendMode     string
	BackendAddress  string
	BackendUser     string
	BackendPassword string
	BackendKeyFile  string
	KnownHosts      string
	InsecureHostKey bool

	LogFile       string
	LogLevel      string
	SQLite        string
	MetricsListen string

	Deny []string
}

// Defaults.
const (
	DefaultHostname       = "svr04"
	DefaultArch           = "linux-x64-lsb"
	DefaultListen         = ":2222"
	DefaultTelnetListen   = ":2223"
	DefaultVersion        = "SSH-2.0-OpenSSH_6.0p1 Debian-4+deb7u2"
	DefaultMaxConnections = 256
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultLogLevel       = "info"
)

// DefaultProtectedPaths are the subtrees where file creation always fails.
var DefaultProtectedPaths = []string{"/sys", "/proc", "/dev/pts"} //nolint:gochecknoglobals // read-only default

// Resolve applies defaults and validates values.
func (c Config) Resolve() (Settings, error) {
	h, s, b, o := c.Honeypot, c.SSH, c.Backend, c.Output
	out := Settings{
		Hostname:        str(h.Hostname, DefaultHostname),
		Arches:          h.Arch,
		Filesystem:      str(h.Filesystem, ""),
		ProcessTable:    str(h.ProcessTable, ""),
		DownloadDir:     str(h.DownloadDir, filepath.Join("var", "lib", "honeysh", "downloads")),
		TTYLog:          flag(h.TTYLog, true),
		TTYLogDir:       str(h.TTYLogDir, filepath.Join("var", "lib", "honeysh", "tty")),
		ProtectedPaths:  h.ProtectedPaths,
		Listen:          str(s.Listen, DefaultListen),
		HostKey:         str(s.HostKey, filepath.Join("var", "lib", "honeysh", "ssh_host_ed25519_key")),
		Version:         str(s.Version, DefaultVersion),
		MaxConnections:  DefaultMaxConnections,
		SFTP:            flag(s.SFTP, true),
		Forwarding:      flag(s.Forwarding, true),
		BackendMode:     str(b.Mode, BackendShell),
		BackendAddress:  str(b.Address, ""),
		BackendUser:     str(b.User, ""),
		BackendPassword: str(b.Password, ""),
		BackendKeyFile:  str(b.KeyFile, ""),
		KnownHosts:      str(b.KnownHosts, ""),
		InsecureHostKey: flag(b.InsecureHostKey, false),
		LogFile:         str(o.LogFile, ""),
		LogLevel:        str(o.LogLevel, DefaultLogLevel),
		SQLite:          str(o.SQLite, ""),
		MetricsListen:   str(o.MetricsListen, ""),
		Deny:            c.Auth.Deny,
		IdleTimeout:     DefaultIdleTimeout,
	}
	if len(out.Arches) == 0 {
		out.Arches = []string{DefaultArch}
	}
	if out.ProtectedPaths == nil {
		out.ProtectedPaths = DefaultProtectedPaths
	}
	if flag(c.Telnet.Enabled, false) {
		out.TelnetListen = str(c.Telnet.Listen, DefaultTelnetListen)
	}
	if s.MaxConnections != nil {
		if *s.MaxConnections < 1 {
			return Settings{}, fmt.Errorf("ssh.max_connections must be positive, got %d", *s.MaxConnections)
		}
		out.MaxConnections = *s.MaxConnections
	}

	sizes := []struct {
		key string
		val *string
		dst *int64
	}{
		{"honeypot.download_limit_size", h.DownloadLimitSize, &out.DownloadLimitSize},
		{"honeypot.download_rate", h.DownloadRate, &out.DownloadRate},
		{"honeypot.input_limit", h.InputLimit, &out.InputLimit},
		{"honeypot.min_free_space", h.MinFreeSpace, &out.MinFreeSpace},
	}
	for _, sz := range sizes {
		if sz.val == nil {
			continue
		}
		n, err := ParseSize(*sz.val)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", sz.key, err)
		}
		*sz.dst = n
	}

	if h.IdleTimeout != nil {
		d, err := time.ParseDuration(*h.IdleTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("honeypot.idle_timeout: %w", err)
		}
		out.IdleTimeout = d
	}

	var err error
	if out.ForwardRedirect, err = portMap("ssh.forward_redirect", s.ForwardRedirect); err != nil {
		return Settings{}, err
	}
	if out.ForwardTunnel, err = portMap("ssh.forward_tunnel", s.ForwardTunnel); err != nil {
		return Settings{}, err
	}

	switch out.BackendMode {
	case BackendShell:
	case BackendProxy:
		if out.BackendAddress == "" {
			return Settings{}, errors.New("backend.address is required in proxy mode")
		}
	default:
		return Settings{}, fmt.Errorf("backend.mode: unknown mode %q", out.BackendMode)
	}

	return out, nil
}

func portMap(key string, m map[string]string) (map[uint16]string, error) {
	out := make(map[uint16]string, len(m))
	for k, v := range m {
		port, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid port %q", key, k)
		}
		out[uint16(port)] = v
	}
	return out, nil
}

func str(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func flag(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
