package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amv42/honeysh/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Honeypot.Hostname)
	assert.Nil(t, cfg.SSH.Listen)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "honeysh")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[honeypot]
hostname = "web01"
arch = ["linux-arm-lsb", "linux-x64-lsb"]
download_limit_size = "10M"
download_rate = "512K"
idle_timeout = "5m"
ttylog = false

[ssh]
listen = "127.0.0.1:2022"
max_connections = 8

[ssh.forward_redirect]
25 = "127.0.0.1:2525"

[ssh.forward_tunnel]
80 = "127.0.0.1:3128"

[telnet]
enabled = true

[output]
sqlite = "/tmp/events.db"

[auth]
deny = ["root:root"]
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.Honeypot.Hostname)
	assert.Equal(t, "web01", *cfg.Honeypot.Hostname)

	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "web01", s.Hostname)
	assert.Equal(t, []string{"linux-arm-lsb", "linux-x64-lsb"}, s.Arches)
	assert.Equal(t, int64(10<<20), s.DownloadLimitSize)
	assert.Equal(t, int64(512<<10), s.DownloadRate)
	assert.Equal(t, 5*time.Minute, s.IdleTimeout)
	assert.False(t, s.TTYLog)
	assert.Equal(t, "127.0.0.1:2022", s.Listen)
	assert.Equal(t, 8, s.MaxConnections)
	assert.Equal(t, map[uint16]string{25: "127.0.0.1:2525"}, s.ForwardRedirect)
	assert.Equal(t, map[uint16]string{80: "127.0.0.1:3128"}, s.ForwardTunnel)
	assert.Equal(t, config.DefaultTelnetListen, s.TelnetListen)
	assert.Equal(t, "/tmp/events.db", s.SQLite)
	assert.Equal(t, []string{"root:root"}, s.Deny)
}

func TestResolve_Defaults(t *testing.T) {
	s, err := config.Config{}.Resolve()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultHostname, s.Hostname)
	assert.Equal(t, []string{config.DefaultArch}, s.Arches)
	assert.Equal(t, config.DefaultListen, s.Listen)
	assert.Equal(t, config.DefaultProtectedPaths, s.ProtectedPaths)
	assert.Equal(t, config.BackendShell, s.BackendMode)
	assert.True(t, s.TTYLog)
	assert.True(t, s.SFTP)
	assert.Equal(t, config.DefaultIdleTimeout, s.IdleTimeout)
	assert.Empty(t, s.TelnetListen, "telnet is off unless enabled")
}

func TestResolve_Errors(t *testing.T) {
	bad := "lots"
	mode := "telnet"
	proxy := config.BackendProxy
	zero := 0

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"bad size", config.Config{Honeypot: config.HoneypotConfig{DownloadLimitSize: &bad}}},
		{"bad duration", config.Config{Honeypot: config.HoneypotConfig{IdleTimeout: &bad}}},
		{"bad port", config.Config{SSH: config.SSHConfig{ForwardRedirect: map[string]string{"http": "x:1"}}}},
		{"unknown mode", config.Config{Backend: config.BackendConfig{Mode: &mode}}},
		{"proxy without address", config.Config{Backend: config.BackendConfig{Mode: &proxy}}},
		{"zero connections", config.Config{SSH: config.SSHConfig{MaxConnections: &zero}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Resolve()
			assert.Error(t, err)
		})
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("invalid [[["), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/honeysh/config.toml", config.Path())
}
