package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/command/builtins"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/forward"
	"github.com/amv42/honeysh/internal/machine"
)

type testServer struct {
	addr      string
	events    *event.Memory
	downloads *artifact.Store
	machines  *machine.Registry
}

func startServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	tty, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	dl, err := artifact.Open(t.TempDir())
	require.NoError(t, err)

	machines := machine.NewRegistry(machine.Config{
		Content:  dl,
		Hostname: "svr04",
		Rand:     func(int) int { return 0 },
	})
	t.Cleanup(machines.Close)
	reg := command.NewRegistry()
	builtins.Register(reg)
	events := &event.Memory{}

	cfg := Config{
		HostKeys:    []ssh.Signer{signer},
		SFTP:        true,
		Machines:    machines,
		Commands:    reg,
		Transcripts: tty,
		Downloads:   dl,
		Events:      events,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &testServer{addr: ln.Addr().String(), events: events, downloads: dl, machines: machines}
}

func (s *testServer) dial(t *testing.T, user, password string) (*ssh.Client, error) {
	t.Helper()
	client, err := ssh.Dial("tcp", s.addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test server
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Cleanup(func() { client.Close() })
	}
	return client, err
}

func (s *testServer) waitEvent(t *testing.T, typ event.Type) event.Event {
	t.Helper()
	var got event.Event
	require.Eventually(t, func() bool {
		evs := s.events.OfType(typ)
		if len(evs) == 0 {
			return false
		}
		got = evs[len(evs)-1]
		return true
	}, 5*time.Second, 10*time.Millisecond, "no %s event", typ)
	return got
}

func TestServer_LoginAccepted(t *testing.T) {
	s := startServer(t, nil)
	_, err := s.dial(t, "root", "admin")
	require.NoError(t, err)

	e := s.waitEvent(t, event.LoginSuccess)
	assert.Equal(t, "root", e.Fields["username"])
	assert.Equal(t, "admin", e.Fields["password"])
	assert.Equal(t, "password", e.Fields["method"])
	assert.Equal(t, "127.0.0.1", e.SrcIP)

	connect := s.waitEvent(t, event.SessionConnect)
	assert.Equal(t, e.Session, connect.Session)
	assert.Equal(t, "ssh", connect.Fields["protocol"])

	v := s.waitEvent(t, event.ClientVersion)
	assert.Contains(t, v.Fields["version"], "SSH-2.0-Go")
}

func TestServer_LoginDenied(t *testing.T) {
	deny, err := ParseDenyList([]string{"root:root"})
	require.NoError(t, err)
	s := startServer(t, func(c *Config) { c.Deny = deny })

	_, err = s.dial(t, "root", "root")
	require.Error(t, err)
	e := s.waitEvent(t, event.LoginFailed)
	assert.Equal(t, "root", e.Fields["password"])
	assert.Empty(t, s.events.OfType(event.LoginSuccess))
	s.waitEvent(t, event.SessionClosed)
}

func TestServer_Exec(t *testing.T) {
	s := startServer(t, nil)
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("uname")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", string(out))

	e := s.waitEvent(t, event.CommandInput)
	assert.Equal(t, "uname", e.Fields["input"])
	s.waitEvent(t, event.LogClosed)
}

func TestServer_ExecStatus(t *testing.T) {
	s := startServer(t, nil)
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	err = sess.Run("false")
	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitStatus())
}

func TestServer_Env(t *testing.T) {
	s := startServer(t, nil)
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	require.NoError(t, sess.Setenv("LANG", "C"))
	_, err = sess.Output("true")
	require.NoError(t, err)

	e := s.waitEvent(t, event.ClientVar)
	assert.Equal(t, "LANG", e.Fields["name"])
	assert.Equal(t, "C", e.Fields["value"])
}

func TestServer_SFTPUploadVisibleToShell(t *testing.T) {
	s := startServer(t, nil)
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	sc, err := sftp.NewClient(client)
	require.NoError(t, err)
	defer sc.Close()

	f, err := sc.Create("/tmp/payload.sh")
	require.NoError(t, err)
	_, err = f.Write([]byte("#!/bin/sh\necho pwned\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e := s.waitEvent(t, event.FileUpload)
	assert.Equal(t, "/tmp/payload.sh", e.Fields["filename"])
	assert.EqualValues(t, 21, e.Fields["size"])
	assert.True(t, s.downloads.Has(e.Fields["shasum"].(string)))

	fi, err := sc.Stat("/tmp/payload.sh")
	require.NoError(t, err)
	assert.EqualValues(t, 21, fi.Size())

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("cat /tmp/payload.sh")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho pwned\n", string(out))
}

func TestServer_SFTPDisabled(t *testing.T) {
	s := startServer(t, func(c *Config) { c.SFTP = false })
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)
	_, err = sftp.NewClient(client)
	require.Error(t, err)
}

func TestServer_ForwardingDisabled(t *testing.T) {
	s := startServer(t, nil)
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)
	_, err = client.Dial("tcp", "203.0.113.9:80")
	var oce *ssh.OpenChannelError
	require.ErrorAs(t, err, &oce)
	assert.Equal(t, ssh.Prohibited, oce.Reason)
}

func TestServer_ForwardDiscard(t *testing.T) {
	s := startServer(t, func(c *Config) { c.Forwarding = true })
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	fc, err := client.Dial("tcp", "203.0.113.9:25")
	require.NoError(t, err)
	defer fc.Close()
	_, err = fc.Write([]byte("EHLO spam\r\n"))
	require.NoError(t, err)

	req := s.waitEvent(t, event.DirectTCPIPRequest)
	assert.Equal(t, "discard", req.Fields["action"])
	assert.Equal(t, 25, req.Fields["dst_port"])
	assert.Equal(t, "127.0.0.1", req.SrcIP)
	flat := req.Flatten()
	assert.Equal(t, "127.0.0.1", flat["src_ip"])
	assert.Contains(t, flat, "origin_ip")
	assert.Contains(t, flat, "origin_port")

	data := s.waitEvent(t, event.DirectTCPIPData)
	assert.Equal(t, "EHLO spam\r\n", data.Fields["data"])

	_, err = io.ReadAll(fc)
	assert.True(t, err == nil || errors.Is(err, io.EOF))
}

func TestServer_ForwardRedirect(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	s := startServer(t, func(c *Config) {
		c.Forwarding = true
		c.Forward = forward.Policy{Redirect: map[uint16]string{8080: echo.Addr().String()}}
	})
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	fc, err := client.Dial("tcp", "198.51.100.4:8080")
	require.NoError(t, err)
	defer fc.Close()
	_, err = fc.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(fc, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	req := s.waitEvent(t, event.DirectTCPIPRequest)
	assert.Equal(t, "redirect", req.Fields["action"])
	assert.Equal(t, echo.Addr().String(), req.Fields["via"])
}

func TestServer_ForwardRedirectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	s := startServer(t, func(c *Config) {
		c.Forwarding = true
		c.Forward = forward.Policy{Redirect: map[uint16]string{80: dead}}
	})
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	_, err = client.Dial("tcp", "198.51.100.4:80")
	var oce *ssh.OpenChannelError
	require.ErrorAs(t, err, &oce)
	assert.Equal(t, ssh.ConnectionFailed, oce.Reason)
}

func TestServer_SharedHostAcrossConnections(t *testing.T) {
	s := startServer(t, nil)
	first, err := s.dial(t, "root", "x")
	require.NoError(t, err)
	sess, err := first.NewSession()
	require.NoError(t, err)
	require.NoError(t, sess.Run("touch /tmp/marker"))

	second, err := s.dial(t, "root", "y")
	require.NoError(t, err)
	sess, err = second.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("ls /tmp")
	require.NoError(t, err)
	assert.Contains(t, string(out), "marker")
	assert.Equal(t, 1, s.machines.Len())
}

func TestServer_ProxyBackendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	s := startServer(t, func(c *Config) {
		c.Backend = &Backend{Address: dead, User: "root", Password: "pw", InsecureHostKey: true, KnownHosts: "/nonexistent", Timeout: time.Second}
	})
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	_, err = client.NewSession()
	require.Error(t, err)
	e := s.waitEvent(t, event.ProxyBackendFailed)
	assert.NotEmpty(t, e.Fields["error"])
}

func TestServer_Proxy(t *testing.T) {
	backend := startServer(t, nil)
	s := startServer(t, func(c *Config) {
		c.Backend = &Backend{Address: backend.addr, User: "root", Password: "pw", InsecureHostKey: true, KnownHosts: "/nonexistent", Timeout: 5 * time.Second}
	})
	t.Setenv("SSH_AUTH_SOCK", "")
	client, err := s.dial(t, "root", "x")
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("uname -m")
	require.NoError(t, err)
	assert.Equal(t, "x86_64\n", string(out))

	e := s.waitEvent(t, event.CommandInput)
	assert.Equal(t, "uname -m", e.Fields["input"])
	login := backend.waitEvent(t, event.LoginSuccess)
	assert.Equal(t, "pw", login.Fields["password"])
	s.waitEvent(t, event.LogClosed)
}
