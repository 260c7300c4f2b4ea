package forward

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	p := Policy{
		Redirect: map[uint16]string{25: "127.0.0.1:2525", 80: "127.0.0.1:8080"},
		Tunnel:   map[uint16]string{80: "proxy:3128", 443: "proxy:3128"},
	}
	tests := []struct {
		host   string
		port   uint16
		action Action
		via    string
		dest   string
	}{
		{"smtp.example.com", 25, Redirect, "127.0.0.1:2525", "smtp.example.com:25"},
		{"example.com", 80, Redirect, "127.0.0.1:8080", "example.com:80"},
		{"example.com", 443, Tunnel, "proxy:3128", "example.com:443"},
		{"2001:db8::1", 443, Tunnel, "proxy:3128", "[2001:db8::1]:443"},
		{"example.com", 22, Discard, "", "example.com:22"},
	}
	for _, tt := range tests {
		d := p.Classify(tt.host, tt.port)
		assert.Equal(t, tt.action, d.Action, tt.dest)
		assert.Equal(t, tt.via, d.Via, tt.dest)
		assert.Equal(t, tt.dest, d.Dest)
	}

	assert.Equal(t, Discard, Policy{}.Classify("x", 80).Action)
	assert.Equal(t, "tunnel", Tunnel.String())
}

// fakeProxy answers one CONNECT with status and then sends greeting
// immediately, in the same write as the response header.
func fakeProxy(t *testing.T, status string, greeting string) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	target := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		target <- req.Method + " " + req.RequestURI
		_, _ = io.WriteString(conn, "HTTP/1.1 "+status+"\r\nProxy-Agent: test\r\n\r\n"+greeting)
		_, _ = io.Copy(conn, br)
	}()
	return ln.Addr().String(), target
}

func TestDialTunnel(t *testing.T) {
	proxy, target := fakeProxy(t, "200 Connection established", "SSH-2.0-upstream\r\n")
	dl := &Dialer{Timeout: 2 * time.Second}

	conn, err := dl.DialTunnel(context.Background(), proxy, "example.com:22")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "CONNECT example.com:22", <-target)

	buf := make([]byte, len("SSH-2.0-upstream\r\n"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-upstream\r\n", string(buf))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))
}

func TestDialTunnel_Refused(t *testing.T) {
	proxy, _ := fakeProxy(t, "403 Forbidden", "")
	dl := &Dialer{Timeout: 2 * time.Second}

	_, err := dl.DialTunnel(context.Background(), proxy, "example.com:25")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTunnelRefused)
}

func TestDial_Redirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "220 mail\r\n")
	}()

	p := Policy{Redirect: map[uint16]string{25: ln.Addr().String()}}
	conn, err := (&Dialer{}).Dial(context.Background(), p.Classify("mx.example.com", 25))
	require.NoError(t, err)
	defer conn.Close()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "220 mail\r\n", string(got))
}

func TestDial_Discard(t *testing.T) {
	_, err := (&Dialer{}).Dial(context.Background(), Policy{}.Classify("example.com", 22))
	assert.Error(t, err)
}
