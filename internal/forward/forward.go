// Package forward decides what happens to a direct-tcpip request and
// dials the upstream side when the request is allowed out.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Action is the fate of a forwarding request.
type Action int

const (
	// Discard accepts the channel, logs what the client sends and closes it.
	Discard Action = iota
	// Redirect relays raw bytes to a substitute destination.
	Redirect
	// Tunnel relays through an HTTP CONNECT proxy.
	Tunnel
)

func (a Action) String() string {
	switch a {
	case Redirect:
		return "redirect"
	case Tunnel:
		return "tunnel"
	default:
		return "discard"
	}
}

// Decision is the outcome of Classify.
type Decision struct {
	Action Action
	// Via is the redirect target or the proxy address, as host:port.
	Via string
	// Dest is the destination the client asked for, as host:port.
	Dest string
}

// Policy maps requested destination ports to redirect targets and tunnel
// proxies. Redirects win when a port appears in both maps.
type Policy struct {
	Redirect map[uint16]string
	Tunnel   map[uint16]string
}

// Classify decides how a request for host:port is handled. Ports that
// appear in neither map are discarded.
func (p Policy) Classify(host string, port uint16) Decision {
	d := Decision{Dest: net.JoinHostPort(host, strconv.Itoa(int(port)))}
	if via, ok := p.Redirect[port]; ok && via != "" {
		d.Action, d.Via = Redirect, via
		return d
	}
	if via, ok := p.Tunnel[port]; ok && via != "" {
		d.Action, d.Via = Tunnel, via
		return d
	}
	return d
}

// ErrTunnelRefused is returned when the proxy answers CONNECT with
// anything but 200.
var ErrTunnelRefused = errors.New("tunnel refused")

// Dialer opens upstream connections for redirect and tunnel decisions.
type Dialer struct {
	// Timeout bounds connection setup, including the CONNECT exchange.
	// Zero leaves only the context deadline.
	Timeout time.Duration
}

// Dial connects to the upstream side of d. Discard decisions have no
// upstream and return an error.
func (dl *Dialer) Dial(ctx context.Context, d Decision) (net.Conn, error) {
	switch d.Action {
	case Redirect:
		return dl.dial(ctx, d.Via)
	case Tunnel:
		return dl.DialTunnel(ctx, d.Via, d.Dest)
	default:
		return nil, fmt.Errorf("forward: no upstream for %s", d.Dest)
	}
}

func (dl *Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	return (&net.Dialer{Timeout: dl.Timeout}).DialContext(ctx, "tcp", addr)
}

// DialTunnel connects to proxy and asks it to CONNECT to dst. The proxy's
// response header is consumed; the returned conn yields only payload.
func (dl *Dialer) DialTunnel(ctx context.Context, proxy, dst string) (net.Conn, error) {
	conn, err := dl.dial(ctx, proxy)
	if err != nil {
		return nil, err
	}
	if dl.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(dl.Timeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", dst, dst); err != nil {
		conn.Close()
		return nil, fmt.Errorf("forward: sending CONNECT to %s: %w", proxy, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("forward: reading CONNECT response from %s: %w", proxy, err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("forward: %s via %s: %w (%s)", dst, proxy, ErrTunnelRefused, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn serves bytes the proxy sent right after its response
// header before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// CloseWrite half-closes the connection when the underlying conn allows it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
