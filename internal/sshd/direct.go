package sshd

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/forward"
)

// discardWait is how long a discarded forward waits for the client's
// first bytes.
const discardWait = 10 * time.Second

type directTCPIPMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func (c *conn) handleDirectTCPIP(ctx context.Context, nch ssh.NewChannel) {
	var m directTCPIPMsg
	if err := ssh.Unmarshal(nch.ExtraData(), &m); err != nil || m.DestPort > 0xffff {
		_ = nch.Reject(ssh.ConnectionFailed, "malformed request")
		return
	}
	d := c.srv.cfg.Forward.Classify(m.DestAddr, uint16(m.DestPort))
	c.emit(event.DirectTCPIPRequest, map[string]any{
		"dst_ip":      m.DestAddr,
		"dst_port":    int(m.DestPort),
		"origin_ip":   m.OriginAddr,
		"origin_port": int(m.OriginPort),
		"action":      d.Action.String(),
		"via":         d.Via,
	})
	c.logger.Info("direct-tcp connection request", "dst", d.Dest, "action", d.Action.String(), "via", d.Via)

	if d.Action == forward.Discard {
		c.discardForward(nch, m)
		return
	}

	up, err := c.srv.dialer.Dial(ctx, d)
	if err != nil {
		c.logger.Info("forward upstream failed", "dst", d.Dest, "via", d.Via, "error", err)
		_ = nch.Reject(ssh.ConnectionFailed, "Connection refused")
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		up.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var src io.Reader = ch
	if d.Action == forward.Tunnel {
		src = io.TeeReader(ch, &dataLogger{c: c, msg: m})
	}
	relay(ch, src, up)
	c.logger.Info("direct-tcp connection closed", "dst", d.Dest)
}

// discardForward accepts the channel, records the first bytes the client
// sends and closes it.
func (c *conn) discardForward(nch ssh.NewChannel, m directTCPIPMsg) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	timer := time.AfterFunc(discardWait, func() { ch.Close() })
	defer timer.Stop()
	defer ch.Close()

	buf := make([]byte, 32*1024)
	n, _ := ch.Read(buf)
	if n > 0 {
		(&dataLogger{c: c, msg: m}).Write(buf[:n])
	}
}

// dataLogger turns client bytes on a forward into events.
type dataLogger struct {
	c   *conn
	msg directTCPIPMsg
}

func (l *dataLogger) Write(p []byte) (int, error) {
	l.c.emit(event.DirectTCPIPData, map[string]any{
		"dst_ip":   l.msg.DestAddr,
		"dst_port": int(l.msg.DestPort),
		"data":     string(p),
	})
	return len(p), nil
}

type halfCloser interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// relay copies between the client channel and the upstream connection in
// both directions. src is what is read from the client side.
func relay(ch ssh.Channel, src io.Reader, up io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(up, src)
		if hc, ok := up.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = up.Close()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, up)
		_ = ch.CloseWrite()
		_ = ch.Close()
	}()
	wg.Wait()
	_ = up.Close()
	_ = ch.Close()
}
