package telnetd

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// Telnet commands, RFC 854.
const (
	cmdSE   byte = 240
	cmdBRK  byte = 243
	cmdIP   byte = 244
	cmdAYT  byte = 246
	cmdEC   byte = 247
	cmdEL   byte = 248
	cmdSB   byte = 250
	cmdWILL byte = 251
	cmdWONT byte = 252
	cmdDO   byte = 253
	cmdDONT byte = 254
	cmdIAC  byte = 255
)

// Options we negotiate.
const (
	optEcho byte = 1
	optSGA  byte = 3
	optNAWS byte = 31
)

// maxSubneg bounds the payload of one subnegotiation; the rest is dropped.
const maxSubneg = 64

// conn is the NVT layer over a TCP connection. Read returns user data with
// every command removed; Write escapes IAC. Option state follows the
// Q-method loosely: a reply is only sent when the state changes, so two
// peers cannot loop.
type conn struct {
	nc net.Conn
	r  *bufio.Reader

	mu  sync.Mutex // guards writes and option state
	us  [256]bool  // options we have agreed to perform
	him [256]bool  // options the client has agreed to perform

	// lastCR drops the NUL of a CR NUL pair.
	lastCR bool

	resizeMu sync.Mutex
	onResize func(rows, cols int)
	rows     int
	cols     int
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, r: bufio.NewReader(nc)}
}

// Read fills p with data bytes. It blocks only until at least one byte is
// available.
func (c *conn) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && c.r.Buffered() == 0 {
			break
		}
		b, err := c.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b == cmdIAC {
			data, ok, err := c.command()
			if err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			if ok {
				p[n] = data
				n++
				c.lastCR = false
			}
			continue
		}
		if b == 0 && c.lastCR {
			c.lastCR = false
			continue
		}
		c.lastCR = b == '\r'
		p[n] = b
		n++
	}
	return n, nil
}

// command handles the bytes after an IAC. Commands with a terminal meaning
// are mapped to the control byte a pty would deliver.
func (c *conn) command() (byte, bool, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch b {
	case cmdIAC:
		return cmdIAC, true, nil
	case cmdIP, cmdBRK:
		return 0x03, true, nil
	case cmdEC:
		return 0x7f, true, nil
	case cmdEL:
		return 0x15, true, nil
	case cmdAYT:
		_, _ = c.Write([]byte("\r\n[Yes]\r\n"))
		return 0, false, nil
	case cmdWILL, cmdWONT, cmdDO, cmdDONT:
		opt, err := c.r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		c.negotiate(b, opt)
		return 0, false, nil
	case cmdSB:
		return 0, false, c.subnegotiation()
	default:
		// NOP, DM, GA, AO and unknown commands carry no data.
		return 0, false, nil
	}
}

func (c *conn) subnegotiation() error {
	opt, err := c.r.ReadByte()
	if err != nil {
		return err
	}
	var data []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		if b == cmdIAC {
			next, err := c.r.ReadByte()
			if err != nil {
				return err
			}
			if next == cmdSE {
				break
			}
			b = next
		}
		if len(data) < maxSubneg {
			data = append(data, b)
		}
	}
	if opt == optNAWS && len(data) >= 4 {
		cols := int(binary.BigEndian.Uint16(data[0:2]))
		rows := int(binary.BigEndian.Uint16(data[2:4]))
		c.resized(rows, cols)
	}
	return nil
}

func (c *conn) negotiate(verb, opt byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch verb {
	case cmdDO:
		if opt != optEcho && opt != optSGA {
			c.sendLocked(cmdWONT, opt)
			return
		}
		if !c.us[opt] {
			c.us[opt] = true
			c.sendLocked(cmdWILL, opt)
		}
	case cmdDONT:
		if c.us[opt] {
			c.us[opt] = false
			c.sendLocked(cmdWONT, opt)
		}
	case cmdWILL:
		if opt != optNAWS {
			c.sendLocked(cmdDONT, opt)
			return
		}
		if !c.him[opt] {
			c.him[opt] = true
			c.sendLocked(cmdDO, opt)
		}
	case cmdWONT:
		if c.him[opt] {
			c.him[opt] = false
			c.sendLocked(cmdDONT, opt)
		}
	}
}

// will offers to perform opt; wont withdraws the offer.
func (c *conn) will(opt byte) { c.setUs(opt, true) }
func (c *conn) wont(opt byte) { c.setUs(opt, false) }

func (c *conn) setUs(opt byte, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.us[opt] == on {
		return
	}
	c.us[opt] = on
	if on {
		c.sendLocked(cmdWILL, opt)
	} else {
		c.sendLocked(cmdWONT, opt)
	}
}

// do asks the client to perform opt.
func (c *conn) do(opt byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.him[opt] {
		return
	}
	c.him[opt] = true
	c.sendLocked(cmdDO, opt)
}

func (c *conn) echoing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.us[optEcho]
}

func (c *conn) sendLocked(verb, opt byte) {
	_, _ = c.nc.Write([]byte{cmdIAC, verb, opt})
}

// Write sends p as data, doubling any IAC byte.
func (c *conn) Write(p []byte) (int, error) {
	out := p
	for i, b := range p {
		if b == cmdIAC {
			out = make([]byte, 0, len(p)+8)
			out = append(out, p[:i]...)
			for _, b := range p[i:] {
				out = append(out, b)
				if b == cmdIAC {
					out = append(out, cmdIAC)
				}
			}
			break
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) resized(rows, cols int) {
	c.resizeMu.Lock()
	c.rows, c.cols = rows, cols
	fn := c.onResize
	c.resizeMu.Unlock()
	if fn != nil {
		fn(rows, cols)
	}
}

// size returns the last window size the client reported, or the default.
func (c *conn) size(defRows, defCols int) (int, int) {
	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()
	if c.rows <= 0 || c.cols <= 0 {
		return defRows, defCols
	}
	return c.rows, c.cols
}

func (c *conn) setOnResize(fn func(rows, cols int)) {
	c.resizeMu.Lock()
	c.onResize = fn
	c.resizeMu.Unlock()
}

var _ io.ReadWriter = (*conn)(nil)
