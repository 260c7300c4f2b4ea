package telnetd

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func readAll(t *testing.T, c *conn, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 64)
	for len(out) < n {
		k, err := c.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

func TestConn_ReadStripsCommands(t *testing.T) {
	sc, cc := tcpPair(t)
	c := newConn(sc)

	in := []byte{'l', 's', cmdIAC, cmdDO, optSGA, '\r', 0, cmdIAC, cmdIAC, cmdIAC, cmdIP, cmdIAC, cmdEC, '\r', '\n'}
	_, err := cc.Write(in)
	require.NoError(t, err)

	got := readAll(t, c, 7)
	assert.Equal(t, []byte{'l', 's', '\r', cmdIAC, 0x03, 0x7f, '\r'}, got[:7])

	// DO SGA is accepted once.
	reply := make([]byte, 3)
	_ = cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cc, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdIAC, cmdWILL, optSGA}, reply)
}

func TestConn_RefusesUnknownOptions(t *testing.T) {
	sc, cc := tcpPair(t)
	c := newConn(sc)

	_, err := cc.Write([]byte{cmdIAC, cmdDO, 24, cmdIAC, cmdWILL, 36, 'x'})
	require.NoError(t, err)
	assert.Equal(t, []byte{'x'}, readAll(t, c, 1))

	reply := make([]byte, 6)
	_ = cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cc, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdIAC, cmdWONT, 24, cmdIAC, cmdDONT, 36}, reply)
}

func TestConn_NAWS(t *testing.T) {
	sc, cc := tcpPair(t)
	c := newConn(sc)

	rows, cols := c.size(defaultRows, defaultCols)
	assert.Equal(t, defaultRows, rows)
	assert.Equal(t, defaultCols, cols)

	var gotRows, gotCols int
	c.setOnResize(func(r, c int) { gotRows, gotCols = r, c })
	// A width of 255 arrives doubled inside the subnegotiation.
	_, err := cc.Write([]byte{cmdIAC, cmdSB, optNAWS, 0, cmdIAC, cmdIAC, 0, 30, cmdIAC, cmdSE, 'y'})
	require.NoError(t, err)
	assert.Equal(t, []byte{'y'}, readAll(t, c, 1))
	assert.Equal(t, 30, gotRows)
	assert.Equal(t, 255, gotCols)
}

func TestConn_WriteEscapesIAC(t *testing.T) {
	sc, cc := tcpPair(t)
	c := newConn(sc)

	n, err := c.Write([]byte{'a', cmdIAC, 'b'})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := make([]byte, 4)
	_ = cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cc, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', cmdIAC, cmdIAC, 'b'}, got)
}

func TestConn_OptionStateChangesOnly(t *testing.T) {
	sc, cc := tcpPair(t)
	c := newConn(sc)

	c.will(optEcho)
	c.will(optEcho)
	assert.True(t, c.echoing())
	c.wont(optEcho)
	assert.False(t, c.echoing())

	got := make([]byte, 6)
	_ = cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(cc, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdIAC, cmdWILL, optEcho, cmdIAC, cmdWONT, optEcho}, got)
}
