package builtins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/vfs"
)

const (
	wgetAgent      = "Wget/1.14 (linux-gnu)"
	wgetTimeFormat = "2006-01-02 15:04:05"
	progressEvery  = 500 * time.Millisecond
)

// wget exit statuses.
const (
	wgetFileError    = 3
	wgetNetworkError = 4
	wgetServerError  = 8
)

type fetchOptions struct {
	output  string
	prefix  string
	agent   string
	headers []string
	quiet   bool
}

func wget(ctx context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	var fo fetchOptions
	opts.BoolVarP(&fo.quiet, "quiet", "q", false, "")
	opts.BoolP("continue", "c", false, "")
	opts.StringVarP(&fo.output, "output-document", "O", "", "")
	opts.StringVarP(&fo.prefix, "directory-prefix", "P", "", "")
	opts.StringArrayVar(&fo.headers, "header", nil, "")
	opts.StringVarP(&fo.agent, "user-agent", "U", wgetAgent, "")
	opts.Bool("no-check-certificate", false, "")
	opts.StringP("tries", "t", "", "")
	opts.StringP("timeout", "T", "", "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	args := opts.Args()
	if len(args) == 0 {
		inv.Errorf("missing URL")
		fmt.Fprintf(inv.Stderr, "Usage: %s [OPTION]... [URL]...\n\nTry '%s --help' for more options.\n", inv.Name, inv.Name)
		return 1
	}

	status := 0
	for _, raw := range args {
		if s := fetch(ctx, inv, strings.TrimSpace(raw), fo); s != 0 {
			status = s
		}
		if ctx.Err() != nil {
			return command.StatusInterrupted
		}
	}
	return status
}

// outputName picks the local file name wget would save u under.
func outputName(u *url.URL, fo fetchOptions) string {
	if fo.output != "" {
		return fo.output
	}
	name := "index.html"
	if u.Path != "" && !strings.HasSuffix(u.Path, "/") {
		name = path.Base(u.Path)
	}
	if fo.prefix != "" {
		name = path.Join(fo.prefix, name)
	}
	return name
}

//nolint:gocyclo // one linear transfer with its error exits
func fetch(ctx context.Context, inv *command.Invocation, rawURL string, fo fetchOptions) int {
	rt := inv.Runtime
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		fmt.Fprintf(inv.Stderr, "%s: Unsupported scheme.\n", rawURL)
		return 1
	}

	name := outputName(u, fo)
	toStdout := name == "-"
	var dest string
	if !toStdout {
		dest = inv.Abs(name)
		if !inv.FS().IsDir(path.Dir(dest)) {
			fmt.Fprintf(inv.Stderr, "%s: %s: Cannot open: No such file or directory\n", inv.Name, name)
			return wgetFileError
		}
	}

	stderr := inv.Stderr
	if fo.quiet {
		stderr = io.Discard
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	fmt.Fprintf(stderr, "--%s--  %s\n", rt.Now().Format(wgetTimeFormat), rawURL)
	fmt.Fprintf(stderr, "Connecting to %s:%s... ", u.Hostname(), port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		fmt.Fprintf(stderr, "failed: %s.\n", err)
		downloadFailed(rt, rawURL, err)
		return wgetNetworkError
	}
	req.Header.Set("User-Agent", fo.agent)
	for _, h := range fo.headers {
		if k, v, ok := strings.Cut(h, ":"); ok {
			req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}

	resp, err := rt.HTTP.Do(req)
	if err != nil {
		downloadFailed(rt, rawURL, err)
		if ctx.Err() != nil {
			return command.StatusInterrupted
		}
		fmt.Fprintf(stderr, "failed: %s.\n", dialReason(err))
		return wgetNetworkError
	}
	defer resp.Body.Close()

	fmt.Fprintf(stderr, "connected.\nHTTP request sent, awaiting response... %s\n", statusLine(resp))
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(inv.Stderr, "%s ERROR %d: %s.\n", rt.Now().Format(wgetTimeFormat), resp.StatusCode, http.StatusText(resp.StatusCode))
		downloadFailed(rt, rawURL, fmt.Errorf("http status %d", resp.StatusCode))
		return wgetServerError
	}

	length := resp.ContentLength
	ctype := resp.Header.Get("Content-Type")
	if ctype == "" {
		ctype = "text/plain"
	}
	if length > 0 {
		fmt.Fprintf(stderr, "Length: %d (%s) [%s]\n", length, humanSize(length), ctype)
	} else {
		fmt.Fprintf(stderr, "Length: unspecified [%s]\n", ctype)
	}
	shown := name
	if toStdout {
		shown = "STDOUT"
	}
	fmt.Fprintf(stderr, "Saving to: '%s'\n\n", shown)

	capture := newDownloadCapture(rt, rawURL, length)
	writers := []io.Writer{capture}
	if toStdout {
		writers = append(writers, inv.Stdout)
	}
	prog := &progress{w: stderr, total: length, started: time.Now()}
	writers = append(writers, prog)

	var body io.Reader = resp.Body
	if rt.DownloadRate > 0 {
		body = newRateLimitedReader(ctx, body, newBWLimiter(rt.DownloadRate))
	}
	n, err := io.Copy(io.MultiWriter(writers...), body)
	if err != nil {
		capture.abort()
		downloadFailed(rt, rawURL, err)
		if ctx.Err() != nil {
			return command.StatusInterrupted
		}
		fmt.Fprintf(stderr, "\n%s (%s) - Read error at byte %d (%s).\n", rt.Now().Format(wgetTimeFormat), prog.rate(), n, err)
		return wgetNetworkError
	}
	prog.finish()
	total := max(length, n)
	fmt.Fprintf(stderr, "%s (%s) - '%s' saved [%d/%d]\n\n", rt.Now().Format(wgetTimeFormat), prog.rate(), shown, n, total)

	if !toStdout {
		user := rt.User
		if _, err := inv.FS().Create(dest, user.UID, user.GID, n, 0o644); err != nil {
			capture.abort()
			fmt.Fprintf(inv.Stderr, "%s: %s\n", name, vfs.Message(err))
			return wgetFileError
		}
	}
	capture.commit(inv, dest)
	return 0
}

func statusLine(resp *http.Response) string {
	return strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
}

// dialReason shortens a transport error to what wget prints after
// "failed:".
func dialReason(err error) string {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr):
		return "Name or service not known"
	case errors.As(err, &opErr) && opErr.Timeout():
		return "Connection timed out"
	case errors.As(err, &opErr):
		return "Connection refused"
	}
	return "Connection refused"
}

func downloadFailed(rt *command.Runtime, rawURL string, err error) {
	rt.Logger.Info("download failed", "url", rawURL, "error", err)
	rt.Emit(event.FileDownloadFailed, map[string]any{"url": rawURL})
}

// downloadCapture stores a transfer in the artifact store, or in memory
// when none is configured. Content past the size limit is not kept.
type downloadCapture struct {
	rt       *command.Runtime
	w        *artifact.Writer
	mem      *bytes.Buffer
	url      string
	written  int64
	exceeded bool
}

func newDownloadCapture(rt *command.Runtime, rawURL string, length int64) *downloadCapture {
	c := &downloadCapture{rt: rt, url: rawURL}
	if rt.DownloadLimit > 0 && length > rt.DownloadLimit {
		rt.Logger.Info("not saving download over size limit", "url", rawURL, "length", length, "limit", rt.DownloadLimit)
		c.exceeded = true
		return c
	}
	if rt.Downloads != nil {
		w, err := rt.Downloads.CreateTemp()
		if err == nil {
			c.w = w
			return c
		}
		rt.Logger.Warn("download capture unavailable", "url", rawURL, "error", err)
	}
	c.mem = new(bytes.Buffer)
	return c
}

func (c *downloadCapture) Write(p []byte) (int, error) {
	if c.exceeded {
		return len(p), nil
	}
	c.written += int64(len(p))
	if limit := c.rt.DownloadLimit; limit > 0 && c.written > limit {
		c.rt.Logger.Info("download size limit reached, discarding", "url", c.url, "limit", limit)
		c.abort()
		c.exceeded = true
		return len(p), nil
	}
	if c.w != nil {
		if _, err := c.w.Write(p); err != nil {
			c.rt.Logger.Warn("download capture failed", "url", c.url, "error", err)
			c.abort()
			c.exceeded = true
		}
		return len(p), nil
	}
	if c.mem != nil {
		c.mem.Write(p)
	}
	return len(p), nil
}

func (c *downloadCapture) abort() {
	if c.w != nil {
		_ = c.w.Abort()
		c.w = nil
	}
	c.mem = nil
}

// commit publishes the content and points dest at it. dest is empty for a
// transfer written to stdout.
func (c *downloadCapture) commit(inv *command.Invocation, dest string) {
	rt := inv.Runtime
	switch {
	case c.exceeded:
		return
	case c.mem != nil:
		if dest != "" && c.mem.Len() > 0 {
			if err := inv.FS().WriteFile(dest, c.mem.Bytes(), rt.User.UID, rt.User.GID, 0o644); err != nil {
				rt.Logger.Warn("download not stored in filesystem", "url", c.url, "error", err)
			}
		}
		return
	case c.w == nil:
		return
	}

	res, err := c.w.Commit()
	c.w = nil
	if errors.Is(err, artifact.ErrEmpty) {
		return
	}
	if err != nil {
		rt.Logger.Warn("download commit failed", "url", c.url, "error", err)
		return
	}
	if dest != "" {
		if err := inv.FS().BindArtifact(dest, res.Digest, res.Size); err != nil {
			rt.Logger.Warn("download not bound to file", "url", c.url, "path", dest, "error", err)
		}
		_ = inv.FS().Chown(dest, rt.User.UID, rt.User.GID)
	}
	destfile := dest
	if destfile == "" {
		destfile = "-"
	}
	rt.Logger.Info("downloaded url", "url", c.url, "shasum", res.Digest, "outfile", res.Path, "destfile", destfile)
	if res.Duplicate {
		rt.Emit(event.ArtifactDuplicate, map[string]any{"kind": "download", "shasum": res.Digest, "size": res.Size})
	}
	rt.Emit(event.FileDownload, map[string]any{
		"url":       c.url,
		"outfile":   res.Path,
		"shasum":    res.Digest,
		"destfile":  destfile,
		"size":      res.Size,
		"duplicate": res.Duplicate,
	})
}

// progress draws wget's bar on stderr at most every progressEvery.
type progress struct {
	started time.Time
	last    time.Time
	w       io.Writer
	total   int64
	done    int64
	width   int
}

func (p *progress) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if now := time.Now(); now.Sub(p.last) >= progressEvery {
		p.last = now
		p.draw()
	}
	return len(b), nil
}

func (p *progress) speed() float64 {
	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return float64(p.done)
	}
	return float64(p.done) / elapsed
}

func (p *progress) draw() {
	pct := 0
	var label string
	if p.total > 0 {
		pct = int(p.done * 100 / p.total)
		label = strconv.Itoa(pct) + "%"
	} else {
		label = strconv.FormatInt(p.done/1000, 10) + "K"
	}
	eta := "--"
	if s := p.speed(); s > 0 && p.total > 0 {
		eta = (time.Duration(float64(p.total-p.done)/s) * time.Second).Round(time.Second).String()
	}
	line := fmt.Sprintf("\r%4s[%-39s] %-12s %dK/s  eta %s",
		label, strings.Repeat("=", 39*pct/100)+">", thousands(p.done), int(p.speed()/1000), eta)
	pad := max(p.width-len(line), 0)
	p.width = len(line)
	fmt.Fprint(p.w, line+strings.Repeat(" ", pad))
}

func (p *progress) finish() {
	fmt.Fprintf(p.w, "\r100%%[%s>] %-12s %dK/s\n\n", strings.Repeat("=", 38), thousands(p.done), int(p.speed()/1000))
}

func (p *progress) rate() string {
	s := p.speed()
	if s >= 1<<20 {
		return fmt.Sprintf("%.2f MB/s", s/(1<<20))
	}
	return fmt.Sprintf("%.0f KB/s", s/1024)
}

// thousands groups digits with commas.
func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
