package vfs

import (
	"fmt"
	"io"
	iofs "io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	f := New(nil, WithProtectedPaths("/proc", "/sys", "/dev/pts"))
	for _, d := range []string{"/etc", "/tmp", "/home/user", "/proc", "/usr/bin"} {
		require.NoError(t, f.MkdirAll(d, 0, 0, 0o755))
	}
	require.NoError(t, f.WriteFile("/etc/passwd", []byte("root:x:0:0::/root:/bin/bash\n"), 0, 0, 0o644))
	return f
}

func TestAbs(t *testing.T) {
	tests := []struct {
		p, cwd, want string
	}{
		{"/etc/passwd", "/tmp", "/etc/passwd"},
		{"x", "/tmp", "/tmp/x"},
		{"../..", "/tmp", "/"},
		{"../../../etc", "/home/user", "/etc"},
		{"/..", "/", "/"},
		{".", "", "/"},
		{"a//b/./c/", "/", "/a/b/c"},
	}
	for _, tt := range tests {
		t.Run(tt.p, func(t *testing.T) {
			assert.Equal(t, tt.want, Abs(tt.p, tt.cwd))
		})
	}
}

func TestResolve(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.Symlink("/etc", "/tmp/etclink"))
	require.NoError(t, f.Symlink("../etc/passwd", "/tmp/pw"))
	require.NoError(t, f.Symlink("missing/target", "/tmp/dangling"))

	tests := []struct {
		p, cwd, want string
	}{
		{"/tmp/etclink/passwd", "/", "/etc/passwd"},
		{"etclink", "/tmp", "/etc"},
		{"pw", "/tmp", "/etc/passwd"},
		{"../../..", "/home/user", "/"},
		{"/nope/deeper/file", "/", "/nope/deeper/file"},
		{"/tmp/dangling", "/", "/tmp/missing/target"},
	}
	for _, tt := range tests {
		t.Run(tt.p, func(t *testing.T) {
			got, err := f.Resolve(tt.p, tt.cwd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := f.Resolve(got, "/")
			require.NoError(t, err)
			assert.Equal(t, got, again, "resolve must be idempotent")
		})
	}
}

func TestResolve_SymlinkLoop(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.Symlink("/tmp/b", "/tmp/a"))
	require.NoError(t, f.Symlink("/tmp/a", "/tmp/b"))

	_, err := f.Resolve("/tmp/a", "/")
	require.ErrorIs(t, err, ErrLoop)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Stat("/tmp/a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Too many levels of symbolic links", Message(err))

	// Lstat does not follow the final link.
	fi, err := f.Lstat("/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, TypeSymlink, fi.Type())
}

func TestStat_NotDir(t *testing.T) {
	f := newTestFS(t)
	_, err := f.Stat("/etc/passwd/x")
	assert.ErrorIs(t, err, ErrNotDir)
}

func TestCreate_Protected(t *testing.T) {
	f := newTestFS(t)

	_, err := f.Create("/proc/evil", 0, 0, 10, 0o644)
	assert.ErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, f.Touch("/proc/evil", 0, 0), ErrPermission)
	assert.ErrorIs(t, f.WriteFile("/proc/x", []byte("x"), 0, 0, 0o644), ErrPermission)
	assert.ErrorIs(t, f.Mkdir("/proc/d", 0, 0, 0o755), ErrPermission)
	assert.False(t, f.Exists("/proc/evil"))
}

func TestCreate_MissingParent(t *testing.T) {
	f := newTestFS(t)
	_, err := f.Create("/nope/file", 0, 0, 0, 0o644)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Create("/etc", 0, 0, 0, 0o644)
	assert.ErrorIs(t, err, ErrIsDir)
}

func TestCreate_Replaces(t *testing.T) {
	f := newTestFS(t)
	fi, err := f.Create("/etc/passwd", 1000, 1000, 123, 0o600)
	require.NoError(t, err)
	assert.Equal(t, int64(123), fi.Size())
	assert.Equal(t, 1000, fi.UID())

	entries, err := f.ReadDir("/etc")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAppendRead(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.WriteFile("/tmp/a", []byte("one\n"), 1000, 1000, 0o644))
	require.NoError(t, f.AppendFile("/tmp/a", []byte("two\n"), 0, 0, 0o600))

	data, err := f.ReadFile("/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	fi, err := f.Stat("/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, int64(8), fi.Size())
	assert.Equal(t, 1000, fi.UID(), "existing file keeps its owner")

	_, err = f.ReadFile("/etc")
	assert.ErrorIs(t, err, ErrIsDir)

	// Mutating the returned slice must not touch the tree.
	data[0] = 'X'
	again, _ := f.ReadFile("/tmp/a")
	assert.Equal(t, "one\ntwo\n", string(again))
}

func TestTouch(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := New(nil, WithClock(func() time.Time { return now }))
	require.NoError(t, f.Mkdir("/tmp", 0, 0, 0o755))

	require.NoError(t, f.Touch("/tmp/new", 1000, 1000))
	fi, err := f.Stat("/tmp/new")
	require.NoError(t, err)
	assert.Equal(t, TypeFile, fi.Type())
	assert.Equal(t, uint32(0o644), fi.Perm())
	assert.Equal(t, now, fi.ModTime())

	now = now.Add(time.Hour)
	require.NoError(t, f.Touch("/tmp/new", 0, 0))
	fi, _ = f.Stat("/tmp/new")
	assert.Equal(t, now, fi.ModTime())
	assert.Equal(t, 1000, fi.UID())

	assert.ErrorIs(t, f.Touch("/missing/x", 0, 0), ErrNotFound)
}

func TestRemove(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.MkdirAll("/tmp/d/sub", 0, 0, 0o755))
	require.NoError(t, f.Mkdir("/tmp/empty", 0, 0, 0o755))
	require.NoError(t, f.Touch("/tmp/d/sub/f", 0, 0))

	assert.ErrorIs(t, f.Remove("/tmp/d", false), ErrDirNotEmpty)
	assert.ErrorIs(t, f.Remove("/tmp/empty", false), ErrIsDir)
	assert.ErrorIs(t, f.Remove("/tmp/none", false), ErrNotFound)
	assert.ErrorIs(t, f.Remove("/", true), ErrPermission)

	require.NoError(t, f.Remove("/tmp/d", true))
	assert.False(t, f.Exists("/tmp/d/sub/f"))
	assert.False(t, f.Exists("/tmp/d"))

	require.NoError(t, f.Remove("/etc/passwd", false))
	assert.False(t, f.Exists("/etc/passwd"))
}

func TestRemove_SymlinkNotTarget(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.Symlink("/etc", "/tmp/l"))
	require.NoError(t, f.Remove("/tmp/l", false))
	assert.True(t, f.IsDir("/etc"))
}

func TestRemoveDir(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.MkdirAll("/tmp/a/b", 0, 0, 0o755))

	assert.ErrorIs(t, f.RemoveDir("/tmp/a"), ErrDirNotEmpty)
	assert.ErrorIs(t, f.RemoveDir("/etc/passwd"), ErrNotDir)
	assert.ErrorIs(t, f.RemoveDir("/tmp/zzz"), ErrNotFound)
	require.NoError(t, f.RemoveDir("/tmp/a/b"))
	require.NoError(t, f.RemoveDir("/tmp/a"))
}

func TestMkdir(t *testing.T) {
	f := newTestFS(t)
	assert.ErrorIs(t, f.Mkdir("/etc", 0, 0, 0o755), ErrExist)
	assert.ErrorIs(t, f.Mkdir("/a/b", 0, 0, 0o755), ErrNotFound)
	assert.ErrorIs(t, f.MkdirAll("/etc/passwd/x", 0, 0, 0o755), ErrNotDir)
	require.NoError(t, f.MkdirAll("/a/b/c", 0, 0, 0o700))
	assert.True(t, f.IsDir("/a/b/c"))
	require.NoError(t, f.MkdirAll("/a/b/c", 0, 0, 0o700))
}

func TestCopy(t *testing.T) {
	f := newTestFS(t)

	// Into an existing directory keeps the base name.
	got, err := f.Copy("/etc/passwd", "/tmp", 1000, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/passwd", got)
	fi, err := f.Stat("/tmp/passwd")
	require.NoError(t, err)
	assert.Equal(t, 1000, fi.UID())

	// Exact name otherwise.
	got, err = f.Copy("/etc/passwd", "/tmp/pw2", 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pw2", got)

	// Copies are independent.
	require.NoError(t, f.WriteFile("/tmp/pw2", []byte("changed"), 0, 0, 0o644))
	orig, _ := f.ReadFile("/etc/passwd")
	assert.Contains(t, string(orig), "root:x")

	_, err = f.Copy("/etc", "/tmp/etc2", 0, 0, false)
	assert.ErrorIs(t, err, ErrIsDir)

	_, err = f.Copy("/etc", "/tmp/etc2", 0, 0, true)
	require.NoError(t, err)
	assert.True(t, f.Exists("/tmp/etc2/passwd"))

	_, err = f.Copy("/tmp", "/tmp/inside", 0, 0, true)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.Copy("/etc/passwd", "/proc/passwd", 0, 0, false)
	assert.ErrorIs(t, err, ErrPermission)

	_, err = f.Copy("/etc/none", "/tmp", 0, 0, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.WriteFile("/tmp/a", []byte("A"), 0, 0, 0o644))

	got, err := f.Move("/tmp/a", "/home/user")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/a", got)
	assert.False(t, f.Exists("/tmp/a"))

	got, err = f.Move("/home/user/a", "/tmp/b")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", got)
	data, _ := f.ReadFile("/tmp/b")
	assert.Equal(t, "A", string(data))

	_, err = f.Move("/home", "/home/user/x")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.Move("/tmp/missing", "/tmp/c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRename(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.MkdirAll("/tmp/d1", 0, 0, 0o755))
	require.NoError(t, f.MkdirAll("/tmp/d2/x", 0, 0, 0o755))
	require.NoError(t, f.Touch("/tmp/f", 0, 0))

	assert.ErrorIs(t, f.Rename("/tmp/f", "/tmp/d1"), ErrIsDir)
	assert.ErrorIs(t, f.Rename("/tmp/d1", "/tmp/d2"), ErrDirNotEmpty)
	assert.ErrorIs(t, f.Rename("/tmp/d1", "/tmp/f"), ErrNotDir)
	require.NoError(t, f.Rename("/tmp/f", "/tmp/g"))
	assert.True(t, f.Exists("/tmp/g"))
}

func TestChownChmod(t *testing.T) {
	f := newTestFS(t)
	require.NoError(t, f.Chown("/etc/passwd", 5, 6))
	require.NoError(t, f.Chmod("/etc/passwd", 0o104755))

	fi, err := f.Stat("/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, 5, fi.UID())
	assert.Equal(t, 6, fi.GID())
	assert.Equal(t, uint32(0o4755), fi.Perm())
	assert.NotZero(t, fi.Mode()&iofs.ModeSetuid)
	assert.Equal(t, iofs.FileMode(0o755), fi.Mode().Perm())
}

type mapContent map[string]string

func (m mapContent) Open(d string) (io.ReadCloser, error) {
	s, ok := m[d]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func TestBindArtifact(t *testing.T) {
	f := New(nil, WithContent(mapContent{"abc": "payload"}))
	_, err := f.Create("/bot", 0, 0, 0, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.BindArtifact("/bot", "abc", 7))

	data, err := f.ReadFile("/bot")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	fi, _ := f.Stat("/bot")
	assert.Equal(t, "abc", fi.Artifact())
	assert.Equal(t, int64(7), fi.Size())

	require.NoError(t, f.AppendFile("/bot", []byte("+"), 0, 0, 0o644))
	data, _ = f.ReadFile("/bot")
	assert.Equal(t, "payload+", string(data))
}

func TestCloneIsolation(t *testing.T) {
	tmpl := DefaultTemplate()
	a := New(tmpl)
	b := New(tmpl)

	require.NoError(t, a.WriteFile("/tmp/only-a", []byte("x"), 0, 0, 0o644))
	require.NoError(t, a.Remove("/etc/passwd", false))

	assert.False(t, b.Exists("/tmp/only-a"))
	assert.True(t, b.Exists("/etc/passwd"))
	assert.Nil(t, tmpl.lookup("tmp").lookup("only-a"), "template must stay pristine")

	c := a.Clone()
	require.NoError(t, c.Touch("/tmp/only-c", 0, 0))
	assert.False(t, a.Exists("/tmp/only-c"))
}

func TestConcurrentMutations(t *testing.T) {
	f := newTestFS(t)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			dir := fmt.Sprintf("/tmp/w%d", i)
			for j := range 50 {
				_ = f.MkdirAll(dir, 0, 0, 0o755)
				p := fmt.Sprintf("%s/f%d", dir, j)
				_ = f.WriteFile(p, []byte("data"), 0, 0, 0o644)
				_, _ = f.ReadDir("/tmp")
				_, _ = f.Copy(p, "/tmp", 0, 0, false)
				_ = f.Remove(p, false)
			}
		})
	}
	wg.Wait()

	entries, err := f.ReadDir("/tmp")
	require.NoError(t, err)
	names := make(map[string]int)
	for _, e := range entries {
		names[e.Name()]++
	}
	for name, n := range names {
		assert.Equal(t, 1, n, "duplicate entry %s", name)
	}
}
