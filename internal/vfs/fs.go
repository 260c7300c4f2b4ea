package vfs

import (
	"errors"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

const maxSymlinkHops = 40

// ContentSource supplies file bodies for nodes bound to an artifact digest.
type ContentSource interface {
	Open(digest string) (io.ReadCloser, error)
}

// FS is a mutable in-memory filesystem tree. All methods are safe for
// concurrent use. Paths are interpreted relative to "/" unless absolute.
type FS struct {
	root      *Inode
	content   ContentSource
	now       func() time.Time
	protected []string
	mu        sync.RWMutex
}

// Option configures an FS.
type Option func(*FS)

// WithContent sets the store used to read artifact-backed files.
func WithContent(c ContentSource) Option {
	return func(f *FS) { f.content = c }
}

// WithProtectedPaths sets the subtrees where nothing may be created.
func WithProtectedPaths(paths ...string) Option {
	return func(f *FS) {
		f.protected = f.protected[:0]
		for _, p := range paths {
			f.protected = append(f.protected, Abs(p, "/"))
		}
	}
}

// WithClock overrides the time source used for modification times.
func WithClock(now func() time.Time) Option {
	return func(f *FS) { f.now = now }
}

// New builds a filesystem over a deep copy of template. The template itself
// is never modified. A nil template yields an empty root directory.
func New(template *Inode, opts ...Option) *FS {
	var root *Inode
	if template == nil {
		root = &Inode{Type: TypeDir, Mode: 0o755}
	} else {
		root = template.Clone()
	}
	root.Name = "/"
	f := &FS{root: root, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Clone returns an independent deep copy of f with the same options.
func (f *FS) Clone() *FS {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &FS{
		root:      f.root.Clone(),
		content:   f.content,
		now:       f.now,
		protected: slices.Clone(f.protected),
	}
}

// Snapshot returns a deep copy of the current tree.
func (f *FS) Snapshot() *Inode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.root.Clone()
}

// IsProtected reports whether p lies below a protected path.
func (f *FS) IsProtected(p string) bool {
	return f.protectedLocked(Abs(p, "/"))
}

// Resolve returns the canonical absolute path of p relative to cwd, with
// every symlink expanded. Components past the first missing one are kept
// lexically, so resolving a path that does not exist still succeeds.
func (f *FS) Resolve(p, cwd string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.resolveLocked(Abs(p, cwd), true)
}

func (f *FS) resolveLocked(abs string, followLast bool) (string, error) {
	type frame struct {
		node *Inode
		name string
	}
	stack := make([]frame, 0, 8)
	pending := split(abs)
	hops := 0

	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		switch name {
		case ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		parent := f.root
		if len(stack) > 0 {
			parent = stack[len(stack)-1].node
		}
		var child *Inode
		if parent != nil && parent.Type == TypeDir {
			child = parent.lookup(name)
		}

		if child != nil && child.Type == TypeSymlink && (len(pending) > 0 || followLast) {
			hops++
			if hops > maxSymlinkHops {
				return "", ErrLoop
			}
			if strings.HasPrefix(child.Target, "/") {
				stack = stack[:0]
			}
			pending = append(split(child.Target), pending...)
			continue
		}
		stack = append(stack, frame{node: child, name: name})
	}

	names := make([]string, len(stack))
	for i, fr := range stack {
		names[i] = fr.name
	}
	return join(names), nil
}

// walkLocked descends a canonical path without following symlinks.
func (f *FS) walkLocked(canon string) (node, parent *Inode, err error) {
	node = f.root
	for _, name := range split(canon) {
		if node.Type != TypeDir {
			return nil, nil, ErrNotDir
		}
		child := node.lookup(name)
		if child == nil {
			return nil, node, ErrNotFound
		}
		parent, node = node, child
	}
	return node, parent, nil
}

func (f *FS) lookupLocked(p string, follow bool) (*Inode, string, error) {
	canon, err := f.resolveLocked(Abs(p, "/"), follow)
	if err != nil {
		return nil, "", err
	}
	n, _, err := f.walkLocked(canon)
	return n, canon, err
}

// parentLocked returns the existing directory that would hold canon.
func (f *FS) parentLocked(canon string) (*Inode, string, error) {
	if canon == "/" {
		return nil, "", ErrExist
	}
	parent, _, err := f.walkLocked(path.Dir(canon))
	if err != nil {
		return nil, "", err
	}
	if parent.Type != TypeDir {
		return nil, "", ErrNotDir
	}
	return parent, path.Base(canon), nil
}

func (f *FS) protectedLocked(canon string) bool {
	for _, pp := range f.protected {
		if canon != pp && within(canon, pp) {
			return true
		}
	}
	return false
}

// Stat returns information about p, following symlinks.
func (f *FS) Stat(p string) (FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return FileInfo{}, pathErr("stat", p, err)
	}
	return snapshot(n), nil
}

// Lstat returns information about p without following a final symlink.
func (f *FS) Lstat(p string) (FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, _, err := f.lookupLocked(p, false)
	if err != nil {
		return FileInfo{}, pathErr("lstat", p, err)
	}
	return snapshot(n), nil
}

// Exists reports whether p resolves to a node.
func (f *FS) Exists(p string) bool {
	_, err := f.Stat(p)
	return err == nil
}

// IsDir reports whether p resolves to a directory.
func (f *FS) IsDir(p string) bool {
	fi, err := f.Stat(p)
	return err == nil && fi.IsDir()
}

// ReadDir lists the entries of directory p in insertion order.
func (f *FS) ReadDir(p string) ([]FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return nil, pathErr("readdir", p, err)
	}
	if n.Type != TypeDir {
		return nil, pathErr("readdir", p, ErrNotDir)
	}
	out := make([]FileInfo, len(n.Children))
	for i, c := range n.Children {
		out[i] = snapshot(c)
	}
	return out, nil
}

// Readlink returns the target of symlink p.
func (f *FS) Readlink(p string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, _, err := f.lookupLocked(p, false)
	if err != nil {
		return "", pathErr("readlink", p, err)
	}
	if n.Type != TypeSymlink {
		return "", pathErr("readlink", p, ErrInvalid)
	}
	return n.Target, nil
}

// Mkdir creates directory p.
func (f *FS) Mkdir(p string, uid, gid int, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mkdirLocked(Abs(p, "/"), uid, gid, mode); err != nil {
		return pathErr("mkdir", p, err)
	}
	return nil
}

func (f *FS) mkdirLocked(abs string, uid, gid int, mode uint32) error {
	canon, err := f.resolveLocked(abs, false)
	if err != nil {
		return err
	}
	parent, name, err := f.parentLocked(canon)
	if err != nil {
		return err
	}
	if parent.lookup(name) != nil {
		return ErrExist
	}
	if f.protectedLocked(canon) {
		return ErrPermission
	}
	now := f.now()
	parent.putChild(&Inode{Name: name, Type: TypeDir, UID: uid, GID: gid, Mode: mode, ModTime: now, Size: 4096})
	parent.ModTime = now
	return nil
}

// MkdirAll creates p and any missing parents.
func (f *FS) MkdirAll(p string, uid, gid int, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := split(Abs(p, "/"))
	for i := range names {
		prefix := join(names[:i+1])
		n, _, err := f.lookupLocked(prefix, true)
		if err == nil {
			if n.Type != TypeDir {
				return pathErr("mkdir", prefix, ErrNotDir)
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return pathErr("mkdir", prefix, err)
		}
		if err := f.mkdirLocked(prefix, uid, gid, mode); err != nil {
			return pathErr("mkdir", prefix, err)
		}
	}
	return nil
}

// Create adds a regular file at p with the given size and no content,
// replacing an existing file.
func (f *FS) Create(p string, uid, gid int, size int64, mode uint32) (FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.createLocked(p, uid, gid, mode)
	if err != nil {
		return FileInfo{}, pathErr("create", p, err)
	}
	n.Size = size
	return snapshot(n), nil
}

func (f *FS) createLocked(p string, uid, gid int, mode uint32) (*Inode, error) {
	canon, err := f.resolveLocked(Abs(p, "/"), true)
	if err != nil {
		return nil, err
	}
	existing, _, err := f.walkLocked(canon)
	switch {
	case err == nil && existing.Type == TypeDir:
		return nil, ErrIsDir
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if f.protectedLocked(canon) {
		return nil, ErrPermission
	}
	parent, name, err := f.parentLocked(canon)
	if err != nil {
		return nil, err
	}
	now := f.now()
	n := &Inode{Name: name, Type: TypeFile, UID: uid, GID: gid, Mode: mode, ModTime: now}
	parent.putChild(n)
	parent.ModTime = now
	return n, nil
}

// WriteFile replaces the content of p with data, creating the file when
// missing. An existing file keeps its ownership and mode.
func (f *FS) WriteFile(p string, data []byte, uid, gid int, mode uint32) error {
	return f.write(p, data, uid, gid, mode, false)
}

// AppendFile appends data to p, creating the file when missing.
func (f *FS) AppendFile(p string, data []byte, uid, gid int, mode uint32) error {
	return f.write(p, data, uid, gid, mode, true)
}

func (f *FS) write(p string, data []byte, uid, gid int, mode uint32, appendData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, canon, err := f.lookupLocked(p, true)
	switch {
	case err == nil:
		if n.Type == TypeDir {
			return pathErr("write", p, ErrIsDir)
		}
		if f.protectedLocked(canon) {
			return pathErr("write", p, ErrPermission)
		}
	case errors.Is(err, ErrNotFound):
		if n, err = f.createLocked(p, uid, gid, mode); err != nil {
			return pathErr("write", p, err)
		}
	default:
		return pathErr("write", p, err)
	}

	if appendData {
		prev, err := f.bodyLocked(n)
		if err != nil {
			return pathErr("write", p, err)
		}
		n.Data = append(slices.Clip(prev), data...)
	} else {
		n.Data = slices.Clone(data)
	}
	n.Artifact = ""
	n.Size = int64(len(n.Data))
	n.ModTime = f.now()
	return nil
}

func (f *FS) bodyLocked(n *Inode) ([]byte, error) {
	if n.Artifact == "" || f.content == nil {
		return n.Data, nil
	}
	rc, err := f.content.Open(n.Artifact)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadFile returns the content of p. Metadata-only files read as empty.
func (f *FS) ReadFile(p string) ([]byte, error) {
	f.mu.RLock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		f.mu.RUnlock()
		return nil, pathErr("open", p, err)
	}
	if n.Type == TypeDir {
		f.mu.RUnlock()
		return nil, pathErr("read", p, ErrIsDir)
	}
	digest, data := n.Artifact, slices.Clone(n.Data)
	f.mu.RUnlock()

	if digest == "" || f.content == nil {
		return data, nil
	}
	rc, err := f.content.Open(digest)
	if err != nil {
		return nil, pathErr("open", p, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Touch updates the modification time of p, creating an empty file when
// missing.
func (f *FS) Touch(p string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, err := f.lookupLocked(p, true)
	if err == nil {
		n.ModTime = f.now()
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return pathErr("touch", p, err)
	}
	if _, err := f.createLocked(p, uid, gid, 0o644); err != nil {
		return pathErr("touch", p, err)
	}
	return nil
}

// Remove deletes p. A directory requires recursive; without it an empty
// directory fails with ErrIsDir and a populated one with ErrDirNotEmpty.
func (f *FS) Remove(p string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	canon, err := f.resolveLocked(Abs(p, "/"), false)
	if err != nil {
		return pathErr("remove", p, err)
	}
	if canon == "/" {
		return pathErr("remove", p, ErrPermission)
	}
	n, parent, err := f.walkLocked(canon)
	if err != nil {
		return pathErr("remove", p, err)
	}
	if n.Type == TypeDir && !recursive {
		if len(n.Children) > 0 {
			return pathErr("remove", p, ErrDirNotEmpty)
		}
		return pathErr("remove", p, ErrIsDir)
	}
	parent.removeChild(n.Name)
	parent.ModTime = f.now()
	return nil
}

// RemoveDir deletes the empty directory p.
func (f *FS) RemoveDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	canon, err := f.resolveLocked(Abs(p, "/"), false)
	if err != nil {
		return pathErr("rmdir", p, err)
	}
	if canon == "/" {
		return pathErr("rmdir", p, ErrPermission)
	}
	n, parent, err := f.walkLocked(canon)
	if err != nil {
		return pathErr("rmdir", p, err)
	}
	if n.Type != TypeDir {
		return pathErr("rmdir", p, ErrNotDir)
	}
	if len(n.Children) > 0 {
		return pathErr("rmdir", p, ErrDirNotEmpty)
	}
	parent.removeChild(n.Name)
	parent.ModTime = f.now()
	return nil
}

// Rename moves the node at src to exactly dst, replacing a file or an
// empty directory there.
func (f *FS) Rename(src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.renameLocked(Abs(src, "/"), Abs(dst, "/")); err != nil {
		return &LinkError{Op: "rename", Old: src, New: dst, Err: err}
	}
	return nil
}

func (f *FS) renameLocked(src, dst string) error {
	srcCanon, err := f.resolveLocked(src, false)
	if err != nil {
		return err
	}
	if srcCanon == "/" {
		return ErrPermission
	}
	node, sparent, err := f.walkLocked(srcCanon)
	if err != nil {
		return err
	}
	dstCanon, err := f.resolveLocked(dst, false)
	if err != nil {
		return err
	}
	if dstCanon == srcCanon {
		return nil
	}
	if within(dstCanon, srcCanon) {
		return ErrInvalid
	}
	dparent, name, err := f.parentLocked(dstCanon)
	if err != nil {
		return err
	}
	if existing := dparent.lookup(name); existing != nil {
		switch {
		case existing.Type == TypeDir && node.Type != TypeDir:
			return ErrIsDir
		case existing.Type == TypeDir && len(existing.Children) > 0:
			return ErrDirNotEmpty
		case existing.Type != TypeDir && node.Type == TypeDir:
			return ErrNotDir
		}
	}
	if f.protectedLocked(dstCanon) {
		return ErrPermission
	}

	now := f.now()
	sparent.removeChild(node.Name)
	node.Name = name
	dparent.putChild(node)
	sparent.ModTime, dparent.ModTime = now, now
	return nil
}

// Move relinks src to dst. When dst is an existing directory the node is
// placed inside it under its own name. It returns the final path.
func (f *FS) Move(src, dst string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, err := f.destinationLocked(Abs(src, "/"), Abs(dst, "/"))
	if err == nil {
		err = f.renameLocked(Abs(src, "/"), target)
	}
	if err != nil {
		return "", &LinkError{Op: "move", Old: src, New: dst, Err: err}
	}
	return target, nil
}

// destinationLocked applies cp/mv target selection: an existing directory
// receives the source's base name, anything else is the exact target.
func (f *FS) destinationLocked(src, dst string) (string, error) {
	dstCanon, err := f.resolveLocked(dst, true)
	if err != nil {
		return "", err
	}
	if n, _, err := f.walkLocked(dstCanon); err == nil && n.Type == TypeDir {
		srcCanon, err := f.resolveLocked(src, false)
		if err != nil {
			return "", err
		}
		return path.Join(dstCanon, path.Base(srcCanon)), nil
	}
	return dstCanon, nil
}

// Copy deep-copies src to dst, owned by uid and gid. Directories need
// recursive. It returns the final path.
func (f *FS) Copy(src, dst string, uid, gid int, recursive bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, err := f.copyLocked(Abs(src, "/"), Abs(dst, "/"), uid, gid, recursive)
	if err != nil {
		return "", &LinkError{Op: "copy", Old: src, New: dst, Err: err}
	}
	return target, nil
}

func (f *FS) copyLocked(src, dst string, uid, gid int, recursive bool) (string, error) {
	node, srcCanon, err := f.lookupLocked(src, true)
	if err != nil {
		return "", err
	}
	if node.Type == TypeDir && !recursive {
		return "", ErrIsDir
	}
	target, err := f.destinationLocked(src, dst)
	if err != nil {
		return "", err
	}
	if target == srcCanon || (node.Type == TypeDir && within(target, srcCanon)) {
		return "", ErrInvalid
	}
	dparent, name, err := f.parentLocked(target)
	if err != nil {
		return "", err
	}
	if f.protectedLocked(target) {
		return "", ErrPermission
	}

	now := f.now()
	c := node.Clone()
	c.Name = name
	c.walk(func(n *Inode) {
		n.UID, n.GID = uid, gid
		n.ModTime = now
	})

	existing := dparent.lookup(name)
	switch {
	case existing == nil:
		dparent.putChild(c)
	case existing.Type == TypeDir && c.Type == TypeDir:
		merge(existing, c)
	case existing.Type == TypeDir:
		return "", ErrIsDir
	case c.Type == TypeDir:
		return "", ErrNotDir
	default:
		dparent.putChild(c)
	}
	dparent.ModTime = now
	return target, nil
}

func merge(dst, src *Inode) {
	for _, c := range src.Children {
		if old := dst.lookup(c.Name); old != nil && old.Type == TypeDir && c.Type == TypeDir {
			merge(old, c)
			continue
		}
		dst.putChild(c)
	}
	dst.ModTime = src.ModTime
}

// Chown changes the owner of p.
func (f *FS) Chown(p string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return pathErr("chown", p, err)
	}
	n.UID, n.GID = uid, gid
	return nil
}

// Chmod changes the permission bits of p.
func (f *FS) Chmod(p string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return pathErr("chmod", p, err)
	}
	n.Mode = mode & 0o7777
	return nil
}

// Chtimes sets the modification time of p.
func (f *FS) Chtimes(p string, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return pathErr("chtimes", p, err)
	}
	n.ModTime = mtime
	return nil
}

// Symlink creates p as a symbolic link to target.
func (f *FS) Symlink(target, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	canon, err := f.resolveLocked(Abs(p, "/"), false)
	if err != nil {
		return pathErr("symlink", p, err)
	}
	parent, name, err := f.parentLocked(canon)
	if err != nil {
		return pathErr("symlink", p, err)
	}
	if parent.lookup(name) != nil {
		return pathErr("symlink", p, ErrExist)
	}
	if f.protectedLocked(canon) {
		return pathErr("symlink", p, ErrPermission)
	}
	now := f.now()
	parent.putChild(&Inode{
		Name: name, Type: TypeSymlink, Target: target, Mode: 0o777,
		Size: int64(len(target)), ModTime: now,
	})
	parent.ModTime = now
	return nil
}

// BindArtifact points the regular file p at captured content.
func (f *FS) BindArtifact(p, digest string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, err := f.lookupLocked(p, true)
	if err != nil {
		return pathErr("bind", p, err)
	}
	if n.Type != TypeFile {
		return pathErr("bind", p, ErrIsDir)
	}
	n.Artifact = digest
	n.Data = nil
	n.Size = size
	n.ModTime = f.now()
	return nil
}
