package vfs

import (
	"io/fs"
	"slices"
	"time"
)

// FileType is the kind of a filesystem node.
type FileType uint8

const (
	TypeFile FileType = iota
	TypeDir
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Inode is a node in the in-memory tree. Regular files carry either inline
// Data or an Artifact digest whose content lives in the artifact store;
// neither means the file exists only as metadata.
type Inode struct {
	ModTime  time.Time `json:"mtime"`
	Name     string    `json:"name"`
	Target   string    `json:"target,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	Children []*Inode  `json:"children,omitempty"`
	Size     int64     `json:"size"`
	UID      int       `json:"uid"`
	GID      int       `json:"gid"`
	Mode     uint32    `json:"mode"`
	Type     FileType  `json:"type"`
}

// IsDir reports whether n is a directory.
func (n *Inode) IsDir() bool { return n.Type == TypeDir }

// FileMode returns the permission bits combined with the type bits.
func (n *Inode) FileMode() fs.FileMode {
	m := fs.FileMode(n.Mode) & fs.ModePerm
	if n.Mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if n.Mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if n.Mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch n.Type {
	case TypeDir:
		m |= fs.ModeDir
	case TypeSymlink:
		m |= fs.ModeSymlink
	}
	return m
}

func (n *Inode) lookup(name string) *Inode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *Inode) removeChild(name string) *Inode {
	for i, c := range n.Children {
		if c.Name == name {
			n.Children = slices.Delete(n.Children, i, i+1)
			return c
		}
	}
	return nil
}

// putChild inserts c, replacing any existing child with the same name in place.
func (n *Inode) putChild(c *Inode) {
	for i, old := range n.Children {
		if old.Name == c.Name {
			n.Children[i] = c
			return
		}
	}
	n.Children = append(n.Children, c)
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Inode) Clone() *Inode {
	c := *n
	if n.Data != nil {
		c.Data = slices.Clone(n.Data)
	}
	if n.Children != nil {
		c.Children = make([]*Inode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *Inode) Count() int {
	count := 1
	for _, c := range n.Children {
		count += c.Count()
	}
	return count
}

func (n *Inode) walk(fn func(*Inode)) {
	fn(n)
	for _, c := range n.Children {
		c.walk(fn)
	}
}

// FileInfo is a point-in-time snapshot of a node. It implements fs.FileInfo.
type FileInfo struct {
	modTime     time.Time
	name        string
	target      string
	artifact    string
	size        int64
	uid, gid    int
	numChildren int
	mode        uint32
	typ         FileType
}

func snapshot(n *Inode) FileInfo {
	return FileInfo{
		name:        n.Name,
		typ:         n.Type,
		uid:         n.UID,
		gid:         n.GID,
		size:        n.Size,
		mode:        n.Mode,
		modTime:     n.ModTime,
		target:      n.Target,
		artifact:    n.Artifact,
		numChildren: len(n.Children),
	}
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) IsDir() bool        { return fi.typ == TypeDir }
func (fi FileInfo) Sys() any           { return nil }

func (fi FileInfo) Mode() fs.FileMode {
	n := Inode{Mode: fi.mode, Type: fi.typ}
	return n.FileMode()
}

// Type returns the node kind.
func (fi FileInfo) Type() FileType { return fi.typ }

// UID returns the owning user id.
func (fi FileInfo) UID() int { return fi.uid }

// GID returns the owning group id.
func (fi FileInfo) GID() int { return fi.gid }

// Perm returns the raw permission bits, including setuid, setgid and sticky.
func (fi FileInfo) Perm() uint32 { return fi.mode }

// Target returns the link target of a symlink.
func (fi FileInfo) Target() string { return fi.target }

// Artifact returns the content digest bound to a file, if any.
func (fi FileInfo) Artifact() string { return fi.artifact }

// NumChildren returns the entry count of a directory.
func (fi FileInfo) NumChildren() int { return fi.numChildren }
