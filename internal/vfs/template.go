package vfs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Template files start with templateMagic, then the BLAKE3 sum of the
// compressed body, then the zstd-compressed JSON tree.
var templateMagic = []byte("HSFS\x01") //nolint:gochecknoglobals // file signature

// ErrCorruptTemplate reports a template that fails its checksum or does not
// decode into a valid tree.
var ErrCorruptTemplate = errors.New("corrupt filesystem template")

// EncodeTemplate writes root to w in template format.
func EncodeTemplate(w io.Writer, root *Inode) error {
	if err := validate(root); err != nil {
		return err
	}
	raw, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}

	var body bytes.Buffer
	enc, err := zstd.NewWriter(&body, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("compress template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress template: %w", err)
	}

	sum := blake3.Sum256(body.Bytes())
	for _, chunk := range [][]byte{templateMagic, sum[:], body.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTemplate reads a template written by EncodeTemplate.
func DecodeTemplate(r io.Reader) (*Inode, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	hdr := len(templateMagic) + 32
	if len(data) < hdr || !bytes.Equal(data[:len(templateMagic)], templateMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptTemplate)
	}
	body := data[hdr:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], data[len(templateMagic):hdr]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptTemplate)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTemplate, err)
	}

	var root Inode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTemplate, err)
	}
	if err := validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// LoadTemplate reads a template file.
func LoadTemplate(path string) (*Inode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	defer f.Close()
	root, err := DecodeTemplate(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}

// WriteTemplate atomically writes root to path.
func WriteTemplate(path string, root *Inode) error {
	var buf bytes.Buffer
	if err := EncodeTemplate(&buf, root); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func validate(root *Inode) error {
	if root == nil || root.Type != TypeDir {
		return fmt.Errorf("%w: root is not a directory", ErrCorruptTemplate)
	}
	var err error
	var check func(dir *Inode, at string)
	check = func(dir *Inode, at string) {
		seen := make(map[string]struct{}, len(dir.Children))
		for _, c := range dir.Children {
			if err != nil {
				return
			}
			switch {
			case c == nil:
				err = fmt.Errorf("%w: nil entry in %s", ErrCorruptTemplate, at)
				return
			case c.Name == "" || c.Name == "." || c.Name == ".." || strings.Contains(c.Name, "/"):
				err = fmt.Errorf("%w: invalid name %q in %s", ErrCorruptTemplate, c.Name, at)
				return
			case c.Type > TypeSymlink:
				err = fmt.Errorf("%w: unknown type for %s", ErrCorruptTemplate, filepath.Join(at, c.Name))
				return
			}
			if _, dup := seen[c.Name]; dup {
				err = fmt.Errorf("%w: duplicate entry %s", ErrCorruptTemplate, filepath.Join(at, c.Name))
				return
			}
			seen[c.Name] = struct{}{}
			if c.Type == TypeDir {
				check(c, filepath.Join(at, c.Name))
			} else if len(c.Children) > 0 {
				err = fmt.Errorf("%w: non-directory %s has children", ErrCorruptTemplate, filepath.Join(at, c.Name))
				return
			}
		}
	}
	check(root, "/")
	return err
}

// BuildTemplate captures the real directory tree at dir. Regular files up
// to maxInline bytes keep their content; larger ones keep only their size.
// Ownership is reset to root.
func BuildTemplate(dir string, maxInline int64) (*Inode, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotDir)
	}
	root := &Inode{Name: "/", Type: TypeDir, Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime(), Size: 4096}
	dirs := map[string]*Inode{".": root}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		parent := dirs[filepath.Dir(rel)]
		if parent == nil {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		n := &Inode{
			Name:    d.Name(),
			Mode:    modeBits(fi.Mode()),
			ModTime: fi.ModTime().Truncate(time.Second),
			Size:    fi.Size(),
		}
		switch {
		case fi.IsDir():
			n.Type = TypeDir
			n.Size = 4096
			dirs[rel] = n
		case fi.Mode()&fs.ModeSymlink != 0:
			n.Type = TypeSymlink
			if n.Target, err = os.Readlink(p); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			n.Type = TypeFile
			if fi.Size() <= maxInline {
				if n.Data, err = os.ReadFile(p); err != nil {
					return err
				}
				n.Size = int64(len(n.Data))
			}
		default:
			n.Type = TypeFile
			n.Size = 0
		}
		parent.Children = append(parent.Children, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

func modeBits(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}
