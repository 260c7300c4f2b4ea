package sshd

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/vfs"
)

// serveSFTP runs an SFTP server on ch backed by the connection's emulated
// filesystem. Uploaded files are captured in the download store.
func (c *conn) serveSFTP(ch ssh.Channel, logger *slog.Logger) {
	h := &sftpHandler{c: c, fs: c.host.FS, logger: logger}
	srv := sftp.NewRequestServer(ch, sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}, sftp.WithStartDirectory(c.user.Home))
	logger.Info("sftp session started")
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("sftp session ended", "error", err)
	}
	_ = srv.Close()
}

type sftpHandler struct {
	c      *conn
	fs     *vfs.FS
	logger *slog.Logger
}

// sftpErr maps filesystem errors to SFTP status codes.
func sftpErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfs.ErrNotFound):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, vfs.ErrPermission):
		return sftp.ErrSSHFxPermissionDenied
	default:
		return sftp.ErrSSHFxFailure
	}
}

func (h *sftpHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	h.logger.Debug("sftp read", "path", r.Filepath)
	data, err := h.fs.ReadFile(r.Filepath)
	if err != nil {
		return nil, sftpErr(err)
	}
	return bytes.NewReader(data), nil
}

func (h *sftpHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	user := h.c.user
	if _, err := h.fs.Create(r.Filepath, user.UID, user.GID, 0, 0o644); err != nil {
		h.logger.Info("sftp upload refused", "path", r.Filepath, "error", err)
		return nil, sftpErr(err)
	}
	u := &upload{h: h, path: r.Filepath, limit: h.c.srv.cfg.DownloadLimit}
	if store := h.c.srv.cfg.Downloads; store != nil {
		w, err := store.CreateTemp()
		if err != nil {
			h.logger.Warn("upload capture unavailable", "path", r.Filepath, "error", err)
		} else {
			u.w = w
		}
	}
	return u, nil
}

func (h *sftpHandler) Filecmd(r *sftp.Request) error {
	h.logger.Debug("sftp command", "method", r.Method, "path", r.Filepath, "target", r.Target)
	user := h.c.user
	switch r.Method {
	case "Setstat":
		return h.setstat(r)
	case "Rename":
		return sftpErr(h.fs.Rename(r.Filepath, r.Target))
	case "Rmdir":
		return sftpErr(h.fs.RemoveDir(r.Filepath))
	case "Remove":
		return sftpErr(h.fs.Remove(r.Filepath, false))
	case "Mkdir":
		return sftpErr(h.fs.Mkdir(r.Filepath, user.UID, user.GID, 0o755))
	case "Symlink":
		// The request carries the link target in Filepath.
		return sftpErr(h.fs.Symlink(r.Filepath, r.Target))
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *sftpHandler) setstat(r *sftp.Request) error {
	flags, attrs := r.AttrFlags(), r.Attributes()
	if flags.Permissions {
		if err := h.fs.Chmod(r.Filepath, attrs.Mode&0o7777); err != nil {
			return sftpErr(err)
		}
	}
	if flags.UidGid {
		if err := h.fs.Chown(r.Filepath, int(attrs.UID), int(attrs.GID)); err != nil {
			return sftpErr(err)
		}
	}
	if flags.Acmodtime {
		if err := h.fs.Chtimes(r.Filepath, time.Unix(int64(attrs.Mtime), 0)); err != nil {
			return sftpErr(err)
		}
	}
	if !h.fs.Exists(r.Filepath) {
		return sftp.ErrSSHFxNoSuchFile
	}
	return nil
}

func (h *sftpHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := h.fs.ReadDir(r.Filepath)
		if err != nil {
			return nil, sftpErr(err)
		}
		out := make(listerAt, len(entries))
		for i, fi := range entries {
			out[i] = sftpInfo{FileInfo: fi}
		}
		return out, nil
	case "Stat":
		fi, err := h.fs.Stat(r.Filepath)
		if err != nil {
			return nil, sftpErr(err)
		}
		return listerAt{sftpInfo{FileInfo: fi}}, nil
	case "Lstat":
		fi, err := h.fs.Lstat(r.Filepath)
		if err != nil {
			return nil, sftpErr(err)
		}
		return listerAt{sftpInfo{FileInfo: fi}}, nil
	case "Readlink":
		target, err := h.fs.Readlink(r.Filepath)
		if err != nil {
			return nil, sftpErr(err)
		}
		fi, _ := h.fs.Lstat(r.Filepath)
		return listerAt{sftpInfo{FileInfo: fi, name: target}}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// sftpInfo reports the emulated owner to the SFTP layer.
type sftpInfo struct {
	vfs.FileInfo
	name string
}

func (i sftpInfo) Name() string {
	if i.name != "" {
		return i.name
	}
	return i.FileInfo.Name()
}

func (i sftpInfo) Uid() uint32 { return uint32(i.UID()) } //nolint:revive // sftp.FileInfoUidGid

func (i sftpInfo) Gid() uint32 { return uint32(i.GID()) } //nolint:revive // sftp.FileInfoUidGid

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// upload captures one file written over SFTP. Without a download store the
// content is kept in the emulated filesystem only.
type upload struct {
	h        *sftpHandler
	w        *artifact.Writer
	path     string
	mem      []byte
	limit    int64
	mu       sync.Mutex
	exceeded bool
	closed   bool
}

func (u *upload) WriteAt(p []byte, off int64) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, os.ErrClosed
	}
	end := off + int64(len(p))
	if u.limit > 0 && end > u.limit {
		if !u.exceeded {
			u.h.logger.Info("upload size limit reached, discarding", "path", u.path, "limit", u.limit)
			u.exceeded = true
			u.discardLocked()
		}
		return 0, sftp.ErrSSHFxFailure
	}
	if u.w != nil {
		return u.w.WriteAt(p, off)
	}
	if end > int64(len(u.mem)) {
		u.mem = append(u.mem, make([]byte, end-int64(len(u.mem)))...)
	}
	copy(u.mem[off:], p)
	return len(p), nil
}

func (u *upload) discardLocked() {
	if u.w != nil {
		_ = u.w.Abort()
		u.w = nil
	}
	u.mem = nil
}

// Close publishes the capture and binds the file to it.
func (u *upload) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if u.exceeded {
		return nil
	}
	h, user := u.h, u.h.c.user

	if u.w == nil {
		if len(u.mem) > 0 {
			if err := h.fs.WriteFile(u.path, u.mem, user.UID, user.GID, 0o644); err != nil {
				h.logger.Warn("upload not stored in filesystem", "path", u.path, "error", err)
			}
		}
		return nil
	}

	res, err := u.w.Commit()
	u.w = nil
	switch {
	case errors.Is(err, artifact.ErrEmpty):
		return nil
	case err != nil:
		h.logger.Warn("upload commit failed", "path", u.path, "error", err)
		return nil
	}
	if err := h.fs.BindArtifact(u.path, res.Digest, res.Size); err != nil {
		h.logger.Warn("upload not bound to file", "path", u.path, "error", err)
	}
	h.logger.Info("file uploaded", "path", u.path, "shasum", res.Digest, "size", res.Size)
	if res.Duplicate {
		h.c.emit(event.ArtifactDuplicate, map[string]any{"kind": "upload", "shasum": res.Digest, "size": res.Size})
	}
	h.c.emit(event.FileUpload, map[string]any{
		"filename":  u.path,
		"outfile":   res.Path,
		"shasum":    res.Digest,
		"size":      res.Size,
		"duplicate": res.Duplicate,
	})
	return nil
}
