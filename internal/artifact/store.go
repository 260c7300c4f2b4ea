package artifact

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

const lockStripes = 64

var (
	// ErrEmpty reports a capture that received no bytes. Nothing is stored.
	ErrEmpty = errors.New("artifact: empty content")
	// ErrNoSpace reports that the store's free-space floor would be crossed.
	ErrNoSpace = errors.New("artifact: insufficient free space")
	// ErrClosed reports use of a writer after Commit or Abort.
	ErrClosed = errors.New("artifact: writer closed")
	// ErrBadDigest reports a malformed content key.
	ErrBadDigest = errors.New("artifact: malformed digest")
)

// Result describes a committed artifact.
type Result struct {
	Digest    string // lowercase hex SHA-256
	Path      string
	Size      int64
	Duplicate bool // content was already stored; the new copy was discarded
}

// Store is a directory of captured content keyed by SHA-256. Writers stream
// into pending files which are published under their digest on commit.
type Store struct {
	logger  *slog.Logger
	pending *pendingSet
	dir     string
	minFree uint64
	locks   [lockStripes]sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMinFree refuses new writers while the volume has less than n bytes free.
func WithMinFree(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.minFree = uint64(n)
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens the store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	s := &Store{dir: dir, logger: slog.Default(), pending: newPendingSet()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where content with the given digest lives.
func (s *Store) Path(hex string) string {
	return filepath.Join(s.dir, hex)
}

func validHex(hex string) bool {
	return digest.NewDigestFromEncoded(digest.SHA256, hex).Validate() == nil
}

// Has reports whether content with the given digest is stored.
func (s *Store) Has(hex string) bool {
	if !validHex(hex) {
		return false
	}
	_, err := os.Stat(s.Path(hex))
	return err == nil
}

// Open returns a reader for stored content.
func (s *Store) Open(hex string) (io.ReadCloser, error) {
	if !validHex(hex) {
		return nil, fmt.Errorf("%w: %q", ErrBadDigest, hex)
	}
	return os.Open(s.Path(hex))
}

// Create starts a pending capture visible in the store directory under name
// until it is committed. A taken name gets a random suffix.
func (s *Store) Create(name string) (*Writer, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || validHex(name) {
		return nil, fmt.Errorf("artifact: invalid pending name %q", name)
	}
	return s.create(name)
}

// CreateTemp starts an anonymous pending capture.
func (s *Store) CreateTemp() (*Writer, error) {
	return s.create(".tmp-" + uuid.New().String())
}

func (s *Store) create(name string) (*Writer, error) {
	if err := s.checkSpace(); err != nil {
		return nil, err
	}
	p := filepath.Join(s.dir, name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		p = fmt.Sprintf("%s.%s", p, uuid.New().String()[:8])
		f, err = os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	}
	if err != nil {
		return nil, fmt.Errorf("create pending %s: %w", name, err)
	}
	w := &Writer{store: s, f: f, path: p, digester: digest.SHA256.Digester()}
	s.pending.add(w)
	return w, nil
}

func (s *Store) checkSpace() error {
	if s.minFree == 0 {
		return nil
	}
	avail, err := freeSpace(s.dir)
	if err != nil {
		s.logger.Debug("free space check failed", "dir", s.dir, "error", err)
		return nil
	}
	if avail < s.minFree {
		return fmt.Errorf("%w: %d bytes available", ErrNoSpace, avail)
	}
	return nil
}

// Put stores everything read from r.
func (s *Store) Put(r io.Reader) (Result, error) {
	w, err := s.CreateTemp()
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return Result{}, err
	}
	return w.Commit()
}

// Finalize hashes a pending file already inside the store directory and
// publishes it under its digest.
func (s *Store) Finalize(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return Result{}, ErrEmpty
	}
	d, err := HashFile(path)
	if err != nil {
		return Result{}, err
	}
	return s.commit(path, d, info.Size())
}

func (s *Store) lockFor(hex string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(hex)%lockStripes]
}

// commit publishes pending under its digest. The link fails if the digest is
// already present, so an existing artifact is never replaced and exactly one
// file survives for each digest.
func (s *Store) commit(pending string, d digest.Digest, size int64) (Result, error) {
	hex := d.Encoded()
	final := s.Path(hex)
	res := Result{Digest: hex, Path: final, Size: size}

	mu := s.lockFor(hex)
	mu.Lock()
	defer mu.Unlock()

	err := os.Link(pending, final)
	switch {
	case err == nil:
		_ = os.Remove(pending)
		return res, nil
	case errors.Is(err, fs.ErrExist):
		_ = os.Remove(pending)
		res.Duplicate = true
		return res, nil
	}

	// Hard links unsupported here; fall back to rename under the stripe lock.
	if _, statErr := os.Lstat(final); statErr == nil {
		_ = os.Remove(pending)
		res.Duplicate = true
		return res, nil
	}
	if err := os.Rename(pending, final); err != nil {
		return Result{}, fmt.Errorf("publish %s: %w", hex, err)
	}
	return res, nil
}

// Sweep finishes work left by an earlier process: anonymous temp files are
// removed and named pending files are finalized. It returns how many pending
// files were published.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || validHex(name) {
			continue
		}
		p := filepath.Join(s.dir, name)
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(p)
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		res, err := s.Finalize(p)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			s.logger.Warn("sweep: finalize failed", "path", p, "error", err)
			continue
		}
		s.logger.Info("sweep: recovered pending capture", "name", name, "shasum", res.Digest, "duplicate", res.Duplicate)
		published++
	}
	return published, nil
}

// Close commits any writers still open so partial captures are kept.
func (s *Store) Close() error {
	var errs []error
	for _, w := range s.pending.drain() {
		if _, err := w.Commit(); err != nil && !errors.Is(err, ErrEmpty) && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
