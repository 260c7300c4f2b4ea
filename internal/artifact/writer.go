package artifact

import (
	"errors"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Writer streams a capture into a pending file. It is safe for concurrent
// use. Sequential writes are hashed as they arrive; after any WriteAt the
// file is rehashed on commit.
type Writer struct {
	store    *Store
	f        *os.File
	digester digest.Digester
	path     string
	size     int64
	mu       sync.Mutex
	random   bool
	done     bool
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrClosed
	}
	n, err := w.f.Write(p)
	_, _ = w.digester.Hash().Write(p[:n])
	w.size += int64(n)
	return n, err
}

// WriteAt writes p at offset off.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrClosed
	}
	w.random = true
	n, err := w.f.WriteAt(p, off)
	if end := off + int64(n); end > w.size {
		w.size = end
	}
	return n, err
}

// Name returns the pending file path.
func (w *Writer) Name() string { return w.path }

// Size returns the number of bytes captured so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes the pending file to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrClosed
	}
	return w.f.Sync()
}

// Commit publishes the capture under its digest. An empty capture is
// discarded with ErrEmpty.
func (w *Writer) Commit() (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return Result{}, ErrClosed
	}
	w.done = true
	defer w.store.pending.remove(w)

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.path)
		return Result{}, err
	}
	if w.size == 0 {
		_ = os.Remove(w.path)
		return Result{}, ErrEmpty
	}

	d := w.digester.Digest()
	if w.random {
		var err error
		if d, err = HashFile(w.path); err != nil {
			return Result{}, err
		}
	}
	return w.store.commit(w.path, d, w.size)
}

// Abort discards the capture.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	w.store.pending.remove(w)
	return errors.Join(w.f.Close(), os.Remove(w.path))
}
