package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	ErrNotFound    = fs.ErrNotExist
	ErrExist       = fs.ErrExist
	ErrPermission  = fs.ErrPermission
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrDirNotEmpty = errors.New("directory not empty")
	ErrInvalid     = fs.ErrInvalid
	// ErrLoop also matches ErrNotFound: an unresolvable chain is a missing file.
	ErrLoop = fmt.Errorf("too many levels of symbolic links: %w", fs.ErrNotExist)
)

// PathError records a failed operation on a path.
type PathError = fs.PathError

// LinkError records a failed two-path operation.
type LinkError = os.LinkError

func pathErr(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// Message returns the coreutils-style description of err, e.g.
// "No such file or directory".
func Message(err error) string {
	switch {
	case errors.Is(err, ErrLoop):
		return "Too many levels of symbolic links"
	case errors.Is(err, ErrNotFound):
		return "No such file or directory"
	case errors.Is(err, ErrExist):
		return "File exists"
	case errors.Is(err, ErrPermission):
		return "Permission denied"
	case errors.Is(err, ErrNotDir):
		return "Not a directory"
	case errors.Is(err, ErrIsDir):
		return "Is a directory"
	case errors.Is(err, ErrDirNotEmpty):
		return "Directory not empty"
	case errors.Is(err, ErrInvalid):
		return "Invalid argument"
	default:
		return err.Error()
	}
}
