package buildlock

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// ConfigError is returned by New when Options are unusable.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid build lock configuration: " + e.Reason
}

// InvalidPIDError means the lock file exists but does not hold a usable PID.
// The file is left alone; someone has to look at it.
type InvalidPIDError struct {
	Path    string
	Content string
}

func (e *InvalidPIDError) Error() string {
	return fmt.Sprintf("build lock %s holds invalid pid %q", e.Path, e.Content)
}

// IOKind classifies the I/O failure behind an IOError.
type IOKind string

const (
	IONotFound         IOKind = "not-found"
	IOPermissionDenied IOKind = "permission-denied"
	IOAlreadyExists    IOKind = "already-exists"
	IOWouldBlock       IOKind = "would-block"
	IOInvalidInput     IOKind = "invalid-input"
	IOTimedOut         IOKind = "timed-out"
	IOWriteZero        IOKind = "write-zero"
	IOInterrupted      IOKind = "interrupted"
	IOUnexpectedEOF    IOKind = "unexpected-eof"
	IOOutOfMemory      IOKind = "out-of-memory"
	IOOther            IOKind = "other"
)

// IOError wraps a filesystem failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Kind IOKind
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("build lock %s %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Kind: Classify(err), Err: err}
}

// Classify maps an error from the os package onto an IOKind.
func Classify(err error) IOKind {
	switch {
	case err == nil:
		return IOOther
	case errors.Is(err, fs.ErrNotExist):
		return IONotFound
	case errors.Is(err, fs.ErrPermission):
		return IOPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return IOAlreadyExists
	case errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EAGAIN):
		return IOWouldBlock
	case errors.Is(err, syscall.EINVAL), errors.Is(err, fs.ErrInvalid):
		return IOInvalidInput
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return IOTimedOut
	case errors.Is(err, io.ErrShortWrite):
		return IOWriteZero
	case errors.Is(err, syscall.EINTR):
		return IOInterrupted
	case errors.Is(err, io.ErrUnexpectedEOF):
		return IOUnexpectedEOF
	case errors.Is(err, syscall.ENOMEM):
		return IOOutOfMemory
	default:
		return IOOther
	}
}
