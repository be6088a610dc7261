package fs

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrInvalidPath is returned when a path is empty or escapes its root
	ErrInvalidPath = errors.New("invalid file path")

	// ErrNotDirectory is returned when operation requires a directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrUnsafeArchiveEntry is returned when an archive entry would land outside the target
	ErrUnsafeArchiveEntry = errors.New("archive entry escapes target directory")
)

// TransientIOError reports a file-lock failure (busy or permission denied)
// that persisted through every retry.
type TransientIOError struct {
	Op       string
	Path     string
	Attempts int
	Err      error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s %s: still locked after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// IsLockError reports whether err is a busy/permission error worth retrying
func IsLockError(err error) bool {
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EPERM)
}

// isRemoveRetryable also tolerates ENOTEMPTY, which shows up when a process
// is still writing into a directory being removed.
func isRemoveRetryable(err error) bool {
	return IsLockError(err) || errors.Is(err, syscall.ENOTEMPTY)
}
