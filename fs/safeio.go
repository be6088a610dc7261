package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// RetryPolicy bounds retries of lock-sensitive file operations.
// The delay grows linearly: attempt n waits Delay*n.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the archive read/copy policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Delay: time.Second}
}

// RemovePolicy is used for scratch cleanup, where files can stay locked longer
func RemovePolicy(base RetryPolicy) RetryPolicy {
	return RetryPolicy{Attempts: base.Attempts * 2, Delay: base.Delay}
}

// overridable in tests
var (
	readFileFn  = os.ReadFile
	removeAllFn = os.RemoveAll
	openFileFn  = os.Open
)

func withRetry(ctx context.Context, op, path string, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return fmt.Errorf("failed to %s %s: %w", op, path, lastErr)
		}

		log.Warn().
			Err(lastErr).
			Str("op", op).
			Str("path", path).
			Int("attempt", i+1).
			Int("of", attempts).
			Msg("file busy or permission denied, retrying")

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay * time.Duration(i+1)):
		}
	}

	return &TransientIOError{Op: op, Path: path, Attempts: attempts, Err: lastErr}
}

// ReadFileWithRetry reads a whole file, retrying lock errors
func ReadFileWithRetry(ctx context.Context, path string, policy RetryPolicy) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, "read", path, policy, IsLockError, func() error {
		var err error
		data, err = readFileFn(path)
		return err
	})
	return data, err
}

// RemoveAllWithRetry removes path recursively, retrying lock errors.
// A missing path is not an error.
func RemoveAllWithRetry(ctx context.Context, path string, policy RetryPolicy) error {
	return withRetry(ctx, "remove", path, policy, isRemoveRetryable, func() error {
		return removeAllFn(path)
	})
}

// CopyDirWithRetry copies the tree at src into dst, replacing dst.
// Regular files are copied with retry; symlinks are recreated; sockets and
// other special files (browser singleton locks) are skipped.
func CopyDirWithRetry(ctx context.Context, src, dst string, policy RetryPolicy) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", src, ErrNotDirectory)
	}

	if err := RemoveAllWithRetry(ctx, dst, policy); err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Files can vanish while the client is running
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return nil
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return withRetry(ctx, "copy", path, policy, IsLockError, func() error {
				return copyFile(path, target)
			})
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := openFileFn(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DirExists reports whether path exists and is a directory
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
