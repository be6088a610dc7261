package fs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// archiveRoot is the top-level directory inside every session archive
const archiveRoot = "session"

// ArchiveCodec packs a working directory into a single zip and back
type ArchiveCodec struct {
	policy RetryPolicy
	format archives.Zip
}

// NewArchiveCodec creates a codec using policy for lock-sensitive reads
func NewArchiveCodec(policy RetryPolicy) *ArchiveCodec {
	return &ArchiveCodec{
		policy: policy,
		format: archives.Zip{Compression: zip.Deflate},
	}
}

// Policy returns the retry policy shared with scratch copy and cleanup
func (c *ArchiveCodec) Policy() RetryPolicy {
	return c.policy
}

// Pack writes the tree rooted at dir into archivePath
func (c *ArchiveCodec) Pack(ctx context.Context, dir, archivePath string) error {
	if !DirExists(dir) {
		return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}

	files, err := archives.FilesFromDisk(ctx, nil, map[string]string{
		dir: archiveRoot,
	})
	if err != nil {
		return fmt.Errorf("failed to collect files: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	if err := c.format.Archive(ctx, out, files); err != nil {
		out.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	log.Debug().Str("dir", dir).Str("archive", archivePath).Int("files", len(files)).Msg("packed session archive")
	return nil
}

// ReadArchive reads archive bytes, retrying while the file is locked
func (c *ArchiveCodec) ReadArchive(ctx context.Context, archivePath string) ([]byte, error) {
	return ReadFileWithRetry(ctx, archivePath, c.policy)
}

// Unpack extracts archivePath into targetDir. Entries are stripped of the
// archive root; anything resolving outside the target is rejected. The tree
// is extracted into a sibling staging directory and swapped in only once
// every entry was written, so a failed unpack leaves targetDir untouched.
func (c *ArchiveCodec) Unpack(ctx context.Context, archivePath, targetDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	targetDir = filepath.Clean(targetDir)
	if err := os.MkdirAll(filepath.Dir(targetDir), 0755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(filepath.Dir(targetDir), "."+filepath.Base(targetDir)+".unpack-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	count, err := c.extract(ctx, in, staging)
	if err == nil {
		err = c.swap(ctx, staging, targetDir)
	}
	if err != nil {
		if rmErr := RemoveAllWithRetry(context.WithoutCancel(ctx), staging, RemovePolicy(c.policy)); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", staging).Msg("failed to remove staging directory")
		}
		return err
	}

	log.Debug().Str("archive", archivePath).Str("dir", targetDir).Int("files", count).Msg("unpacked session archive")
	return nil
}

func (c *ArchiveCodec) extract(ctx context.Context, in io.Reader, dir string) (int, error) {
	count := 0
	err := c.format.Extract(ctx, in, func(ctx context.Context, f archives.FileInfo) error {
		name := strings.TrimSuffix(filepath.ToSlash(f.NameInArchive), "/")
		if name == archiveRoot {
			return nil
		}
		rel := strings.TrimPrefix(name, archiveRoot+"/")
		if rel == "" {
			return nil
		}

		target, err := safeJoin(dir, rel)
		if err != nil {
			return err
		}

		switch {
		case f.IsDir():
			return os.MkdirAll(target, 0755)
		case f.LinkTarget != "":
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(f.LinkTarget, target)
		case f.Mode().IsRegular():
			count++
			return writeEntry(f, target)
		default:
			return nil
		}
	})
	if err != nil {
		return count, fmt.Errorf("failed to extract archive: %w", err)
	}
	return count, nil
}

// swap replaces targetDir with the fully extracted staging tree
func (c *ArchiveCodec) swap(ctx context.Context, staging, targetDir string) error {
	if err := RemoveAllWithRetry(ctx, targetDir, RemovePolicy(c.policy)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", targetDir, err)
	}
	if err := os.Rename(staging, targetDir); err != nil {
		return fmt.Errorf("failed to move restored tree into place: %w", err)
	}
	return nil
}

func writeEntry(f archives.FileInfo, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func safeJoin(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrUnsafeArchiveEntry)
	}
	return target, nil
}
