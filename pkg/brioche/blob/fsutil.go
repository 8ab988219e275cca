package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/oklog/ulid/v2"
)

// isFileExclusive reports whether info's file has exactly one hardlink.
// Checking this before mutating permissions in place matters: otherwise a
// chmod on a hardlinked file would silently change the permissions of
// every other name pointing at the same inode.
func isFileExclusive(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Nlink == 1
}

// moveFile moves src to dst: a rename if they're on the same filesystem,
// otherwise an atomic copy followed by removing src.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := atomicCopy(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// atomicCopy copies src to a temp file alongside dst, then renames it into
// place so concurrent readers of dst never observe a partially-written
// file.
func atomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dstDir, err)
	}

	tempPath := filepath.Join(dstDir, "."+ulid.Make().String()+".tmp")
	out, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("copy %s to %s: %w", src, tempPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, dst, err)
	}
	return nil
}
