// Package fileutil moves finished artifacts into the downloads and stems
// directories.
package fileutil

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// PartSuffix marks an in-flight copy. The startup scratch sweep deletes any
// file carrying it.
const PartSuffix = ".part"

// MoveFile renames src to dst. When the two paths are on different
// filesystems it falls back to a verified copy followed by removing src.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := CopyFileVerified(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFileVerified copies src to dst through dst+PartSuffix, re-reads the
// copy to compare its SHA256 with the source, and only then renames it into
// place. dst never holds a partial file and keeps the permission bits of src.
func CopyFileVerified(src, dst string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	part := dst + PartSuffix
	defer func() {
		if err != nil {
			_ = os.Remove(part)
		}
	}()

	want, written, err := copyHashed(src, part, info.Mode().Perm())
	if err != nil {
		return err
	}
	if written != info.Size() {
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	got, err := hashFile(part)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return errors.New("copy hash mismatch: file corrupted during copy")
	}
	return os.Rename(part, dst)
}

func copyHashed(src, dst string, perm os.FileMode) ([]byte, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, 0, err
	}
	hasher := sha256.New()
	written, err := io.Copy(out, io.TeeReader(in, hasher))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, 0, err
	}
	return hasher.Sum(nil), written, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("verify copy: %w", err)
	}
	return hasher.Sum(nil), nil
}
