// Package archive moves successfully loaded source files out of the source
// directory so the next run does not pick them up again.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Move relocates each named file into dir, creating dir if needed. Name
// collisions in dir get a numeric suffix rather than overwriting what is
// already archived. Returns the destination paths in input order; on error
// the files moved so far stay moved.
func Move(paths []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	moved := make([]string, 0, len(paths))
	for _, src := range paths {
		dst, err := freeName(dir, filepath.Base(src))
		if err != nil {
			return moved, err
		}
		if err := moveFile(src, dst); err != nil {
			return moved, fmt.Errorf("archive %s: %w", src, err)
		}
		moved = append(moved, dst)
	}
	return moved, nil
}

// freeName picks an unused destination path, suffixing the stem with .1,
// .2, ... when the plain name is taken.
func freeName(dir, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	candidate := filepath.Join(dir, base)
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if i > 10000 {
			return "", fmt.Errorf("no free archive name for %s", base)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, i, ext))
	}
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	// Archive dir on another filesystem: copy via a temp file, then swap.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, in)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return closeErr
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
