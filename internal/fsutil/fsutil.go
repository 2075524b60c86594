// Package fsutil holds the directory walking, copying and staged-swap helpers
// shared by the step executors and the release history.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IsHidden reports whether a path element is hidden (dot-prefixed).
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// WalkFunc is called for every non-hidden entry below the walk root. rel is
// slash-separated and relative to the root.
type WalkFunc func(rel string, path string, d fs.DirEntry) error

// Walk visits every non-hidden file and directory under root in lexical
// order. Hidden directories are skipped entirely. The context is checked
// between entries.
func Walk(ctx context.Context, root string, fn WalkFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path, d)
	})
}

// CopyTree copies every non-hidden regular file under src into dst, creating
// directories as needed. It returns the number of files copied.
func CopyTree(ctx context.Context, src, dst string) (int, error) {
	files := 0
	err := Walk(ctx, src, func(rel, path string, d fs.DirEntry) error {
		target := filepath.Join(dst, filepath.FromSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := CopyFile(path, target, info.Mode().Perm()); err != nil {
			return err
		}
		files++
		return nil
	})
	return files, err
}

// CopyFile copies a single file, creating parent directories.
func CopyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CountFiles returns the number of non-hidden regular files under root.
func CountFiles(ctx context.Context, root string) (int, error) {
	n := 0
	err := Walk(ctx, root, func(_, _ string, d fs.DirEntry) error {
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, err
}

// StageTree copies src into a fresh hidden staging directory next to target
// and returns its path. The caller owns the staging directory.
func StageTree(ctx context.Context, src, target string) (string, int, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", 0, err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".staging-")
	if err != nil {
		return "", 0, err
	}
	files, err := CopyTree(ctx, src, staging)
	if err != nil {
		os.RemoveAll(staging)
		return "", 0, err
	}
	return staging, files, nil
}

// SwapInto renames staged onto target. An existing target is first moved
// aside and removed only after the new tree is in place, so target is never
// observed half-written. If the final rename fails the previous tree is put
// back.
func SwapInto(staged, target string) error {
	backup := ""
	if _, err := os.Lstat(target); err == nil {
		backup = filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old-"+uuid.NewString())
		if err := os.Rename(target, backup); err != nil {
			return fmt.Errorf("move previous %s aside: %w", target, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(staged, target); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, target); rerr != nil {
				return fmt.Errorf("rename %s: %w (restore failed: %v)", staged, err, rerr)
			}
		}
		return fmt.Errorf("rename %s: %w", staged, err)
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("remove previous %s: %w", backup, err)
		}
	}
	return nil
}
