package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// applyOverlay copies the tree at srcDir into dstDir, overwriting existing files.
// A missing srcDir is not an error. Entries named .git are skipped so an overlay
// can never replace the worktree's git link.
//
// dstDir holds repository content, so nothing already in it is followed: a
// symlink or file standing where the overlay needs a directory or file is
// replaced, never written through.
func applyOverlay(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat overlay directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("overlay path %q is not a directory", srcDir)
	}
	root, err := filepath.EvalSymlinks(dstDir)
	if err != nil {
		return fmt.Errorf("resolve workspace directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Name() == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(root, relPath)
		if err := requireWithin(root, filepath.Dir(dstPath)); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			return ensureRealDir(dstPath, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			if err := clearNonDirectory(dstPath); err != nil {
				return err
			}
			return copyFile(path, dstPath, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := clearNonDirectory(dstPath); err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
			return nil
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
	})
}

// requireWithin fails unless dir, with symlinks resolved, is root or below it.
func requireWithin(root, dir string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", dir, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("overlay target %q resolves outside the workspace", dir)
	}
	return nil
}

// ensureRealDir makes path a directory, replacing a symlink or file in its place.
func ensureRealDir(path string, perm os.FileMode) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("replace %q with directory: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if err := os.Mkdir(path, perm); err != nil {
		return fmt.Errorf("create directory %q: %w", path, err)
	}
	return nil
}

// clearNonDirectory removes whatever is at path so a file can be placed there.
// Symlinks are removed, not followed.
func clearNonDirectory(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}

// copyFile copies rather than hard-links so an agent editing the worktree can
// never modify the overlay source. The data goes to a temp file in the target
// directory that is renamed into place; rename replaces a link, it never
// follows one.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".overlay-*")
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	tmp := out.Name()
	defer os.Remove(tmp)

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := out.Chmod(perm); err != nil {
		_ = out.Close()
		return fmt.Errorf("chmod %q: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("install %q: %w", dst, err)
	}
	return nil
}
