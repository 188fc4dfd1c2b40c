package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/irdbsync/internal/irdb"
)

// Stager merges the eligible top-level directories of the source tree into
// the staging directory. Paths are relative to the root of fs, which is the
// source tree.
type Stager struct {
	fs      billy.Filesystem
	staging string
	logger  *slog.Logger
}

// NewStager creates a Stager writing into staging, a directory name directly
// below the source root
func NewStager(fs billy.Filesystem, staging string, logger *slog.Logger) *Stager {
	return &Stager{fs: fs, staging: staging, logger: logger}
}

// maxLinkDepth bounds how many symlinked directories are followed along one
// path, for filesystems where loops cannot be detected by file identity.
const maxLinkDepth = 40

// Stage creates the staging directory if needed, then merges every eligible
// entry into it. Colliding files are overwritten; files only present in the
// staging directory are kept. Symlinks are followed, including top-level
// ones. Any filesystem error aborts the pass.
func (s *Stager) Stage(ctx context.Context) (*Report, error) {
	if err := s.fs.MkdirAll(s.staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	// Links back into the source root or the staging directory are loops
	var guard []os.FileInfo
	for _, p := range []string{".", s.staging} {
		if info, err := s.fs.Stat(p); err == nil {
			guard = append(guard, info)
		}
	}

	infos, err := s.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory: %w", err)
	}

	entries := make([]irdb.Entry, 0, len(infos))
	for _, info := range infos {
		if info.Name() == s.staging {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Dangling links are not directories
			resolved, err := s.fs.Stat(info.Name())
			entries = append(entries, irdb.Entry{Name: info.Name(), IsDir: err == nil && resolved.IsDir()})
			continue
		}
		entries = append(entries, irdb.FromFileInfo(info))
	}

	report := &Report{}
	report.Merged, report.Skipped = irdb.Partition(entries)

	for _, name := range report.Merged {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := s.fs.Stat(name)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		dest := filepath.Join(s.staging, name)
		s.logger.Debug("merging directory", "source", name, "dest", dest)
		n, err := s.mergeTree(name, dest, info, guard, 0)
		report.Files += n
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", name, err)
		}
	}

	for _, name := range report.Skipped {
		s.logger.Debug("skipping entry", "name", name)
	}

	return report, nil
}

// mergeTree copies the directory src (described by dir) into dst
// recursively and returns the number of files written. ancestors holds the
// directories above src; a directory reached again through a symlink is
// skipped.
func (s *Stager) mergeTree(src, dst string, dir os.FileInfo, ancestors []os.FileInfo, links int) (int, error) {
	for _, a := range ancestors {
		if os.SameFile(a, dir) {
			s.logger.Warn("skipping symlink loop", "path", src)
			return 0, nil
		}
	}
	if links > maxLinkDepth {
		s.logger.Warn("skipping deeply nested symlink", "path", src)
		return 0, nil
	}

	if err := s.fs.MkdirAll(dst, 0755); err != nil {
		return 0, err
	}
	infos, err := s.fs.ReadDir(src)
	if err != nil {
		return 0, err
	}
	ancestors = append(ancestors[:len(ancestors):len(ancestors)], dir)

	files := 0
	for _, info := range infos {
		path := filepath.Join(src, info.Name())
		target := filepath.Join(dst, info.Name())

		followed := links
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := s.fs.Stat(path)
			if err != nil {
				return files, err
			}
			if resolved.IsDir() {
				followed++
			}
			info = resolved
		}

		if info.IsDir() {
			n, err := s.mergeTree(path, target, info, ancestors, followed)
			files += n
			if err != nil {
				return files, err
			}
			continue
		}

		if err := s.copyFile(path, target, info.Mode().Perm()); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

// copyFile copies a file from src to dst with atomic write
func (s *Stager) copyFile(src, dst string, perm os.FileMode) error {
	// Ensure parent directory exists
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := s.fs.TempFile(filepath.Dir(dst), ".irdbsync-tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = s.fs.Remove(tmpPath)
		}
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Carry the source permissions where the filesystem supports it
	if ch, ok := s.fs.(billy.Change); ok {
		if err := ch.Chmod(tmpPath, perm); err != nil {
			return err
		}
	}

	if err := s.fs.Rename(tmpPath, dst); err != nil {
		return err
	}
	renamed = true

	return nil
}
