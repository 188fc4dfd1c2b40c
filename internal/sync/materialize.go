package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/irdbsync/internal/config"
	"github.com/schaermu/irdbsync/internal/git"
)

// Materializer makes sure a working copy of the source repository exists
// locally and is as fresh as the remote allows
type Materializer struct {
	cfg    *config.Config
	git    git.Client
	local  billy.Filesystem
	logger *slog.Logger
}

// NewMaterializer creates a Materializer. local must be rooted at the source
// directory.
func NewMaterializer(cfg *config.Config, gitClient git.Client, local billy.Filesystem, logger *slog.Logger) *Materializer {
	return &Materializer{cfg: cfg, git: gitClient, local: local, logger: logger}
}

// Materialize clones the repository when the source path is absent and pulls
// otherwise. The VCS outcome is returned as a status and not
// treated as an error; only a source path that is still not a directory
// afterwards fails the run.
func (m *Materializer) Materialize(ctx context.Context) (VCSStatus, error) {
	dir := m.cfg.SourceDir()

	var status VCSStatus
	_, err := m.local.Stat(".")
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Debug("cloning repository", "url", m.cfg.Repo.URL, "dest", dir)
		status.Op = "clone"
		status.Err = m.git.Clone(ctx, m.cfg.Repo.URL, dir)
	case err != nil:
		return status, fmt.Errorf("failed to stat source directory: %w", err)
	default:
		m.logger.Debug("updating repository", "dir", dir)
		status.Op = "pull"
		status.Err = m.git.Pull(ctx, dir)
	}

	if !status.OK() {
		m.logger.Warn("repository update failed, continuing with local state",
			"op", status.Op, "error", status.Err)
	}

	info, err := m.local.Stat(".")
	if err != nil {
		return status, fmt.Errorf("%w: %s: %w", ErrSourceMissing, dir, err)
	}
	if !info.IsDir() {
		return status, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, dir)
	}

	if commit, err := m.git.Head(ctx, dir); err == nil {
		status.Commit = commit
	}
	return status, nil
}
