package flipper

import (
	"context"
	"crypto/md5" //nolint:gosec // the device only offers md5 digests
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// Operations builds tree-level transfers on top of a Storage session.
// Local paths are resolved inside the local filesystem.
type Operations struct {
	storage *Storage
	local   billy.Filesystem
	logger  *slog.Logger
}

// NewOperations creates tree-level operations for a started session
func NewOperations(storage *Storage, local billy.Filesystem, logger *slog.Logger) *Operations {
	return &Operations{
		storage: storage,
		local:   local,
		logger:  logger,
	}
}

// Mkpath creates remotePath and every missing parent
func (o *Operations) Mkpath(ctx context.Context, remotePath string) error {
	components := strings.Split(path.Clean(remotePath), "/")

	var missing []string
	for len(components) > 1 {
		exists, err := o.storage.ExistsDir(ctx, strings.Join(components, "/"))
		if err != nil {
			return err
		}
		if exists {
			break
		}
		missing = append(missing, components[len(components)-1])
		components = components[:len(components)-1]
	}

	for i := len(missing) - 1; i >= 0; i-- {
		components = append(components, missing[i])
		dir := strings.Join(components, "/")
		o.logger.Debug("creating remote directory", "path", dir)
		if err := o.storage.Mkdir(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// SendFile uploads a single local file. Without force the upload is skipped
// when a remote file with the same md5 already exists.
func (o *Operations) SendFile(ctx context.Context, remotePath, localPath string, force bool) error {
	upload := true
	if !force {
		same, err := o.sameContent(ctx, remotePath, localPath)
		if err != nil {
			return err
		}
		upload = !same
	}
	if !upload {
		o.logger.Debug("remote file unchanged, skipping", "path", remotePath)
		return nil
	}

	f, err := o.local.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() {
		_ = f.Close()
	}()

	o.logger.Debug("sending file", "local", localPath, "remote", remotePath)
	if err := o.storage.WriteFile(ctx, remotePath, f); err != nil {
		return fmt.Errorf("sending %s: %w", localPath, err)
	}
	return nil
}

func (o *Operations) sameContent(ctx context.Context, remotePath, localPath string) (bool, error) {
	exists, err := o.storage.ExistsFile(ctx, remotePath)
	if err != nil || !exists {
		return false, err
	}

	localHash, err := o.localMD5(localPath)
	if err != nil {
		return false, err
	}
	remoteHash, err := o.storage.MD5(ctx, remotePath)
	if err != nil {
		return false, err
	}
	return localHash == remoteHash, nil
}

func (o *Operations) localMD5(localPath string) (string, error) {
	f, err := o.local.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", localPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecursiveSend uploads localPath to remotePath. Directories are walked in
// lexical order; every remote directory is created before its files are sent.
// With force set every file is overwritten unconditionally.
func (o *Operations) RecursiveSend(ctx context.Context, remotePath, localPath string, force bool) error {
	info, err := o.local.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("local path %s does not exist: %w", localPath, err)
		}
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if !info.IsDir() {
		return o.SendFile(ctx, remotePath, localPath, force)
	}

	if err := o.Mkpath(ctx, remotePath); err != nil {
		return err
	}
	return o.sendDir(ctx, path.Clean(remotePath), localPath, force)
}

func (o *Operations) sendDir(ctx context.Context, remoteDir, localDir string, force bool) error {
	entries, err := o.local.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
			if err := o.Mkpath(ctx, path.Join(remoteDir, entry.Name())); err != nil {
				return err
			}
		}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remote := path.Join(remoteDir, entry.Name())
		local := filepath.Join(localDir, entry.Name())
		if err := o.SendFile(ctx, remote, local, force); err != nil {
			return err
		}
	}

	for _, name := range dirs {
		if err := o.sendDir(ctx, path.Join(remoteDir, name), filepath.Join(localDir, name), force); err != nil {
			return err
		}
	}
	return nil
}
