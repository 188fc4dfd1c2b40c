//go:build integration

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.bug.st/serial/enumerator"

	"github.com/schaermu/irdbsync/internal/config"
	"github.com/schaermu/irdbsync/internal/flipper"
	"github.com/schaermu/irdbsync/internal/flipper/fliptest"
	"github.com/schaermu/irdbsync/internal/git"
	"github.com/schaermu/irdbsync/internal/sync"
)

// Harness wires a local upstream repository, a working copy and a simulated
// device into a real engine
type Harness struct {
	t         *testing.T
	remoteDir string
	remote    *gogit.Repository
	sourceDir string
	logger    *slog.Logger
}

// NewHarness creates an empty upstream repository
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	remoteDir := t.TempDir()
	repo, err := gogit.PlainInit(remoteDir, false)
	if err != nil {
		t.Fatalf("failed to init upstream: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("IRDBSYNC_TEST_VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return &Harness{
		t:         t,
		remoteDir: remoteDir,
		remote:    repo,
		sourceDir: filepath.Join(t.TempDir(), "irdb"),
		logger:    logger,
	}
}

// Commit writes files into the upstream repository and commits them
func (h *Harness) Commit(msg string, files map[string]string) {
	h.t.Helper()
	wt, err := h.remote.Worktree()
	if err != nil {
		h.t.Fatalf("failed to open upstream worktree: %v", err)
	}

	for rel, content := range files {
		path := filepath.Join(h.remoteDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			h.t.Fatalf("failed to create %s: %v", filepath.Dir(rel), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			h.t.Fatalf("failed to write %s: %v", rel, err)
		}
		if _, err := wt.Add(rel); err != nil {
			h.t.Fatalf("failed to stage %s: %v", rel, err)
		}
	}

	_, err = wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "IRDB", Email: "irdb@example.com", When: time.Now()},
	})
	if err != nil {
		h.t.Fatalf("failed to commit: %v", err)
	}
}

// Config returns a configuration pointing at the harness repositories
func (h *Harness) Config() *config.Config {
	cfg := config.Default()
	cfg.Repo.URL = h.remoteDir
	cfg.Paths.Source = h.sourceDir
	if err := cfg.Validate(); err != nil {
		h.t.Fatalf("invalid harness config: %v", err)
	}
	return cfg
}

// Run executes one sync against dev and waits for the device to disconnect
func (h *Harness) Run(ctx context.Context, cfg *config.Config, dev *fliptest.Device) error {
	h.t.Helper()
	local := osfs.New(cfg.SourceDir())
	dialer := sync.DialerFunc(func(ctx context.Context, _ string) (sync.Session, error) {
		s, err := flipper.Connect(ctx, dev.Conn(), cfg.Device.ChunkSize, local, h.logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	resolver := flipper.NewPortResolverWithLister(fakeLister("/dev/ttyACM0"), h.logger)

	engine := sync.NewEngine(cfg, git.NewGoGitClient("", ""), local, resolver, dialer, h.logger, false)
	err := engine.Run(ctx)
	if err == nil {
		dev.Wait()
	}
	return err
}

// SourceDir is the working copy managed by the engine
func (h *Harness) SourceDir() string {
	return h.sourceDir
}

// fakeLister reports one attached device per name
func fakeLister(names ...string) flipper.PortLister {
	return func() ([]*enumerator.PortDetails, error) {
		ports := make([]*enumerator.PortDetails, 0, len(names))
		for _, name := range names {
			ports = append(ports, &enumerator.PortDetails{
				Name:  name,
				IsUSB: true,
				VID:   flipper.VendorID,
				PID:   flipper.ProductID,
			})
		}
		return ports, nil
	}
}
