package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/irdbsync/internal/config"
	"github.com/schaermu/irdbsync/internal/git"
)

// PortResolver turns a port identifier into a concrete device path. An empty
// result means no single device could be selected.
type PortResolver interface {
	ResolvePort(identifier string) (string, error)
}

// Engine orchestrates a run: materialize, stage, publish
type Engine struct {
	cfg      *config.Config
	resolver PortResolver
	logger   *slog.Logger
	dryRun   bool

	materializer *Materializer
	stager       *Stager
	publisher    *Publisher
}

// NewEngine creates a new sync engine. local must be rooted at the source
// directory; the staging path and the publisher's local path are relative to
// it.
func NewEngine(cfg *config.Config, gitClient git.Client, local billy.Filesystem, resolver PortResolver, dialer Dialer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:          cfg,
		resolver:     resolver,
		logger:       logger,
		dryRun:       dryRun,
		materializer: NewMaterializer(cfg, gitClient, local, logger),
		stager:       NewStager(local, cfg.Paths.StagingDir, logger),
		publisher:    NewPublisher(dialer, cfg.Device.Dest, cfg.Paths.StagingDir, logger),
	}
}

// Run executes one pass. The port is resolved before anything else so an
// absent device leaves no side effects; that case returns
// ErrDeviceUnavailable. Every later failure is a *StageError.
func (e *Engine) Run(ctx context.Context) error {
	var port string
	if !e.dryRun {
		resolved, err := e.resolver.ResolvePort(e.cfg.Device.Port)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		if resolved == "" {
			return fmt.Errorf("%w: no port for %q", ErrDeviceUnavailable, e.cfg.Device.Port)
		}
		port = resolved
		e.logger.Info("using device port", "port", port)
	}

	status, err := e.materializer.Materialize(ctx)
	if err != nil {
		return stageErr(StageMaterialize, err)
	}
	e.logger.Info("source ready",
		"op", status.Op,
		"ok", status.OK(),
		"commit", status.Commit,
		"dir", e.cfg.SourceDir())

	if err := ctx.Err(); err != nil {
		return stageErr(StageMaterialize, err)
	}

	report, err := e.stager.Stage(ctx)
	if err != nil {
		return stageErr(StageStage, err)
	}
	e.logger.Info("staging complete",
		"staging_dir", e.cfg.StagingPath(),
		"merged", report.Merged,
		"skipped", len(report.Skipped),
		"files", report.Files)

	if e.dryRun {
		e.logger.Info("dry-run mode: skipping device upload", "dest", e.cfg.Device.Dest)
		return nil
	}

	if err := e.publisher.Publish(ctx, port); err != nil {
		return stageErr(StagePublish, err)
	}

	e.logger.Info("sync completed successfully", "dest", e.cfg.Device.Dest)
	return nil
}
