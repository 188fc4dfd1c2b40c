package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/schaermu/irdbsync/internal/config"
	"github.com/schaermu/irdbsync/internal/flipper"
	"github.com/schaermu/irdbsync/internal/git"
	"github.com/schaermu/irdbsync/internal/sync"
)

const (
	exitUnavailable = 1
	exitOperational = 4
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	dstDir    string
	portName  string
)

// exitError carries the process exit code for an error that has already
// been logged
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error returned by the root command to a process exit code
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "irdbsync [flags] <src>",
	Short: "Update a Flipper infrared database and upload it to the device",
	Long: `irdbsync keeps a local checkout of the Flipper IRDB up to date and pushes it
onto a Flipper Zero connected over USB.

The checkout at <src> is cloned if missing and pulled otherwise. Every top-level
directory not starting with '_' or '.' is merged into the staging directory,
which is then uploaded to the device with existing files overwritten.`,
	Args:          cobra.ExactArgs(1),
	RunE:          runSync,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("irdbsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/irdbsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync flags
	rootCmd.Flags().StringVar(&dstDir, "dst", config.DefaultDest, "destination directory on the device")
	rootCmd.Flags().StringVarP(&portName, "port", "p", config.DefaultPort, "serial port of the device, or 'auto' to detect it")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "update and stage the database without uploading it")

	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg, args[0])
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine := newEngine(cfg, logger)

	logger.Info("starting sync operation", "source", cfg.SourceDir(), "dest", cfg.Device.Dest)
	if err := engine.Run(ctx); err != nil {
		return runError(logger, cfg.Device.Port, err)
	}

	return nil
}

// runError logs an engine failure once and attaches its exit code
func runError(logger *slog.Logger, port string, err error) *exitError {
	if errors.Is(err, sync.ErrDeviceUnavailable) {
		logger.Error("no device available", "port", port, "error", err)
		return &exitError{code: exitUnavailable, err: err}
	}
	logger.Error("sync failed", "error", err)
	return &exitError{code: exitOperational, err: err}
}

// applyFlags overlays the positional source and any explicitly set flags
// onto the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config, src string) {
	cfg.Paths.Source = src
	if cmd.Flags().Changed("dst") {
		cfg.Device.Dest = dstDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Device.Port = portName
	}
}

func newGitClient(cfg *config.Config) git.Client {
	if cfg.Repo.Backend == config.BackendExec {
		return git.NewShellClient(cfg.Repo.SSHKeyFile, cfg.Repo.HTTPSTokenFile)
	}
	return git.NewGoGitClient(cfg.Repo.SSHKeyFile, cfg.Repo.HTTPSTokenFile)
}

func newEngine(cfg *config.Config, logger *slog.Logger) *sync.Engine {
	local := osfs.New(cfg.SourceDir())

	serialDialer := &flipper.SerialDialer{
		BaudRate:  cfg.Device.BaudRate,
		ChunkSize: cfg.Device.ChunkSize,
		Timeout:   cfg.Device.Timeout,
		Local:     local,
		Logger:    logger,
	}
	dialer := sync.DialerFunc(func(ctx context.Context, port string) (sync.Session, error) {
		s, err := serialDialer.Open(ctx, port)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	return sync.NewEngine(cfg, newGitClient(cfg), local, flipper.NewPortResolver(logger), dialer, logger, dryRun)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "irdbsync", "config.yaml"), nil
}

// loadConfig reads the explicit --config file, or the default file when it
// exists. Without either the built-in defaults apply.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		cfg, err = config.Load(cfgFile)
	} else {
		configPath, perr := defaultConfigPath()
		if perr != nil {
			return nil, perr
		}
		logger.Debug("loading optional configuration", "path", configPath)
		cfg, err = config.LoadOptional(configPath)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"backend", cfg.Repo.Backend,
		"auth", cfg.AuthMethod(),
		"staging_dir", cfg.Paths.StagingDir,
		"port", cfg.Device.Port,
		"dest", cfg.Device.Dest)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
