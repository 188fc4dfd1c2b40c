package flipper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.bug.st/serial"
)

// Session is one connected storage session plus the tree operations bound
// to a local filesystem.
type Session struct {
	storage *Storage
	ops     *Operations
}

// Connect starts a storage session over an already open connection. The
// connection is closed if the handshake fails.
func Connect(ctx context.Context, conn io.ReadWriteCloser, chunkSize int, local billy.Filesystem, logger *slog.Logger) (*Session, error) {
	storage := NewStorage(conn, chunkSize, logger)
	if err := storage.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("starting storage session: %w", err)
	}
	return &Session{
		storage: storage,
		ops:     NewOperations(storage, local, logger),
	}, nil
}

// RecursiveSend uploads localPath to remotePath; see Operations.RecursiveSend
func (s *Session) RecursiveSend(ctx context.Context, remotePath, localPath string, force bool) error {
	return s.ops.RecursiveSend(ctx, remotePath, localPath, force)
}

// Storage exposes the underlying CLI session
func (s *Session) Storage() *Storage {
	return s.storage
}

// Close ends the session and releases the connection
func (s *Session) Close() error {
	return s.storage.Close()
}

// SerialDialer opens sessions over a USB CDC serial port
type SerialDialer struct {
	BaudRate  int
	ChunkSize int
	Timeout   time.Duration
	Local     billy.Filesystem
	Logger    *slog.Logger
}

// Open opens port and starts a storage session on it
func (d *SerialDialer) Open(ctx context.Context, port string) (*Session, error) {
	d.Logger.Debug("opening serial port", "port", port, "baud_rate", d.BaudRate)

	conn, err := serial.Open(port, &serial.Mode{BaudRate: d.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", port, err)
	}

	if d.Timeout > 0 {
		if err := conn.SetReadTimeout(d.Timeout); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("setting read timeout on %s: %w", port, err)
		}
	}
	if err := conn.ResetInputBuffer(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resetting input buffer on %s: %w", port, err)
	}

	return Connect(ctx, conn, d.ChunkSize, d.Local, d.Logger)
}
