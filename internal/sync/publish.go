package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Session is an open transport session to the device
type Session interface {
	RecursiveSend(ctx context.Context, remotePath, localPath string, force bool) error
	Close() error
}

// Dialer opens transport sessions
type Dialer interface {
	Open(ctx context.Context, port string) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, port string) (Session, error)

// Open calls f(ctx, port)
func (f DialerFunc) Open(ctx context.Context, port string) (Session, error) {
	return f(ctx, port)
}

// Publisher pushes the staging directory onto the device
type Publisher struct {
	dialer  Dialer
	dest    string
	staging string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher sending staging (a path on the local
// filesystem bound to the session) to dest on the device
func NewPublisher(dialer Dialer, dest, staging string, logger *slog.Logger) *Publisher {
	return &Publisher{dialer: dialer, dest: dest, staging: staging, logger: logger}
}

// Publish opens one session on port, performs a single forced recursive send
// and closes the session on every path. There is no retry.
func (p *Publisher) Publish(ctx context.Context, port string) (err error) {
	p.logger.Debug("connecting to device", "port", port)
	session, err := p.dialer.Open(ctx, port)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrConnect, port, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close session: %w", cerr))
		}
	}()

	p.logger.Info("sending staging directory", "source", p.staging, "dest", p.dest)
	if err := session.RecursiveSend(ctx, p.dest, p.staging, true); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", p.staging, p.dest, err)
	}
	return nil
}
