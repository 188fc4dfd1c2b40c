// Package flipper talks to the storage subsystem of a Flipper Zero over its
// line-oriented CLI, and uploads local directory trees onto the device.
package flipper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
)

const (
	// Prompt terminates every CLI response
	Prompt = ">: "
	// EOL terminates every line the CLI prints
	EOL = "\r\n"

	// DefaultChunkSize is the largest payload sent per write_chunk command
	DefaultChunkSize = 8192

	readyMarker  = "Ready"
	notExistText = "file/dir not exist"
)

var (
	// ErrStorage is returned when the device reports a storage error
	ErrStorage = errors.New("storage error")
	// ErrTimeout is returned when the device stops answering mid-response
	ErrTimeout = errors.New("device read timed out")
	// ErrNotConnected is returned when a session is used before Start or after Close
	ErrNotConnected = errors.New("storage session not connected")
)

// EntryType describes what a remote path points at
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeStorage
)

// Info is the result of a remote stat
type Info struct {
	Type EntryType
	Size int64
}

// IsDir reports whether the remote entry can hold children
func (i Info) IsDir() bool {
	return i.Type == TypeDir || i.Type == TypeStorage
}

// Storage is a single CLI session with the device. It is not safe for
// concurrent use.
type Storage struct {
	conn      io.ReadWriteCloser
	r         *bufio.Reader
	chunkSize int
	logger    *slog.Logger
	started   bool
}

// NewStorage wraps an open connection. Start must be called before any
// storage command.
func NewStorage(conn io.ReadWriteCloser, chunkSize int, logger *slog.Logger) *Storage {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Storage{
		conn:      conn,
		r:         bufio.NewReader(stallReader{r: conn}),
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Start synchronises with the CLI: it drains the banner, then issues
// device_info so any stale output is flushed before the first real command.
func (s *Storage) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.readUntil(Prompt); err != nil {
		return fmt.Errorf("waiting for cli prompt: %w", err)
	}
	if err := s.write([]byte("device_info\r")); err != nil {
		return err
	}
	if _, err := s.readUntil("hardware_model"); err != nil {
		return fmt.Errorf("waiting for device_info: %w", err)
	}
	if _, err := s.readUntil(Prompt); err != nil {
		return fmt.Errorf("waiting for cli prompt: %w", err)
	}
	s.started = true
	s.logger.Debug("storage session started")
	return nil
}

// Close releases the underlying connection
func (s *Storage) Close() error {
	s.started = false
	return s.conn.Close()
}

// Stat returns information about path. A missing path yields an error
// matching fs.ErrNotExist.
func (s *Storage) Stat(ctx context.Context, path string) (Info, error) {
	answer, err := s.command(ctx, fmt.Sprintf("storage stat %s", quote(path)))
	if err != nil {
		return Info{}, err
	}
	if hasError(answer) {
		return Info{}, storageError(path, answer)
	}

	switch {
	case strings.Contains(answer, "File, size:"):
		size, err := parseSize(answer)
		if err != nil {
			return Info{}, fmt.Errorf("stat %s: %w", path, err)
		}
		return Info{Type: TypeFile, Size: size}, nil
	case strings.Contains(answer, "Directory"):
		return Info{Type: TypeDir}, nil
	case strings.Contains(answer, "Storage"):
		return Info{Type: TypeStorage}, nil
	default:
		return Info{}, fmt.Errorf("stat %s: unexpected answer %q", path, answer)
	}
}

// ExistsDir reports whether path is an existing directory or storage root
func (s *Storage) ExistsDir(ctx context.Context, path string) (bool, error) {
	info, err := s.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// ExistsFile reports whether path is an existing regular file
func (s *Storage) ExistsFile(ctx context.Context, path string) (bool, error) {
	info, err := s.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Type == TypeFile, nil
}

// Mkdir creates a single directory
func (s *Storage) Mkdir(ctx context.Context, path string) error {
	answer, err := s.command(ctx, fmt.Sprintf("storage mkdir %s", quote(path)))
	if err != nil {
		return err
	}
	if hasError(answer) {
		return storageError(path, answer)
	}
	return nil
}

// Remove deletes a file or an empty directory
func (s *Storage) Remove(ctx context.Context, path string) error {
	answer, err := s.command(ctx, fmt.Sprintf("storage remove %s", quote(path)))
	if err != nil {
		return err
	}
	if hasError(answer) {
		return storageError(path, answer)
	}
	return nil
}

// MD5 returns the lower-case hex digest the device computes for path
func (s *Storage) MD5(ctx context.Context, path string) (string, error) {
	answer, err := s.command(ctx, fmt.Sprintf("storage md5 %s", quote(path)))
	if err != nil {
		return "", err
	}
	if hasError(answer) {
		return "", storageError(path, answer)
	}
	return strings.ToLower(strings.TrimSpace(answer)), nil
}

// WriteFile replaces the remote file at path with the contents of r.
// write_chunk appends, so any existing file is removed first.
func (s *Storage) WriteFile(ctx context.Context, path string, r io.Reader) error {
	if err := s.Remove(ctx, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	buf := make([]byte, s.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := s.writeChunk(path, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading local data for %s: %w", path, readErr)
		}
	}
}

func (s *Storage) writeChunk(path string, chunk []byte) error {
	if err := s.sendAndWaitEOL(fmt.Sprintf("storage write_chunk %s %d\r", quote(path), len(chunk))); err != nil {
		return err
	}
	line, err := s.readUntil(EOL)
	if err != nil {
		return err
	}
	answer := strings.TrimSpace(string(line))
	if hasError(answer) {
		// The device still prints its prompt after rejecting the chunk
		if _, err := s.readUntil(Prompt); err != nil {
			return err
		}
		return storageError(path, answer)
	}
	if !strings.Contains(answer, readyMarker) {
		return fmt.Errorf("write_chunk %s: unexpected answer %q", path, answer)
	}

	if err := s.write(chunk); err != nil {
		return err
	}
	if _, err := s.readUntil(Prompt); err != nil {
		return fmt.Errorf("write_chunk %s: %w", path, err)
	}
	return nil
}

// command sends one CLI line and returns everything printed before the
// next prompt, with surrounding whitespace removed.
func (s *Storage) command(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.sendAndWaitEOL(line + "\r"); err != nil {
		return "", err
	}
	data, err := s.readUntil(Prompt)
	if err != nil {
		return "", fmt.Errorf("%s: %w", line, err)
	}
	answer := strings.TrimSpace(string(bytes.TrimSuffix(data, []byte(Prompt))))
	s.logger.Debug("storage command", "command", line, "answer", answer)
	return answer, nil
}

// sendAndWaitEOL writes line and consumes the echo the CLI prints back
func (s *Storage) sendAndWaitEOL(line string) error {
	if !s.started {
		return ErrNotConnected
	}
	if err := s.write([]byte(line)); err != nil {
		return err
	}
	if _, err := s.readUntil(EOL); err != nil {
		return fmt.Errorf("waiting for echo: %w", err)
	}
	return nil
}

func (s *Storage) write(p []byte) error {
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("writing to device: %w", err)
	}
	return nil
}

// readUntil reads until marker has been consumed and returns the data
// including the marker.
func (s *Storage) readUntil(marker string) ([]byte, error) {
	var buf []byte
	m := []byte(marker)
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return buf, ErrTimeout
			}
			return buf, fmt.Errorf("reading from device: %w", err)
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, m) {
			return buf, nil
		}
	}
}

// stallReader turns an empty read into ErrTimeout. Serial ports return
// (0, nil) once their read timeout elapses, which bufio would otherwise retry.
type stallReader struct {
	r io.Reader
}

func (s stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}

func quote(path string) string {
	return `"` + path + `"`
}

func hasError(answer string) bool {
	return strings.Contains(answer, "Error") || strings.Contains(answer, "error")
}

func storageError(path, answer string) error {
	if strings.Contains(answer, notExistText) {
		return fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	msg := answer
	if i := strings.Index(answer, ": "); i >= 0 {
		msg = answer[i+2:]
	}
	return fmt.Errorf("%w: %s: %s", ErrStorage, path, msg)
}

// parseSize extracts the byte count from "File, size: 123b"
func parseSize(answer string) (int64, error) {
	i := strings.LastIndex(answer, ": ")
	if i < 0 {
		return 0, fmt.Errorf("malformed size in %q", answer)
	}
	field := strings.TrimSuffix(strings.TrimSpace(answer[i+2:]), "b")
	size, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed size in %q: %w", answer, err)
	}
	return size, nil
}
