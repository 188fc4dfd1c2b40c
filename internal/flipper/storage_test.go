package flipper

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/irdbsync/internal/flipper/fliptest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStorage connects a Storage to a simulated device and closes it on cleanup.
func startStorage(t *testing.T, chunkSize int, opts ...fliptest.Option) (*Storage, *fliptest.Device) {
	t.Helper()
	dev := fliptest.New(opts...)
	s := NewStorage(dev.Conn(), chunkSize, testLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		dev.Wait()
	})
	return s, dev
}

func TestStorage_Start(t *testing.T) {
	_, dev := startStorage(t, 0)
	assert.Equal(t, []string{"device_info"}, dev.Commands())
}

func TestStorage_StartFailsOnHangup(t *testing.T) {
	dev := fliptest.New(fliptest.WithHangup())
	s := NewStorage(dev.Conn(), 0, testLogger())
	err := s.Start(context.Background())
	require.Error(t, err)
	_ = s.Close()
	dev.Wait()
}

// silentConn behaves like a serial port whose read timeout keeps elapsing
type silentConn struct {
	reads int
}

func (c *silentConn) Read(_ []byte) (int, error) {
	c.reads++
	return 0, nil
}

func (c *silentConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *silentConn) Close() error              { return nil }

func TestStorage_StartTimesOutAfterOneEmptyRead(t *testing.T) {
	conn := &silentConn{}
	s := NewStorage(conn, 0, testLogger())

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, conn.reads, "an empty read must not be retried")
}

func TestStorage_CommandsRequireStart(t *testing.T) {
	dev := fliptest.New()
	s := NewStorage(dev.Conn(), 0, testLogger())
	defer func() {
		_ = s.Close()
		dev.Wait()
	}()

	_, err := s.Stat(context.Background(), "/ext")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStorage_Stat(t *testing.T) {
	s, _ := startStorage(t, 0,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithFile("/ext/infrared/tv.ir", "12345"),
	)
	ctx := context.Background()

	info, err := s.Stat(ctx, "/ext")
	require.NoError(t, err)
	assert.Equal(t, TypeStorage, info.Type)
	assert.True(t, info.IsDir())

	info, err = s.Stat(ctx, "/ext/infrared")
	require.NoError(t, err)
	assert.Equal(t, TypeDir, info.Type)

	info, err = s.Stat(ctx, "/ext/infrared/tv.ir")
	require.NoError(t, err)
	assert.Equal(t, Info{Type: TypeFile, Size: 5}, info)
	assert.False(t, info.IsDir())

	_, err = s.Stat(ctx, "/ext/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStorage_Exists(t *testing.T) {
	s, _ := startStorage(t, 0,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithFile("/ext/infrared/tv.ir", "x"),
	)
	ctx := context.Background()

	tests := []struct {
		path     string
		wantDir  bool
		wantFile bool
	}{
		{path: "/ext", wantDir: true},
		{path: "/ext/infrared", wantDir: true},
		{path: "/ext/infrared/tv.ir", wantFile: true},
		{path: "/ext/nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			isDir, err := s.ExistsDir(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDir, isDir)

			isFile, err := s.ExistsFile(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFile, isFile)
		})
	}
}

func TestStorage_MkdirAndRemove(t *testing.T) {
	s, dev := startStorage(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Mkdir(ctx, "/ext/infrared"))
	assert.Contains(t, dev.Dirs(), "/ext/infrared")

	err := s.Mkdir(ctx, "/ext/infrared")
	assert.ErrorIs(t, err, ErrStorage, "mkdir of an existing directory is a storage error")

	err = s.Mkdir(ctx, "/ext/a/b")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, s.Remove(ctx, "/ext/infrared"))
	assert.NotContains(t, dev.Dirs(), "/ext/infrared")

	assert.ErrorIs(t, s.Remove(ctx, "/ext/infrared"), fs.ErrNotExist)
}

func TestStorage_WriteFileChunks(t *testing.T) {
	s, dev := startStorage(t, 4, fliptest.WithDir("/ext/infrared"))
	ctx := context.Background()

	content := "Filetype: IR signals file\n"
	require.NoError(t, s.WriteFile(ctx, "/ext/infrared/tv.ir", strings.NewReader(content)))

	assert.Equal(t, content, dev.Files()["/ext/infrared/tv.ir"])
	wantChunks := (len(content) + 3) / 4
	assert.Equal(t, wantChunks, dev.CountCommands("storage write_chunk"))
}

func TestStorage_WriteFileReplaces(t *testing.T) {
	s, dev := startStorage(t, 0,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithFile("/ext/infrared/tv.ir", "old content that is longer"),
	)

	require.NoError(t, s.WriteFile(context.Background(), "/ext/infrared/tv.ir", bytes.NewReader([]byte("new"))))
	assert.Equal(t, "new", dev.Files()["/ext/infrared/tv.ir"])
}

func TestStorage_WriteFileErrors(t *testing.T) {
	t.Run("missing parent", func(t *testing.T) {
		s, _ := startStorage(t, 0)
		err := s.WriteFile(context.Background(), "/ext/nowhere/tv.ir", strings.NewReader("x"))
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("device rejects chunk", func(t *testing.T) {
		s, _ := startStorage(t, 0, fliptest.WithDir("/ext/infrared"), fliptest.WithFailure("write_chunk"))
		err := s.WriteFile(context.Background(), "/ext/infrared/tv.ir", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrStorage)

		// The session stays usable after a rejected chunk
		_, err = s.Stat(context.Background(), "/ext")
		assert.NoError(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s, _ := startStorage(t, 0, fliptest.WithDir("/ext/infrared"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.WriteFile(ctx, "/ext/infrared/tv.ir", strings.NewReader("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStorage_MD5(t *testing.T) {
	s, _ := startStorage(t, 0,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithFile("/ext/infrared/tv.ir", "hello"),
	)

	sum, err := s.MD5(context.Background(), "/ext/infrared/tv.ir")
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)

	_, err = s.MD5(context.Background(), "/ext/infrared/none.ir")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		answer  string
		want    int64
		wantErr bool
	}{
		{answer: "File, size: 123b", want: 123},
		{answer: "File, size: 0b", want: 0},
		{answer: "File, size: b", wantErr: true},
		{answer: "File", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			got, err := parseSize(tt.answer)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStorageError(t *testing.T) {
	assert.ErrorIs(t, storageError("/ext/x", "Storage error: file/dir not exist"), fs.ErrNotExist)

	err := storageError("/ext/x", "Storage error: internal error")
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "internal error")
}
