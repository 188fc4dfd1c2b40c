package flipper

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/irdbsync/internal/flipper/fliptest"
)

func localTree(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for p, content := range files {
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0o644))
	}
	return fs
}

func startOps(t *testing.T, local billy.Filesystem, opts ...fliptest.Option) (*Operations, *fliptest.Device) {
	t.Helper()
	s, dev := startStorage(t, 0, opts...)
	return NewOperations(s, local, testLogger()), dev
}

func TestMkpath(t *testing.T) {
	ops, dev := startOps(t, memfs.New())

	require.NoError(t, ops.Mkpath(context.Background(), "/ext/infrared/TVs/Samsung"))
	assert.Subset(t, dev.Dirs(), []string{"/ext/infrared", "/ext/infrared/TVs", "/ext/infrared/TVs/Samsung"})

	before := dev.CountCommands("storage mkdir")
	require.NoError(t, ops.Mkpath(context.Background(), "/ext/infrared/TVs/"))
	assert.Equal(t, before, dev.CountCommands("storage mkdir"), "existing path must not be recreated")
}

func TestRecursiveSend_Force(t *testing.T) {
	local := localTree(t, map[string]string{
		"_IR_/TVs/Samsung/UE40.ir": "samsung",
		"_IR_/TVs/LG.ir":           "lg",
		"_IR_/ACs/Daikin.ir":       "daikin",
	})
	ops, dev := startOps(t, local,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithDir("/ext/infrared/TVs"),
		fliptest.WithFile("/ext/infrared/TVs/LG.ir", "lg"),
		fliptest.WithFile("/ext/infrared/Fans.ir", "untouched"),
	)

	require.NoError(t, ops.RecursiveSend(context.Background(), "/ext/infrared", "_IR_", true))

	files := dev.Files()
	assert.Equal(t, "samsung", files["/ext/infrared/TVs/Samsung/UE40.ir"])
	assert.Equal(t, "lg", files["/ext/infrared/TVs/LG.ir"])
	assert.Equal(t, "daikin", files["/ext/infrared/ACs/Daikin.ir"])
	assert.Equal(t, "untouched", files["/ext/infrared/Fans.ir"])

	// Forced: identical remote content is re-sent and never hashed
	assert.Equal(t, 3, dev.CountCommands("storage write_chunk"))
	assert.Zero(t, dev.CountCommands("storage md5"))
}

func TestRecursiveSend_SkipsUnchangedWithoutForce(t *testing.T) {
	local := localTree(t, map[string]string{
		"_IR_/TVs/LG.ir":   "lg",
		"_IR_/TVs/Sony.ir": "sony v2",
	})
	ops, dev := startOps(t, local,
		fliptest.WithDir("/ext/infrared"),
		fliptest.WithDir("/ext/infrared/TVs"),
		fliptest.WithFile("/ext/infrared/TVs/LG.ir", "lg"),
		fliptest.WithFile("/ext/infrared/TVs/Sony.ir", "sony v1"),
	)

	require.NoError(t, ops.RecursiveSend(context.Background(), "/ext/infrared", "_IR_", false))

	assert.Equal(t, "sony v2", dev.Files()["/ext/infrared/TVs/Sony.ir"])
	assert.Equal(t, 1, dev.CountCommands("storage write_chunk"), "only the changed file is sent")
}

func TestRecursiveSend_SingleFile(t *testing.T) {
	local := localTree(t, map[string]string{"remote.ir": "single"})
	ops, dev := startOps(t, local, fliptest.WithDir("/ext/infrared"))

	require.NoError(t, ops.RecursiveSend(context.Background(), "/ext/infrared/remote.ir", "remote.ir", true))
	assert.Equal(t, "single", dev.Files()["/ext/infrared/remote.ir"])
}

func TestRecursiveSend_Errors(t *testing.T) {
	t.Run("missing local path", func(t *testing.T) {
		ops, _ := startOps(t, memfs.New())
		assert.Error(t, ops.RecursiveSend(context.Background(), "/ext/infrared", "_IR_", true))
	})

	t.Run("device write failure aborts", func(t *testing.T) {
		local := localTree(t, map[string]string{
			"_IR_/TVs/LG.ir":   "lg",
			"_IR_/TVs/Sony.ir": "sony",
		})
		ops, dev := startOps(t, local, fliptest.WithFailure("write_chunk"))

		err := ops.RecursiveSend(context.Background(), "/ext/infrared", "_IR_", true)
		require.ErrorIs(t, err, ErrStorage)
		assert.Equal(t, 1, dev.CountCommands("storage write_chunk"), "no retry and no further files")
	})

	t.Run("mkdir failure aborts", func(t *testing.T) {
		local := localTree(t, map[string]string{"_IR_/TVs/LG.ir": "lg"})
		ops, dev := startOps(t, local, fliptest.WithFailure("mkdir"))

		err := ops.RecursiveSend(context.Background(), "/ext/infrared", "_IR_", true)
		require.ErrorIs(t, err, ErrStorage)
		assert.Zero(t, dev.CountCommands("storage write_chunk"))
	})
}
