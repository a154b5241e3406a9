package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystemRoundTrip(t *testing.T) {
	var fsys FileSystem = OSFileSystem{}
	path := filepath.Join(t.TempDir(), "frames.bin")

	assert.False(t, fsys.Exists(path))
	require.NoError(t, fsys.WriteFile(path, []byte{0xAA, 0xBB}, 0o644))
	assert.True(t, fsys.Exists(path))

	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)
}

func TestMemoryFileSystem(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.ReadFile("/dump/frames.bin")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	src := []byte{1, 2, 3}
	require.NoError(t, mfs.WriteFile("/dump/../dump/frames.bin", src, 0o644))
	src[0] = 9
	assert.True(t, mfs.Exists("/dump/frames.bin"))

	data, err := mfs.ReadFile("/dump/frames.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data, "writes are copied")

	data[1] = 9
	again, err := mfs.ReadFile("/dump/frames.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again, "reads are copied")
}
