package filestore

import (
	"bytes"
	"testing"

	"example.com/btengine/lib/core/adapter/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_OpenUnit_CreatesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := Factory{Fs: fs, BasePath: "/data"}

	unit, err := f.OpenUnit([]string{"sub", "file.bin"}, 100)
	require.NoError(t, err)
	defer unit.Close()

	assert.Equal(t, int64(100), unit.Capacity())
	assert.Equal(t, int64(0), unit.Size())

	exists, err := afero.Exists(fs, "/data/sub/file.bin")
	require.NoError(t, err)
	assert.True(t, exists)
}

func Test_WriteRead_RoundTrip(t *testing.T) {
	f := Factory{Fs: afero.NewMemMapFs(), BasePath: "/data"}
	unit, err := f.OpenUnit([]string{"file.bin"}, 64)
	require.NoError(t, err)
	defer unit.Close()

	payload := bytes.Repeat([]byte{0xAB}, 32)
	require.NoError(t, storage.WriteFully(unit, payload, 16))
	assert.Equal(t, int64(48), unit.Size())

	got := make([]byte, 32)
	require.NoError(t, storage.ReadFully(unit, got, 16))
	assert.Equal(t, payload, got)
}

// Reads and writes clamp at capacity instead of growing the file.
func Test_CapacityClamp(t *testing.T) {
	f := Factory{Fs: afero.NewMemMapFs(), BasePath: "/data"}
	unit, err := f.OpenUnit([]string{"file.bin"}, 10)
	require.NoError(t, err)
	defer unit.Close()

	n, err := unit.WriteBlock(make([]byte, 20), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(10), unit.Size())

	_, err = unit.WriteBlock(make([]byte, 4), 10)
	assert.Error(t, err)

	buf := make([]byte, 20)
	n, err = unit.ReadBlock(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

// An oversized existing file is truncated back to the declared length.
func Test_OpenUnit_TruncatesOversized(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/file.bin", make([]byte, 200), 0644))

	f := Factory{Fs: fs, BasePath: "/data"}
	unit, err := f.OpenUnit([]string{"file.bin"}, 100)
	require.NoError(t, err)
	defer unit.Close()
	assert.Equal(t, int64(100), unit.Size())
}
