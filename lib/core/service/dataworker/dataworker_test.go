package dataworker

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/platform/filestore"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*pieces.Store, []byte) {
	t.Helper()
	payload := bytes.Repeat([]byte{'D'}, 64)
	digest := sha1.Sum(payload)
	tor := domain.Torrent{
		Name:        "f.bin",
		PieceLength: 64,
		Pieces:      string(digest[:]),
		Length:      64,
	}
	store, err := pieces.NewStore(tor, filestore.Factory{Fs: afero.NewMemMapFs(), BasePath: "/data"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CommitPiece(0, payload))
	return store, payload
}

func Test_AddBlockRequest(t *testing.T) {
	store, payload := testStore(t)
	w := New(store, 2)

	block := <-w.AddBlockRequest(0, 8, 16)
	require.NoError(t, block.Err)
	assert.False(t, block.Rejected)
	assert.Equal(t, payload[8:24], block.Data)
}

func Test_AddBlockRequest_BadRange(t *testing.T) {
	store, _ := testStore(t)
	w := New(store, 2)

	block := <-w.AddBlockRequest(0, 60, 16)
	assert.Error(t, block.Err)
}

func Test_AddBlockRequest_RejectsWhenSaturated(t *testing.T) {
	store, _ := testStore(t)
	w := New(store, 1)

	// hold the only slot
	require.True(t, w.sem.TryAcquire(1))
	block := <-w.AddBlockRequest(0, 0, 8)
	assert.True(t, block.Rejected)
	w.sem.Release(1)

	select {
	case block = <-w.AddBlockRequest(0, 0, 8):
		require.NoError(t, block.Err)
	case <-time.After(time.Second):
		t.Fatal("read did not complete")
	}
}
