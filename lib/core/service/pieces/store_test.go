package pieces

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/platform/filestore"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memFactory() filestore.Factory {
	return filestore.Factory{Fs: afero.NewMemMapFs(), BasePath: "/data"}
}

func digestsOf(pieceData ...[]byte) string {
	var sb bytes.Buffer
	for _, p := range pieceData {
		d := sha1.Sum(p)
		sb.Write(d[:])
	}
	return sb.String()
}

func singleFileTorrent(pieceLength int, data []byte) domain.Torrent {
	var pieceData [][]byte
	for i := 0; i < len(data); i += pieceLength {
		end := i + pieceLength
		if end > len(data) {
			end = len(data)
		}
		pieceData = append(pieceData, data[i:end])
	}
	return domain.Torrent{
		Name:        "single.bin",
		PieceLength: pieceLength,
		Pieces:      digestsOf(pieceData...),
		Length:      len(data),
	}
}

func Test_Spans_SingleFile(t *testing.T) {
	tor := singleFileTorrent(64, make([]byte, 200))
	store, err := NewStore(tor, memFactory())
	require.NoError(t, err)
	defer store.Close()

	spans, err := store.Spans(1, 16, 32)
	require.NoError(t, err)
	require.Equal(t, 1, len(spans))
	assert.Equal(t, int64(80), spans[0].Offset)
	assert.Equal(t, 32, spans[0].Length)
}

func Test_Spans_CrossFileBoundaries(t *testing.T) {
	tor := domain.Torrent{
		Name:        "multi",
		PieceLength: 100,
		Pieces:      digestsOf(make([]byte, 100), make([]byte, 100), make([]byte, 50)),
		Files: []domain.FileInfo{
			{Length: 30, Path: []string{"a"}},
			{Length: 120, Path: []string{"b"}},
			{Length: 100, Path: []string{"sub", "c"}},
		},
	}
	store, err := NewStore(tor, memFactory())
	require.NoError(t, err)
	defer store.Close()

	// piece 0 covers file a entirely and 70 bytes of b
	spans, err := store.Spans(0, 0, 100)
	require.NoError(t, err)
	require.Equal(t, 2, len(spans))
	assert.Equal(t, 30, spans[0].Length)
	assert.Equal(t, int64(0), spans[1].Offset)
	assert.Equal(t, 70, spans[1].Length)

	// a block crossing b into c
	spans, err = store.Spans(1, 40, 60)
	require.NoError(t, err)
	require.Equal(t, 2, len(spans))
	assert.Equal(t, 10, spans[0].Length)
	assert.Equal(t, 50, spans[1].Length)

	// out of range
	_, err = store.Spans(2, 0, 51)
	assert.Error(t, err)
	_, err = store.Spans(3, 0, 1)
	assert.Error(t, err)
}

func Test_CommitPiece_ReadBack(t *testing.T) {
	payload := bytes.Repeat([]byte{'A'}, 100)
	tor := domain.Torrent{
		Name:        "multi",
		PieceLength: 100,
		Pieces:      digestsOf(payload),
		Files: []domain.FileInfo{
			{Length: 30, Path: []string{"a"}},
			{Length: 70, Path: []string{"b"}},
		},
	}
	store, err := NewStore(tor, memFactory())
	require.NoError(t, err)
	defer store.Close()

	var verified []int
	store.OnPieceVerified(func(pieceNo int) { verified = append(verified, pieceNo) })

	require.NoError(t, store.CommitPiece(0, payload))
	assert.Equal(t, []int{0}, verified)
	assert.True(t, store.IsVerified(0))
	assert.True(t, store.Complete())

	got, err := store.ReadBlock(0, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, payload[10:60], got)

	// committing again is a no-op, the bitfield never regresses
	require.NoError(t, store.CommitPiece(0, payload))
	assert.Equal(t, []int{0}, verified)

	bf := store.Bitfield()
	assert.True(t, bf.ContainPiece(0))
}

func Test_CommitPiece_WrongSize(t *testing.T) {
	tor := singleFileTorrent(64, make([]byte, 64))
	store, err := NewStore(tor, memFactory())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.CommitPiece(0, make([]byte, 63)))
	assert.False(t, store.IsVerified(0))
}

func Test_MarkVerified_Resume(t *testing.T) {
	tor := singleFileTorrent(64, make([]byte, 200))
	store, err := NewStore(tor, memFactory())
	require.NoError(t, err)
	defer store.Close()

	store.MarkVerified(1)
	store.MarkVerified(1)
	assert.Equal(t, 1, store.VerifiedCount())
	assert.True(t, store.IsVerified(1))
	assert.False(t, store.Complete())
}
