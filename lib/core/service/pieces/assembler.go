package pieces

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	"example.com/btengine/lib/logger"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

var l_assembler = logger.Named("assembler")

type AddBlockResult int

const (
	BlockAccepted AddBlockResult = iota
	BlockDuplicate
	PieceCompleted
	PieceMismatched
)

type pieceBuffer struct {
	data         []byte
	received     bitmap.Bitmap
	remaining    int
	contributors mapset.Set
}

// Assembler buffers incoming blocks per piece. When the last block of a
// piece arrives the whole piece is hashed; a match commits it to the
// store, a mismatch discards the buffer and surfaces the contributing
// peers for attribution.
type Assembler struct {
	store     *Store
	blockSize int

	mu       sync.Mutex
	inflight map[int]*pieceBuffer
}

func NewAssembler(store *Store, blockSize int) *Assembler {
	return &Assembler{
		store:     store,
		blockSize: blockSize,
		inflight:  make(map[int]*pieceBuffer),
	}
}

func (a *Assembler) BlocksInPiece(pieceNo int) int {
	size := a.store.Torrent().PieceSize(pieceNo)
	return (size + a.blockSize - 1) / a.blockSize
}

func (a *Assembler) BlockLength(pieceNo, blockNo int) int {
	size := a.store.Torrent().PieceSize(pieceNo)
	if length := size - blockNo*a.blockSize; length < a.blockSize {
		return length
	}
	return a.blockSize
}

// AddBlock ingests one received block. On PieceMismatched the returned
// set holds the peers that contributed to the discarded piece.
func (a *Assembler) AddBlock(from string, pieceNo, offset int, data []byte) (AddBlockResult, mapset.Set, error) {
	if offset%a.blockSize != 0 {
		return 0, nil, fmt.Errorf("pieces: block offset %d not aligned to %d", offset, a.blockSize)
	}
	blockNo := offset / a.blockSize
	if blockNo >= a.BlocksInPiece(pieceNo) {
		return 0, nil, fmt.Errorf("pieces: block %d outside piece %d", blockNo, pieceNo)
	}
	if len(data) != a.BlockLength(pieceNo, blockNo) {
		return 0, nil, fmt.Errorf("pieces: block (%d,%d) length %d, want %d",
			pieceNo, offset, len(data), a.BlockLength(pieceNo, blockNo))
	}

	a.mu.Lock()
	buf, ok := a.inflight[pieceNo]
	if !ok {
		buf = &pieceBuffer{
			data:         make([]byte, a.store.Torrent().PieceSize(pieceNo)),
			received:     bitmap.New(a.BlocksInPiece(pieceNo)),
			remaining:    a.BlocksInPiece(pieceNo),
			contributors: mapset.NewSet(),
		}
		a.inflight[pieceNo] = buf
	}
	if buf.received.Get(blockNo) {
		a.mu.Unlock()
		return BlockDuplicate, nil, nil
	}
	copy(buf.data[offset:], data)
	buf.received.Set(blockNo, true)
	buf.remaining--
	buf.contributors.Add(from)
	if buf.remaining > 0 {
		a.mu.Unlock()
		return BlockAccepted, nil, nil
	}
	delete(a.inflight, pieceNo)
	a.mu.Unlock()

	digest := sha1.Sum(buf.data)
	if !bytes.Equal(digest[:], a.store.Torrent().PieceDigest(pieceNo)) {
		l_assembler.Sugar().Infow("hash mismatch", "piece", pieceNo, "contributors", buf.contributors.Cardinality())
		return PieceMismatched, buf.contributors, nil
	}
	if err := a.store.CommitPiece(pieceNo, buf.data); err != nil {
		return 0, buf.contributors, err
	}
	return PieceCompleted, buf.contributors, nil
}

// Discard drops any partial buffer for the piece, returning it to the
// selectable pool.
func (a *Assembler) Discard(pieceNo int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, pieceNo)
}

// MissingBlocks lists block offsets of the piece not yet received;
// used to fill request queues and for endgame duplication.
func (a *Assembler) MissingBlocks(pieceNo int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	blocks := a.BlocksInPiece(pieceNo)
	buf, ok := a.inflight[pieceNo]
	var out []int
	for i := 0; i < blocks; i++ {
		if !ok || !buf.received.Get(i) {
			out = append(out, i*a.blockSize)
		}
	}
	return out
}
