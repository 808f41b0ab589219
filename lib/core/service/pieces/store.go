package pieces

import (
	"errors"
	"fmt"
	"sync"

	"example.com/btengine/lib/core/adapter/storage"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/logger"

	bitmap "github.com/boljen/go-bitmap"
)

var l_store = logger.Named("store")

// ErrStalled marks a descriptor that failed storage I/O on the same
// piece three times in a row, or failed to read back a verified piece.
var ErrStalled = errors.New("pieces: descriptor stalled on storage errors")

const maxConsecutiveFailures = 3

// Span addresses a contiguous byte range inside one storage unit.
type Span struct {
	Unit   storage.Unit
	Offset int64
	Length int
}

// Store owns the piece-to-storage mapping for one torrent: the span
// translation over the flat byte layout, the digest table and the
// verified bitfield. The bitfield only ever gains bits, and a bit is
// set under the same lock as the piece write so verified implies
// durable.
type Store struct {
	torrent domain.Torrent

	units       []storage.Unit
	fileOffsets []int64

	mu            sync.Mutex
	verified      bitmap.Bitmap
	verifiedCount int
	failures      map[int]int
	stalled       bool
	closed        bool

	onVerified []func(pieceNo int)
}

func NewStore(t domain.Torrent, factory storage.Factory) (*Store, error) {
	files := t.AllFiles()
	units := make([]storage.Unit, 0, len(files))
	offsets := make([]int64, 0, len(files))
	var offset int64
	for _, f := range files {
		unit, err := factory.OpenUnit(f.Path, int64(f.Length))
		if err != nil {
			for _, u := range units {
				u.Close()
			}
			return nil, err
		}
		units = append(units, unit)
		offsets = append(offsets, offset)
		offset += int64(f.Length)
	}
	return &Store{
		torrent:     t,
		units:       units,
		fileOffsets: offsets,
		verified:    bitmap.New(t.PiecesCount()),
		failures:    make(map[int]int),
	}, nil
}

// OnPieceVerified registers a listener; verification happens-before the
// call.
func (s *Store) OnPieceVerified(fn func(pieceNo int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVerified = append(s.onVerified, fn)
}

func (s *Store) Torrent() domain.Torrent {
	return s.torrent
}

// Spans translates (pieceNo, offset, length) into storage-unit ranges,
// crossing file boundaries as needed.
func (s *Store) Spans(pieceNo, offset, length int) ([]Span, error) {
	abs := int64(pieceNo)*int64(s.torrent.PieceLength) + int64(offset)
	if pieceNo < 0 || pieceNo >= s.torrent.PiecesCount() {
		return nil, fmt.Errorf("pieces: piece %d out of range", pieceNo)
	}
	if offset < 0 || length < 0 || abs+int64(length) > int64(s.torrent.TorrentLength()) {
		return nil, fmt.Errorf("pieces: block (%d,%d,%d) outside torrent", pieceNo, offset, length)
	}

	var spans []Span
	for i := 0; i < len(s.units) && length > 0; i++ {
		fileEnd := s.fileOffsets[i] + s.units[i].Capacity()
		if abs >= fileEnd {
			continue
		}
		intra := abs - s.fileOffsets[i]
		n := int(fileEnd - abs)
		if n > length {
			n = length
		}
		spans = append(spans, Span{Unit: s.units[i], Offset: intra, Length: n})
		abs += int64(n)
		length -= n
	}
	return spans, nil
}

// ReadBlock serves the upload path. A failed read of a range that was
// previously written is fatal for the descriptor.
func (s *Store) ReadBlock(pieceNo, offset, length int) ([]byte, error) {
	spans, err := s.Spans(pieceNo, offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, sp := range spans {
		buf := make([]byte, sp.Length)
		if err := storage.ReadFully(sp.Unit, buf, sp.Offset); err != nil {
			s.mu.Lock()
			if s.verified.Get(pieceNo) {
				s.stalled = true
				l_store.Sugar().Errorw("descriptor stalled on read-back", "piece", pieceNo, "err", err.Error())
			}
			s.mu.Unlock()
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

// CommitPiece writes a verified piece through to storage and sets its
// bit. The write and the bit update share the lock.
func (s *Store) CommitPiece(pieceNo int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pieces: store closed")
	}
	if s.stalled {
		return ErrStalled
	}
	if s.verified.Get(pieceNo) {
		return nil
	}
	if len(data) != s.torrent.PieceSize(pieceNo) {
		return fmt.Errorf("pieces: piece %d size %d, want %d", pieceNo, len(data), s.torrent.PieceSize(pieceNo))
	}

	spans, err := s.Spans(pieceNo, 0, len(data))
	if err != nil {
		return err
	}
	written := 0
	for _, sp := range spans {
		if err := storage.WriteFully(sp.Unit, data[written:written+sp.Length], sp.Offset); err != nil {
			s.failures[pieceNo]++
			if s.failures[pieceNo] >= maxConsecutiveFailures {
				s.stalled = true
				l_store.Sugar().Errorw("descriptor stalled", "piece", pieceNo, "err", err.Error())
				return ErrStalled
			}
			return err
		}
		written += sp.Length
	}
	delete(s.failures, pieceNo)
	s.verified.Set(pieceNo, true)
	s.verifiedCount++
	listeners := append([]func(int){}, s.onVerified...)

	// fire outside the lock; the bit is already durable
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(pieceNo)
	}
	s.mu.Lock()
	return nil
}

// MarkVerified restores a bit from persisted resume state without
// rewriting data.
func (s *Store) MarkVerified(pieceNo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verified.Get(pieceNo) {
		s.verified.Set(pieceNo, true)
		s.verifiedCount++
	}
}

func (s *Store) IsVerified(pieceNo int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Get(pieceNo)
}

func (s *Store) VerifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifiedCount
}

func (s *Store) Complete() bool {
	return s.VerifiedCount() == s.torrent.PiecesCount()
}

func (s *Store) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Bitfield snapshots the verified set in wire order.
func (s *Store) Bitfield() domain.PieceList {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := domain.NewPieceList(s.torrent.PiecesCount())
	for i := 0; i < s.torrent.PiecesCount(); i++ {
		if s.verified.Get(i) {
			pl.SetPiece(uint32(i))
		}
	}
	return pl
}

// Close closes every unit and reports the first error; the store is
// unusable afterwards regardless.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, u := range s.units {
		if err := u.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
