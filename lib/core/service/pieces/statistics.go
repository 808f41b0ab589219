package pieces

import (
	"sync"

	"example.com/btengine/lib/core/domain"
)

// Statistics tracks per-piece availability: how many connected peers
// advertise each piece. Mutated on bitfield and have events, read by
// the selectors.
type Statistics struct {
	mu     sync.RWMutex
	counts []int
}

func NewStatistics(piecesTotal int) *Statistics {
	return &Statistics{counts: make([]int, piecesTotal)}
}

func (s *Statistics) PiecesTotal() int {
	return len(s.counts)
}

func (s *Statistics) AddBitfield(pl domain.PieceList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.counts {
		if pl.ContainPiece(uint32(i)) {
			s.counts[i]++
		}
	}
}

// RemoveBitfield reverts a peer's advertisement on disconnect.
func (s *Statistics) RemoveBitfield(pl domain.PieceList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.counts {
		if pl.ContainPiece(uint32(i)) {
			s.counts[i]--
		}
	}
}

func (s *Statistics) AddHave(pieceNo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceNo >= 0 && pieceNo < len(s.counts) {
		s.counts[pieceNo]++
	}
}

func (s *Statistics) Count(pieceNo int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[pieceNo]
}

func (s *Statistics) Snapshot() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.counts...)
}
