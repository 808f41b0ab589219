package pieces

import (
	"math/rand"
	"sort"
)

// Selector produces piece indices in download-priority order. Pieces
// nobody advertises (count zero) and pieces the local side already has
// are never emitted.
type Selector interface {
	SelectPieces(stats *Statistics, have func(pieceNo int) bool) []int
}

// Keys pack (pieceIndex<<32)|count; orderedQueue sorts them with a
// comparator on count ascending, then piece index ascending.
func packKey(pieceIndex, count int) uint64 {
	return uint64(pieceIndex)<<32 | uint64(uint32(count))
}

func keyPieceIndex(key uint64) int {
	return int(key >> 32)
}

func keyCount(key uint64) int {
	return int(uint32(key))
}

func orderedQueue(stats *Statistics, have func(int) bool) []uint64 {
	counts := stats.Snapshot()
	queue := make([]uint64, 0, len(counts))
	for pieceIndex, count := range counts {
		if count > 0 && !have(pieceIndex) {
			queue = append(queue, packKey(pieceIndex, count))
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		ci, cj := keyCount(queue[i]), keyCount(queue[j])
		if ci != cj {
			return ci < cj
		}
		return keyPieceIndex(queue[i]) < keyPieceIndex(queue[j])
	})
	return queue
}

type rarestFirst struct {
	random *rand.Rand
}

// RarestFirst emits pieces by non-decreasing availability; pieces with
// equal availability come in ascending index order.
func RarestFirst() Selector {
	return &rarestFirst{}
}

// RandomizedRarest shuffles within runs of equal availability, so ties
// are broken fairly but a rarer piece never trails a more available one.
func RandomizedRarest(random *rand.Rand) Selector {
	return &rarestFirst{random: random}
}

func (s *rarestFirst) SelectPieces(stats *Statistics, have func(int) bool) []int {
	queue := orderedQueue(stats, have)
	if s.random != nil {
		for start := 0; start < len(queue); {
			end := start + 1
			for end < len(queue) && keyCount(queue[end]) == keyCount(queue[start]) {
				end++
			}
			run := queue[start:end]
			s.random.Shuffle(len(run), func(i, j int) {
				run[i], run[j] = run[j], run[i]
			})
			start = end
		}
	}
	out := make([]int, len(queue))
	for i, key := range queue {
		out[i] = keyPieceIndex(key)
	}
	return out
}

type sequential struct{}

// Sequential emits available missing pieces in ascending index order.
func Sequential() Selector {
	return sequential{}
}

func (sequential) SelectPieces(stats *Statistics, have func(int) bool) []int {
	counts := stats.Snapshot()
	var out []int
	for pieceIndex, count := range counts {
		if count > 0 && !have(pieceIndex) {
			out = append(out, pieceIndex)
		}
	}
	return out
}
