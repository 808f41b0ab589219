package assignments

import (
	"sync"
	"time"

	"example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/logger"

	mapset "github.com/deckarep/golang-set"
)

var l_assignments = logger.Named("assignments")

type Status int

const (
	Active Status = iota
	Done
	Failed
)

// Assignment reserves one piece for one peer, with a deadline after
// which the reservation is taken away and the peer blamed.
type Assignment struct {
	Key      domain.ConnectionKey
	PieceNo  int
	Deadline time.Time
	Status   Status
}

// Assignments is the global (peer, piece) reservation table. Outside
// endgame a piece is reserved by at most one peer; once fewer than the
// endgame threshold of pieces remain, the same piece may be handed to
// several peers at once.
type Assignments struct {
	Clock            clock.Clock
	MaxPerPeer       int
	Deadline         time.Duration
	EndgameThreshold int

	mu      sync.Mutex
	byPeer  map[domain.ConnectionKey]map[int]*Assignment
	byPiece map[int]mapset.Set
	blame   map[domain.ConnectionKey]int
	endgame bool
}

func New(clk clock.Clock, maxPerPeer int, deadline time.Duration, endgameThreshold int) *Assignments {
	return &Assignments{
		Clock:            clk,
		MaxPerPeer:       maxPerPeer,
		Deadline:         deadline,
		EndgameThreshold: endgameThreshold,
		byPeer:           make(map[domain.ConnectionKey]map[int]*Assignment),
		byPiece:          make(map[int]mapset.Set),
		blame:            make(map[domain.ConnectionKey]int),
	}
}

// UpdateEndgame flips endgame mode from the count of unverified pieces.
func (a *Assignments) UpdateEndgame(remaining int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.endgame
	a.endgame = remaining > 0 && remaining < a.EndgameThreshold
	if a.endgame && !was {
		l_assignments.Sugar().Infow("entering endgame", "remaining", remaining)
	}
}

func (a *Assignments) Endgame() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endgame
}

// Claim walks candidate pieces in selector order and reserves up to the
// peer's free slots, skipping pieces the peer does not advertise and,
// outside endgame, pieces already reserved elsewhere.
func (a *Assignments) Claim(key domain.ConnectionKey, candidates []int, peerHas func(pieceNo int) bool) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	mine := a.byPeer[key]
	if mine == nil {
		mine = make(map[int]*Assignment)
		a.byPeer[key] = mine
	}
	free := a.MaxPerPeer - len(mine)
	var claimed []int
	for _, pieceNo := range candidates {
		if free <= 0 {
			break
		}
		if _, dup := mine[pieceNo]; dup {
			continue
		}
		if !peerHas(pieceNo) {
			continue
		}
		holders := a.byPiece[pieceNo]
		if holders != nil && holders.Cardinality() > 0 && !a.endgame {
			continue
		}
		asg := &Assignment{
			Key:      key,
			PieceNo:  pieceNo,
			Deadline: a.Clock.Now().Add(a.Deadline),
			Status:   Active,
		}
		mine[pieceNo] = asg
		if holders == nil {
			holders = mapset.NewSet()
			a.byPiece[pieceNo] = holders
		}
		holders.Add(key)
		claimed = append(claimed, pieceNo)
		free--
	}
	return claimed
}

// Pieces returns the peer's active reservations.
func (a *Assignments) Pieces(key domain.ConnectionKey) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for pieceNo := range a.byPeer[key] {
		out = append(out, pieceNo)
	}
	return out
}

// Holders lists every peer holding the piece; more than one only in
// endgame.
func (a *Assignments) Holders(pieceNo int) []domain.ConnectionKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	holders := a.byPiece[pieceNo]
	if holders == nil {
		return nil
	}
	var out []domain.ConnectionKey
	for _, v := range holders.ToSlice() {
		out = append(out, v.(domain.ConnectionKey))
	}
	return out
}

// Complete resolves every reservation of a verified piece and returns
// the losers: holders other than the winner, who need a CANCEL.
func (a *Assignments) Complete(pieceNo int, winner domain.ConnectionKey) []domain.ConnectionKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	var losers []domain.ConnectionKey
	if holders := a.byPiece[pieceNo]; holders != nil {
		for _, v := range holders.ToSlice() {
			key := v.(domain.ConnectionKey)
			if key != winner {
				losers = append(losers, key)
			}
			a.release(key, pieceNo, Done)
		}
	}
	return losers
}

// Fail blames the holders of a piece that mismatched or hit an I/O
// error, and returns it to the pool.
func (a *Assignments) Fail(pieceNo int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if holders := a.byPiece[pieceNo]; holders != nil {
		for _, v := range holders.ToSlice() {
			key := v.(domain.ConnectionKey)
			a.blame[key]++
			a.release(key, pieceNo, Failed)
		}
	}
}

// PeerDropped releases everything the peer held.
func (a *Assignments) PeerDropped(key domain.ConnectionKey) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var released []int
	for pieceNo := range a.byPeer[key] {
		released = append(released, pieceNo)
		a.release(key, pieceNo, Failed)
	}
	delete(a.byPeer, key)
	return released
}

// ExpireOverdue reassigns pieces whose deadline passed without a
// verified piece, blaming the original holder.
func (a *Assignments) ExpireOverdue() map[domain.ConnectionKey][]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.Clock.Now()
	expired := make(map[domain.ConnectionKey][]int)
	for key, mine := range a.byPeer {
		for pieceNo, asg := range mine {
			if now.After(asg.Deadline) {
				expired[key] = append(expired[key], pieceNo)
			}
		}
	}
	for key, pieceNos := range expired {
		for _, pieceNo := range pieceNos {
			a.blame[key]++
			a.release(key, pieceNo, Failed)
		}
		l_assignments.Sugar().Debugw("assignment expired", "host", key.Host, "pieces", pieceNos)
	}
	return expired
}

// BlameCount reports how many failed or expired assignments are
// attributed to the peer.
func (a *Assignments) BlameCount(key domain.ConnectionKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blame[key]
}

func (a *Assignments) release(key domain.ConnectionKey, pieceNo int, status Status) {
	if mine := a.byPeer[key]; mine != nil {
		if asg := mine[pieceNo]; asg != nil {
			asg.Status = status
		}
		delete(mine, pieceNo)
		if len(mine) == 0 {
			delete(a.byPeer, key)
		}
	}
	if holders := a.byPiece[pieceNo]; holders != nil {
		holders.Remove(key)
		if holders.Cardinality() == 0 {
			delete(a.byPiece, pieceNo)
		}
	}
}
