package assignments

import (
	"net"
	"testing"
	"time"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/platform/fakeclock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(port uint16) domain.ConnectionKey {
	return domain.NewConnectionKey(domain.TorrentId{}, domain.Host{IP: net.IPv4(10, 0, 0, 1), Port: port})
}

func anyPiece(int) bool { return true }

func Test_Claim_RespectsLimitAndOrder(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)

	claimed := a.Claim(key(1), []int{4, 2, 7, 9, 1}, anyPiece)
	assert.Equal(t, []int{4, 2, 7}, claimed)
	assert.ElementsMatch(t, []int{4, 2, 7}, a.Pieces(key(1)))

	// peer is full; nothing more
	assert.Empty(t, a.Claim(key(1), []int{9}, anyPiece))
}

func Test_Claim_SkipsPiecesThePeerLacks(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)

	claimed := a.Claim(key(1), []int{0, 1, 2}, func(pieceNo int) bool { return pieceNo == 1 })
	assert.Equal(t, []int{1}, claimed)
}

func Test_Claim_NoDoubleAssignmentOutsideEndgame(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.UpdateEndgame(100)

	require.Equal(t, []int{5}, a.Claim(key(1), []int{5}, anyPiece))
	assert.Empty(t, a.Claim(key(2), []int{5}, anyPiece))
}

func Test_Claim_EndgameDuplicates(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.UpdateEndgame(2)
	require.True(t, a.Endgame())

	require.Equal(t, []int{5}, a.Claim(key(1), []int{5}, anyPiece))
	require.Equal(t, []int{5}, a.Claim(key(2), []int{5}, anyPiece))
	assert.ElementsMatch(t,
		[]domain.ConnectionKey{key(1), key(2)},
		a.Holders(5))
}

func Test_Complete_ReturnsLosers(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.UpdateEndgame(2)
	a.Claim(key(1), []int{5}, anyPiece)
	a.Claim(key(2), []int{5}, anyPiece)

	losers := a.Complete(5, key(1))
	assert.Equal(t, []domain.ConnectionKey{key(2)}, losers)
	assert.Empty(t, a.Holders(5))
	assert.Empty(t, a.Pieces(key(1)))
	assert.Empty(t, a.Pieces(key(2)))
}

func Test_Fail_Blames(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.Claim(key(1), []int{5}, anyPiece)

	a.Fail(5)
	assert.Equal(t, 1, a.BlameCount(key(1)))
	assert.Empty(t, a.Pieces(key(1)))

	// the piece is claimable again
	assert.Equal(t, []int{5}, a.Claim(key(2), []int{5}, anyPiece))
}

func Test_ExpireOverdue(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.Claim(key(1), []int{5}, anyPiece)

	assert.Empty(t, a.ExpireOverdue())

	clk.Advance(2 * time.Minute)
	expired := a.ExpireOverdue()
	require.Equal(t, []int{5}, expired[key(1)])
	assert.Equal(t, 1, a.BlameCount(key(1)))

	// reassignable to another peer
	assert.Equal(t, []int{5}, a.Claim(key(2), []int{5}, anyPiece))
}

func Test_PeerDropped_Releases(t *testing.T) {
	clk := fakeclock.At(time.Unix(1000, 0))
	a := New(clk, 3, time.Minute, 5)
	a.Claim(key(1), []int{5, 6}, anyPiece)

	released := a.PeerDropped(key(1))
	assert.ElementsMatch(t, []int{5, 6}, released)
	assert.Zero(t, a.BlameCount(key(1)))
	assert.Equal(t, []int{5}, a.Claim(key(2), []int{5}, anyPiece))
}
