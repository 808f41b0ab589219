package messaging

import (
	"time"

	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/wire"
)

// ProduceChokes materializes the choker's proposals into CHOKE/UNCHOKE
// frames on this connection.
func (e *Exchange) ProduceChokes(c *connection.Conn) {
	shouldChoke, proposed := c.State.ShouldChoke()
	if !proposed || shouldChoke == c.State.Choking() {
		return
	}
	c.State.SetChoking(shouldChoke)
	if shouldChoke {
		c.State.SetLastChoked(e.Clock.Now())
		c.Enqueue(wire.NewChoke())
	} else {
		c.Enqueue(wire.NewUnchoke())
	}
}

// ProduceRequests keeps interest flags honest and fills the request
// window from the connection's current assignment.
func (e *Exchange) ProduceRequests(c *connection.Conn) {
	if e.Store.Complete() {
		if c.State.Interested() {
			c.State.SetInterested(false)
			c.Enqueue(wire.NewNotInterested())
			e.cancelAllPending(c)
		}
		return
	}

	peerBitfield := c.State.PeerBitfield()
	if peerBitfield == nil {
		return
	}
	desired := false
	for _, pieceNo := range e.Selector.SelectPieces(e.Stats, e.Store.IsVerified) {
		if peerBitfield.ContainPiece(uint32(pieceNo)) {
			desired = true
			break
		}
	}

	// INTERESTED must precede the first request; NOT_INTERESTED is due
	// as soon as nothing desirable remains.
	if desired && !c.State.Interested() {
		c.State.SetInterested(true)
		c.Enqueue(wire.NewInterested())
	} else if !desired && c.State.Interested() {
		c.State.SetInterested(false)
		c.Enqueue(wire.NewNotInterested())
	}

	if c.State.PeerChoking() || !desired {
		return
	}

	e.Assign.UpdateEndgame(e.Store.Torrent().PiecesCount() - e.Store.VerifiedCount())

	assigned := e.Assign.Pieces(c.Key)
	if len(assigned) < e.Config.MaxAssignedPiecesPerPeer {
		candidates := e.Selector.SelectPieces(e.Stats, e.Store.IsVerified)
		claimed := e.Assign.Claim(c.Key, candidates, func(pieceNo int) bool {
			return peerBitfield.ContainPiece(uint32(pieceNo))
		})
		assigned = append(assigned, claimed...)
	}

	pending := c.State.PendingRequests()
	for _, pieceNo := range assigned {
		if len(pending) >= e.Config.MaxPendingRequestsPerPeer {
			break
		}
		for _, offset := range e.Assembler.MissingBlocks(pieceNo) {
			if len(pending) >= e.Config.MaxPendingRequestsPerPeer {
				break
			}
			blockNo := offset / e.Config.BlockSize
			key := wire.BlockKey{
				PieceNo: pieceNo,
				Offset:  offset,
				Length:  e.Assembler.BlockLength(pieceNo, blockNo),
			}
			if _, dup := pending[key]; dup {
				continue
			}
			pending[key] = struct{}{}
			c.Enqueue(wire.NewRequest(key.PieceNo, key.Offset, key.Length))
		}
	}
}

// ProduceBlocks drains completed storage reads into PIECE frames,
// dropping anything the peer has cancelled in the meantime.
func (e *Exchange) ProduceBlocks(c *connection.Conn) {
	prs := e.peerRequests(c)
	cancelled := c.State.CancelledPeerRequests()
	blocks := prs.drain()
	for i, block := range blocks {
		if block.Rejected || block.Err != nil {
			if block.Err != nil {
				l_messaging.Sugar().Errorw("block read failed", "piece", block.PieceNo, "err", block.Err.Error())
			}
			continue
		}
		key := wire.BlockKey{PieceNo: block.PieceNo, Offset: block.Offset, Length: block.Length}
		if _, isCancelled := cancelled[key]; isCancelled {
			delete(cancelled, key)
			continue
		}
		if e.uploadLimiter != nil && !e.uploadLimiter.AllowN(time.Now(), len(block.Data)) {
			// over budget; retry on the next producer pass
			prs.requeue(blocks[i:])
			return
		}
		c.State.IncrementUploaded(int64(len(block.Data)))
		c.Enqueue(wire.NewPiece(block.PieceNo, block.Offset, block.Data))
	}
}

func (e *Exchange) cancelAllPending(c *connection.Conn) {
	for key := range c.State.PendingRequests() {
		delete(c.State.PendingRequests(), key)
		c.Enqueue(wire.NewCancel(key.PieceNo, key.Offset, key.Length))
	}
}
