package messaging

import (
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/extensions"
	"example.com/btengine/lib/wire"
)

// Consume dispatches one inbound message on the connection's worker.
func (e *Exchange) Consume(c *connection.Conn, msg wire.Message) {
	switch msg.Type {
	case wire.Choke:
		e.onChoke(c)
	case wire.Unchoke:
		c.State.SetPeerChoking(false)
	case wire.Interested:
		c.State.SetPeerInterested(true)
	case wire.NotInterested:
		c.State.SetPeerInterested(false)
	case wire.Have:
		e.onHave(c, msg.PieceNo)
	case wire.Bitfield:
		e.onBitfield(c, msg.BitfieldData)
	case wire.Request:
		e.onRequest(c, msg)
	case wire.Piece:
		e.onPiece(c, msg)
	case wire.Cancel:
		c.State.OnCancel(msg)
	case wire.Port:
		// DHT is not ours; noted for completeness
	case wire.Extended:
		e.onExtended(c, msg)
	}
}

// onChoke clears pending requests (the peer is free to discard them)
// and returns the peer's reserved pieces to the pool.
func (e *Exchange) onChoke(c *connection.Conn) {
	c.State.SetPeerChoking(true)
	c.State.ClearPendingRequests()
	c.State.SetRequestQueue(nil)
	e.Assign.PeerDropped(c.Key)
}

func (e *Exchange) onHave(c *connection.Conn, pieceNo int) {
	if pieceNo < 0 || pieceNo >= e.Store.Torrent().PiecesCount() {
		return
	}
	pl := c.State.PeerBitfield()
	if pl == nil {
		pl = domain.NewPieceList(e.Store.Torrent().PiecesCount())
		c.State.SetPeerBitfield(pl)
		e.rememberBitfield(c.Key, pl)
	}
	if !pl.ContainPiece(uint32(pieceNo)) {
		pl.SetPiece(uint32(pieceNo))
		e.rememberHave(c.Key, pieceNo)
		e.Stats.AddHave(pieceNo)
	}
}

func (e *Exchange) onBitfield(c *connection.Conn, data []byte) {
	pl := domain.PieceList(data)
	if !pl.ValidFor(e.Store.Torrent().PiecesCount()) {
		l_messaging.Sugar().Warnw("invalid bitfield", "host", c.Host.String(), "bytes", len(data))
		c.Close()
		return
	}
	if c.State.PeerBitfield() != nil {
		// a second bitfield is a protocol violation
		c.Close()
		return
	}
	c.State.SetPeerBitfield(pl)
	e.rememberBitfield(c.Key, pl)
	e.Stats.AddBitfield(pl)
	if e.Events != nil {
		e.Events.Publish(domain.Event{
			Kind:      domain.EventPeerBitfieldUpdated,
			Instant:   e.Clock.Now(),
			TorrentId: e.Pool.TorrentId,
			Key:       c.Key,
			Host:      c.Host,
		})
	}
}

// onRequest honors a block request only while unchoked, forwards it to
// the data worker and queues the future's result on the connection.
func (e *Exchange) onRequest(c *connection.Conn, msg wire.Message) {
	if c.State.Choking() {
		return
	}
	if msg.Length <= 0 || msg.Length > wire.MaxFrameLength {
		c.Close()
		return
	}
	prs := e.peerRequests(c)
	prs.mu.Lock()
	if prs.outstanding >= e.Config.MaxPendingRequestsPerPeer {
		prs.mu.Unlock()
		l_messaging.Sugar().Debugw("dropping excess request", "host", c.Host.String())
		return
	}
	prs.outstanding++
	prs.mu.Unlock()

	future := e.Worker.AddBlockRequest(msg.PieceNo, msg.Offset, msg.Length)
	go func() {
		block := <-future
		prs.push(block)
	}()
}

func (e *Exchange) onPiece(c *connection.Conn, msg wire.Message) {
	key := msg.Key()
	if _, pending := c.State.PendingRequests()[key]; !pending {
		// unsolicited or already-cancelled block; ignore
		return
	}
	delete(c.State.PendingRequests(), key)
	c.State.IncrementDownloaded(int64(len(msg.Block)))

	result, _, err := e.Assembler.AddBlock(c.Key.Host, msg.PieceNo, msg.Offset, msg.Block)
	if err != nil {
		if err == pieces.ErrStalled {
			l_messaging.Sugar().Errorw("storage stalled", "piece", msg.PieceNo)
			e.Assign.Fail(msg.PieceNo)
			return
		}
		l_messaging.Sugar().Warnw("bad block", "host", c.Host.String(), "err", err.Error())
		return
	}
	switch result {
	case pieces.PieceCompleted:
		e.onPieceVerified(c, msg.PieceNo)
	case pieces.PieceMismatched:
		e.Assign.Fail(msg.PieceNo)
	}
}

// onPieceVerified resolves assignments, cancels the losers' duplicate
// endgame requests and announces the piece on every other connection.
func (e *Exchange) onPieceVerified(winner *connection.Conn, pieceNo int) {
	losers := e.Assign.Complete(pieceNo, winner.Key)
	loserSet := make(map[domain.ConnectionKey]struct{}, len(losers))
	for _, key := range losers {
		loserSet[key] = struct{}{}
	}
	for _, other := range e.Pool.Conns() {
		if other.Key == winner.Key {
			continue
		}
		if _, isLoser := loserSet[other.Key]; isLoser {
			for pending := range other.State.PendingRequests() {
				if pending.PieceNo == pieceNo {
					delete(other.State.PendingRequests(), pending)
					other.Enqueue(wire.NewCancel(pending.PieceNo, pending.Offset, pending.Length))
				}
			}
		}
		other.Enqueue(wire.NewHave(pieceNo))
	}
}

func (e *Exchange) onExtended(c *connection.Conn, msg wire.Message) {
	if msg.ExtendedId != extensions.HandshakeId {
		return
	}
	h, err := extensions.DecodeHandshake(msg.ExtendedPayload)
	if err != nil {
		l_messaging.Sugar().Warnw("bad extended handshake", "host", c.Host.String(), "err", err.Error())
		c.Close()
		return
	}
	c.State.MergeRemoteExtensions(h.MessageTypes)
	if c.Host.PortIsUnknown() && h.Port > 0 && h.Port <= 65535 {
		c.Host.Port = uint16(h.Port)
	}
}
