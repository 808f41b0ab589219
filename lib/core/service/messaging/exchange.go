package messaging

import (
	"sync"

	"example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/assignments"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/core/service/dataworker"
	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/logger"

	"golang.org/x/time/rate"
)

var l_messaging = logger.Named("messaging")

// peerRequestsKey holds the per-connection upload bookkeeping inside
// the connection's extension-state map, rather than in a process-wide
// map keyed by peer identity.
const peerRequestsKey connection.ExtensionKey = "peer-requests"

type peerRequestsState struct {
	mu          sync.Mutex
	outstanding int
	completed   []dataworker.BlockRead
}

func (s *peerRequestsState) push(block dataworker.BlockRead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding--
	s.completed = append(s.completed, block)
}

// requeue puts already-accounted blocks back at the front for the next
// pass, preserving order.
func (s *peerRequestsState) requeue(blocks []dataworker.BlockRead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(append([]dataworker.BlockRead(nil), blocks...), s.completed...)
}

func (s *peerRequestsState) drain() []dataworker.BlockRead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.completed
	s.completed = nil
	return out
}

func init() {
	connection.RegisterExtensionState(peerRequestsKey, func() connection.ExtensionState {
		return &peerRequestsState{}
	})
}

// Exchange wires one torrent's piece traffic: inbound consumption,
// request production and the upload path.
type Exchange struct {
	Config    domain.Config
	Clock     clock.Clock
	Store     *pieces.Store
	Assembler *pieces.Assembler
	Stats     *pieces.Statistics
	Assign    *assignments.Assignments
	Selector  pieces.Selector
	Worker    *dataworker.Worker
	Pool      *connection.Pool
	Events    *domain.EventBus

	uploadLimiter *rate.Limiter

	// advertised bitfields by connection key, kept so availability can
	// be decremented after the connection itself is gone
	bitfieldsMu sync.Mutex
	bitfields   map[domain.ConnectionKey]domain.PieceList
}

// Register installs the exchange's consumer and producers on the pool
// and subscribes to the events it reacts to.
func (e *Exchange) Register() {
	if e.Config.UploadRateLimit > 0 {
		e.uploadLimiter = rate.NewLimiter(rate.Limit(e.Config.UploadRateLimit), e.Config.BlockSize*4)
	}
	e.Pool.RegisterConsumer(e.Consume)
	e.Pool.RegisterProducer(e.ProduceChokes)
	e.Pool.RegisterProducer(e.ProduceRequests)
	e.Pool.RegisterProducer(e.ProduceBlocks)

	e.bitfields = make(map[domain.ConnectionKey]domain.PieceList)
	e.Events.Subscribe(domain.EventPeerDisconnected, func(ev domain.Event) {
		e.bitfieldsMu.Lock()
		pl, ok := e.bitfields[ev.Key]
		delete(e.bitfields, ev.Key)
		e.bitfieldsMu.Unlock()
		if ok {
			e.Stats.RemoveBitfield(pl)
		}
		e.Assign.PeerDropped(ev.Key)
	})
}

func (e *Exchange) rememberBitfield(key domain.ConnectionKey, pl domain.PieceList) {
	e.bitfieldsMu.Lock()
	defer e.bitfieldsMu.Unlock()
	e.bitfields[key] = pl
}

func (e *Exchange) rememberHave(key domain.ConnectionKey, pieceNo int) {
	e.bitfieldsMu.Lock()
	defer e.bitfieldsMu.Unlock()
	if pl, ok := e.bitfields[key]; ok {
		pl.SetPiece(uint32(pieceNo))
	}
}

func (e *Exchange) peerRequests(c *connection.Conn) *peerRequestsState {
	return c.State.ExtensionState(peerRequestsKey).(*peerRequestsState)
}
