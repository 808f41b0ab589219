package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/wire"
)

// ExtensionState is per-connection state owned by a protocol extension.
// Implementations register a constructor once at startup; State builds
// the instance on first use. No reflection involved.
type ExtensionState interface{}

type ExtensionKey string

var (
	extensionCtorsMu sync.RWMutex
	extensionCtors   = make(map[ExtensionKey]func() ExtensionState)
)

func RegisterExtensionState(key ExtensionKey, ctor func() ExtensionState) {
	extensionCtorsMu.Lock()
	defer extensionCtorsMu.Unlock()
	extensionCtors[key] = ctor
}

// State is the mutable record for one peer connection. It is owned by
// the connection's worker; only the byte counters and lastActive are
// read from other goroutines and therefore atomic.
type State struct {
	interested     bool
	peerInterested bool
	choking        bool
	peerChoking    bool

	downloaded int64
	uploaded   int64
	lastActive int64

	shouldChoke *bool
	lastChoked  time.Time

	pendingRequests       map[wire.BlockKey]struct{}
	cancelledPeerRequests map[wire.BlockKey]struct{}
	enqueuedPieces        map[int]struct{}
	requestQueue          []wire.BlockKey

	peerBitfield domain.PieceList

	remoteExtensions map[string]int64

	extMu        sync.Mutex
	extensionMap map[ExtensionKey]ExtensionState
}

func NewState() *State {
	return &State{
		choking:               true,
		peerChoking:           true,
		pendingRequests:       make(map[wire.BlockKey]struct{}),
		cancelledPeerRequests: make(map[wire.BlockKey]struct{}),
		enqueuedPieces:        make(map[int]struct{}),
		remoteExtensions:      make(map[string]int64),
		extensionMap:          make(map[ExtensionKey]ExtensionState),
	}
}

func (s *State) Interested() bool         { return s.interested }
func (s *State) SetInterested(v bool)     { s.interested = v }
func (s *State) PeerInterested() bool     { return s.peerInterested }
func (s *State) SetPeerInterested(v bool) { s.peerInterested = v }
func (s *State) Choking() bool            { return s.choking }
func (s *State) PeerChoking() bool        { return s.peerChoking }
func (s *State) SetPeerChoking(v bool)    { s.peerChoking = v }

// SetChoking clears any pending proposal.
func (s *State) SetChoking(v bool) {
	s.choking = v
	s.shouldChoke = nil
}

// ShouldChoke returns the choker's pending proposal, if any.
func (s *State) ShouldChoke() (bool, bool) {
	if s.shouldChoke == nil {
		return false, false
	}
	return *s.shouldChoke, true
}

func (s *State) ProposeChoke(v bool) {
	s.shouldChoke = &v
}

func (s *State) LastChoked() time.Time     { return s.lastChoked }
func (s *State) SetLastChoked(t time.Time) { s.lastChoked = t }

func (s *State) Downloaded() int64 {
	return atomic.LoadInt64(&s.downloaded)
}

func (s *State) IncrementDownloaded(n int64) {
	atomic.AddInt64(&s.downloaded, n)
}

func (s *State) Uploaded() int64 {
	return atomic.LoadInt64(&s.uploaded)
}

func (s *State) IncrementUploaded(n int64) {
	atomic.AddInt64(&s.uploaded, n)
}

// LastActive is a unix-millisecond stamp, non-decreasing.
func (s *State) LastActive() int64 {
	return atomic.LoadInt64(&s.lastActive)
}

func (s *State) Touch(now time.Time) {
	ms := now.UnixNano() / int64(time.Millisecond)
	for {
		prev := atomic.LoadInt64(&s.lastActive)
		if ms <= prev || atomic.CompareAndSwapInt64(&s.lastActive, prev, ms) {
			return
		}
	}
}

func (s *State) PendingRequests() map[wire.BlockKey]struct{} {
	return s.pendingRequests
}

// ClearPendingRequests empties the set and returns what was pending;
// used when the peer chokes us.
func (s *State) ClearPendingRequests() []wire.BlockKey {
	out := make([]wire.BlockKey, 0, len(s.pendingRequests))
	for k := range s.pendingRequests {
		out = append(out, k)
	}
	s.pendingRequests = make(map[wire.BlockKey]struct{})
	return out
}

func (s *State) CancelledPeerRequests() map[wire.BlockKey]struct{} {
	return s.cancelledPeerRequests
}

func (s *State) OnCancel(m wire.Message) {
	s.cancelledPeerRequests[m.Key()] = struct{}{}
}

func (s *State) EnqueuedPieces() map[int]struct{} {
	return s.enqueuedPieces
}

func (s *State) RequestQueue() []wire.BlockKey {
	return s.requestQueue
}

func (s *State) SetRequestQueue(q []wire.BlockKey) {
	s.requestQueue = q
}

func (s *State) PeerBitfield() domain.PieceList {
	return s.peerBitfield
}

func (s *State) SetPeerBitfield(pl domain.PieceList) {
	s.peerBitfield = pl
}

// MergeRemoteExtensions is additive: ids learned earlier survive later
// handshakes that omit them.
func (s *State) MergeRemoteExtensions(types map[string]int64) {
	for name, id := range types {
		s.remoteExtensions[name] = id
	}
}

func (s *State) RemoteExtensionId(name string) (byte, bool) {
	id, ok := s.remoteExtensions[name]
	if !ok || id <= 0 || id > 255 {
		return 0, false
	}
	return byte(id), true
}

// ExtensionState fetches or builds the state registered under key.
func (s *State) ExtensionState(key ExtensionKey) ExtensionState {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	if st, ok := s.extensionMap[key]; ok {
		return st
	}
	extensionCtorsMu.RLock()
	ctor := extensionCtors[key]
	extensionCtorsMu.RUnlock()
	if ctor == nil {
		return nil
	}
	st := ctor()
	s.extensionMap[key] = st
	return st
}
