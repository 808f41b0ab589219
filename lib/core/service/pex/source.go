package pex

import (
	"sync"
	"time"

	"example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/extensions"
	"example.com/btengine/lib/logger"
	"example.com/btengine/lib/wire"

	"github.com/bluele/gcache"
)

var l_pex = logger.Named("pex")

// Events older than this are dropped regardless of subscribers, via
// the expiry on the last-sent cache, which counts from each write.
const maxPeerEventRetention = 10 * time.Minute

const cleanerInterval = 37 * time.Second

// Source gossips live peer sets: it records connect/disconnect events
// per torrent and periodically flushes them to PEX-capable peers,
// bounded by message intervals and event counts.
type Source struct {
	Config domain.Config
	Clock  clock.Clock

	// single lock for all torrents' queues; producers read, the
	// cleaner writes
	rwLock     sync.RWMutex
	peerEvents map[domain.TorrentId]*eventQueue

	peersMu sync.Mutex
	peers   map[domain.ConnectionKey]struct{}

	lastSent gcache.Cache

	sourcesMu   sync.Mutex
	peerSources map[domain.TorrentId]*PeerSource

	quit chan struct{}
}

func NewSource(cfg domain.Config, clk clock.Clock) *Source {
	return &Source{
		Config:      cfg,
		Clock:       clk,
		peerEvents:  make(map[domain.TorrentId]*eventQueue),
		peers:       make(map[domain.ConnectionKey]struct{}),
		lastSent:    gcache.New(1024).LRU().Expiration(maxPeerEventRetention).Build(),
		peerSources: make(map[domain.TorrentId]*PeerSource),
	}
}

// Bind subscribes the source to the event bus and starts the cleaner.
func (s *Source) Bind(events *domain.EventBus) {
	events.Subscribe(domain.EventPeerConnected, func(e domain.Event) {
		s.OnPeerConnected(e.TorrentId, e.Key, e.Host)
	})
	events.Subscribe(domain.EventPeerDisconnected, func(e domain.Event) {
		s.OnPeerDisconnected(e.TorrentId, e.Key, e.Host)
	})
	events.Subscribe(domain.EventTorrentStopped, func(e domain.Event) {
		s.CleanupTorrent(e.TorrentId)
	})
	s.quit = make(chan struct{})
	go func() {
		for {
			select {
			case <-s.quit:
				return
			case <-s.Clock.After(cleanerInterval):
				s.Clean()
			}
		}
	}()
}

func (s *Source) Stop() {
	if s.quit != nil {
		close(s.quit)
	}
}

func (s *Source) OnPeerConnected(id domain.TorrentId, key domain.ConnectionKey, h domain.Host) {
	// peers accepted inbound stay out of the gossip until their
	// listening port is learned from the extended handshake
	if h.PortIsUnknown() {
		return
	}
	s.addEvent(id, PeerEvent{Type: Added, Host: h, Instant: s.nowMillis()})
}

func (s *Source) OnPeerDisconnected(id domain.TorrentId, key domain.ConnectionKey, h domain.Host) {
	if !h.PortIsUnknown() {
		s.addEvent(id, PeerEvent{Type: Dropped, Host: h, Instant: s.nowMillis()})
	}
	s.peersMu.Lock()
	delete(s.peers, key)
	s.peersMu.Unlock()
	s.lastSent.Remove(key)
}

func (s *Source) CleanupTorrent(id domain.TorrentId) {
	s.rwLock.Lock()
	delete(s.peerEvents, id)
	s.rwLock.Unlock()
	s.sourcesMu.Lock()
	delete(s.peerSources, id)
	s.sourcesMu.Unlock()
}

// Consume watches extended messages: the extended handshake marks the
// connection PEX-capable, and inbound ut_pex messages feed the
// torrent's peer source.
func (s *Source) Consume(c *connection.Conn, msg wire.Message) {
	if msg.Type != wire.Extended {
		return
	}
	switch msg.ExtendedId {
	case extensions.HandshakeId:
		h, err := extensions.DecodeHandshake(msg.ExtendedPayload)
		if err != nil {
			return
		}
		if h.Supports(extensions.UtPexName) {
			// the mapping is additive; we never un-mark a peer on a
			// later handshake that omits ut_pex
			s.peersMu.Lock()
			s.peers[c.Key] = struct{}{}
			s.peersMu.Unlock()
		}
	case extensions.UtPexId:
		m, err := DecodeMessage(msg.ExtendedPayload)
		if err != nil {
			l_pex.Sugar().Warnw("bad pex message", "host", c.Host.String(), "err", err.Error())
			return
		}
		s.PeerSource(c.Key.TorrentId).addMessage(m)
	}
}

// Produce emits a PEX message on the connection when enough fresh
// events have accumulated and the rate limits allow it.
func (s *Source) Produce(c *connection.Conn) {
	s.peersMu.Lock()
	_, capable := s.peers[c.Key]
	s.peersMu.Unlock()
	if !capable {
		return
	}
	remoteId, ok := c.State.RemoteExtensionId(extensions.UtPexName)
	if !ok {
		return
	}

	now := s.nowMillis()
	var lastSentToPeer int64
	if v, err := s.lastSent.GetIFPresent(c.Key); err == nil {
		lastSentToPeer = v.(int64)
	}
	if now-lastSentToPeer < s.Config.PexMinMessageInterval.Milliseconds() {
		return
	}

	var events []PeerEvent
	s.rwLock.RLock()
	if q := s.peerEvents[c.Key.TorrentId]; q != nil {
		for _, event := range q.snapshot() {
			// ascending walk: skip events already sent in an earlier
			// message
			if event.Instant-lastSentToPeer < 0 {
				continue
			}
			// never gossip the connection's own peer back to it
			if c.Host.PortIsUnknown() ||
				event.Host.IP.Equal(c.Host.IP) ||
				event.Host.Port == c.Host.Port {
				continue
			}
			events = append(events, event)
			if len(events) >= s.Config.PexMaxEventsPerMessage {
				break
			}
		}
	}
	s.rwLock.RUnlock()

	if len(events) >= s.Config.PexMinEventsPerMessage ||
		(len(events) > 0 && now-lastSentToPeer >= s.Config.PexMaxMessageInterval.Milliseconds()) {
		s.lastSent.SetWithExpire(c.Key, now, maxPeerEventRetention)
		var m Message
		for _, event := range events {
			switch event.Type {
			case Added:
				m.Added = append(m.Added, event.Host)
			case Dropped:
				m.Dropped = append(m.Dropped, event.Host)
			}
		}
		payload, err := m.Encode()
		if err != nil {
			l_pex.Sugar().Errorw("encode failed", "err", err.Error())
			return
		}
		c.Enqueue(wire.NewExtended(remoteId, payload))
		l_pex.Sugar().Debugw("sent pex", "host", c.Host.String(), "added", len(m.Added), "dropped", len(m.Dropped))
	}
}

// Clean trims events every subscriber has already been sent. The
// boundary uses <=, which can drop an event whose instant equals the
// most recent send. Known race; pinned by a test.
func (s *Source) Clean() {
	lruInstant := int64(1<<63 - 1)
	for _, v := range s.lastSent.GetALL(true) {
		if t := v.(int64); t < lruInstant {
			lruInstant = t
		}
	}

	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	for _, q := range s.peerEvents {
		q.trimThrough(lruInstant)
	}
}

// PeerSource exposes peers learned from inbound PEX for a torrent.
func (s *Source) PeerSource(id domain.TorrentId) *PeerSource {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	src, ok := s.peerSources[id]
	if !ok {
		src = &PeerSource{}
		s.peerSources[id] = src
	}
	return src
}

func (s *Source) addEvent(id domain.TorrentId, e PeerEvent) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	q, ok := s.peerEvents[id]
	if !ok {
		q = &eventQueue{}
		s.peerEvents[id] = q
	}
	q.add(e)
}

func (s *Source) nowMillis() int64 {
	return s.Clock.Now().UnixNano() / int64(time.Millisecond)
}

// PeerSource accumulates gossiped hosts; Drain hands them to discovery
// exactly once.
type PeerSource struct {
	mu    sync.Mutex
	hosts []domain.Host
}

func (p *PeerSource) addMessage(m Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts = append(p.hosts, m.Added...)
}

func (p *PeerSource) Drain() []domain.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.hosts
	p.hosts = nil
	return out
}

// CollectHosts satisfies the peersource adapter.
func (p *PeerSource) CollectHosts() []domain.Host {
	return p.Drain()
}
