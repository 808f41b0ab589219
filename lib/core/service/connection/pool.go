package connection

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/logger"
	"example.com/btengine/lib/wire"
)

var l_pool = logger.Named("connection")

// waitBetweenReads bounds how long a blocked read can outlive a close
// issued from another goroutine.
const waitBetweenReads = 100 * time.Millisecond

const dialTimeout = 3 * time.Second
const handshakeTimeout = 5 * time.Second

// Conn is one live peer connection plus its state. All State mutation
// happens on the connection's worker goroutine; producers and
// consumers are invoked from there.
type Conn struct {
	Key   domain.ConnectionKey
	Host  domain.Host
	State *State

	pool *Pool
	conn net.Conn

	outMu  sync.Mutex
	outbox []wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// Enqueue appends a message to the connection's outbound queue.
// Emission order equals append order.
func (c *Conn) Enqueue(msgs ...wire.Message) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.outbox = append(c.outbox, msgs...)
}

// Outbox snapshots the queued outbound messages without draining;
// the simulated-network harness inspects emissions this way.
func (c *Conn) Outbox() []wire.Message {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return append([]wire.Message(nil), c.outbox...)
}

func (c *Conn) drainOutbox() []wire.Message {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// NewDetachedConn builds a connection that is not bound to a socket.
// The simulated-network harness and in-process tests drive its
// consumers and producers directly.
func NewDetachedConn(key domain.ConnectionKey, h domain.Host) *Conn {
	return &Conn{Key: key, Host: h, State: NewState(), closed: make(chan struct{})}
}

// Consumer handles one inbound message on the connection's worker.
type Consumer func(c *Conn, msg wire.Message)

// Producer appends outbound messages during a producer pass.
type Producer func(c *Conn)

// Pool owns every peer connection of one torrent: dialing, accepting,
// the per-connection worker loops and consumer/producer dispatch.
type Pool struct {
	TorrentId domain.TorrentId
	PeerId    [20]byte
	Clock     clock.Clock
	Events    *domain.EventBus

	KeepAliveInterval time.Duration
	ProduceInterval   time.Duration

	// LocalHandshake builds the extended-handshake frame sent right
	// after the wire handshake; nil disables BEP-10 advertisement.
	LocalHandshake func() (wire.Message, bool)

	// OnConnected runs after the handshake exchange, before the worker
	// starts; used to enqueue the initial bitfield.
	OnConnected func(c *Conn)

	mu        sync.Mutex
	conns     map[domain.ConnectionKey]*Conn
	consumers []Consumer
	producers []Producer
	stopped   bool
}

func NewPool(id domain.TorrentId, peerId [20]byte, clk clock.Clock, events *domain.EventBus) *Pool {
	return &Pool{
		TorrentId:         id,
		PeerId:            peerId,
		Clock:             clk,
		Events:            events,
		KeepAliveInterval: 2 * time.Minute,
		ProduceInterval:   100 * time.Millisecond,
		conns:             make(map[domain.ConnectionKey]*Conn),
	}
}

// RegisterConsumer and RegisterProducer are wiring-time only.
func (p *Pool) RegisterConsumer(fn Consumer) {
	p.consumers = append(p.consumers, fn)
}

func (p *Pool) RegisterProducer(fn Producer) {
	p.producers = append(p.producers, fn)
}

func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) Get(key domain.ConnectionKey) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[key]
	return c, ok
}

// Attach registers a detached connection without starting a worker.
func (p *Pool) Attach(c *Conn) {
	c.pool = p
	p.mu.Lock()
	p.conns[c.Key] = c
	p.mu.Unlock()
	if p.Events != nil {
		p.Events.Publish(domain.Event{
			Kind:      domain.EventPeerConnected,
			Instant:   p.Clock.Now(),
			TorrentId: p.TorrentId,
			Key:       c.Key,
			Host:      c.Host,
		})
	}
}

// Connect dials the host and runs the wire handshake; on success the
// connection worker starts.
func (p *Pool) Connect(h domain.Host) (*Conn, error) {
	hostname := net.JoinHostPort(h.IP.String(), strconv.Itoa(int(h.Port)))
	conn, err := net.DialTimeout("tcp", hostname, dialTimeout)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	local := wire.NewHandshake(p.TorrentId, p.PeerId)
	if _, err := conn.Write(local.Encode()); err != nil {
		conn.Close()
		return nil, err
	}
	buf := make([]byte, wire.HandshakeLength)
	if err := readFull(conn, buf); err != nil {
		conn.Close()
		return nil, err
	}
	remote, err := wire.DecodeHandshake(buf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if remote.InfoHash != p.TorrentId {
		conn.Close()
		return nil, errors.New("connection: handshake info hash mismatch")
	}
	conn.SetDeadline(time.Time{})
	return p.adopt(conn, h, remote)
}

// Accept adopts an inbound connection whose wire handshake has already
// been read and answered by the acceptor.
func (p *Pool) Accept(conn net.Conn, remote wire.Handshake) (*Conn, error) {
	ipStr, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return nil, err
	}
	// listening port is unknown until the extended handshake names it
	h := domain.Host{IP: net.ParseIP(ipStr), Port: domain.PortUnknown}
	return p.adopt(conn, h, remote)
}

func (p *Pool) adopt(nc net.Conn, h domain.Host, remote wire.Handshake) (*Conn, error) {
	key := domain.NewConnectionKey(p.TorrentId, h)
	c := &Conn{
		Key:    key,
		Host:   h,
		State:  NewState(),
		pool:   p,
		conn:   nc,
		closed: make(chan struct{}),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		nc.Close()
		return nil, errors.New("connection: pool stopped")
	}
	if _, dup := p.conns[key]; dup {
		p.mu.Unlock()
		nc.Close()
		return nil, errors.New("connection: duplicate connection")
	}
	p.conns[key] = c
	p.mu.Unlock()

	if remote.SupportsExtendedProtocol() && p.LocalHandshake != nil {
		if msg, ok := p.LocalHandshake(); ok {
			c.Enqueue(msg)
		}
	}

	if p.OnConnected != nil {
		p.OnConnected(c)
	}

	if p.Events != nil {
		p.Events.Publish(domain.Event{
			Kind:      domain.EventPeerConnected,
			Instant:   p.Clock.Now(),
			TorrentId: p.TorrentId,
			Key:       key,
			Host:      h,
		})
	}

	go c.worker()
	l_pool.Sugar().Infow("connected", "host", h.String())
	return c, nil
}

func (p *Pool) drop(c *Conn) {
	c.Close()
	p.mu.Lock()
	removed := p.conns[c.Key] == c
	if removed {
		delete(p.conns, c.Key)
	}
	p.mu.Unlock()
	if !removed {
		// the worker's deferred drop after Stop already dropped it
		return
	}
	if p.Events != nil {
		p.Events.Publish(domain.Event{
			Kind:      domain.EventPeerDisconnected,
			Instant:   p.Clock.Now(),
			TorrentId: p.TorrentId,
			Key:       c.Key,
			Host:      c.Host,
		})
	}
	l_pool.Sugar().Infow("disconnected", "host", c.Host.String())
}

// Stop closes every connection. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		p.drop(c)
	}
}

// worker is the exclusive owner of the connection's State. It
// alternates a bounded read with consumer dispatch and producer passes.
func (c *Conn) worker() {
	defer c.pool.drop(c)

	var inbox []byte
	readBuf := make([]byte, 32*1024)
	lastProduce := c.pool.Clock.Now()
	lastWrite := c.pool.Clock.Now()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(waitBetweenReads))
		n, err := c.conn.Read(readBuf)
		if n > 0 {
			inbox = append(inbox, readBuf[:n]...)
			c.State.Touch(c.pool.Clock.Now())
		}
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return
			}
		}

		for {
			msg, consumed, derr := wire.Decode(inbox)
			if derr != nil {
				l_pool.Sugar().Warnw("protocol error", "host", c.Host.String(), "err", derr.Error())
				return
			}
			if consumed == 0 {
				break
			}
			inbox = inbox[consumed:]
			if msg.Type == wire.KeepAlive {
				continue
			}
			for _, consume := range c.pool.consumers {
				consume(c, msg)
			}
		}

		now := c.pool.Clock.Now()
		if now.Sub(lastProduce) >= c.pool.ProduceInterval {
			lastProduce = now
			for _, produce := range c.pool.producers {
				produce(c)
			}
		}

		out := c.drainOutbox()
		if len(out) == 0 && now.Sub(lastWrite) >= c.pool.KeepAliveInterval {
			out = []wire.Message{wire.NewKeepAlive()}
		}
		for _, msg := range out {
			c.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
			if _, werr := c.conn.Write(wire.Encode(msg)); werr != nil {
				return
			}
			lastWrite = now
		}
	}
}

func readFull(conn net.Conn, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
