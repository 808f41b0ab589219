package acceptor

import (
	"fmt"
	"net"
	"time"

	"example.com/btengine/lib/core/adapter/portexposer"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/logger"
	"example.com/btengine/lib/wire"
)

var l_acceptor = logger.Named("acceptor")

const handshakeTimeout = 5 * time.Second

// Acceptor owns the listening socket: it answers inbound handshakes
// and hands connections for registered torrents to their pool.
type Acceptor struct {
	Port    uint16
	PeerId  [20]byte
	Exposer portexposer.PortExposer

	// Lookup resolves a pool for the announced info hash; an unknown
	// or inactive torrent refuses the connection.
	Lookup func(domain.TorrentId) (*connection.Pool, bool)

	listener net.Listener
}

func (a *Acceptor) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Port))
	if err != nil {
		return err
	}
	a.listener = listener
	if a.Exposer != nil {
		a.Exposer.Start()
	}
	l_acceptor.Sugar().Infow("listening", "port", a.Port)
	go a.acceptLoop()
	return nil
}

func (a *Acceptor) Stop() {
	if a.listener != nil {
		a.listener.Close()
	}
	if a.Exposer != nil {
		a.Exposer.Stop()
	}
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	buf := make([]byte, wire.HandshakeLength)
	for n := 0; n < len(buf); {
		m, err := conn.Read(buf[n:])
		if err != nil {
			conn.Close()
			return
		}
		n += m
	}
	remote, err := wire.DecodeHandshake(buf)
	if err != nil {
		l_acceptor.Sugar().Debugw("bad handshake", "addr", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	pool, ok := a.Lookup(remote.InfoHash)
	if !ok {
		conn.Close()
		return
	}
	local := wire.NewHandshake(remote.InfoHash, a.PeerId)
	if _, err := conn.Write(local.Encode()); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	if _, err := pool.Accept(conn, remote); err != nil {
		l_acceptor.Sugar().Debugw("rejected", "addr", conn.RemoteAddr().String(), "err", err.Error())
	}
}
