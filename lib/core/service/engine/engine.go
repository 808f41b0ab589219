package engine

import (
	"crypto/rand"
	"fmt"

	adapterclock "example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/adapter/metadatasource"
	"example.com/btengine/lib/core/adapter/persistentmetadata"
	"example.com/btengine/lib/core/adapter/storage"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/acceptor"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/core/service/pex"
	"example.com/btengine/lib/core/service/registry"
	"example.com/btengine/lib/extensions"
	"example.com/btengine/lib/logger"
	"example.com/btengine/lib/platform/realclock"
	"example.com/btengine/lib/platform/upnp"
)

var l_engine = logger.Named("engine")

// Engine is the shared runtime: registry, acceptor, PEX source and the
// extended-handshake factory. Per-torrent state lives in Sessions.
type Engine struct {
	Config   domain.Config
	Clock    adapterclock.Clock
	Events   *domain.EventBus
	Registry *registry.Registry
	Pex      *pex.Source

	StorageFactory storage.Factory
	MetadataSource metadatasource.Source

	PeerId     [20]byte
	handshakes *extensions.HandshakeFactory
	acceptor   *acceptor.Acceptor

	sessions *sessionMap
}

// New fails fast on misconfiguration; everything else is wired and
// idle until Start.
func New(cfg domain.Config, storageFactory storage.Factory, persist persistentmetadata.PersistentMetadata) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storageFactory == nil {
		return nil, fmt.Errorf("engine: no storage factory configured")
	}

	events := domain.NewEventBus()
	clk := realclock.RealClock{}

	e := &Engine{
		Config:         cfg,
		Clock:          clk,
		Events:         events,
		Registry:       registry.New(events, persist),
		Pex:            pex.NewSource(cfg, clk),
		StorageFactory: storageFactory,
		PeerId:         newPeerId(),
		sessions:       newSessionMap(),
	}

	e.handshakes = &extensions.HandshakeFactory{
		Config: cfg,
		MetadataSize: func(id domain.TorrentId) int {
			if t, ok := e.Registry.Torrent(id); ok {
				return len(t.Pieces)
			}
			return 0
		},
	}
	events.Subscribe(domain.EventTorrentStopped, func(ev domain.Event) {
		e.handshakes.OnTorrentStopped(ev.TorrentId)
		e.sessions.remove(ev.TorrentId)
	})

	e.Pex.Bind(events)

	e.acceptor = &acceptor.Acceptor{
		Port:    cfg.AcceptorPort,
		PeerId:  e.PeerId,
		Exposer: upnp.New(cfg.AcceptorPort),
		Lookup: func(id domain.TorrentId) (*connection.Pool, bool) {
			if !e.Registry.IsSupportedAndActive(id) {
				return nil, false
			}
			s, ok := e.sessions.get(id)
			if !ok {
				return nil, false
			}
			return s.Pool, true
		},
	}
	return e, nil
}

func (e *Engine) Start() error {
	return e.acceptor.Start()
}

func (e *Engine) Stop() {
	e.acceptor.Stop()
	for _, s := range e.sessions.all() {
		s.Stop()
	}
	e.Pex.Stop()
}

func newPeerId() [20]byte {
	var id [20]byte
	copy(id[:], "-BE1000-")
	rand.Read(id[8:])
	return id
}
