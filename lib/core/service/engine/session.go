package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"example.com/btengine/lib/core/adapter/peersource"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/assignments"
	"example.com/btengine/lib/core/service/choker"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/core/service/dataworker"
	"example.com/btengine/lib/core/service/messaging"
	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/core/service/processor"
	"example.com/btengine/lib/extensions"
	"example.com/btengine/lib/wire"

	"golang.org/x/sync/errgroup"
)

const discoveryInterval = time.Second
const ioParallelism = 4

// reconnect backoff for transient dial failures
const backoffBase = 5 * time.Second
const backoffCap = 5 * time.Minute

// Session drives one torrent through its lifecycle and owns every
// per-torrent component.
type Session struct {
	Engine    *Engine
	TorrentId domain.TorrentId
	Magnet    *domain.Magnet
	Torrent   domain.Torrent

	// StopWhenDownloaded terminates the pipeline after the download
	// stage instead of seeding.
	StopWhenDownloaded bool

	Pool     *connection.Pool
	Store    *pieces.Store
	Exchange *messaging.Exchange
	Choker   *choker.Choker

	sources []peersource.Source
	hints   []domain.Host

	pipeline *processor.Pipeline
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// AddTorrent registers a torrent with known metadata and returns its
// session, idle until Start.
func (e *Engine) AddTorrent(meta domain.Metadata, hints []domain.Host) (*Session, error) {
	t, err := meta.Parse()
	if err != nil {
		return nil, err
	}
	id := meta.InfoHash()
	s := e.newSession(id, nil, t, hints)
	e.Registry.PutTorrent(id, t)
	return s, nil
}

// AddMagnet registers a torrent known only by its magnet; metadata is
// fetched in the first pipeline stage.
func (e *Engine) AddMagnet(m domain.Magnet) (*Session, error) {
	id, err := m.InfoHash()
	if err != nil {
		return nil, err
	}
	if e.MetadataSource == nil {
		return nil, errors.New("engine: no metadata source configured")
	}
	s := e.newSession(id, &m, domain.Torrent{}, m.PeerAddrs())
	return s, nil
}

func (e *Engine) newSession(id domain.TorrentId, m *domain.Magnet, t domain.Torrent, hints []domain.Host) *Session {
	s := &Session{
		Engine:    e,
		TorrentId: id,
		Magnet:    m,
		Torrent:   t,
		hints:     hints,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.sources = append(s.sources, e.Pex.PeerSource(id))
	e.sessions.put(id, s)
	e.Registry.Register(id)
	return s
}

// AddPeerSource plugs in an external discovery feed (tracker, DHT).
func (s *Session) AddPeerSource(src peersource.Source) {
	s.sources = append(s.sources, src)
}

// Start runs the pipeline on its own goroutine.
func (s *Session) Start() {
	go func() {
		defer close(s.done)
		pipeline := s.buildPipeline()
		ctx := &processor.Context{TorrentId: s.TorrentId, Magnet: s.Magnet, Torrent: s.Torrent}
		first, err := processor.FirstStage(ctx)
		if err != nil {
			l_engine.Sugar().Errorw("cannot start", "torrent", s.TorrentId.String(), "err", err.Error())
			return
		}
		if err := pipeline.Run(ctx, first); err != nil {
			l_engine.Sugar().Errorw("pipeline terminated", "torrent", s.TorrentId.String(), "err", err.Error())
		}
		if s.Pool != nil {
			s.Pool.Stop()
		}
	}()
}

// Stop is the torrent's cancellation signal; in-flight futures finish
// and their results are discarded.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) Wait() {
	<-s.done
}

func (s *Session) buildPipeline() *processor.Pipeline {
	p := processor.NewPipeline(s.Engine.Events)
	s.pipeline = p

	p.Stage(processor.StageFetchMetadata, s.stageFetchMetadata)
	p.Stage(processor.StageChooseFiles, s.stageChooseFiles)
	p.Stage(processor.StageDownload, s.stageDownload)
	p.Stage(processor.StageSeed, s.stageSeed)

	if s.StopWhenDownloaded {
		p.OnEvent(domain.EventDownloadComplete, func(ctx *processor.Context, next processor.StageId) processor.StageId {
			return processor.StageNone
		})
	}
	return p
}

func (s *Session) stageFetchMetadata(ctx *processor.Context) (processor.StageId, error) {
	fetchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-fetchCtx.Done():
		}
	}()
	meta, err := s.Engine.MetadataSource.Fetch(fetchCtx, s.TorrentId)
	if err != nil {
		return processor.StageNone, err
	}
	if meta.InfoHash() != s.TorrentId {
		return processor.StageNone, errors.New("engine: fetched metadata does not match info hash")
	}
	t, err := meta.Parse()
	if err != nil {
		return processor.StageNone, err
	}
	ctx.Torrent = t
	s.Torrent = t
	s.Engine.Registry.PutTorrent(s.TorrentId, t)
	return processor.StageChooseFiles, nil
}

// stageChooseFiles opens storage for every file of the torrent and
// attaches the data descriptor. ctx.ChosenFiles is not consulted.
func (s *Session) stageChooseFiles(ctx *processor.Context) (processor.StageId, error) {
	store, err := pieces.NewStore(ctx.Torrent, s.Engine.StorageFactory)
	if err != nil {
		return processor.StageNone, err
	}
	if _, err := s.Engine.Registry.RegisterWithStore(s.TorrentId, store); err != nil {
		store.Close()
		return processor.StageNone, err
	}
	s.Store = store
	s.wireExchange()
	return processor.StageDownload, nil
}

// wireExchange builds the per-torrent message machinery around the
// freshly attached store.
func (s *Session) wireExchange() {
	e := s.Engine
	s.Pool = connection.NewPool(s.TorrentId, e.PeerId, e.Clock, e.Events)
	s.Pool.KeepAliveInterval = e.Config.KeepAliveInterval
	s.Pool.LocalHandshake = func() (wire.Message, bool) {
		payload, err := e.handshakes.Handshake(s.TorrentId).Encode()
		if err != nil {
			return wire.Message{}, false
		}
		return wire.NewExtended(extensions.HandshakeId, payload), true
	}
	s.Pool.OnConnected = func(c *connection.Conn) {
		c.Enqueue(wire.NewBitfield(s.Store.Bitfield()))
	}

	stats := pieces.NewStatistics(s.Torrent.PiecesCount())
	assign := assignments.New(e.Clock, e.Config.MaxAssignedPiecesPerPeer,
		e.Config.AssignmentDeadline, e.Config.EndgameThreshold)

	s.Exchange = &messaging.Exchange{
		Config:    e.Config,
		Clock:     e.Clock,
		Store:     s.Store,
		Assembler: pieces.NewAssembler(s.Store, e.Config.BlockSize),
		Stats:     stats,
		Assign:    assign,
		Selector:  pieces.RandomizedRarest(rand.New(rand.NewSource(time.Now().UnixNano()))),
		Worker:    dataworker.New(s.Store, ioParallelism),
		Pool:      s.Pool,
		Events:    e.Events,
	}
	s.Exchange.Register()
	s.Pool.RegisterConsumer(s.Engine.Pex.Consume)
	s.Pool.RegisterProducer(s.Engine.Pex.Produce)

	s.Choker = &choker.Choker{
		Conns:           s.Pool.Conns,
		Clock:           e.Clock,
		Interval:        e.Config.ChokeInterval,
		MaxUnchoked:     e.Config.MaxUnchokedPeers,
		OptimisticEvery: e.Config.OptimisticUnchokeEvery,
		Seeding:         s.Store.Complete,
		Random:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Session) stageDownload(ctx *processor.Context) (processor.StageId, error) {
	s.Choker.Start()
	defer s.Choker.Stop()

	g, groupCtx := errgroup.WithContext(context.Background())
	downloadDone := make(chan struct{})

	g.Go(func() error {
		s.discoveryLoop(groupCtx, downloadDone)
		return nil
	})
	g.Go(func() error {
		defer close(downloadDone)
		for {
			select {
			case <-s.stop:
				return errors.New("stopped")
			case <-s.Engine.Clock.After(discoveryInterval):
			}
			s.Exchange.Assign.ExpireOverdue()
			if s.Store.Stalled() {
				return pieces.ErrStalled
			}
			if s.Store.Complete() {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		s.Pool.Stop()
		return processor.StageNone, err
	}
	return processor.StageSeed, nil
}

// stageSeed keeps serving blocks until the session is stopped.
func (s *Session) stageSeed(ctx *processor.Context) (processor.StageId, error) {
	<-s.stop
	s.Pool.Stop()
	return processor.StageStop, nil
}

// discoveryLoop connects candidate hosts from the hint list and the
// peer sources, with exponential backoff on transient dial failures.
func (s *Session) discoveryLoop(ctx context.Context, done <-chan struct{}) {
	type backoff struct {
		attempts int
		nextTry  time.Time
	}
	backoffs := make(map[string]*backoff)
	pending := append([]domain.Host(nil), s.hints...)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-s.stop:
			return
		case <-s.Engine.Clock.After(discoveryInterval):
		}

		for _, src := range s.sources {
			pending = append(pending, src.CollectHosts()...)
		}

		now := s.Engine.Clock.Now()
		var retry []domain.Host
		for _, h := range pending {
			if h.PortIsUnknown() {
				continue
			}
			key := domain.NewConnectionKey(s.TorrentId, h)
			if _, connected := s.Pool.Get(key); connected {
				continue
			}
			b := backoffs[h.String()]
			if b != nil && now.Before(b.nextTry) {
				retry = append(retry, h)
				continue
			}
			if _, err := s.Pool.Connect(h); err != nil {
				if b == nil {
					b = &backoff{}
					backoffs[h.String()] = b
				}
				b.attempts++
				delay := backoffBase << uint(b.attempts-1)
				if delay > backoffCap {
					// past the cap the peer leaves the active set; it
					// may return via discovery
					delete(backoffs, h.String())
					continue
				}
				b.nextTry = now.Add(delay)
				retry = append(retry, h)
				continue
			}
			delete(backoffs, h.String())
		}
		pending = retry
	}
}
