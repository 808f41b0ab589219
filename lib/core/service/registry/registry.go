package registry

import (
	"errors"
	"sync"

	"example.com/btengine/lib/core/adapter/persistentmetadata"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/logger"
)

var l_registry = logger.Named("registry")

// ErrStoreAlreadyAttached: attaching a second data descriptor to a
// torrent is a programming error, not a recoverable condition.
var ErrStoreAlreadyAttached = errors.New("registry: data descriptor already attached")

// Descriptor tracks one registered torrent: whether it is active and,
// once storage is bound, its data descriptor.
type Descriptor struct {
	TorrentId domain.TorrentId

	mu     sync.Mutex
	active bool
	store  *pieces.Store
}

func (d *Descriptor) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Descriptor) SetActive(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = v
}

func (d *Descriptor) Store() (*pieces.Store, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store, d.store != nil
}

// Registry maps torrent ids to descriptors with create-if-absent
// semantics, and owns their teardown.
type Registry struct {
	Events  *domain.EventBus
	Persist persistentmetadata.PersistentMetadata

	mu          sync.Mutex
	descriptors map[domain.TorrentId]*Descriptor
	torrents    map[domain.TorrentId]domain.Torrent
}

func New(events *domain.EventBus, persist persistentmetadata.PersistentMetadata) *Registry {
	r := &Registry{
		Events:      events,
		Persist:     persist,
		descriptors: make(map[domain.TorrentId]*Descriptor),
		torrents:    make(map[domain.TorrentId]domain.Torrent),
	}
	if events != nil {
		events.Subscribe(domain.EventTorrentStopped, func(e domain.Event) {
			r.Unregister(e.TorrentId)
		})
	}
	return r
}

// Register returns the torrent's descriptor, creating it on first use.
// Registering the same id twice returns the same descriptor.
func (r *Registry) Register(id domain.TorrentId) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	if !ok {
		d = &Descriptor{TorrentId: id, active: true}
		r.descriptors[id] = d
	}
	return d
}

// RegisterWithStore attaches the data descriptor; re-attaching is a
// fatal misuse. Persisted resume state is replayed into the store.
func (r *Registry) RegisterWithStore(id domain.TorrentId, store *pieces.Store) (*Descriptor, error) {
	d := r.Register(id)
	d.mu.Lock()
	if d.store != nil {
		d.mu.Unlock()
		return nil, ErrStoreAlreadyAttached
	}
	d.store = store
	d.mu.Unlock()

	if r.Persist != nil {
		var resumed domain.PieceList
		if err := r.Persist.Get(resumeKey(id), &resumed); err == nil {
			for i := 0; i < store.Torrent().PiecesCount(); i++ {
				if resumed.ContainPiece(uint32(i)) {
					store.MarkVerified(i)
				}
			}
			l_registry.Sugar().Infow("resumed", "torrent", id.String(), "verified", store.VerifiedCount())
		}
		store.OnPieceVerified(func(int) {
			if err := r.Persist.Put(resumeKey(id), store.Bitfield()); err != nil {
				l_registry.Sugar().Warnw("resume save failed", "err", err.Error())
			}
		})
	}
	return d, nil
}

func (r *Registry) Get(id domain.TorrentId) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	return d, ok
}

func (r *Registry) PutTorrent(id domain.TorrentId, t domain.Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torrents[id] = t
}

func (r *Registry) Torrent(id domain.TorrentId) (domain.Torrent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.torrents[id]
	return t, ok
}

// IsSupportedAndActive: the id is known, and either metadata is still
// being fetched (no descriptor yet) or the descriptor reports active.
func (r *Registry) IsSupportedAndActive(id domain.TorrentId) bool {
	r.mu.Lock()
	_, known := r.torrents[id]
	d, hasDescriptor := r.descriptors[id]
	r.mu.Unlock()
	if !known && !hasDescriptor {
		return false
	}
	return !hasDescriptor || d.Active()
}

// Unregister removes the descriptor and closes its data descriptor.
// Close errors are logged and swallowed; the torrent is gone
// regardless. The second call is a no-op.
func (r *Registry) Unregister(id domain.TorrentId) {
	r.mu.Lock()
	d, ok := r.descriptors[id]
	delete(r.descriptors, id)
	delete(r.torrents, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	d.SetActive(false)
	if store, bound := d.Store(); bound {
		if err := store.Close(); err != nil {
			l_registry.Sugar().Warnw("close failed", "torrent", id.String(), "err", err.Error())
		}
	}
}

func resumeKey(id domain.TorrentId) string {
	return "pieces:" + id.String()
}
