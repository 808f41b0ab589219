package peersource

import "example.com/btengine/lib/core/domain"

// Source yields candidate peer endpoints. CollectHosts drains whatever
// has accumulated since the previous call; an empty result is normal.
type Source interface {
	CollectHosts() []domain.Host
}

type Func func() []domain.Host

func (f Func) CollectHosts() []domain.Host {
	return f()
}
