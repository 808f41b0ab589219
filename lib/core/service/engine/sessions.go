package engine

import (
	"sync"

	"example.com/btengine/lib/core/domain"
)

type sessionMap struct {
	mu       sync.Mutex
	sessions map[domain.TorrentId]*Session
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[domain.TorrentId]*Session)}
}

func (m *sessionMap) put(id domain.TorrentId, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
}

func (m *sessionMap) get(id domain.TorrentId) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *sessionMap) remove(id domain.TorrentId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *sessionMap) all() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
