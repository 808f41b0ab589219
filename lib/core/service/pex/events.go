package pex

import (
	"example.com/btengine/lib/core/domain"
)

type EventType int

const (
	Added EventType = iota
	Dropped
)

// PeerEvent is an immutable add/drop observation, ordered by Instant
// (monotonic wall-clock milliseconds).
type PeerEvent struct {
	Type    EventType
	Host    domain.Host
	Instant int64
}

// eventQueue is ordered by non-decreasing Instant and only ever
// trimmed from the front.
type eventQueue struct {
	events []PeerEvent
}

func (q *eventQueue) add(e PeerEvent) {
	// instants come from one clock; appends keep order except for ties
	// racing in, which insertion-sort the tail
	i := len(q.events)
	for i > 0 && q.events[i-1].Instant > e.Instant {
		i--
	}
	q.events = append(q.events, PeerEvent{})
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = e
}

func (q *eventQueue) trimThrough(instant int64) {
	i := 0
	for i < len(q.events) && q.events[i].Instant <= instant {
		i++
	}
	q.events = q.events[i:]
}

func (q *eventQueue) snapshot() []PeerEvent {
	return q.events
}
