package store

import (
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/document"
)

// EventKind says what changed.
type EventKind int

const (
	// EventWrite is a local write accepted by Set or Clear.
	EventWrite EventKind = iota
	// EventIngest is an entry accepted from a sync session or a drop.
	EventIngest
	// EventPayload is a payload that became available locally.
	EventPayload
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventIngest:
		return "ingest"
	case EventPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// Event notifies subscribers of a change to the store.
type Event struct {
	Kind  EventKind
	Entry document.Entry
}

const subscriberBuffer = 64

// Subscribe returns a channel of change events and a function that ends
// the subscription. Events are dropped for subscribers that fall behind;
// consumers treat an event as a hint to reconcile, not as a change log.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("store %s: subscriber %d is behind, dropped %s event", s.share.Shortname(), id, ev.Kind)
		}
	}
}
