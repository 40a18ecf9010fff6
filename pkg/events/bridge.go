package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-nexus/nexus/pkg/logger"
)

// Subscription is one consumer's view of the bridge. Events arrive on the
// channel returned by Events until Close is called or the bridge shuts down.
type Subscription struct {
	id         string
	categories map[Category]bool
	ch         chan Event
	bridge     *Bridge
	closeOnce  sync.Once
}

// Events returns the subscriber's receive channel
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bridge.mu.Lock()
		delete(s.bridge.subs, s.id)
		close(s.ch)
		s.bridge.mu.Unlock()
	})
}

func (s *Subscription) wants(c Category) bool {
	if len(s.categories) == 0 {
		return true
	}
	return s.categories[c]
}

// Bridge fans published events out to all matching subscribers. Publishing
// never blocks: when a subscriber's buffer is full the oldest buffered event
// is dropped to make room for the newest.
type Bridge struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	log    *logger.ComponentLogger
}

// New creates an empty bridge
func New() *Bridge {
	return &Bridge{
		subs: make(map[string]*Subscription),
		log:  logger.WithComponent("events"),
	}
}

// Subscribe registers a consumer. buffer is the channel capacity and must be
// at least 1. With no categories the subscription receives everything.
func (b *Bridge) Subscribe(buffer int, categories ...Category) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, buffer),
		bridge: b,
	}
	if len(categories) > 0 {
		sub.categories = make(map[Category]bool, len(categories))
		for _, c := range categories {
			sub.categories[c] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber. A zero ID or
// Timestamp is filled in. Publishing on a closed bridge is a no-op.
func (b *Bridge) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Category == "" && e.Payload != nil {
		e.Category = e.Payload.EventCategory()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Category) {
			continue
		}
		b.deliver(sub, e)
	}
}

// deliver is called with the read lock held. Subscription channels are only
// closed under the write lock, so sending here cannot race a close.
func (b *Bridge) deliver(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}
	// Buffer full. Drop the oldest event and retry once; a concurrent
	// consumer may have drained the channel in between, so the retry can
	// still fall through.
	select {
	case dropped := <-sub.ch:
		b.log.Warn("subscriber overflow, dropping oldest event", "category", dropped.Category, "event_id", dropped.ID)
	default:
	}
	select {
	case sub.ch <- e:
	default:
		b.log.Warn("subscriber overflow, dropping newest event", "category", e.Category, "event_id", e.ID)
	}
}

// Close shuts the bridge down and closes every subscriber channel
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// PublishConnection is a convenience wrapper for connection lifecycle events
func (b *Bridge) PublishConnection(connectionID string, p ConnectionPayload) {
	b.Publish(Event{Category: CategoryConnection, ConnectionID: connectionID, Payload: p})
}

// PublishSession is a convenience wrapper for session mutation events
func (b *Bridge) PublishSession(sessionID string, p SessionPayload) {
	b.Publish(Event{Category: CategorySession, SessionID: sessionID, Payload: p})
}

// PublishMessage is a convenience wrapper for message events
func (b *Bridge) PublishMessage(sessionID string, p MessagePayload) {
	b.Publish(Event{Category: CategoryMessage, SessionID: sessionID, Payload: p})
}

// PublishStream is a convenience wrapper for stream lifecycle events
func (b *Bridge) PublishStream(sessionID string, p StreamPayload) {
	b.Publish(Event{Category: CategoryStream, SessionID: sessionID, Payload: p})
}

// PublishError is a convenience wrapper for surfaced failures
func (b *Bridge) PublishError(sessionID string, p ErrorPayload) {
	b.Publish(Event{Category: CategoryError, SessionID: sessionID, Payload: p})
}
