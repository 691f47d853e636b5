// Package events fans sync notifications out to UI subscribers.
package events

import (
	"sync"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
)

// Kind identifies an event type.
type Kind string

const (
	KindSyncState         Kind = "sync_state"
	KindPendingCount      Kind = "pending_count"
	KindCredentialExpired Kind = "credential_expired"
	KindDrain             Kind = "drain"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind             `json:"type"`
	PostID    models.UUID      `json:"post_id,omitempty"`
	SyncState models.SyncState `json:"sync_state,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	// Removed is set on a sync state event when the post no longer exists.
	Removed bool      `json:"removed,omitempty"`
	Pending int       `json:"pending"`
	Time    time.Time `json:"time"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Broker delivers events to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses its oldest events.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving the events accepted by filter (all
// events when nil) and a cancel func that closes it.
func (b *Broker) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, DefaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers e to every matching subscriber.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		for {
			select {
			case sub.ch <- e:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.closed = true
}
