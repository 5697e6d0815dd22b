// Package bus implements the in-process event fabric: per-subscriber
// fan-out with project-ID filters, bounded queues, and monotonic sequence
// assignment. Events are additionally appended to the store's event log on a
// best-effort basis; a failed append never fails a publish.
package bus

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// DefaultQueueSize bounds each subscriber's delivery queue. A subscriber
// whose queue overflows is disconnected; events are never retried to a dead
// subscriber (reconnect requires a full resync).
const DefaultQueueSize = 256

// Subscription is one observer's attachment to the bus.
type Subscription struct {
	id     int64
	bus    *Bus
	ch     chan *models.Event
	mu     sync.Mutex
	filter map[string]struct{} // nil = no projects (only filter-exempt events)
	closed bool
}

// Events returns the delivery channel. The channel closes on disconnect
// (explicit Unsubscribe or queue overflow).
func (s *Subscription) Events() <-chan *models.Event { return s.ch }

// SetProjectFilter replaces the subscriber's project filter set.
func (s *Subscription) SetProjectFilter(projectIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		s.filter[id] = struct{}{}
	}
}

// wants reports whether an event passes this subscriber's filter.
// Filter-exempt events (no project scope) are always delivered.
func (s *Subscription) wants(e *models.Event) bool {
	if e.GlobalEvent() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.filter[e.ProjectID]
	return ok
}

func (s *Subscription) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Bus is the process-wide event fabric. Exactly one instance is constructed
// at startup and passed through the dependency graph.
type Bus struct {
	db        *sql.DB
	queueSize int

	mu     sync.Mutex
	nexts  int64
	nextID int64
	subs   map[int64]*Subscription
}

// New creates a bus. The sequence counter resumes after the highest seq
// already in the event log so restarts never reuse sequence numbers.
// db may be nil (no persistence, tests).
func New(db *sql.DB, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		db:        db,
		queueSize: queueSize,
		subs:      make(map[int64]*Subscription),
	}
	if db != nil {
		if max, err := store.MaxEventSeq(db); err == nil {
			b.nexts = max
		} else {
			slog.Warn("event bus could not read max seq, starting from 0", "error", err)
		}
	}
	return b
}

// Subscribe attaches a new observer with an empty project filter.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ch:     make(chan *models.Event, b.queueSize),
		filter: make(map[string]struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches an observer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if sub.markClosed() {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of attached observers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish assigns a monotonic seq, persists the event (best-effort), and
// fans it out to matching subscribers. The whole sequence runs under the bus
// lock: sends are non-blocking so holding it is cheap, and it gives two
// guarantees that concurrent publishers would otherwise break. Delivery
// under the lock means every subscriber sees seqs strictly increasing;
// persisting before delivery means an event is in the log before anyone can
// observe it, so a reconnecting subscriber's replay never misses one.
// A full subscriber queue disconnects that subscriber.
func (b *Bus) Publish(e *models.Event) int64 {
	b.mu.Lock()
	b.nexts++
	e.Seq = b.nexts
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if b.db != nil {
		if err := store.InsertEventWithSeq(b.db, e); err != nil {
			slog.Warn("failed to persist event", "type", e.Type, "seq", e.Seq, "error", err)
		}
	}

	// Unsubscribe re-takes the bus lock, so overflowed subscribers are
	// collected here and disconnected after release.
	var overflowed []*Subscription
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		// Queue overflow: the subscriber is too slow. Disconnect it;
		// it must resync on reattach.
		slog.Warn("event subscriber overflowed, disconnecting", "subscriber", sub.id, "seq", e.Seq)
		b.Unsubscribe(sub)
	}
	return e.Seq
}
