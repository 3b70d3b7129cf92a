package sync

import (
	"context"
	stdsync "sync"
	"time"
)

const (
	// EventNoteUploaded fires after a note's content and meta are durably
	// published remotely.
	EventNoteUploaded = "note:uploaded"
	// EventConflictDetected fires when hash divergence meets local unsynced
	// changes; the carried conflict record stays live until resolved.
	EventConflictDetected = "conflict:detected"
)

// Event is delivered to subscribers of the sync engine.
type Event struct {
	Type      string
	NoteID    string
	Conflict  *ConflictRecord
	Timestamp time.Time
}

// Dispatcher fans sync events out to subscribers. Delivery is best effort:
// a subscriber that stops draining its channel misses events rather than
// blocking the sync pass.
type Dispatcher struct {
	mu          stdsync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener. The returned cancel function, or the
// context ending, removes it.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(sub)
	cleanup := func() {
		d.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to all current subscribers without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, id)
}
