// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package events fans collection lifecycle events out to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// Type names an event on the wire.
type Type string

const (
	TypeCollectionStarted   Type = "collection_started"
	TypeCollectionProgress  Type = "collection_progress"
	TypeCollectionCompleted Type = "collection_completed"
	TypeCollectionError     Type = "collection_error"

	// Sent by the WebSocket handler only.
	TypeConnected Type = "connected"
	TypePong      Type = "pong"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 64

// Event is one lifecycle notification.
type Event struct {
	Type      Type                 `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Message   string               `json:"message,omitempty"`
	Step      capacity.Level       `json:"step,omitempty"`
	Processed int                  `json:"processed,omitempty"`
	Total     int                  `json:"total,omitempty"`
	Summary   *capacity.RunSummary `json:"summary,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func Started() Event {
	return Event{Type: TypeCollectionStarted, Timestamp: time.Now().UTC(), Message: "Starting capacity data collection"}
}

func Progress(p capacity.Progress) Event {
	return Event{
		Type:      TypeCollectionProgress,
		Timestamp: time.Now().UTC(),
		Message:   "Collecting " + string(p.Level),
		Step:      p.Level,
		Processed: p.Processed,
		Total:     p.Total,
	}
}

func Completed(s capacity.RunSummary) Event {
	return Event{Type: TypeCollectionCompleted, Timestamp: time.Now().UTC(), Message: "Collection completed", Summary: &s}
}

func Failed(err error) Event {
	return Event{Type: TypeCollectionError, Timestamp: time.Now().UTC(), Message: "Collection failed", Error: err.Error()}
}

// Subscription is one subscriber's queue. Its channel is closed when the
// subscriber unsubscribes or is dropped for falling behind.
type Subscription struct {
	id  uint64
	ch  chan Event
	bus *Bus
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s.id) }

// Bus broadcasts events to every registered subscriber. Publish never
// blocks: a subscriber whose queue is full is unregistered.
type Bus struct {
	log    *slog.Logger
	onDrop func()
	onSize func(int)

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook is called each time a lagging subscriber is dropped.
func WithDropHook(fn func()) Option { return func(b *Bus) { b.onDrop = fn } }

// WithSizeHook is called with the subscriber count whenever it changes.
func WithSizeHook(fn func(int)) Option { return func(b *Bus) { b.onSize = fn } }

func NewBus(log *slog.Logger, opts ...Option) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:  log.With("component", "event-bus"),
		subs: make(map[uint64]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber with a queue of buffer events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, buffer), bus: b}
	b.subs[s.id] = s
	b.sizeChanged()
	return s
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("subscriber queue full, dropping subscriber", "subscriber", id, "event", ev.Type)
			delete(b.subs, id)
			close(s.ch)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	b.sizeChanged()
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
		b.sizeChanged()
	}
}

func (b *Bus) sizeChanged() {
	if b.onSize != nil {
		b.onSize(len(b.subs))
	}
}
