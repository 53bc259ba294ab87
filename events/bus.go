// Package events carries explicit mutation events from the stores to interested
// subscribers (graph sync outbox, recall cache, cross-instance fan-out).
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/rs/zerolog"
)

// Operation is the kind of mutation an event describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Table names used as event sources and graph sync keys.
const (
	TableMemorySpaces     = "memory_spaces"
	TableConversations    = "conversations"
	TableImmutableRecords = "immutable_records"
	TableMutableRecords   = "mutable_records"
	TableMemories         = "memories"
	TableFacts            = "facts"
	TableContexts         = "contexts"
)

// Event describes one committed mutation.
type Event struct {
	Table     string    `json:"table"`
	EntityID  string    `json:"entityId"`
	Operation Operation `json:"operation"`
	Tenant    string    `json:"tenantId,omitempty"`
	Space     string    `json:"memorySpaceId,omitempty"`
	Entity    any       `json:"entity,omitempty"` // snapshot; nil for deletes
	Priority  int       `json:"priority,omitempty"`
	At        time.Time `json:"at"`
	Origin    string    `json:"origin,omitempty"` // instance id for relayed events
}

// Remote reports whether the event was relayed from another instance.
func (e Event) Remote() bool { return e.Origin != "" }

// Publisher is what the stores depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Handler receives published events.
type Handler func(ctx context.Context, ev Event)

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type subscription struct {
	name    string
	order   int
	handler Handler
}

// Bus is an in-process synchronous event bus. Handlers run on the publisher's
// goroutine in subscription order and must not block for long.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	logger zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]subscription),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers h under name and returns a function that removes it.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{name: name, order: id, handler: h}
	b.mu.Unlock()

	b.logger.Debug().Str("subscriber", name).Msg("Subscribed")
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber. A panicking subscriber is logged and
// skipped so the mutation that produced the event is unaffected.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].order < subs[j].order })

	for _, s := range subs {
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", s.name).
				Str("table", ev.Table).
				Str("entity_id", ev.EntityID).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()
	s.handler(ctx, ev)
}

// Emit is a convenience for stores: it builds and publishes an event for scope.
func Emit(ctx context.Context, p Publisher, scope core.Scope, table, id string, op Operation, entity any) {
	if p == nil {
		return
	}
	p.Publish(ctx, Event{
		Table:     table,
		EntityID:  id,
		Operation: op,
		Tenant:    string(scope.Tenant),
		Space:     string(scope.Space),
		Entity:    entity,
		At:        time.Now(),
	})
}
