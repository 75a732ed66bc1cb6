// event_bus.go: type- and name-keyed publish/subscribe with priorities and plugin ownership
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// SubscriptionID identifies a subscription. IDs start at 1 and are never reused.
type SubscriptionID uint64

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithPriority sets the delivery priority; higher fires first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscriber) { s.priority = priority }
}

// WithOwner tags the subscription with the plugin that owns it.
func WithOwner(plugin string) SubscribeOption {
	return func(s *subscriber) { s.owner = plugin }
}

// Once removes the subscription after its first delivery.
func Once() SubscribeOption {
	return func(s *subscriber) { s.once = true }
}

type subscriber struct {
	id        SubscriptionID
	priority  int
	owner     string
	once      bool
	handler   func(any)
	createdAt time.Time
}

// eventKey addresses one of the two independent tables: typ is set for
// type-keyed subscriptions, name for name-keyed ones.
type eventKey struct {
	typ  reflect.Type
	name string
}

func (k eventKey) String() string {
	if k.typ != nil {
		return k.typ.String()
	}
	return k.name
}

type queuedEvent struct {
	key   eventKey
	event any
}

// EventBus delivers events to subscribers in descending priority order.
//
// Subscriber lists are copied under the lock and callbacks run after it is
// released, so a callback may subscribe, unsubscribe or publish on the same
// bus. A panicking callback is recovered and logged; delivery continues with
// the next subscriber.
//
// Example usage:
//
//	bus := NewEventBus(logger)
//	Subscribe(bus, func(e UserLoggedIn) { audit(e) }, WithPriority(10))
//	Publish(bus, UserLoggedIn{Name: "ada"})
type EventBus struct {
	mu      sync.RWMutex
	byType  map[reflect.Type][]*subscriber
	byName  map[string][]*subscriber
	index   map[SubscriptionID]eventKey
	nextID  SubscriptionID
	queueMu sync.Mutex
	queue   []queuedEvent
	logger  Logger
	metrics *Metrics
	panics  RecoveryMetrics
}

// NewEventBus creates an empty bus.
func NewEventBus(logger any) *EventBus {
	return &EventBus{
		byType: make(map[reflect.Type][]*subscriber),
		byName: make(map[string][]*subscriber),
		index:  make(map[SubscriptionID]eventKey),
		logger: NewLogger(logger),
	}
}

// SetMetrics attaches a metrics collector for published events.
func (b *EventBus) SetMetrics(metrics *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = metrics
}

// Subscribe registers handler for events of type T.
func Subscribe[T any](b *EventBus, handler func(T), opts ...SubscribeOption) SubscriptionID {
	return b.subscribe(eventKey{typ: reflect.TypeFor[T]()}, func(event any) {
		if typed, ok := event.(T); ok {
			handler(typed)
		}
	}, opts)
}

// SubscribeOnce registers handler for the next event of type T only.
func SubscribeOnce[T any](b *EventBus, handler func(T), opts ...SubscribeOption) SubscriptionID {
	return Subscribe(b, handler, append(opts, Once())...)
}

// Publish delivers event to every subscriber of type T and returns the number
// of callbacks invoked.
func Publish[T any](b *EventBus, event T) int {
	return b.publish(eventKey{typ: reflect.TypeFor[T]()}, event)
}

// Enqueue defers event until the next ProcessQueue call.
func Enqueue[T any](b *EventBus, event T) {
	b.enqueue(eventKey{typ: reflect.TypeFor[T]()}, event)
}

// SubscriberCount returns the number of subscribers of type T.
func SubscriberCount[T any](b *EventBus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[reflect.TypeFor[T]()])
}

// SubscribeNamed registers handler for events published under name.
func (b *EventBus) SubscribeNamed(name string, handler func(any), opts ...SubscribeOption) SubscriptionID {
	return b.subscribe(eventKey{name: name}, handler, opts)
}

// SubscribeNamedOnce registers handler for the next event published under name.
func (b *EventBus) SubscribeNamedOnce(name string, handler func(any), opts ...SubscribeOption) SubscriptionID {
	return b.subscribe(eventKey{name: name}, handler, append(opts, Once()))
}

// PublishNamed delivers event to the subscribers of name. Type-keyed
// subscribers are never involved.
func (b *EventBus) PublishNamed(name string, event any) int {
	return b.publish(eventKey{name: name}, event)
}

// EnqueueNamed defers a named event until the next ProcessQueue call.
func (b *EventBus) EnqueueNamed(name string, event any) {
	b.enqueue(eventKey{name: name}, event)
}

// NamedSubscriberCount returns the number of subscribers of name.
func (b *EventBus) NamedSubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[name])
}

// ProcessQueue delivers every event queued before the call, in FIFO order.
// Events queued by callbacks during processing wait for the next call.
// Returns the number of events delivered.
func (b *EventBus) ProcessQueue() int {
	b.queueMu.Lock()
	pending := b.queue
	b.queue = nil
	b.queueMu.Unlock()

	for _, q := range pending {
		b.publish(q.key, q.event)
	}
	return len(pending)
}

// QueueLength returns the number of queued events.
func (b *EventBus) QueueLength() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// Unsubscribe removes a single subscription. Returns false if it was not found.
func (b *EventBus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

// UnsubscribePlugin removes every subscription owned by plugin, in both
// tables, and returns how many were removed. The relative order of the
// remaining subscribers is unchanged.
func (b *EventBus) UnsubscribePlugin(plugin string) int {
	if plugin == "" {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for typ, subs := range b.byType {
		kept, n := b.dropOwned(subs, plugin)
		removed += n
		if len(kept) == 0 {
			delete(b.byType, typ)
		} else {
			b.byType[typ] = kept
		}
	}
	for name, subs := range b.byName {
		kept, n := b.dropOwned(subs, plugin)
		removed += n
		if len(kept) == 0 {
			delete(b.byName, name)
		} else {
			b.byName[name] = kept
		}
	}
	return removed
}

// PluginSubscriptionCount returns the number of subscriptions owned by plugin.
func (b *EventBus) PluginSubscriptionCount(plugin string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.byType {
		for _, s := range subs {
			if s.owner == plugin {
				count++
			}
		}
	}
	for _, subs := range b.byName {
		for _, s := range subs {
			if s.owner == plugin {
				count++
			}
		}
	}
	return count
}

// Clear removes every subscription and queued event.
func (b *EventBus) Clear() {
	b.mu.Lock()
	b.byType = make(map[reflect.Type][]*subscriber)
	b.byName = make(map[string][]*subscriber)
	b.index = make(map[SubscriptionID]eventKey)
	b.mu.Unlock()

	b.queueMu.Lock()
	b.queue = nil
	b.queueMu.Unlock()
}

func (b *EventBus) subscribe(key eventKey, handler func(any), opts []SubscribeOption) SubscriptionID {
	s := &subscriber{handler: handler, createdAt: timecache.CachedTime()}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s.id = b.nextID
	b.index[s.id] = key

	subs := append(b.listLocked(key), s)
	// stable: equal priorities keep insertion order
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
	b.setListLocked(key, subs)

	return s.id
}

func (b *EventBus) publish(key eventKey, event any) int {
	b.mu.RLock()
	snapshot := make([]*subscriber, len(b.listLocked(key)))
	copy(snapshot, b.listLocked(key))
	metrics := b.metrics
	b.mu.RUnlock()

	delivered := 0
	var fired []SubscriptionID
	for _, s := range snapshot {
		if s.once {
			// a once subscriber may already have fired from a concurrent or
			// reentrant publish
			if !b.claimOnce(s.id) {
				continue
			}
			fired = append(fired, s.id)
		}
		b.deliver(key, s, event)
		delivered++
	}

	if len(fired) > 0 {
		b.mu.Lock()
		for _, id := range fired {
			b.removeLocked(id)
		}
		b.mu.Unlock()
	}

	metrics.RecordEventPublished(key.String(), delivered)
	return delivered
}

// claimOnce detaches a one-shot subscriber from the index so no other publish
// can deliver to it; its list entry is removed after delivery.
func (b *EventBus) claimOnce(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.index[id]; !ok {
		return false
	}
	delete(b.index, id)
	return true
}

func (b *EventBus) deliver(key eventKey, s *subscriber, event any) {
	defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
		total := b.panics.Record(ownerLabel(s.owner))
		b.logger.Error("Event handler panicked",
			"event", key.String(),
			"subscription", uint64(s.id),
			"owner", s.owner,
			"panic", recovered,
			"total_panics", total,
			"stack", string(stack))
	})()
	s.handler(event)
}

// HandlerPanics returns how many panics were recovered from handlers owned by
// plugin. The empty name counts handlers subscribed by the host.
func (b *EventBus) HandlerPanics(plugin string) int64 {
	return b.panics.Count(ownerLabel(plugin))
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "host"
	}
	return owner
}

func (b *EventBus) enqueue(key eventKey, event any) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.queue = append(b.queue, queuedEvent{key: key, event: event})
}

// removeLocked removes id from its list. Ids already claimed by claimOnce are
// found by scanning the list. Caller holds b.mu.
func (b *EventBus) removeLocked(id SubscriptionID) bool {
	key, indexed := b.index[id]
	if indexed {
		delete(b.index, id)
		return b.removeFromList(key, id)
	}
	for typ := range b.byType {
		if b.removeFromList(eventKey{typ: typ}, id) {
			return true
		}
	}
	for name := range b.byName {
		if b.removeFromList(eventKey{name: name}, id) {
			return true
		}
	}
	return false
}

func (b *EventBus) removeFromList(key eventKey, id SubscriptionID) bool {
	subs := b.listLocked(key)
	for i, s := range subs {
		if s.id != id {
			continue
		}
		kept := make([]*subscriber, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		b.setListLocked(key, kept)
		return true
	}
	return false
}

func (b *EventBus) dropOwned(subs []*subscriber, plugin string) ([]*subscriber, int) {
	kept := make([]*subscriber, 0, len(subs))
	removed := 0
	for _, s := range subs {
		if s.owner == plugin {
			delete(b.index, s.id)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	return kept, removed
}

func (b *EventBus) listLocked(key eventKey) []*subscriber {
	if key.typ != nil {
		return b.byType[key.typ]
	}
	return b.byName[key.name]
}

func (b *EventBus) setListLocked(key eventKey, subs []*subscriber) {
	if key.typ != nil {
		if len(subs) == 0 {
			delete(b.byType, key.typ)
			return
		}
		b.byType[key.typ] = subs
		return
	}
	if len(subs) == 0 {
		delete(b.byName, key.name)
		return
	}
	b.byName[key.name] = subs
}
