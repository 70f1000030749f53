package hooks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       HookEvent
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// EventBus distributes engine lifecycle events to subscribers. A nil *EventBus is valid
// and drops every event, so components can publish unconditionally.
type EventBus struct {
	subscribers  map[HookEvent][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *EventContext
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	shutdown     bool
}

// NewEventBus creates a new event bus with an async queue of queueSize events.
func NewEventBus(queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		subscribers: make(map[HookEvent][]*Subscription),
		eventQueue:  make(chan *EventContext, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go bus.processQueue()

	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *EventBus) Subscribe(event HookEvent, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *EventBus) SubscribeWithFilter(event HookEvent, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *EventBus) Publish(ev *EventContext) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[ev.Event]
	active := make([]*Subscription, len(subs))
	copy(active, subs)
	b.mu.RUnlock()

	for _, sub := range active {
		if sub.Filter != nil && !sub.Filter(ev) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic in event subscriber for %s: %v", ev.Event, r)
				}
			}()
			sub.Callback(ev)
		}()
	}
}

// PublishAsync queues an event; it never blocks the caller and drops when the queue is full.
func (b *EventBus) PublishAsync(ev *EventContext) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown {
		return
	}

	select {
	case b.eventQueue <- ev:
	default:
		log.Warnf("event queue full, dropping event: %s", ev.Event)
	}
}

func (b *EventBus) processQueue() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.eventQueue:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

// Shutdown stops the async processor. Queued events not yet delivered are dropped.
func (b *EventBus) Shutdown() {
	if b == nil {
		return
	}
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		close(b.eventQueue)
		b.mu.Unlock()

		b.cancel()
		<-b.done
	})
}
