// Package hub is the application message bus plugins broadcast on.
// Delivery is synchronous and fire-and-forget.
package hub

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	ErrHubClosed             = errors.New("hub is closed")
	ErrNilHandler            = errors.New("handler required")
	ErrNilKind               = errors.New("message kind required")
	ErrEmptySubscriber       = errors.New("subscriber required")
	ErrDuplicateSubscription = errors.New("subscriber already subscribed to message kind")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
)

// Message is anything broadcast on the hub
type Message interface {
	Sender() string
}

// Handler receives a message
type Handler func(Message)

// Stats counts hub traffic
type Stats struct {
	Published uint64
	Delivered uint64
}

type subscription struct {
	subscriber string
	handler    Handler
}

// Hub routes messages by their dynamic type
type Hub struct {
	mu        sync.RWMutex
	subs      map[reflect.Type][]subscription
	closed    bool
	published uint64
	delivered uint64
}

// New creates an empty hub
func New() *Hub {
	return &Hub{
		subs: make(map[reflect.Type][]subscription),
	}
}

// Subscribe registers handler for messages with the same dynamic type as kind
func (h *Hub) Subscribe(subscriber string, kind Message, handler Handler) error {
	if subscriber == "" {
		return ErrEmptySubscriber
	}
	if kind == nil {
		return ErrNilKind
	}
	if handler == nil {
		return ErrNilHandler
	}
	typ := reflect.TypeOf(kind)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	for _, s := range h.subs[typ] {
		if s.subscriber == subscriber {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateSubscription, subscriber, typ)
		}
	}
	h.subs[typ] = append(h.subs[typ], subscription{subscriber: subscriber, handler: handler})
	return nil
}

// Subscribe registers a typed handler for messages of type M
func Subscribe[M Message](h *Hub, subscriber string, fn func(M)) error {
	if fn == nil {
		return ErrNilHandler
	}
	var kind M
	return h.Subscribe(subscriber, kind, func(m Message) {
		fn(m.(M))
	})
}

// Unsubscribe removes subscriber's handler for the type of kind
func (h *Hub) Unsubscribe(subscriber string, kind Message) error {
	if kind == nil {
		return ErrNilKind
	}
	typ := reflect.TypeOf(kind)

	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[typ]
	for i, s := range list {
		if s.subscriber == subscriber {
			h.subs[typ] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// UnsubscribeAll removes every handler registered by subscriber
func (h *Hub) UnsubscribeAll(subscriber string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for typ, list := range h.subs {
		kept := make([]subscription, 0, len(list))
		for _, s := range list {
			if s.subscriber != subscriber {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(h.subs, typ)
		} else {
			h.subs[typ] = kept
		}
	}
}

// Broadcast delivers msg to every handler subscribed to its type, in
// subscription order. Handlers run on the caller's goroutine without the
// hub lock held.
func (h *Hub) Broadcast(msg Message) {
	if msg == nil {
		return
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	list := h.subs[reflect.TypeOf(msg)]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.handler
	}
	h.mu.RUnlock()

	atomic.AddUint64(&h.published, 1)
	for _, handler := range handlers {
		handler(msg)
		atomic.AddUint64(&h.delivered, 1)
	}
}

// Stats returns traffic counters
func (h *Hub) Stats() Stats {
	return Stats{
		Published: atomic.LoadUint64(&h.published),
		Delivered: atomic.LoadUint64(&h.delivered),
	}
}

// Close drops all subscriptions; later broadcasts are ignored
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.subs = make(map[reflect.Type][]subscription)
}
