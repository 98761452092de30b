package client

import "sync"

// EventType is one of the closed set of event tags the client engine may
// emit: no dynamic string keys outside the closed set.
type EventType string

const (
	EventOrderQuoted      EventType = "order.quoted"
	EventPaymentSent      EventType = "payment.sent"
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventOrderPaid        EventType = "order.paid"
	EventOrderDelivered   EventType = "order.delivered"
	EventOrderConfirmed   EventType = "order.confirmed"
	EventSSEFallback      EventType = "sse_fallback"
)

// Event is one emission on the bus.
type Event struct {
	Type    EventType
	OrderID string
	Data    map[string]interface{}
}

// Handler receives emitted events.
type Handler func(Event)

// Bus is a typed publish/subscribe surface over the closed EventType set.
// Every Subscribe call returns an Unsubscribe disposer.
type Bus struct {
	mu   sync.Mutex
	subs map[EventType][]*subscription
}

type subscription struct {
	handler Handler
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]*subscription)}
}

// Subscribe registers handler for eventType and returns a disposer that
// removes it. Calling the disposer more than once is a no-op.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	sub := &subscription{handler: handler}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[eventType]
			for i, s := range list {
				if s == sub {
					b.subs[eventType] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit synchronously calls every handler subscribed to e.Type, in
// subscription order.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	handlers := make([]*subscription, len(b.subs[e.Type]))
	copy(handlers, b.subs[e.Type])
	b.mu.Unlock()

	for _, s := range handlers {
		s.handler(e)
	}
}
