// Package events carries status changes and catalog reloads between daemon
// components, and journals them to disk.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventStatusChanged is published whenever an action's mirrored status is set.
	EventStatusChanged EventType = "status_changed"
	// EventDeliveryFinished is published when a delivery call returns.
	EventDeliveryFinished EventType = "delivery_finished"
	// EventCatalogReloaded is published after actions.yaml was re-read.
	EventCatalogReloaded EventType = "catalog_reloaded"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Int returns an integer field of the event payload, or 0.
func (e Event) Int(key string) int {
	v, _ := e.Data[key].(int)
	return v
}

// String returns a string field of the event payload, or "".
func (e Event) String(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe hub. Each subscriber owns a
// buffered channel drained by its own goroutine, so events reach one
// subscriber in publish order. A full channel drops the event for that
// subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      *logrus.Entry
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logrus.WithField("component", "bus"),
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// Unsubscribing closes the channel; events already buffered are still delivered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber panic event=%s panic=%v", event.Type, r)
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Warnf("subscriber full, dropped event=%s", eventType)
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
