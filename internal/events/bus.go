// Package events is the in-process publish/subscribe hub that decouples the
// sync and print pipelines from their observers.
//
// Delivery is synchronous: Publish returns after every current subscriber of
// the topic has been called, in subscription order. A panicking subscriber is
// logged and skipped; it never reaches the publisher or other subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is what subscribers receive.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers handler for topic and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = next
			}
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	evt := Event{Topic: topic, Payload: payload, Time: time.Now()}
	for _, s := range subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", evt.Topic,
				"subscriber", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(evt)
}

// Notify publishes a human-readable notification on TopicNotification.
func (b *Bus) Notify(level Level, title, message, detail string) {
	b.Publish(TopicNotification, Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// SubscriberCount reports how many handlers are attached to topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
