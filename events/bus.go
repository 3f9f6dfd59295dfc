// Package events fans state transitions out to subscribers and keeps the
// bounded in-memory audit trail.
package events

import (
	"log/slog"
	"strings"
	"sync"
)

// Event is one published state transition.
type Event struct {
	Type string
	Data map[string]any
}

// Handler receives matching events. Handler failures never block or abort the
// emitter.
type Handler func(event Event)

type subscription struct {
	pattern string
	handler Handler
}

// Bus is a synchronous fan-out bus with wildcard pattern matching: "*"
// matches everything, "policy.*" matches every event under the policy
// prefix.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers the handler for the pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: strings.TrimSpace(pattern), handler: handler})
}

func matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// Publish delivers the event to every matching subscriber. A panicking
// subscriber is logged and dropped; delivery to the rest continues.
func (b *Bus) Publish(eventType string, data map[string]any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	event := Event{Type: eventType, Data: data}
	for _, sub := range subs {
		if !matches(sub.pattern, eventType) {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("event_type", event.Type),
				slog.String("pattern", sub.pattern),
				slog.Any("panic", r))
		}
	}()
	sub.handler(event)
}
