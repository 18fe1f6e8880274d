package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/logger"
)

// MemoryEventBus delivers events in-process. It is the default bus for a
// single-binary deployment and for tests.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	id      int
	tokens  []string // pattern split on "."
	handler EventHandler
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[int]*memorySubscription),
		logger: log,
	}
}

// Publish delivers event to every subscription whose pattern matches
// subject. Handlers run on their own goroutines so a slow subscriber
// cannot stall the publishing turn.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var matched []*memorySubscription
	for _, sub := range b.subs {
		if subjectMatches(subject, sub.tokens) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler error",
					zap.String("subject", subject), zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Subscribe registers handler for every subject matching pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySubscription{
		bus:     b,
		id:      b.nextID,
		tokens:  strings.Split(pattern, "."),
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close drops every subscription; further publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySubscription)
}

// IsConnected is true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// IsValid reports whether the subscription is still registered.
func (s *memorySubscription) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	_, ok := s.bus.subs[s.id]
	return ok
}

// subjectMatches compares a concrete subject against pattern tokens:
// "*" matches exactly one token, ">" matches everything that remains.
func subjectMatches(subject string, pattern []string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(tokens) == len(pattern)
}
