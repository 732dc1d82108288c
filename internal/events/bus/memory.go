package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/logger"
)

// MemoryEventBus implements EventBus using in-process dispatch. It is the
// default when no NATS URL is configured.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // for NATS-style wildcard matching
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Publish dispatches an event to all matching subscriptions. Handlers run
// on the caller's goroutine; publishers on hot paths should treat the bus
// as best-effort.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var matched []*memorySubscription
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.matches(subject) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", subject),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern. Supports NATS
// wildcards: "*" for one token, ">" for the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compileSubjectPattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close shuts the bus down; further publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return s.subject == subject
	}
	return s.pattern.MatchString(subject)
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// compileSubjectPattern turns a NATS-style subject pattern into a regexp.
// Returns nil for literal subjects.
func compileSubjectPattern(subject string) *regexp.Regexp {
	if !strings.ContainsAny(subject, "*>") {
		return nil
	}
	parts := strings.Split(subject, ".")
	for i, part := range parts {
		switch part {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(part)
		}
	}
	return regexp.MustCompile(`^` + strings.Join(parts, `\.`) + `$`)
}
