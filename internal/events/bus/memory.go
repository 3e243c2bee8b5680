package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe once the bus is closed.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus using in-memory dispatch.
//
// Handlers are invoked synchronously in publish order. Session event streams
// depend on this: a coordinator that publishes activity updates must observe
// them delivered in the order it produced them. Handlers that need concurrency
// spawn their own goroutines.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	logger        *logger.Logger
}

// NewMemoryEventBus creates an unconnected-to-nothing bus that is ready
// immediately.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// memorySubscription is one registered handler. active flips false on
// Unsubscribe or bus Close; a deactivated subscription never fires again even
// if a publish already collected it.
type memorySubscription struct {
	owner   *MemoryEventBus
	subject string
	re      *regexp.Regexp // nil for literal subjects
	handler EventHandler
	active  atomic.Bool
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	subs := s.owner.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.owner.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription can still receive events.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// Publish sends an event to all matching subscribers.
//
// Matching handlers run synchronously on the caller's goroutine, in
// subscription order. The bus lock is released before any handler runs, so
// handlers may publish or subscribe without deadlocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	targets, err := b.collect(subject)
	if err != nil {
		return err
	}

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// collect snapshots the subscriptions matching subject under the read lock.
func (b *MemoryEventBus) collect(subject string) ([]*memorySubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	var targets []*memorySubscription
	for pattern, subs := range b.subscriptions {
		if len(subs) == 0 || !matches(subject, pattern, subs[0].re) {
			continue
		}
		targets = append(targets, subs...)
	}
	return targets, nil
}

// Subscribe registers a handler for a literal subject or a wildcard pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub := &memorySubscription{
		owner:   b,
		subject: subject,
		re:      compilePattern(subject),
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
// Closing twice is a no-op.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	open := !b.closed
	b.mu.RUnlock()
	return open
}

// matches reports whether subject falls under pattern. A nil regex means the
// pattern had no wildcards and compares literally.
func matches(subject, pattern string, re *regexp.Regexp) bool {
	if re == nil {
		return subject == pattern
	}
	return re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regex. Wildcards
// apply per token: * stands for exactly one token, > for one or more trailing
// tokens. Literal subjects return nil and skip the regex path entirely.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}

	tokens := strings.Split(pattern, ".")
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(tok)
		}
	}

	re, err := regexp.Compile(`^` + strings.Join(parts, `\.`) + `$`)
	if err != nil {
		return nil
	}
	return re
}
