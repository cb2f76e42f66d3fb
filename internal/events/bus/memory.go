package bus

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
)

// MemoryEventBus implements EventBus in process.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	mu            sync.RWMutex
	logger        *logger.Logger
	orderSeq      int
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus      *MemoryEventBus
	subject  string
	pattern  *regexp.Regexp // nil for exact-match subjects
	handler  EventHandler
	queue    string // empty for regular subscriptions
	priority int
	order    int // insertion order, breaks priority ties
	active   bool
	mu       sync.Mutex
}

// queueGroup manages round-robin delivery for queue subscriptions.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}
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

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
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

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Publish delivers the event to all matching subscribers. Dispatch is
// synchronous so subscribers see events in publish order; streaming
// consumers (model frames) depend on that. Handler errors are logged
// and do not reach the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	matched, queued, err := b.collect(subject)
	if err != nil {
		return err
	}

	for queueKey := range queued {
		b.publishToQueue(ctx, queueKey, subject, event)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].order < matched[j].order
	})

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// PublishSync delivers the event and waits for every matching handler.
// Handlers run in priority order (descending, insertion order on ties);
// a failing handler is logged and does not prevent the rest from running.
func (b *MemoryEventBus) PublishSync(ctx context.Context, subject string, event *Event) error {
	matched, queued, err := b.collect(subject)
	if err != nil {
		return err
	}

	for queueKey := range queued {
		b.publishToQueue(ctx, queueKey, subject, event)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].order < matched[j].order
	})

	for _, sub := range matched {
		if !sub.isActive() {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
	return nil
}

// collect snapshots the matching regular subscriptions and queue groups
// under the read lock so dispatch happens without holding it.
func (b *MemoryEventBus) collect(subject string) ([]*memorySubscription, map[string]struct{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, nil, fmt.Errorf("event bus is closed")
	}

	var matched []*memorySubscription
	queued := make(map[string]struct{})

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.isActive() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.queue != "" {
				queued[sub.queue+":"+pattern] = struct{}{}
				continue
			}
			matched = append(matched, sub)
		}
	}
	return matched, queued, nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler, opts ...SubscribeOption) (Subscription, error) {
	var options SubscribeOptions
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:      b,
		subject:  subject,
		pattern:  compilePattern(subject),
		handler:  handler,
		priority: options.Priority,
		order:    b.nextOrder(),
		active:   true,
	}

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue subscription; only one subscriber in the
// queue group receives each event.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		order:   b.nextOrder(),
		active:  true,
	}

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	queueKey := queue + ":" + subject
	if _, ok := b.queues[queueKey]; !ok {
		b.queues[queueKey] = &queueGroup{}
	}
	b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)

	b.logger.Debug("queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// nextOrder must be called with b.mu held.
func (b *MemoryEventBus) nextOrder() int {
	b.orderSeq++
	return b.orderSeq
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// publishToQueue delivers to one subscriber in the queue group (round-robin).
func (b *MemoryEventBus) publishToQueue(ctx context.Context, queueKey, subject string, event *Event) {
	b.mu.RLock()
	qg, ok := b.queues[queueKey]
	b.mu.RUnlock()
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if !sub.isActive() {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.subscribers)

		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("queue event handler error",
				zap.String("subject", subject),
				zap.String("queue", queueKey),
				zap.Error(err))
		}
		return
	}
}

// matches checks if a subject matches a pattern with NATS-style wildcards:
// * (single token) and > (remaining tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regexp.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	// QuoteMeta escapes * but leaves > alone; handle both forms.
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
