package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// subscriberBuffer bounds each subscriber's pending queue. Slow subscribers
// drop messages rather than stalling publishers.
const subscriberBuffer = 512

type memorySubscription struct {
	bus     *MemoryBus
	id      int64
	pattern string
	ch      chan message
	done    chan struct{}
}

type message struct {
	subject string
	data    []byte
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s.id)
	return nil
}

// MemoryBus is the in-process EventBus backend.
type MemoryBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[int64]*memorySubscription
	nextID int64
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		logger: log.WithFields(zap.String("component", "event-bus")),
		subs:   make(map[int64]*memorySubscription),
	}
}

// Publish implements EventBus. Delivery is asynchronous; messages to
// subscribers with full queues are dropped.
func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- message{subject: subject, data: data}:
		default:
			b.logger.Warn("dropping message for slow subscriber",
				zap.String("subject", subject),
				zap.String("pattern", sub.pattern))
		}
	}
	return nil
}

// Subscribe implements EventBus. The handler runs on a dedicated goroutine
// per subscription, so handlers may block without affecting other
// subscribers.
func (b *MemoryBus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &memorySubscription{
		bus:     b,
		id:      b.nextID,
		pattern: pattern,
		ch:      make(chan message, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	go func() {
		for {
			select {
			case m, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(m.subject, m.data)
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Close implements EventBus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	return nil
}

func (b *MemoryBus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// subjectMatches implements NATS-style matching: * matches one token, >
// matches the remaining tail.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
