package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// DropPolicy controls what happens when a recipient mailbox is at capacity.
type DropPolicy string

const (
	DropNewest DropPolicy = "drop-newest"
	DropOldest DropPolicy = "drop-oldest"
)

// MaxRedeliveryAttempts bounds at-least-once retry of a single message to a
// single handler before it is dropped and logged.
const MaxRedeliveryAttempts = 3

// MemoryBus is an in-process Bus. Each recipient ("to") has exactly one
// bounded mailbox drained by a single goroutine, which is what gives the
// bus its per-(From,To) and per-CorrelationID ordering guarantee: every
// message addressed to the same recipient is processed strictly in the
// order Publish accepted it, never handed to a pool of worker goroutines.
type MemoryBus struct {
	mu         sync.RWMutex
	mailboxes  map[string]*mailbox
	capacity   int
	dropPolicy DropPolicy
	logger     *logger.Logger
	closed     bool
}

type mailbox struct {
	to       string
	ch       chan *Message
	cap      int
	policy   DropPolicy
	mu       sync.Mutex // guards drop-oldest compaction
	subs     []*memorySubscription
	groups   map[string]*queueGroup
	subsMu   sync.RWMutex
	done     chan struct{}
}

type memorySubscription struct {
	bus     *MemoryBus
	to      string
	group   string
	handler Handler
	active  bool
	mu      sync.Mutex
}

type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.RLock()
	mb, ok := s.bus.mailboxes[s.to]
	s.bus.mu.RUnlock()
	if !ok {
		return nil
	}

	mb.subsMu.Lock()
	for i, sub := range mb.subs {
		if sub == s {
			mb.subs = append(mb.subs[:i], mb.subs[i+1:]...)
			break
		}
	}
	if s.group != "" {
		if qg, ok := mb.groups[s.group]; ok {
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
	mb.subsMu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus builds an in-process bus with the given per-mailbox capacity
// and overflow drop policy.
func NewMemoryBus(capacity int, policy DropPolicy, log *logger.Logger) *MemoryBus {
	if capacity <= 0 {
		capacity = 256
	}
	if policy != DropOldest {
		policy = DropNewest
	}
	return &MemoryBus{
		mailboxes:  make(map[string]*mailbox),
		capacity:   capacity,
		dropPolicy: policy,
		logger:     log,
	}
}

func (b *MemoryBus) mailboxFor(to string) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[to]
	if !ok {
		mb = &mailbox{
			to:     to,
			ch:     make(chan *Message, b.capacity),
			cap:    b.capacity,
			policy: b.dropPolicy,
			groups: make(map[string]*queueGroup),
			done:   make(chan struct{}),
		}
		b.mailboxes[to] = mb
		go b.drain(mb)
	}
	return mb
}

// Publish enqueues msg on its recipient's mailbox, applying the configured
// drop policy if the mailbox is at capacity.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	mb := b.mailboxFor(msg.To)

	select {
	case mb.ch <- msg:
		return nil
	default:
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	switch mb.policy {
	case DropOldest:
		select {
		case dropped := <-mb.ch:
			b.logger.Warn("dropped oldest message on backpressure",
				zap.String("to", msg.To), zap.String("dropped_id", dropped.ID))
		default:
		}
		select {
		case mb.ch <- msg:
			return nil
		default:
			return fmt.Errorf("mailbox %q still full after eviction", msg.To)
		}
	default: // DropNewest
		b.logger.Warn("dropped newest message on backpressure",
			zap.String("to", msg.To), zap.String("message_id", msg.ID))
		return fmt.Errorf("mailbox %q is full, message %s dropped", msg.To, msg.ID)
	}
}

func (b *MemoryBus) drain(mb *mailbox) {
	for {
		select {
		case msg, ok := <-mb.ch:
			if !ok {
				return
			}
			b.deliver(mb, msg)
		case <-mb.done:
			return
		}
	}
}

func (b *MemoryBus) deliver(mb *mailbox, msg *Message) {
	mb.subsMu.RLock()
	regular := append([]*memorySubscription(nil), mb.subs...)
	groups := make([]*queueGroup, 0, len(mb.groups))
	for _, qg := range mb.groups {
		groups = append(groups, qg)
	}
	mb.subsMu.RUnlock()

	for _, sub := range regular {
		if sub.group != "" {
			continue
		}
		b.deliverOne(sub, msg)
	}
	for _, qg := range groups {
		b.deliverToGroup(qg, msg)
	}
}

func (b *MemoryBus) deliverOne(sub *memorySubscription, msg *Message) {
	sub.mu.Lock()
	active := sub.active
	sub.mu.Unlock()
	if !active {
		return
	}

	var err error
	for attempt := 1; attempt <= MaxRedeliveryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = sub.handler(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		b.logger.Warn("message handler failed, redelivering",
			zap.String("to", msg.To), zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	b.logger.Error("message dropped after max redelivery attempts",
		zap.String("to", msg.To), zap.String("message_id", msg.ID), zap.Error(err))
}

func (b *MemoryBus) deliverToGroup(qg *queueGroup, msg *Message) {
	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}
	start := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (start + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			b.deliverOne(sub, msg)
			return
		}
	}
}

// Subscribe registers a broadcast handler for the recipient "to".
func (b *MemoryBus) Subscribe(to string, handler Handler) (Subscription, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("bus is closed")
	}

	mb := b.mailboxFor(to)
	sub := &memorySubscription{bus: b, to: to, handler: handler, active: true}

	mb.subsMu.Lock()
	mb.subs = append(mb.subs, sub)
	mb.subsMu.Unlock()

	b.logger.Debug("subscribed", zap.String("to", to))
	return sub, nil
}

// QueueSubscribe registers handler as a load-balanced member of group for
// recipient "to".
func (b *MemoryBus) QueueSubscribe(to, group string, handler Handler) (Subscription, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("bus is closed")
	}

	mb := b.mailboxFor(to)
	sub := &memorySubscription{bus: b, to: to, group: group, handler: handler, active: true}

	mb.subsMu.Lock()
	mb.subs = append(mb.subs, sub)
	qg, ok := mb.groups[group]
	if !ok {
		qg = &queueGroup{}
		mb.groups[group] = qg
	}
	qg.subscribers = append(qg.subscribers, sub)
	mb.subsMu.Unlock()

	b.logger.Debug("queue subscribed", zap.String("to", to), zap.String("group", group))
	return sub, nil
}

// Close deactivates every subscription and stops every mailbox drain loop.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, mb := range b.mailboxes {
		mb.subsMu.Lock()
		for _, sub := range mb.subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		mb.subsMu.Unlock()
		close(mb.done)
	}
	b.mailboxes = make(map[string]*mailbox)
	b.logger.Info("memory bus closed")
}

// IsConnected always reports true until Close, since there is no external
// transport to lose.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
