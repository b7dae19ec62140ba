package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by component tests: one interface, a
// durable backend for production and a map-backed one for tests, so callers
// never special-case which they're talking to. The runtime itself always
// builds a NATSBus, which starts an embedded server when no brokers are
// configured.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memSubscription
	closed bool
}

// NewMemoryBus returns a ready-to-use in-process Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSubscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	b.mu.Lock()
	targets := append([]*memSubscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ctx, topic, env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics []string, groupID string, opts ...SubscribeOption) (Subscription, error) {
	cfg := SubscribeOptions{MaxBatch: defaultMaxBatch, PollTimeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &memSubscription{
		groupID: groupID,
		cfg:     cfg,
		out:     make(chan Delivered, 256),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub, nil
	}
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(topics, sub)
	}()

	return sub, nil
}

func (b *MemoryBus) remove(topics []string, target *memSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		subs := b.subs[topic]
		for i, s := range subs {
			if s == target {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	target.closeOnce()
}

func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.closeOnce()
		}
	}
	b.subs = make(map[string][]*memSubscription)
	return nil
}

type memSubscription struct {
	groupID string
	cfg     SubscribeOptions
	out     chan Delivered

	mu     sync.Mutex
	closed bool
}

func (s *memSubscription) Messages() <-chan Delivered { return s.out }

func (s *memSubscription) Close() error {
	s.closeOnce()
	return nil
}

func (s *memSubscription) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

func (s *memSubscription) deliver(ctx context.Context, topic string, env Envelope) {
	if !s.cfg.allows(env.Priority) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delivered := Delivered{
		Topic:    topic,
		Envelope: env,
		Ack:      func() error { return nil },
		Nak:      func() error { return nil },
	}
	select {
	case s.out <- delivered:
	case <-ctx.Done():
	}
}
