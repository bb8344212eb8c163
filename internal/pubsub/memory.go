package pubsub

import (
	"context"
	"sync"
)

// MemoryBackbone is an in-process Backbone for tests and single-instance
// local runs.
type MemoryBackbone struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	closed bool
}

var _ Backbone = (*MemoryBackbone)(nil)

func NewMemoryBackbone() *MemoryBackbone {
	return &MemoryBackbone{subs: make(map[string][]*memorySubscription)}
}

func (b *MemoryBackbone) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	targets := append([]*memorySubscription(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, s := range targets {
		select {
		case s.out <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *MemoryBackbone) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		parent:  b,
		channel: channel,
		out:     make(chan Message, 64),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBackbone) Ping(context.Context) error { return nil }

func (b *MemoryBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.out)
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	parent  *MemoryBackbone
	channel string
	out     chan Message
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		b := s.parent
		b.mu.Lock()
		subs := b.subs[s.channel]
		for i, cur := range subs {
			if cur == s {
				b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.out)
	})
	return nil
}
