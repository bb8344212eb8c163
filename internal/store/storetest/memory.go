// Package storetest provides an in-memory store.SubscriptionStore for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store"
)

type Memory struct {
	mu      sync.Mutex
	subs    map[string]model.Subscription
	filters map[string]model.EventFilter

	// FailPuts makes every Put return this error, for mirroring-failure tests.
	FailPuts error
}

var _ store.SubscriptionStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string]model.Subscription),
		filters: make(map[string]model.EventFilter),
	}
}

func (m *Memory) Put(_ context.Context, sub *model.Subscription) error {
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = *sub
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) DeleteForClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		if sub.ClientID == clientID {
			delete(m.subs, id)
		}
	}
	return nil
}

func (m *Memory) LoadAll(_ context.Context) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := sub
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UserFilter(_ context.Context, userID string) (*model.EventFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.filters[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := f
	return &cp, nil
}

func (m *Memory) PutUserFilter(_ context.Context, userID string, f *model.EventFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[userID] = *f
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
