// Package subscription manages per-client interest filters. In-memory maps
// are the fast path; every mutation is mirrored synchronously to the durable
// store before the call returns, so a restart reloads the full set.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store"
)

type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*model.Subscription
	byClient map[string]map[string]struct{}

	durable store.SubscriptionStore
	log     zerolog.Logger
}

func NewManager(durable store.SubscriptionStore, log zerolog.Logger) *Manager {
	return &Manager{
		byID:     make(map[string]*model.Subscription),
		byClient: make(map[string]map[string]struct{}),
		durable:  durable,
		log:      log.With().Str("component", "subscriptions").Logger(),
	}
}

// Reload rebuilds the in-memory maps from the durable store. Called once at
// startup before connections are accepted.
func (m *Manager) Reload(ctx context.Context) error {
	subs, err := m.durable.LoadAll(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*model.Subscription, len(subs))
	m.byClient = make(map[string]map[string]struct{})
	for _, sub := range subs {
		m.indexLocked(sub)
	}
	m.log.Info().Int("count", len(subs)).Msg("subscriptions reloaded")
	return nil
}

func (m *Manager) indexLocked(sub *model.Subscription) {
	m.byID[sub.ID] = sub
	set, ok := m.byClient[sub.ClientID]
	if !ok {
		set = make(map[string]struct{})
		m.byClient[sub.ClientID] = set
	}
	set[sub.ID] = struct{}{}
}

// CreateSubscription stores a new subscription for the client. The durable
// mirror is written before the in-memory maps so a failed write leaves no
// half-created state.
func (m *Manager) CreateSubscription(ctx context.Context, clientID string, filter model.EventFilter, name *string) (*model.Subscription, error) {
	now := time.Now().UTC()
	sub := &model.Subscription{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Name:      name,
		Filter:    filter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.durable.Put(ctx, sub); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.indexLocked(sub)
	m.mu.Unlock()
	return sub, nil
}

// UpdateSubscription replaces the filter (and optionally name) wholesale.
// Returns nil when the id is unknown.
func (m *Manager) UpdateSubscription(ctx context.Context, id string, filter model.EventFilter, name *string) (*model.Subscription, error) {
	m.mu.RLock()
	prev, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	next := *prev
	next.Filter = filter
	if name != nil {
		next.Name = name
	}
	next.UpdatedAt = time.Now().UTC()
	if err := m.durable.Put(ctx, &next); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byID[id] = &next
	m.mu.Unlock()
	return &next, nil
}

// DeleteSubscription removes the subscription. Returns false when unknown.
func (m *Manager) DeleteSubscription(ctx context.Context, id string) bool {
	m.mu.RLock()
	sub, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := m.durable.Delete(ctx, id); err != nil {
		m.log.Error().Err(err).Str("subscription_id", id).Msg("durable delete failed")
		return false
	}
	m.mu.Lock()
	delete(m.byID, id)
	if set, ok := m.byClient[sub.ClientID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byClient, sub.ClientID)
		}
	}
	m.mu.Unlock()
	return true
}

// GetSubscription returns the subscription by id, or nil.
func (m *Manager) GetSubscription(id string) *model.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// GetClientSubscriptions returns all subscriptions owned by the client.
func (m *Manager) GetClientSubscriptions(clientID string) []*model.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byClient[clientID]
	out := make([]*model.Subscription, 0, len(set))
	for id := range set {
		if sub, ok := m.byID[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// GetAllClientIDs returns the ids of clients holding at least one subscription.
func (m *Manager) GetAllClientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byClient))
	for id := range m.byClient {
		ids = append(ids, id)
	}
	return ids
}

// HandleClientDisconnect deletes all of the client's subscriptions, in memory
// and durably.
func (m *Manager) HandleClientDisconnect(ctx context.Context, clientID string) {
	if err := m.durable.DeleteForClient(ctx, clientID); err != nil {
		m.log.Error().Err(err).Str("client_id", clientID).Msg("durable cascade delete failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byClient[clientID] {
		delete(m.byID, id)
	}
	delete(m.byClient, clientID)
}
