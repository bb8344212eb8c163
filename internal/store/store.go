// Package store defines the durable storage contracts for the stream service.
// Implementations live under internal/store/<driver>/ (e.g., redis, sqlite).
package store

import (
	"context"

	"github.com/pulsemap/pulsemap/internal/model"
)

// SubscriptionStore mirrors subscription state durably so it survives process
// restarts. Mutations must be applied before the call returns; readers reload
// the full set at startup.
type SubscriptionStore interface {
	Put(ctx context.Context, sub *model.Subscription) error
	Delete(ctx context.Context, id string) error
	DeleteForClient(ctx context.Context, clientID string) error
	LoadAll(ctx context.Context) ([]*model.Subscription, error)

	// Server-stored per-user filters, published on identification so
	// instances converge on the user's interests.
	UserFilter(ctx context.Context, userID string) (*model.EventFilter, error)
	PutUserFilter(ctx context.Context, userID string, f *model.EventFilter) error

	Ping(ctx context.Context) error
	Close() error
}

// EventCatalog is the read-only view of the relational event store, used only
// to rehydrate the spatial index at startup. Event writes belong to the
// upstream pipeline.
type EventCatalog interface {
	LoadAll(ctx context.Context) ([]*model.Event, error)
	Close() error
}
