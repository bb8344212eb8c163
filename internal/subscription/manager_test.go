package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store/storetest"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewMemory(), zerolog.Nop())

	name := "music nearby"
	sub, err := m.CreateSubscription(ctx, "c1", model.EventFilter{Categories: []string{"music"}}, &name)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == "" || sub.ClientID != "c1" {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	if got := m.GetSubscription(sub.ID); got == nil || got.ID != sub.ID {
		t.Fatalf("GetSubscription = %+v", got)
	}
	if got := m.GetClientSubscriptions("c1"); len(got) != 1 {
		t.Fatalf("client subscriptions = %d, want 1", len(got))
	}
	if got := m.GetAllClientIDs(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("all client ids = %v", got)
	}
}

func TestCreateFailsWhenMirrorFails(t *testing.T) {
	ctx := context.Background()
	durable := storetest.NewMemory()
	durable.FailPuts = errors.New("store down")
	m := NewManager(durable, zerolog.Nop())

	if _, err := m.CreateSubscription(ctx, "c1", model.EventFilter{}, nil); err == nil {
		t.Fatal("create must fail when the durable mirror fails")
	}
	if got := m.GetClientSubscriptions("c1"); len(got) != 0 {
		t.Fatal("no in-memory state may remain after a failed mirror")
	}
}

func TestUpdateReplacesFilterWholesale(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewMemory(), zerolog.Nop())

	sub, _ := m.CreateSubscription(ctx, "c1", model.EventFilter{Categories: []string{"music"}, Tags: []string{"jazz"}}, nil)
	updated, err := m.UpdateSubscription(ctx, sub.ID, model.EventFilter{Statuses: []string{model.StatusActive}}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Filter.Categories) != 0 || len(updated.Filter.Tags) != 0 {
		t.Fatalf("update must replace, not patch: %+v", updated.Filter)
	}
	if len(updated.Filter.Statuses) != 1 {
		t.Fatalf("new filter missing: %+v", updated.Filter)
	}
}

func TestUpdateUnknownReturnsNil(t *testing.T) {
	m := NewManager(storetest.NewMemory(), zerolog.Nop())
	sub, err := m.UpdateSubscription(context.Background(), "missing", model.EventFilter{}, nil)
	if err != nil || sub != nil {
		t.Fatalf("unknown id must yield (nil, nil), got (%v, %v)", sub, err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storetest.NewMemory(), zerolog.Nop())
	sub, _ := m.CreateSubscription(ctx, "c1", model.EventFilter{}, nil)

	if !m.DeleteSubscription(ctx, sub.ID) {
		t.Fatal("delete of existing subscription must return true")
	}
	if m.DeleteSubscription(ctx, sub.ID) {
		t.Fatal("second delete must return false")
	}
	if got := m.GetAllClientIDs(); len(got) != 0 {
		t.Fatalf("client index must be cleaned, got %v", got)
	}
}

func TestDisconnectDeletesAll(t *testing.T) {
	ctx := context.Background()
	durable := storetest.NewMemory()
	m := NewManager(durable, zerolog.Nop())
	_, _ = m.CreateSubscription(ctx, "c1", model.EventFilter{Categories: []string{"a"}}, nil)
	_, _ = m.CreateSubscription(ctx, "c1", model.EventFilter{Categories: []string{"b"}}, nil)
	keep, _ := m.CreateSubscription(ctx, "c2", model.EventFilter{}, nil)

	m.HandleClientDisconnect(ctx, "c1")

	if got := m.GetClientSubscriptions("c1"); len(got) != 0 {
		t.Fatalf("c1 subscriptions must be gone, got %d", len(got))
	}
	if got := m.GetSubscription(keep.ID); got == nil {
		t.Fatal("other clients must be untouched")
	}
	stored, _ := durable.LoadAll(ctx)
	if len(stored) != 1 {
		t.Fatalf("durable store must only keep c2, got %d", len(stored))
	}
}

func TestRestartRoundTrip(t *testing.T) {
	ctx := context.Background()
	durable := storetest.NewMemory()

	first := NewManager(durable, zerolog.Nop())
	name := "verified music"
	created, _ := first.CreateSubscription(ctx, "c1", model.EventFilter{
		Categories: []string{"music"},
		Statuses:   []string{model.StatusVerified},
	}, &name)

	// simulated restart: a fresh manager over the same durable store
	second := NewManager(durable, zerolog.Nop())
	if err := second.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got := second.GetSubscription(created.ID)
	if got == nil {
		t.Fatal("subscription must survive restart")
	}
	if got.ClientID != "c1" || len(got.Filter.Categories) != 1 || got.Filter.Categories[0] != "music" {
		t.Fatalf("reloaded subscription differs: %+v", got)
	}
	if subs := second.GetClientSubscriptions("c1"); len(subs) != 1 {
		t.Fatalf("client index not rebuilt, got %d", len(subs))
	}
}
