package geo

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/model"
)

func newEvent(id string, lng, lat float64) *model.Event {
	now := time.Now().UTC()
	return &model.Event{
		ID:        id,
		Title:     "event " + id,
		Location:  &model.Point{Lng: lng, Lat: lat},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func worldBox() model.BoundingBox {
	return model.BoundingBox{West: -180, South: -90, East: 180, North: 90}
}

func TestInsertAndQuery(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))
	idx.Insert(newEvent("e2", 50, 50))

	got := idx.QueryBoundingBox(model.BoundingBox{West: -10, South: -10, East: 10, North: 10})
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("want [e1], got %v", got)
	}
	if idx.Size() != 2 {
		t.Fatalf("size = %d, want 2", idx.Size())
	}
}

func TestInsertSameIDTwiceReturnsOneCopy(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))
	idx.Insert(newEvent("e1", 0, 0))

	got := idx.QueryBoundingBox(worldBox())
	if len(got) != 1 {
		t.Fatalf("duplicate insert must keep exactly one copy, got %d", len(got))
	}
	if idx.Size() != 1 {
		t.Fatalf("size = %d, want 1", idx.Size())
	}
}

func TestUpdateMovesEvent(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))
	idx.Update(newEvent("e1", 60, 60))

	near := idx.QueryBoundingBox(model.BoundingBox{West: -1, South: -1, East: 1, North: 1})
	if len(near) != 0 {
		t.Fatalf("old position should be vacated, got %v", near)
	}
	far := idx.QueryBoundingBox(model.BoundingBox{West: 59, South: 59, East: 61, North: 61})
	if len(far) != 1 || far[0].ID != "e1" {
		t.Fatalf("want [e1] at new position, got %v", far)
	}
}

func TestRemove(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))

	if !idx.Remove("e1") {
		t.Fatal("remove of indexed event must return true")
	}
	if idx.Remove("e1") {
		t.Fatal("second remove must return false")
	}
	if got := idx.QueryBoundingBox(worldBox()); len(got) != 0 {
		t.Fatalf("index should be empty, got %v", got)
	}
}

func TestEventWithoutLocationIsSkipped(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	e := newEvent("e1", 0, 0)
	e.Location = nil
	idx.Insert(e)

	if idx.Size() != 0 {
		t.Fatal("location-less event must not be indexed")
	}
}

func TestUpdateStrippingLocationRemovesEntry(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))

	stripped := newEvent("e1", 0, 0)
	stripped.Location = nil
	idx.Update(stripped)

	if idx.Size() != 0 {
		t.Fatal("update without location must drop the stale entry")
	}
}

func TestAll(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	idx.Insert(newEvent("e1", 0, 0))
	idx.Insert(newEvent("e2", 50, 50))

	got := idx.All()
	if len(got) != 2 {
		t.Fatalf("all = %d events, want 2", len(got))
	}
	seen := map[string]bool{}
	for _, e := range got {
		seen[e.ID] = true
	}
	if !seen["e1"] || !seen["e2"] {
		t.Fatalf("all must enumerate every indexed event, got %v", seen)
	}
}

func TestBulkLoad(t *testing.T) {
	idx := NewSpatialIndex(zerolog.Nop())
	noLoc := newEvent("e3", 0, 0)
	noLoc.Location = nil
	idx.BulkLoad([]*model.Event{
		newEvent("e1", 1, 1),
		newEvent("e2", 2, 2),
		noLoc,
		nil,
	})

	if idx.Size() != 2 {
		t.Fatalf("size = %d, want 2", idx.Size())
	}
	if idx.Get("e3") != nil {
		t.Fatal("location-less event must not be loaded")
	}
}
