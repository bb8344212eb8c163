// Package geo provides the spatial index over event locations.
package geo

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/rtree"

	"github.com/pulsemap/pulsemap/internal/model"
)

// SpatialIndex answers bounding-box queries over event points. Points are
// stored as degenerate rectangles (min == max). Safe for concurrent use;
// Update holds the write lock across remove+insert so a reader never observes
// the event missing mid-update.
type SpatialIndex struct {
	mu   sync.RWMutex
	tree rtree.RTreeG[*model.Event]
	byID map[string]*model.Event
	log  zerolog.Logger
}

// NewSpatialIndex creates an empty index.
func NewSpatialIndex(log zerolog.Logger) *SpatialIndex {
	return &SpatialIndex{
		byID: make(map[string]*model.Event),
		log:  log.With().Str("component", "spatial_index").Logger(),
	}
}

func pointRect(p model.Point) (min, max [2]float64) {
	min = [2]float64{p.Lng, p.Lat}
	return min, min
}

// Insert adds an event to the index. Events without a location are skipped
// with a warning; that is not an error for the caller. Inserting an id that
// is already present replaces the previous entry.
func (s *SpatialIndex) Insert(e *model.Event) {
	if e == nil || e.ID == "" {
		return
	}
	if e.Location == nil {
		s.log.Warn().Str("event_id", e.ID).Msg("event has no location; not indexed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
}

func (s *SpatialIndex) insertLocked(e *model.Event) {
	if prev, ok := s.byID[e.ID]; ok {
		min, max := pointRect(*prev.Location)
		s.tree.Delete(min, max, prev)
	}
	min, max := pointRect(*e.Location)
	s.tree.Insert(min, max, e)
	s.byID[e.ID] = e
}

// Remove deletes an event by id. Returns false if the id is not indexed.
func (s *SpatialIndex) Remove(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[eventID]
	if !ok {
		return false
	}
	min, max := pointRect(*prev.Location)
	s.tree.Delete(min, max, prev)
	delete(s.byID, eventID)
	return true
}

// Update replaces the indexed entry for the event. Equivalent to remove then
// insert, performed atomically with respect to queries.
func (s *SpatialIndex) Update(e *model.Event) {
	if e == nil || e.ID == "" {
		return
	}
	if e.Location == nil {
		// A mutation can strip the location; drop the stale entry if any.
		s.Remove(e.ID)
		s.log.Warn().Str("event_id", e.ID).Msg("event has no location; not indexed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
}

// QueryBoundingBox returns all events whose point falls within the box.
func (s *SpatialIndex) QueryBoundingBox(box model.BoundingBox) []*model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Event
	min := [2]float64{box.West, box.South}
	max := [2]float64{box.East, box.North}
	s.tree.Search(min, max, func(_, _ [2]float64, e *model.Event) bool {
		out = append(out, e)
		return true
	})
	return out
}

// BulkLoad loads events under a single lock acquisition, used at startup to
// rehydrate from the event catalog. Location-less events are counted and
// skipped.
func (s *SpatialIndex) BulkLoad(events []*model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := 0
	for _, e := range events {
		if e == nil || e.ID == "" {
			continue
		}
		if e.Location == nil {
			skipped++
			continue
		}
		s.insertLocked(e)
	}
	s.log.Info().Int("loaded", len(s.byID)).Int("skipped_no_location", skipped).Msg("spatial index loaded")
}

// All returns every indexed event.
func (s *SpatialIndex) All() []*model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Event, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// Get returns the indexed event for id, or nil.
func (s *SpatialIndex) Get(eventID string) *model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[eventID]
}

// Size returns the number of indexed events.
func (s *SpatialIndex) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
