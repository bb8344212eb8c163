package model

import "time"

// Event statuses produced by the upstream pipeline. The set is owned by the
// pipeline; unknown values are carried through unvalidated.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusVerified  = "verified"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Event is a geotagged record produced upstream. An event without a Location
// cannot be spatially indexed and is excluded from viewport delivery.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Location    *Point     `json:"location,omitempty"`
	Status      string     `json:"status,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatorID   *string    `json:"creatorId,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// OccurrenceTime is the timestamp date-range filters match against:
// the event's start time when known, otherwise its creation time.
func (e *Event) OccurrenceTime() time.Time {
	if e.StartTime != nil {
		return *e.StartTime
	}
	return e.CreatedAt
}

// BoundingBox is a geographic rectangle in degrees.
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Validate checks degree ranges and edge ordering.
func (b BoundingBox) Validate() error {
	if b.West >= b.East || b.South >= b.North {
		return ErrValidation
	}
	if b.West < -180 || b.East > 180 || b.South < -90 || b.North > 90 {
		return ErrValidation
	}
	return nil
}

// Contains reports whether the point falls within the box (edges inclusive).
func (b BoundingBox) Contains(p Point) bool {
	return p.Lng >= b.West && p.Lng <= b.East && p.Lat >= b.South && p.Lat <= b.North
}

// Intersects reports whether the two boxes overlap.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.West <= o.East && b.East >= o.West && b.South <= o.North && b.North >= o.South
}

// Union returns the smallest box covering both.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	out := b
	if o.West < out.West {
		out.West = o.West
	}
	if o.South < out.South {
		out.South = o.South
	}
	if o.East > out.East {
		out.East = o.East
	}
	if o.North > out.North {
		out.North = o.North
	}
	return out
}

// Viewport is a client's current map window.
type Viewport struct {
	ClientID  string      `json:"clientId"`
	Box       BoundingBox `json:"box"`
	Zoom      float64     `json:"zoom"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// DateRange bounds an event's occurrence time, inclusive on both ends.
type DateRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// LocationFilter constrains events to a circle or a box. When both are set
// the radius wins.
type LocationFilter struct {
	Center   *Point       `json:"center,omitempty"`
	RadiusKm float64      `json:"radiusKm,omitempty"`
	Box      *BoundingBox `json:"box,omitempty"`
}

// EventFilter is an immutable interest filter. Present fields combine with
// AND; an empty filter matches every event. Updates replace the whole value.
type EventFilter struct {
	Categories []string        `json:"categories,omitempty"`
	Statuses   []string        `json:"statuses,omitempty"`
	DateRange  *DateRange      `json:"dateRange,omitempty"`
	Keywords   []string        `json:"keywords,omitempty"`
	CreatorID  *string         `json:"creatorId,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Location   *LocationFilter `json:"location,omitempty"`
}

// IsEmpty reports whether no field of the filter is set.
func (f *EventFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.Categories) == 0 && len(f.Statuses) == 0 && f.DateRange == nil &&
		len(f.Keywords) == 0 && f.CreatorID == nil && len(f.Tags) == 0 && f.Location == nil
}

// Subscription is a named, durable interest filter owned by one client.
type Subscription struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"clientId"`
	Name      *string     `json:"name,omitempty"`
	Filter    EventFilter `json:"filter"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
