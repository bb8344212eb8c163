// Package filter implements the interest-filter predicate and the per-client
// delivery decision.
package filter

import (
	"math"
	"strings"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/subscription"
	"github.com/pulsemap/pulsemap/internal/viewport"
)

const earthRadiusKm = 6371.0

// Matches reports whether the event satisfies the filter. Present fields
// combine with AND and short-circuit on the first miss; an empty filter
// matches every event.
func Matches(e *model.Event, f *model.EventFilter) bool {
	if f.IsEmpty() {
		return true
	}
	if len(f.Categories) > 0 && !sharesAny(e.Categories, f.Categories) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
		return false
	}
	if f.DateRange != nil {
		ts := e.OccurrenceTime()
		if f.DateRange.Start != nil && ts.Before(*f.DateRange.Start) {
			return false
		}
		if f.DateRange.End != nil && ts.After(*f.DateRange.End) {
			return false
		}
	}
	if f.CreatorID != nil {
		if e.CreatorID == nil || *e.CreatorID != *f.CreatorID {
			return false
		}
	}
	if len(f.Tags) > 0 && !sharesAny(e.Tags, f.Tags) {
		return false
	}
	if len(f.Keywords) > 0 && !matchesKeywords(e, f.Keywords) {
		return false
	}
	if f.Location != nil && !matchesLocation(e, f.Location) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sharesAny(have, want []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func matchesKeywords(e *model.Event, keywords []string) bool {
	title := strings.ToLower(e.Title)
	desc := ""
	if e.Description != nil {
		desc = strings.ToLower(*e.Description)
	}
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		if k == "" {
			continue
		}
		if strings.Contains(title, k) || strings.Contains(desc, k) {
			return true
		}
	}
	return false
}

func matchesLocation(e *model.Event, lf *model.LocationFilter) bool {
	if e.Location == nil {
		return false
	}
	if lf.Center != nil && lf.RadiusKm > 0 {
		return haversineKm(*lf.Center, *e.Location) <= lf.RadiusKm
	}
	if lf.Box != nil {
		return lf.Box.Contains(*e.Location)
	}
	return true
}

func haversineKm(a, b model.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Evaluator combines viewport containment with subscription matching.
type Evaluator struct {
	viewports *viewport.Manager
	subs      *subscription.Manager
}

func NewEvaluator(viewports *viewport.Manager, subs *subscription.Manager) *Evaluator {
	return &Evaluator{viewports: viewports, subs: subs}
}

// ClientShouldReceive reports whether the event belongs in the client's
// stream: the event's point must fall within the client's current viewport,
// and the event must match at least one of the client's subscriptions. A
// client with zero subscriptions receives everything in its viewport.
func (ev *Evaluator) ClientShouldReceive(e *model.Event, clientID string) bool {
	if e.Location == nil {
		return false
	}
	vp, ok := ev.viewports.GetViewport(clientID)
	if !ok || !vp.Box.Contains(*e.Location) {
		return false
	}
	subs := ev.subs.GetClientSubscriptions(clientID)
	if len(subs) == 0 {
		return true
	}
	for _, sub := range subs {
		if Matches(e, &sub.Filter) {
			return true
		}
	}
	return false
}
