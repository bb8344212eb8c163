// Package processor turns one incoming event mutation into a per-client
// delivery plan by combining the spatial index, viewport tracking and
// subscription matching.
package processor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/filter"
	"github.com/pulsemap/pulsemap/internal/geo"
	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/subscription"
	"github.com/pulsemap/pulsemap/internal/viewport"
)

// DeliveryPlan maps clientId to the events that client should be sent.
type DeliveryPlan map[string][]*model.Event

// EventProcessor orchestrates the engine. All entry points are synchronous
// and side-effect-free on failure: malformed events are excluded, unknown ids
// yield empty results, never errors.
type EventProcessor struct {
	index     *geo.SpatialIndex
	viewports *viewport.Manager
	subs      *subscription.Manager
	eval      *filter.Evaluator
	log       zerolog.Logger
}

func New(index *geo.SpatialIndex, viewports *viewport.Manager, subs *subscription.Manager, log zerolog.Logger) *EventProcessor {
	return &EventProcessor{
		index:     index,
		viewports: viewports,
		subs:      subs,
		eval:      filter.NewEvaluator(viewports, subs),
		log:       log.With().Str("component", "processor").Logger(),
	}
}

// OnEventMutated upserts the event into the spatial index and returns the
// delivery plan: every client whose viewport contains the event and whose
// subscriptions (if any) match it.
func (p *EventProcessor) OnEventMutated(e *model.Event) DeliveryPlan {
	if e == nil || e.ID == "" {
		return DeliveryPlan{}
	}
	p.index.Update(e)
	if e.Location == nil {
		return DeliveryPlan{}
	}
	plan := DeliveryPlan{}
	for _, clientID := range p.viewports.GetAllClientIDs() {
		if p.eval.ClientShouldReceive(e, clientID) {
			plan[clientID] = append(plan[clientID], e)
		}
	}
	return plan
}

// OnEventDeleted removes the event from the index and returns the clients
// whose viewport contained it, so they can be told to drop it.
func (p *EventProcessor) OnEventDeleted(eventID string) []string {
	e := p.index.Get(eventID)
	if e == nil {
		return nil
	}
	p.index.Remove(eventID)
	var clients []string
	for _, clientID := range p.viewports.GetAllClientIDs() {
		if vp, ok := p.viewports.GetViewport(clientID); ok && vp.Box.Contains(*e.Location) {
			clients = append(clients, clientID)
		}
	}
	return clients
}

// OnViewportUpdate records the client's new viewport and returns the catch-up
// snapshot: every indexed event inside the new box that the client's
// subscriptions accept (all of them when the client has none). The snapshot
// replaces the client's visible set, so only the new box is queried.
func (p *EventProcessor) OnViewportUpdate(clientID string, box model.BoundingBox, zoom float64) []*model.Event {
	p.viewports.UpdateViewport(clientID, box, zoom)
	inView := p.index.QueryBoundingBox(box)
	subs := p.subs.GetClientSubscriptions(clientID)
	if len(subs) == 0 {
		return inView
	}
	var out []*model.Event
	for _, e := range inView {
		for _, sub := range subs {
			if filter.Matches(e, &sub.Filter) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// OnNewSubscription returns the catch-up payload for a just-created
// subscription: the in-viewport events matching that one filter. Empty when
// the subscription or the client's viewport is unknown.
func (p *EventProcessor) OnNewSubscription(subscriptionID string) []*model.Event {
	sub := p.subs.GetSubscription(subscriptionID)
	if sub == nil {
		return nil
	}
	vp, ok := p.viewports.GetViewport(sub.ClientID)
	if !ok {
		return nil
	}
	var out []*model.Event
	for _, e := range p.index.QueryBoundingBox(vp.Box) {
		if filter.Matches(e, &sub.Filter) {
			out = append(out, e)
		}
	}
	return out
}

// OnClientDisconnect cascades the disconnect into subscription and viewport
// state.
func (p *EventProcessor) OnClientDisconnect(ctx context.Context, clientID string) {
	p.subs.HandleClientDisconnect(ctx, clientID)
	p.viewports.HandleClientDisconnect(clientID)
	p.log.Debug().Str("client_id", clientID).Msg("client state cleared")
}
