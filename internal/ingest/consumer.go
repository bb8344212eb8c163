// Package ingest consumes event mutations published by the upstream pipeline
// and drives the distribution engine.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/processor"
	"github.com/pulsemap/pulsemap/internal/pubsub"
	"github.com/pulsemap/pulsemap/internal/ws"
)

// Mutation is the envelope the pipeline publishes on the ingest channel.
type Mutation struct {
	Action string       `json:"action"` // create | update | delete
	Event  *model.Event `json:"event,omitempty"`
	ID     string       `json:"id,omitempty"`
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Consumer subscribes to the ingest channel and routes delivery plans through
// the hub. One bad message is logged and skipped, never fatal.
type Consumer struct {
	backbone pubsub.Backbone
	proc     *processor.EventProcessor
	hub      *ws.Hub
	channel  string
	log      zerolog.Logger
}

func NewConsumer(backbone pubsub.Backbone, proc *processor.EventProcessor, hub *ws.Hub, channel string, log zerolog.Logger) *Consumer {
	return &Consumer{
		backbone: backbone,
		proc:     proc,
		hub:      hub,
		channel:  channel,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Run blocks consuming mutations until ctx is canceled or the subscription
// closes.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.backbone.Subscribe(ctx, c.channel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	c.log.Info().Str("channel", c.channel).Msg("ingest consumer starting")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				c.log.Info().Msg("ingest subscription closed")
				return nil
			}
			c.handle(msg.Payload)
		}
	}
}

func (c *Consumer) handle(payload []byte) {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		c.log.Warn().Err(err).Msg("bad mutation envelope")
		return
	}
	switch m.Action {
	case ActionCreate, ActionUpdate:
		if m.Event == nil {
			c.log.Warn().Str("action", m.Action).Msg("mutation without event")
			return
		}
		plan := c.proc.OnEventMutated(m.Event)
		c.hub.FanOutPlan(plan, m.Action == ActionUpdate)
	case ActionDelete:
		id := m.ID
		if id == "" && m.Event != nil {
			id = m.Event.ID
		}
		if id == "" {
			c.log.Warn().Msg("delete mutation without id")
			return
		}
		clients := c.proc.OnEventDeleted(id)
		if len(clients) > 0 {
			c.hub.SendToClients(clients, ws.DeleteEvent(id))
		}
	default:
		c.log.Warn().Str("action", m.Action).Msg("unknown mutation action")
	}
}
