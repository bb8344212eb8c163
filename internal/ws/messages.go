package ws

import (
	"encoding/json"
	"time"

	"github.com/pulsemap/pulsemap/internal/model"
)

// Inbound message types.
const (
	MsgClientIdentification = "client_identification"
	MsgViewportUpdate       = "viewport_update"
	MsgCreateSubscription   = "create_subscription"
	MsgUpdateSubscription   = "update_subscription"
	MsgDeleteSubscription   = "delete_subscription"
	MsgListSubscriptions    = "list_subscriptions"
)

// Outbound message types.
const (
	MsgConnectionEstablished = "connection_established"
	MsgReplaceAll            = "replace-all"
	MsgAddEvent              = "add-event"
	MsgUpdateEvent           = "update-event"
	MsgDeleteEvent           = "delete-event"
	MsgError                 = "error"
	MsgSubscriptionCreated   = "subscription_created"
	MsgSubscriptionUpdated   = "subscription_updated"
	MsgSubscriptionDeleted   = "subscription_deleted"
	MsgSubscriptionList      = "subscription_list"
)

// Inbound is the superset of all client message shapes.
type Inbound struct {
	Type           string             `json:"type"`
	UserID         string             `json:"userId,omitempty"`
	Viewport       *model.BoundingBox `json:"viewport,omitempty"`
	Zoom           float64            `json:"zoom,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Filter         *model.EventFilter `json:"filter,omitempty"`
	Name           *string            `json:"name,omitempty"`
}

type outbound struct {
	Type           string                `json:"type"`
	ClientID       string                `json:"clientId,omitempty"`
	Event          *model.Event          `json:"event,omitempty"`
	Events         []*model.Event        `json:"events,omitzero"`
	ID             string                `json:"id,omitempty"`
	Subscription   *model.Subscription   `json:"subscription,omitempty"`
	Subscriptions  []*model.Subscription `json:"subscriptions,omitempty"`
	SubscriptionID string                `json:"subscriptionId,omitempty"`
	Message        string                `json:"message,omitempty"`
	Timestamp      string                `json:"timestamp,omitempty"`
}

func encode(v outbound) []byte {
	// outbound carries only marshalable fields, so this cannot fail; a nil
	// payload is dropped by Client.Send.
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func ConnectionEstablished(clientID string) []byte {
	return encode(outbound{Type: MsgConnectionEstablished, ClientID: clientID})
}

func ReplaceAll(events []*model.Event) []byte {
	if events == nil {
		events = []*model.Event{}
	}
	return encode(outbound{Type: MsgReplaceAll, Events: events})
}

func AddEvent(e *model.Event) []byte {
	return encode(outbound{Type: MsgAddEvent, Event: e})
}

func UpdateEvent(e *model.Event) []byte {
	return encode(outbound{Type: MsgUpdateEvent, Event: e})
}

func DeleteEvent(id string) []byte {
	return encode(outbound{Type: MsgDeleteEvent, ID: id})
}

func ErrorMessage(msg string) []byte {
	return encode(outbound{
		Type:      MsgError,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func SubscriptionCreated(sub *model.Subscription) []byte {
	return encode(outbound{Type: MsgSubscriptionCreated, Subscription: sub})
}

func SubscriptionUpdated(sub *model.Subscription) []byte {
	return encode(outbound{Type: MsgSubscriptionUpdated, Subscription: sub})
}

func SubscriptionDeleted(id string) []byte {
	return encode(outbound{Type: MsgSubscriptionDeleted, SubscriptionID: id})
}

func SubscriptionList(subs []*model.Subscription) []byte {
	if subs == nil {
		subs = []*model.Subscription{}
	}
	return encode(outbound{Type: MsgSubscriptionList, Subscriptions: subs})
}

// Envelope is the message shape carried on backbone channels: either a
// discrete delta or a batch-update with creates/updates/deletes arrays.
type Envelope struct {
	Type    string         `json:"type"`
	Event   *model.Event   `json:"event,omitempty"`
	Events  []*model.Event `json:"events,omitempty"`
	ID      string         `json:"id,omitempty"`
	Creates []*model.Event `json:"creates,omitempty"`
	Updates []*model.Event `json:"updates,omitempty"`
	Deletes []string       `json:"deletes,omitempty"`
}

const envelopeBatchUpdate = "batch-update"

// ExpandEnvelope transforms a backbone envelope into the discrete wire
// messages written to sockets. A batch-update fans out into one message per
// create/update/delete; discrete and replace-all envelopes pass through.
// Unknown envelope types yield nothing.
func ExpandEnvelope(raw []byte) ([][]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case envelopeBatchUpdate:
		var out [][]byte
		for _, e := range env.Creates {
			out = append(out, AddEvent(e))
		}
		for _, e := range env.Updates {
			out = append(out, UpdateEvent(e))
		}
		for _, id := range env.Deletes {
			out = append(out, DeleteEvent(id))
		}
		return out, nil
	case MsgAddEvent, MsgUpdateEvent:
		if env.Event == nil {
			return nil, nil
		}
		return [][]byte{encode(outbound{Type: env.Type, Event: env.Event})}, nil
	case MsgDeleteEvent:
		if env.ID == "" {
			return nil, nil
		}
		return [][]byte{DeleteEvent(env.ID)}, nil
	case MsgReplaceAll:
		return [][]byte{ReplaceAll(env.Events)}, nil
	default:
		return nil, nil
	}
}
