// Package pubsub defines the cross-instance backbone: one channel per user
// plus the ingest channel the upstream pipeline publishes on.
package pubsub

import "context"

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an open channel subscription. Messages stops yielding after
// Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Backbone is the pub/sub mechanism shared across instances. Publish order is
// preserved per publisher; there is no cross-publisher ordering guarantee.
type Backbone interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// UserChannel names the per-user filtered-events channel.
func UserChannel(userID string) string {
	return "user:" + userID + ":filtered-events"
}
