package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBackbone implements Backbone on Redis pub/sub.
type RedisBackbone struct {
	rdb *redis.Client
	log zerolog.Logger
}

var _ Backbone = (*RedisBackbone)(nil)

// NewRedisBackbone wraps an existing client shared with the durable store.
func NewRedisBackbone(rdb *redis.Client, log zerolog.Logger) *RedisBackbone {
	return &RedisBackbone{rdb: rdb, log: log.With().Str("component", "backbone").Logger()}
}

func (b *RedisBackbone) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBackbone) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so failures surface here, not on first read.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go sub.pump(b.log, channel)
	return sub, nil
}

func (b *RedisBackbone) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackbone) Close() error { return b.rdb.Close() }

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) pump(log zerolog.Logger, channel string) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		default:
			// A stalled consumer drops the message rather than backing up
			// the backbone reader.
			log.Warn().Str("channel", channel).Msg("backbone subscriber buffer full; message dropped")
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }
