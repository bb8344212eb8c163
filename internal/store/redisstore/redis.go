// Package redisstore implements store.SubscriptionStore on Redis.
//
// Layout:
//
//	subscriptions                 hash: id -> subscription JSON
//	client:<clientId>:subs        set of subscription ids
//	user:<userId>:filters         stored filter JSON
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store"
)

const subscriptionsKey = "subscriptions"

func clientSubsKey(clientID string) string { return "client:" + clientID + ":subs" }
func userFilterKey(userID string) string   { return "user:" + userID + ":filters" }

type Store struct {
	rdb *redis.Client
}

var _ store.SubscriptionStore = (*Store)(nil)

// New wraps an existing client. The caller owns the client's lifecycle when
// sharing it with the pub/sub backbone; Close here is a no-op in that case.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Put(ctx context.Context, sub *model.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", sub.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, subscriptionsKey, sub.ID, raw)
	pipe.SAdd(ctx, clientSubsKey(sub.ClientID), sub.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	raw, err := s.rdb.HGet(ctx, subscriptionsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	var sub model.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return fmt.Errorf("unmarshal subscription %s: %w", id, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, subscriptionsKey, id)
	pipe.SRem(ctx, clientSubsKey(sub.ClientID), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteForClient(ctx context.Context, clientID string) error {
	ids, err := s.rdb.SMembers(ctx, clientSubsKey(clientID)).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.HDel(ctx, subscriptionsKey, id)
	}
	pipe.Del(ctx, clientSubsKey(clientID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) LoadAll(ctx context.Context) ([]*model.Subscription, error) {
	raw, err := s.rdb.HGetAll(ctx, subscriptionsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Subscription, 0, len(raw))
	for id, v := range raw {
		var sub model.Subscription
		if err := json.Unmarshal([]byte(v), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription %s: %w", id, err)
		}
		out = append(out, &sub)
	}
	return out, nil
}

func (s *Store) UserFilter(ctx context.Context, userID string) (*model.EventFilter, error) {
	raw, err := s.rdb.Get(ctx, userFilterKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var f model.EventFilter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("unmarshal user filter %s: %w", userID, err)
	}
	return &f, nil
}

func (s *Store) PutUserFilter(ctx context.Context, userID string, f *model.EventFilter) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, userFilterKey(userID), raw, 0).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return nil }
