package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rebac"
)

// RedisDecisionCache shares check decisions across engine instances through
// Redis and doubles as the invalidation bus over pub/sub.
//
// Layout: each decision lives under rebac:dec:{key}; rebac:obj:{tenant}|{object}
// is a set indexing the decision keys written for that object, so
// invalidation can delete them without scanning.
type RedisDecisionCache struct {
	client  *redis.Client
	keyFmt  string
	objFmt  string
	channel string
}

func NewRedisDecisionCache(client *redis.Client) *RedisDecisionCache {
	return &RedisDecisionCache{
		client:  client,
		keyFmt:  "rebac:dec:%s",
		objFmt:  "rebac:obj:%s|%s",
		channel: "rebac:invalidations",
	}
}

func (r *RedisDecisionCache) key(k rebac.DecisionKey) string {
	return fmt.Sprintf(r.keyFmt, k.String())
}

func (r *RedisDecisionCache) objectKey(tenantID, objectKey string) string {
	return fmt.Sprintf(r.objFmt, tenantID, objectKey)
}

func (r *RedisDecisionCache) GetDecision(ctx context.Context, key rebac.DecisionKey) (*rebac.DecisionCacheEntry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := &rebac.DecisionCacheEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (r *RedisDecisionCache) SetDecision(ctx context.Context, key rebac.DecisionKey, e *rebac.DecisionCacheEntry, ttl time.Duration) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ks := r.key(key)
	objKey := r.objectKey(key.TenantID, key.ObjectKey)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, ks, b, ttl)
	pipe.SAdd(ctx, objKey, ks)
	// The index outlives its newest entry slightly so late invalidations
	// still find it.
	pipe.Expire(ctx, objKey, ttl+time.Minute)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisDecisionCache) DeleteDecisions(ctx context.Context, tenantID string, objectKeys []string) error {
	for _, objectKey := range objectKeys {
		objKey := r.objectKey(tenantID, objectKey)
		members, err := r.client.SMembers(ctx, objKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(members) > 0 {
			if err := r.client.Del(ctx, members...).Err(); err != nil {
				return err
			}
		}
		if err := r.client.Del(ctx, objKey).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisDecisionCache) PublishInvalidation(ctx context.Context, ev rebac.InvalidationEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

func (r *RedisDecisionCache) SubscribeInvalidations(ctx context.Context, fn func(rebac.InvalidationEvent)) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var ev rebac.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}()
	return func() { _ = sub.Close() }, nil
}
