package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheKeyPrefix = "checkout:"

// RedisCache stores session JSON under <prefix>session:<id> and the intent
// index under <prefix>intent:<intentId>. Both keys carry the session TTL.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache constructs a cache. An empty prefix defaults to "checkout:".
func NewRedisCache(client redis.UniversalClient, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = defaultCacheKeyPrefix
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) sessionKey(id string) string {
	return c.keyPrefix + "session:" + id
}

func (c *RedisCache) intentKey(intentID string) string {
	return c.keyPrefix + "intent:" + intentID
}

// Put writes the session and, when it carries one, its intent index entry in
// a single transaction.
func (c *RedisCache) Put(ctx context.Context, s Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.sessionKey(s.ID), data, ttl)
	if intentID := s.IntentID(); intentID != "" {
		pipe.Set(ctx, c.intentKey(intentID), s.ID, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Delete drops the session key and the intent index entry it owns.
func (c *RedisCache) Delete(ctx context.Context, id, intentID string) error {
	if err := c.client.Del(ctx, c.sessionKey(id)).Err(); err != nil {
		return err
	}
	return c.DeleteIntent(ctx, intentID, id)
}

// compareAndDelete deletes KEYS[1] only when it holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisCache) DeleteIntent(ctx context.Context, intentID, sessionID string) error {
	if intentID == "" {
		return nil
	}
	return compareAndDelete.Run(ctx, c.client, []string{c.intentKey(intentID)}, sessionID).Err()
}

func (c *RedisCache) LookupIntent(ctx context.Context, intentID string) (string, error) {
	id, err := c.client.Get(ctx, c.intentKey(intentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}
