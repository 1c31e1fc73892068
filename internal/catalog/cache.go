package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedRepository serves purchasables from Redis, falling back to the
// wrapped repository on a miss. Cache failures degrade to direct reads.
type CachedRepository struct {
	Next   Repository
	Log    zerolog.Logger
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedRepository wraps next with a Redis JSON cache. A nil client or
// non-positive ttl disables caching.
func NewCachedRepository(next Repository, client *redis.Client, ttl time.Duration) *CachedRepository {
	return &CachedRepository{Next: next, client: client, ttl: ttl, prefix: "pricing:purchasable:"}
}

// GetPurchasable implements Repository.
func (c *CachedRepository) GetPurchasable(ctx context.Context, id string) (Purchasable, error) {
	if c == nil || c.Next == nil {
		return Purchasable{}, errors.New("catalog cache: repository not configured")
	}
	var cached Purchasable
	ok, err := c.getJSON(ctx, c.key(id), &cached)
	if err != nil {
		c.Log.Warn().Err(err).Str("purchasable_id", id).Msg("catalog cache read failed")
	} else if ok {
		return cached, nil
	}
	p, err := c.Next.GetPurchasable(ctx, id)
	if err != nil {
		return Purchasable{}, err
	}
	if err := c.setJSON(ctx, c.key(id), p); err != nil {
		c.Log.Warn().Err(err).Str("purchasable_id", id).Msg("catalog cache write failed")
	}
	return p, nil
}

// Invalidate drops a cached purchasable after the catalog changes it.
func (c *CachedRepository) Invalidate(ctx context.Context, id string) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Del(ctx, c.key(id)).Err()
}

func (c *CachedRepository) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

func (c *CachedRepository) key(id string) string {
	return c.prefix + id
}

func (c *CachedRepository) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	if !c.enabled() || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CachedRepository) setJSON(ctx context.Context, key string, v any) error {
	if !c.enabled() || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}
