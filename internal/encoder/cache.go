package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ivlev/giffusion/internal/tensor"
)

const keyPrefix = "giffusion:embed:"

// RedisCache is a read-through embedding cache in front of another encoder.
// Redis failures degrade to calling the inner encoder.
type RedisCache struct {
	inner  Encoder
	rdb    *redis.Client
	model  string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps inner. model namespaces the keys so embeddings of
// different encoders never collide.
func NewRedisCache(inner Encoder, rdb *redis.Client, model string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{
		inner:  inner,
		rdb:    rdb,
		model:  model,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embed_cache")),
	}
}

// Key returns the cache key of prompt.
func (c *RedisCache) Key(prompt string) string {
	sum := sha256.Sum256([]byte(c.model + "|" + prompt))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Encode(ctx context.Context, prompts []string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(prompts))
	keys := make([]string, len(prompts))
	for i, p := range prompts {
		keys[i] = c.Key(p)
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("redis mget error", zap.Error(err))
		vals = nil
	}

	var missIdx []int
	var missPrompts []string
	for i := range prompts {
		if t := c.decode(vals, i); t != nil {
			out[i] = t
			continue
		}
		missIdx = append(missIdx, i)
		missPrompts = append(missPrompts, prompts[i])
	}

	c.logger.Debug("embed cache lookup",
		zap.Int("hits", len(prompts)-len(missIdx)),
		zap.Int("misses", len(missIdx)))
	if len(missIdx) == 0 {
		return out, nil
	}

	encoded, err := c.inner.Encode(ctx, missPrompts)
	if err != nil {
		return nil, err
	}
	if len(encoded) != len(missPrompts) {
		return nil, fmt.Errorf("encoder returned %d embeddings for %d prompts", len(encoded), len(missPrompts))
	}

	pipe := c.rdb.Pipeline()
	for j, i := range missIdx {
		out[i] = encoded[j]
		data, err := json.Marshal(encoded[j])
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, keys[i], data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("redis set error", zap.Error(err))
	}
	return out, nil
}

func (c *RedisCache) decode(vals []any, i int) *tensor.Tensor {
	if i >= len(vals) {
		return nil
	}
	s, ok := vals[i].(string)
	if !ok {
		return nil
	}
	var raw tensor.Tensor
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		c.logger.Warn("corrupt cache entry", zap.Error(err))
		return nil
	}
	// entries written by another version may not match their own shape
	t, err := tensor.FromData(raw.Shape, raw.Data)
	if err != nil {
		c.logger.Warn("corrupt cache entry", zap.Error(err))
		return nil
	}
	return t
}
