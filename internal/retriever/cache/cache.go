// Package cache provides a Redis-backed query cache for retrieval results,
// with singleflight de-duplication of concurrent identical queries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/scholarqa/retrieval/internal/retriever"
	"github.com/scholarqa/retrieval/pkg/config"
	"github.com/scholarqa/retrieval/pkg/metrics"
	pkgredis "github.com/scholarqa/retrieval/pkg/redis"
)

const keyPrefix = "retrieve:"

type QueryCache struct {
	client  *pkgredis.Client
	cfg     config.RedisConfig
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a QueryCache. m may be nil.
func New(client *pkgredis.Client, cfg config.RedisConfig, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		client:  client,
		cfg:     cfg,
		logger:  slog.Default().With("component", "query-cache"),
		metrics: m,
	}
}

func (c *QueryCache) Get(ctx context.Context, query string, topK int) (*retriever.Result, bool) {
	key := c.buildKey(query, topK)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.recordMiss()
		return nil, false
	}
	var result retriever.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	c.logger.Debug("cache hit", "query", query, "key", key)
	return &result, true
}

func (c *QueryCache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *QueryCache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *QueryCache) Set(ctx context.Context, query string, topK int, result *retriever.Result) {
	// Degraded results are not cached: a transient semantic outage should
	// not pin lexical-only answers for the full TTL.
	if result.Degraded {
		return
	}
	key := c.buildKey(query, topK)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns a cached result, or computes and caches one.
// Concurrent calls for the same key share a single computation.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	query string,
	topK int,
	computeFn func() (*retriever.Result, error),
) (*retriever.Result, bool, error) {
	if result, ok := c.Get(ctx, query, topK); ok {
		return result, true, nil
	}
	key := c.buildKey(query, topK)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.Get(ctx, query, topK); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, query, topK, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*retriever.Result), false, nil
}

// Invalidate removes every cached retrieval result. Called after a ranker
// rebuild, since cached document indices refer to the old snapshot.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	pattern := keyPrefix + "*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) buildKey(query string, topK int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	raw := fmt.Sprintf("%s:top_k=%d", normalized, topK)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
