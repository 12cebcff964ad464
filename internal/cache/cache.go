// Package cache implements spec.md's L6 cache layer: Redis-backed document
// storage with TTL-driven eviction and per-collection key tracking for
// targeted invalidation. Grounded on the teacher's Redis wrappers
// (queue/redis/queue.go's client-with-prefix pattern and
// db/repository/redis.go's SetCache/GetCache/DeleteCache JSON
// marshal-over-Set/Get/Del convention), generalized from job/lock storage to
// document storage with a Redis-set-backed key index per collection.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

// Cache wraps a go-redis client scoped with a key prefix, the same
// convention queue/redis/queue.go uses for its queue keys.
type Cache struct {
	client *redis.Client
	prefix string
}

// New wraps an already-constructed redis client (tests use miniredis;
// production wires a real redis.Client built from configuration).
func New(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "veddb:"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) docKey(collection string, id document.ID) string {
	return fmt.Sprintf("%sdoc:%s:%s", c.prefix, collection, id.String())
}

func (c *Cache) keyIndexKey(collection string) string {
	return fmt.Sprintf("%skeys:%s", c.prefix, collection)
}

// Set stores doc's encoded bytes under (collection, id) with ttl (0 means
// no expiry) and records the key in the collection's key index so targeted
// invalidation doesn't require a full SCAN.
func (c *Cache) Set(ctx context.Context, collection string, id document.ID, doc *document.Document, ttl time.Duration) error {
	key := c.docKey(collection, id)
	encoded := doc.Encode()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, encoded, ttl)
	pipe.SAdd(ctx, c.keyIndexKey(collection), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return veddberr.Wrap(veddberr.KindTransient, "CacheError", "cache set failed", err)
	}
	return nil
}

// Get returns the cached document for (collection, id), or (nil, false) on
// a cache miss.
func (c *Cache) Get(ctx context.Context, collection string, id document.ID) (*document.Document, bool, error) {
	key := c.docKey(collection, id)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, veddberr.Wrap(veddberr.KindTransient, "CacheError", "cache get failed", err)
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Delete removes the cached entry for (collection, id). Per §4.1's
// invalidation contract this guarantees a stale entry is never observable
// after a write: the specific key is removed, not merely left to expire.
func (c *Cache) Delete(ctx context.Context, collection string, id document.ID) error {
	key := c.docKey(collection, id)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, c.keyIndexKey(collection), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return veddberr.Wrap(veddberr.KindTransient, "CacheError", "cache delete failed", err)
	}
	return nil
}

// InvalidateCollection clears every cached key recorded for collection,
// using the per-collection key index instead of the full-cache clear the
// design notes flag as a placeholder behavior in the source system.
func (c *Cache) InvalidateCollection(ctx context.Context, collection string) error {
	indexKey := c.keyIndexKey(collection)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return veddberr.Wrap(veddberr.KindTransient, "CacheError", "read key index", err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return veddberr.Wrap(veddberr.KindTransient, "CacheError", "invalidate collection", err)
	}
	return nil
}

// InvalidateAll clears every key recorded in the key indexes of the given
// collections; collections not listed are left alone. Writes use
// Delete/InvalidateCollection for targeted scope instead.
func (c *Cache) InvalidateAll(ctx context.Context, collections []string) error {
	for _, col := range collections {
		if err := c.InvalidateCollection(ctx, col); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
