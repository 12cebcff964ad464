package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test:"), mr
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("ada"))

	require.NoError(t, c.Set(ctx, "users", doc.ID, doc, time.Minute))

	got, ok, err := c.Get(ctx, "users", doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := got.Fields.Get("name")
	assert.Equal(t, "ada", name.Str)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "users", document.NewID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteInvalidatesSpecificKey(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	doc := document.New()
	require.NoError(t, c.Set(ctx, "users", doc.ID, doc, time.Minute))

	require.NoError(t, c.Delete(ctx, "users", doc.ID))
	_, ok, err := c.Get(ctx, "users", doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	doc := document.New()
	require.NoError(t, c.Set(ctx, "users", doc.ID, doc, time.Second))

	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "users", doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateCollectionClearsOnlyThatCollection(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	u := document.New()
	require.NoError(t, c.Set(ctx, "users", u.ID, u, 0))
	o := document.New()
	require.NoError(t, c.Set(ctx, "orders", o.ID, o, 0))

	require.NoError(t, c.InvalidateCollection(ctx, "users"))

	_, ok, err := c.Get(ctx, "users", u.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get(ctx, "orders", o.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
