package hybrid

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcache "github.com/evalgo/veddb/internal/cache"
	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/query"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/wal"
)

type testHarness struct {
	engine *Engine
	store  *persistent.Store
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, strategy schema.CacheStrategy, delayMS int) *testHarness {
	store, err := persistent.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := vcache.New(client, "t:")

	w, err := wal.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	sch := schema.New()
	sch.Cache = schema.CacheConfig{Strategy: strategy, TTLSec: 60, DelayMS: delayMS}
	require.NoError(t, store.CreateCollection("widgets", sch))

	e := New(store, c, w, nil)
	t.Cleanup(e.Shutdown)

	return &testHarness{engine: e, store: store, mr: mr}
}

func TestNoneStrategyGoesStraightToPersistent(t *testing.T) {
	h := newHarness(t, schema.StrategyNone, 0)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("bolt"))

	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, "widgets", id)
	require.NoError(t, err)
	name, _ := got.Fields.Get("name")
	assert.Equal(t, "bolt", name.Str)
}

func TestWriteThroughPopulatesCacheOnInsert(t *testing.T) {
	h := newHarness(t, schema.StrategyWriteThrough, 0)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("gear"))

	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, "widgets", id)
	require.NoError(t, err)
	name, _ := got.Fields.Get("name")
	assert.Equal(t, "gear", name.Str)
	assert.Equal(t, 1, h.engine.CountersSnapshot().CacheHits)
}

func TestWriteBehindReturnsImmediatelyThenFlushesToPersistent(t *testing.T) {
	h := newHarness(t, schema.StrategyWriteBehind, 5000)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("spring"))

	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	// Before flush, the persistent layer has not seen the write yet.
	_, err = h.store.Get("widgets", id)
	assert.Error(t, err)

	require.NoError(t, h.engine.Flush(ctx))

	got, err := h.store.Get("widgets", id)
	require.NoError(t, err)
	name, _ := got.Fields.Get("name")
	assert.Equal(t, "spring", name.Str)
}

func TestWriteBehindBackgroundWorkerAppliesDueEntries(t *testing.T) {
	h := newHarness(t, schema.StrategyWriteBehind, 10)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("cog"))

	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.store.Get("widgets", id)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReadThroughInvalidatesCacheAfterWrite(t *testing.T) {
	h := newHarness(t, schema.StrategyReadThrough, 0)
	ctx := context.Background()
	doc := document.New()
	doc.Fields.Set("name", document.String("washer"))

	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	// ReadThrough invalidates on write, so the first Get is a cache miss
	// that repopulates from the persistent layer.
	_, err = h.engine.Get(ctx, "widgets", id)
	require.NoError(t, err)
	assert.Equal(t, 1, h.engine.CountersSnapshot().CacheMisses)
}

func TestDeleteRemovesFromBothLayersUnderWriteThrough(t *testing.T) {
	h := newHarness(t, schema.StrategyWriteThrough, 0)
	ctx := context.Background()
	doc := document.New()
	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)

	ok, err := h.engine.Delete(ctx, "widgets", id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.store.Get("widgets", id)
	assert.Error(t, err)
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	entries []wal.Entry
}

func (b *recordingBroadcaster) Broadcast(entry wal.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func TestInsertAndDeleteBroadcastEveryWALEntry(t *testing.T) {
	h := newHarness(t, schema.StrategyNone, 0)
	bc := &recordingBroadcaster{}
	h.engine.SetBroadcaster(bc)
	ctx := context.Background()

	doc := document.New()
	doc.Fields.Set("name", document.String("bolt"))
	id, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)
	assert.Equal(t, 1, bc.count(), "insert should broadcast the WAL entry it appends")

	_, err = h.engine.Delete(ctx, "widgets", id)
	require.NoError(t, err)
	assert.Equal(t, 2, bc.count(), "delete should broadcast its own WAL entry too")
}

func TestWriteBehindFlushBroadcastsDeferredEntry(t *testing.T) {
	h := newHarness(t, schema.StrategyWriteBehind, 5000)
	bc := &recordingBroadcaster{}
	h.engine.SetBroadcaster(bc)
	ctx := context.Background()

	doc := document.New()
	doc.Fields.Set("name", document.String("spring"))
	_, err := h.engine.Insert(ctx, "widgets", doc)
	require.NoError(t, err)
	assert.Equal(t, 0, bc.count(), "nothing is appended to the WAL until the deferred write is flushed")

	require.NoError(t, h.engine.Flush(ctx))
	assert.Equal(t, 1, bc.count(), "flushing the deferred write appends and broadcasts one WAL entry")
}

func TestFindFiltersByExpression(t *testing.T) {
	h := newHarness(t, schema.StrategyNone, 0)
	ctx := context.Background()

	a := document.New()
	a.Fields.Set("name", document.String("alice"))
	a.Fields.Set("age", document.Int64(30))
	_, err := h.engine.Insert(ctx, "widgets", a)
	require.NoError(t, err)

	b := document.New()
	b.Fields.Set("name", document.String("bob"))
	b.Fields.Set("age", document.Int64(10))
	_, err = h.engine.Insert(ctx, "widgets", b)
	require.NoError(t, err)

	expr, err := query.Parse(`age >= 18`)
	require.NoError(t, err)
	docs, err := h.engine.Find("widgets", expr, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	name, _ := docs[0].Fields.Get("name")
	assert.Equal(t, "alice", name.Str)
}
