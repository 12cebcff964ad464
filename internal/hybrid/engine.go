// Package hybrid implements spec.md's L7 hybrid storage engine: the
// cache-strategy router sitting in front of internal/persistent and
// internal/cache, backed by internal/wal for durability. Grounded on the
// teacher's layering style of a thin orchestration type composing narrower
// package-level clients (see auth.Auth composing auth.UserStorage +
// auth.TokenManager), generalized here to compose persistent.Store,
// cache.Cache, and wal.WAL behind one strategy dispatch table.
package hybrid

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/query"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/veddberr"
	"github.com/evalgo/veddb/internal/wal"

	vcache "github.com/evalgo/veddb/internal/cache"
)

// Counters tracks the observable counters the testable properties reference
// (cache-hit, persistent-write, ...). A real deployment wires these into
// internal/metrics; kept as mutex-guarded ints here so this package has no
// dependency on the metrics registry.
type Counters struct {
	mu              sync.Mutex
	CacheHits       int
	CacheMisses     int
	PersistentWrite int
}

func (c *Counters) addHit() {
	c.mu.Lock()
	c.CacheHits++
	c.mu.Unlock()
}
func (c *Counters) addMiss() {
	c.mu.Lock()
	c.CacheMisses++
	c.mu.Unlock()
}
func (c *Counters) addWrite() {
	c.mu.Lock()
	c.PersistentWrite++
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{CacheHits: c.CacheHits, CacheMisses: c.CacheMisses, PersistentWrite: c.PersistentWrite}
}

// Broadcaster fans a freshly appended WAL entry out to replication slaves.
// Satisfied by *replication.Master; kept as a narrow interface here so this
// package has no import-cycle dependency on internal/replication.
type Broadcaster interface {
	Broadcast(entry wal.Entry)
}

// Engine is the hybrid storage engine: it owns the write-behind queue and
// the cache-warming task and dispatches every operation through the
// collection's configured CacheStrategy.
type Engine struct {
	store *persistent.Store
	cache *vcache.Cache
	walLog *wal.WAL
	logger *logrus.Logger

	queue    *writeBehindQueue
	counters Counters

	broadcaster Broadcaster

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetBroadcaster wires b as the engine's replication fan-out: every WAL
// entry appended after this call (Insert, Delete, and deferred write-behind
// applies) is also streamed to b, not just captured in the initial
// full/incremental sync. Pass nil (the default) to run without a live
// replication stream, e.g. on a slave.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

func (e *Engine) broadcastEntry(entry wal.Entry) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(entry)
	}
}

// New builds an Engine over an already-open persistent store, cache, and
// WAL, and starts its write-behind drain worker and cache-warming task.
func New(store *persistent.Store, cache *vcache.Cache, log *wal.WAL, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		store:  store,
		cache:  cache,
		walLog: log,
		logger: logger,
		queue:  newWriteBehindQueue(),
		stopCh: make(chan struct{}),
	}
	e.wg.Add(2)
	go e.runWriteBehindWorker()
	go e.runWarming()
	return e
}

// Shutdown stops the background workers. Flush MUST be called first if the
// write-behind queue needs to be drained durably; Shutdown does not flush on
// its own.
func (e *Engine) Shutdown() {
	close(e.stopCh)
	e.wg.Wait()
}

// Flush drains the write-behind queue synchronously. Per §4.1, the system
// must not acknowledge shutdown while entries remain, so callers invoke
// Flush before Shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	for _, entry := range e.queue.drainAll() {
		if err := e.applyDeferred(entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runWriteBehindWorker() {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			for _, entry := range e.queue.drainDue(now) {
				if err := e.applyDeferred(entry); err != nil {
					e.logger.WithError(err).WithField("collection", entry.collection).Warn("write-behind apply failed")
				}
			}
		}
	}
}

func (e *Engine) applyDeferred(entry queueEntry) error {
	switch entry.kind {
	case opWrite:
		if err := e.store.Insert(entry.collection, entry.doc); err != nil {
			return err
		}
	case opDelete:
		if err := e.store.Delete(entry.collection, entry.id); err != nil && veddberr.CodeOf(err) != "NotFound" {
			return err
		}
	}
	if e.walLog != nil {
		kind := wal.OpUpdate
		payload := []byte(nil)
		if entry.kind == opWrite {
			payload = entry.doc.Encode()
		} else {
			kind = wal.OpDelete
		}
		logged, err := e.walLog.Append(wal.Operation{Collection: entry.collection, Kind: kind, DocID: entry.id, Payload: payload})
		if err != nil {
			return err
		}
		e.broadcastEntry(logged)
	}
	e.counters.addWrite()
	return nil
}

func (e *Engine) schemaFor(collection string) (*schema.Schema, error) {
	sch, ok := e.store.Schema(collection)
	if !ok {
		return nil, veddberr.ErrCollectionNotFound
	}
	return sch, nil
}

func ttlFromSeconds(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

// Insert validates doc against the collection's schema, durably logs it,
// and routes it to cache/persistent per the collection's CacheStrategy.
func (e *Engine) Insert(ctx context.Context, collection string, doc *document.Document) (document.ID, error) {
	sch, err := e.schemaFor(collection)
	if err != nil {
		return document.ID{}, err
	}
	sch.ApplyDefaults(doc)
	if err := sch.Validate(doc); err != nil {
		return document.ID{}, err
	}
	if err := doc.Validate(); err != nil {
		return document.ID{}, err
	}
	doc.Meta.Version++
	doc.Meta.UpdatedAt = time.Now().UTC()
	if doc.Meta.CreatedAt.IsZero() {
		doc.Meta.CreatedAt = doc.Meta.UpdatedAt
	}

	ttl := ttlFromSeconds(sch.Cache.TTLSec)

	switch sch.Cache.Strategy {
	case schema.StrategyNone:
		if err := e.writePersistentLogged(collection, doc); err != nil {
			return document.ID{}, err
		}
	case schema.StrategyWriteThrough:
		if err := e.writePersistentLogged(collection, doc); err != nil {
			return document.ID{}, err
		}
		if err := e.cache.Set(ctx, collection, doc.ID, doc, ttl); err != nil {
			e.logger.WithError(err).Warn("cache populate failed after persistent write")
		}
	case schema.StrategyWriteBehind:
		if err := e.cache.Set(ctx, collection, doc.ID, doc, ttl); err != nil {
			return document.ID{}, err
		}
		e.queue.push(queueEntry{
			collection: collection, id: doc.ID, kind: opWrite, doc: doc,
			dueAt: time.Now().Add(time.Duration(sch.Cache.DelayMS) * time.Millisecond),
		})
	case schema.StrategyReadThrough:
		if err := e.writePersistentLogged(collection, doc); err != nil {
			return document.ID{}, err
		}
		if err := e.cache.Delete(ctx, collection, doc.ID); err != nil {
			e.logger.WithError(err).Warn("cache invalidate failed after persistent write")
		}
	}
	return doc.ID, nil
}

func (e *Engine) writePersistentLogged(collection string, doc *document.Document) error {
	if e.walLog != nil {
		entry, err := e.walLog.Append(wal.Operation{Collection: collection, Kind: wal.OpInsert, DocID: doc.ID, Payload: doc.Encode()})
		if err != nil {
			return err
		}
		e.broadcastEntry(entry)
	}
	if err := e.store.Insert(collection, doc); err != nil {
		return err
	}
	e.counters.addWrite()
	return nil
}

// Update is Insert addressed at an existing id: it forces doc.ID = id and
// otherwise follows the same validated, strategy-routed write path.
func (e *Engine) Update(ctx context.Context, collection string, id document.ID, doc *document.Document) error {
	doc.ID = id
	_, err := e.Insert(ctx, collection, doc)
	return err
}

// Get routes a read through the collection's CacheStrategy, populating the
// cache on a miss where the strategy calls for it.
func (e *Engine) Get(ctx context.Context, collection string, id document.ID) (*document.Document, error) {
	sch, err := e.schemaFor(collection)
	if err != nil {
		return nil, err
	}
	if sch.Cache.Strategy == schema.StrategyNone {
		return e.store.Get(collection, id)
	}

	doc, hit, err := e.cache.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if hit {
		e.counters.addHit()
		return doc, nil
	}
	e.counters.addMiss()

	doc, err = e.store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	ttl := ttlFromSeconds(sch.Cache.TTLSec)
	if err := e.cache.Set(ctx, collection, id, doc, ttl); err != nil {
		e.logger.WithError(err).Warn("cache populate-on-miss failed")
	}
	return doc, nil
}

// Delete routes a delete through the collection's CacheStrategy.
func (e *Engine) Delete(ctx context.Context, collection string, id document.ID) (bool, error) {
	sch, err := e.schemaFor(collection)
	if err != nil {
		return false, err
	}

	switch sch.Cache.Strategy {
	case schema.StrategyNone:
		if err := e.deletePersistentLogged(collection, id); err != nil {
			return false, err
		}
	case schema.StrategyWriteThrough:
		if err := e.deletePersistentLogged(collection, id); err != nil {
			return false, err
		}
		if err := e.cache.Delete(ctx, collection, id); err != nil {
			e.logger.WithError(err).Warn("cache delete failed after persistent delete")
		}
	case schema.StrategyWriteBehind:
		if err := e.cache.Delete(ctx, collection, id); err != nil {
			return false, err
		}
		e.queue.push(queueEntry{
			collection: collection, id: id, kind: opDelete,
			dueAt: time.Now().Add(time.Duration(sch.Cache.DelayMS) * time.Millisecond),
		})
	case schema.StrategyReadThrough:
		if err := e.deletePersistentLogged(collection, id); err != nil {
			return false, err
		}
		if err := e.cache.Delete(ctx, collection, id); err != nil {
			e.logger.WithError(err).Warn("cache invalidate failed after persistent delete")
		}
	}
	return true, nil
}

func (e *Engine) deletePersistentLogged(collection string, id document.ID) error {
	if e.walLog != nil {
		entry, err := e.walLog.Append(wal.Operation{Collection: collection, Kind: wal.OpDelete, DocID: id})
		if err != nil {
			return err
		}
		e.broadcastEntry(entry)
	}
	if err := e.store.Delete(collection, id); err != nil {
		return err
	}
	e.counters.addWrite()
	return nil
}

// CountersSnapshot returns a snapshot of the engine's observable counters.
func (e *Engine) CountersSnapshot() Counters {
	return e.counters.Snapshot()
}

// CreateCollection registers a new collection with sch in the persistent
// layer, pass-through for the protocol layer's CreateCollection opcode.
func (e *Engine) CreateCollection(name string, sch *schema.Schema) error {
	return e.store.CreateCollection(name, sch)
}

// DropCollection removes a collection and everything it owns, pass-through
// for the protocol layer's DropCollection opcode. Cache entries are not
// individually invalidated here since the whole collection is gone; a
// real deployment would also call the cache's collection-wide invalidation.
func (e *Engine) DropCollection(name string) error {
	return e.store.DropCollection(name)
}

// Collections lists every registered collection name.
func (e *Engine) Collections() []string {
	return e.store.Collections()
}

// Find scans collection in id order, returning every document matching
// expr up to limit (0 means unlimited). This always goes straight to the
// persistent layer: filter evaluation over the cache's per-key entries is
// not meaningful since the cache holds no secondary ordering, and the
// persistent layer is authoritative per spec.md's Non-goals.
func (e *Engine) Find(collection string, expr query.Expr, limit int) ([]*document.Document, error) {
	if _, err := e.schemaFor(collection); err != nil {
		return nil, err
	}
	var out []*document.Document
	err := e.store.Scan(collection, func(doc *document.Document) bool {
		if expr == nil || query.Eval(expr, doc) {
			out = append(out, doc)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
