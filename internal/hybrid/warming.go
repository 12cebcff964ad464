package hybrid

import (
	"context"
	"time"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/schema"
)

// runWarming is the engine's single background warming task (§4.1: "exactly
// one background warming task per engine"). It runs PreloadOnStartup once
// per collection, then loops a shared ticker checking every
// ScheduledRefresh collection's next-due time. LazyLoad/None collections
// are never visited here; LazyLoad happens implicitly via Get's
// populate-on-miss path.
func (e *Engine) runWarming() {
	defer e.wg.Done()
	ctx := context.Background()
	e.preloadOnce(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	nextRefresh := make(map[string]time.Time)

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.refreshDue(ctx, now, nextRefresh)
		}
	}
}

func (e *Engine) preloadOnce(ctx context.Context) {
	for _, collection := range e.store.Collections() {
		sch, ok := e.store.Schema(collection)
		if !ok || sch.Cache.Warming.Kind != schema.WarmingPreloadOnStartup {
			continue
		}
		e.warmCollection(ctx, collection, sch, sch.Cache.Warming.Limit)
	}
}

func (e *Engine) refreshDue(ctx context.Context, now time.Time, nextRefresh map[string]time.Time) {
	for _, collection := range e.store.Collections() {
		sch, ok := e.store.Schema(collection)
		if !ok || sch.Cache.Warming.Kind != schema.WarmingScheduledRefresh {
			continue
		}
		due, scheduled := nextRefresh[collection]
		if !scheduled {
			nextRefresh[collection] = now.Add(time.Duration(sch.Cache.Warming.IntervalSec) * time.Second)
			continue
		}
		if now.Before(due) {
			continue
		}
		e.warmCollection(ctx, collection, sch, 0)
		nextRefresh[collection] = now.Add(time.Duration(sch.Cache.Warming.IntervalSec) * time.Second)
	}
}

// warmCollection scans up to limit documents (0 means unlimited) and
// populates the cache for each, per PreloadOnStartup/ScheduledRefresh.
func (e *Engine) warmCollection(ctx context.Context, collection string, sch *schema.Schema, limit int) {
	ttl := ttlFromSeconds(sch.Cache.TTLSec)
	count := 0
	_ = e.store.Scan(collection, func(doc *document.Document) bool {
		if limit > 0 && count >= limit {
			return false
		}
		if err := e.cache.Set(ctx, collection, doc.ID, doc, ttl); err != nil {
			e.logger.WithError(err).WithField("collection", collection).Warn("cache warming populate failed")
		}
		count++
		return true
	})
}
