package hybrid

import (
	"container/list"
	"sync"
	"time"

	"github.com/evalgo/veddb/internal/document"
)

// opKind selects the deferred action a write-behind queue entry represents.
type opKind int

const (
	opWrite opKind = iota
	opDelete
)

// queueEntry is one {collection, doc_id, op, due_at} record in the
// write-behind FIFO, per §4.1.
type queueEntry struct {
	collection string
	id         document.ID
	kind       opKind
	doc        *document.Document // nil for opDelete
	dueAt      time.Time
}

// writeBehindQueue is a process-wide FIFO the WriteBehind cache strategy
// enqueues into; a single worker drains due entries every 50ms.
type writeBehindQueue struct {
	mu   sync.Mutex
	list *list.List
}

func newWriteBehindQueue() *writeBehindQueue {
	return &writeBehindQueue{list: list.New()}
}

func (q *writeBehindQueue) push(e queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.PushBack(e)
}

// drainDue removes and returns every entry whose dueAt has passed, in FIFO
// order, without holding the lock while callers apply them.
func (q *writeBehindQueue) drainDue(now time.Time) []queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []queueEntry
	var next *list.Element
	for e := q.list.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(queueEntry)
		if !entry.dueAt.After(now) {
			due = append(due, entry)
			q.list.Remove(e)
		}
	}
	return due
}

// drainAll removes and returns every entry regardless of due time, used by
// Flush on shutdown.
func (q *writeBehindQueue) drainAll() []queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []queueEntry
	for e := q.list.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(queueEntry))
	}
	q.list.Init()
	return all
}

func (q *writeBehindQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}
