package arena

import "sync/atomic"

// slot is one ring entry: an offset/length pair into an Arena, padded to a
// full cache line so the producer's write to slot[i] and the consumer's
// read of slot[i-1] never false-share.
type slot struct {
	offset int64
	length int64
	ready  int32
	_      [Alignment - 20]byte
}

// Ring is a single-producer/single-consumer ring of fixed slots. Push is
// only safe called from one goroutine; Pop from (at most) one other.
// Notification is batched: Push only signals the notify channel on the
// 0→1 pending transition, mirroring the eventfd-with-a-pending-counter
// design described for this fast path, so a burst of pushes wakes the
// consumer once instead of once per entry.
type Ring struct {
	slots []slot
	mask  uint64
	head  uint64
	tail  uint64

	pending int32
	notify  chan struct{}
}

// NewRing builds a ring with at least `size` slots, rounded up to the next
// power of two so index wrapping is a mask instead of a modulo.
func NewRing(size int) *Ring {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Ring{
		slots:  make([]slot, n),
		mask:   uint64(n - 1),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues an (offset, length) pair. It returns false if the slot the
// next write would land on is still marked ready, i.e. the consumer hasn't
// drained it yet.
func (r *Ring) Push(offset, length int64) bool {
	s := &r.slots[r.head&r.mask]
	if atomic.LoadInt32(&s.ready) != 0 {
		return false
	}
	s.offset = offset
	s.length = length
	atomic.StoreInt32(&s.ready, 1)
	r.head++
	if atomic.AddInt32(&r.pending, 1) == 1 {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// Pop dequeues the oldest (offset, length) pair, or returns ok=false if the
// ring is empty.
func (r *Ring) Pop() (offset, length int64, ok bool) {
	s := &r.slots[r.tail&r.mask]
	if atomic.LoadInt32(&s.ready) == 0 {
		return 0, 0, false
	}
	offset, length = s.offset, s.length
	atomic.StoreInt32(&s.ready, 0)
	r.tail++
	atomic.AddInt32(&r.pending, -1)
	return offset, length, true
}

// Pending reports how many entries are currently queued.
func (r *Ring) Pending() int {
	return int(atomic.LoadInt32(&r.pending))
}

// NotifyChan exposes the batched wakeup channel for a consumer to select on
// alongside a context's Done channel.
func (r *Ring) NotifyChan() <-chan struct{} {
	return r.notify
}
