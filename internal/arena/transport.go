package arena

import (
	"context"
	"sync"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Transport is the optional fast path itself: one ring paired with one
// arena, carrying payloads in a single direction, used when a client and the engine run in the same
// process and can exchange command/response payloads without going through
// internal/protocol's framing. Two goroutines in one process already share
// an address space, so this models the "shared-memory region" without
// actually mapping shared memory.
type Transport struct {
	arena *Arena
	ring  *Ring
	mu    sync.Mutex
}

// NewTransport builds a Transport with an arena of the given byte capacity
// and a ring with at least ringSize slots.
func NewTransport(arenaCapacity, ringSize int) *Transport {
	return &Transport{arena: New(arenaCapacity), ring: NewRing(ringSize)}
}

// Send copies data into the arena and enqueues its location on the ring.
// It is safe for exactly one producer goroutine to call Send.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	buf, offset, ok := t.arena.Alloc(len(data))
	if !ok {
		t.mu.Unlock()
		return veddberr.ErrArenaFull
	}
	copy(buf, data)
	t.mu.Unlock()

	if !t.ring.Push(int64(offset), int64(len(data))) {
		return veddberr.ErrRingFull
	}
	return nil
}

// Recv blocks until a message is available or ctx is done, and returns a
// slice aliasing the arena's backing buffer. Callers must finish with it
// before Reset lets the producer reuse that region.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	for {
		if offset, length, ok := t.ring.Pop(); ok {
			return t.arena.At(int(offset), int(length)), nil
		}
		select {
		case <-t.ring.NotifyChan():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reset rewinds the arena. Callers must ensure the consumer has drained
// every outstanding entry first.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arena.Reset()
}
