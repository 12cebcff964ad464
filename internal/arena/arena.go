// Package arena implements the optional in-process fast path described for
// L2: a shared payload region with cache-line-aligned slots and batched
// notifications, for sessions that live in the same process as the engine
// and can skip wire-protocol framing entirely. No pack library models
// cache-aligned SPSC rings over a bump-pointer arena, so this is built
// directly on encoding/binary-friendly byte slices, atomics, and channels
// rather than a third-party dependency.
package arena

// Alignment is the cache-line size slot offsets are rounded up to, so two
// producer/consumer writes never share a line.
const Alignment = 64

// Arena is a fixed-capacity bump-pointer byte allocator. It has a single
// writer: callers reserve cache-aligned slices as a Ring fills, then Reset
// to reuse the same backing storage once the consumer has drained it.
type Arena struct {
	buf []byte
	off int
}

// New allocates an arena with the given capacity in bytes.
func New(capacity int) *Arena {
	return &Arena{buf: make([]byte, capacity)}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves n cache-aligned bytes and returns the slice plus its
// offset into the arena. ok is false if the arena has no room left; callers
// should Reset (once nothing outstanding still references the buffer) and
// retry, or treat it as veddberr.ErrArenaFull.
func (a *Arena) Alloc(n int) (buf []byte, offset int, ok bool) {
	start := alignUp(a.off, Alignment)
	if start+n > len(a.buf) {
		return nil, 0, false
	}
	a.off = start + n
	return a.buf[start : start+n : start+n], start, true
}

// Reset rewinds the allocator to the beginning. Callers must ensure no
// in-flight ring entry still points into previously allocated space.
func (a *Arena) Reset() {
	a.off = 0
}

// At returns the slice at the given offset/length, as previously returned
// by Alloc.
func (a *Arena) At(offset, length int) []byte {
	return a.buf[offset : offset+length]
}

// Cap returns the arena's total capacity in bytes.
func (a *Arena) Cap() int {
	return len(a.buf)
}
