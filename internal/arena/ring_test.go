package arena

import "testing"

func TestRingPushPopFIFO(t *testing.T) {
	r := NewRing(4)
	if !r.Push(10, 1) {
		t.Fatal("expected push to succeed")
	}
	if !r.Push(20, 2) {
		t.Fatal("expected push to succeed")
	}
	o, l, ok := r.Pop()
	if !ok || o != 10 || l != 1 {
		t.Fatalf("expected (10,1), got (%d,%d,%v)", o, l, ok)
	}
	o, l, ok = r.Pop()
	if !ok || o != 20 || l != 2 {
		t.Fatalf("expected (20,2), got (%d,%d,%v)", o, l, ok)
	}
}

func TestRingPopEmptyReturnsFalse(t *testing.T) {
	r := NewRing(2)
	if _, _, ok := r.Pop(); ok {
		t.Fatal("expected pop on empty ring to fail")
	}
}

func TestRingPushFailsWhenFull(t *testing.T) {
	r := NewRing(2) // rounds up to 2 slots
	if !r.Push(1, 1) {
		t.Fatal("expected first push to succeed")
	}
	if !r.Push(2, 1) {
		t.Fatal("expected second push to succeed")
	}
	if r.Push(3, 1) {
		t.Fatal("expected third push to fail, ring should be full")
	}
}

func TestRingSizeRoundsUpToPowerOfTwo(t *testing.T) {
	r := NewRing(3)
	if len(r.slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(r.slots))
	}
}

func TestRingNotifiesOnlyOnZeroToOneTransition(t *testing.T) {
	r := NewRing(4)
	r.Push(1, 1)
	select {
	case <-r.NotifyChan():
	default:
		t.Fatal("expected a notification after first push")
	}
	r.Push(2, 1)
	r.Push(3, 1)
	select {
	case <-r.NotifyChan():
		t.Fatal("did not expect a second buffered notification for a burst")
	default:
	}
}

func TestRingPendingTracksOutstandingEntries(t *testing.T) {
	r := NewRing(4)
	r.Push(1, 1)
	r.Push(2, 1)
	if got := r.Pending(); got != 2 {
		t.Fatalf("expected pending=2, got %d", got)
	}
	r.Pop()
	if got := r.Pending(); got != 1 {
		t.Fatalf("expected pending=1, got %d", got)
	}
}
