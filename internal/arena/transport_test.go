package arena

import (
	"context"
	"testing"
	"time"
)

func TestTransportSendRecvRoundTrip(t *testing.T) {
	tr := NewTransport(4096, 8)
	if err := tr.Send([]byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("expected %q, got %q", "ping", got)
	}
}

func TestTransportRecvBlocksUntilSend(t *testing.T) {
	tr := NewTransport(4096, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		got, err := tr.Recv(ctx)
		if err != nil {
			done <- nil
			return
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Send([]byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("expected %q, got %q", "hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("recv did not observe the send in time")
	}
}

func TestTransportRecvRespectsContextCancellation(t *testing.T) {
	tr := NewTransport(4096, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := tr.Recv(ctx); err == nil {
		t.Fatal("expected recv to return an error on context timeout")
	}
}

func TestTransportSendFailsWhenArenaFull(t *testing.T) {
	tr := NewTransport(Alignment, 8)
	if err := tr.Send(make([]byte, Alignment)); err != nil {
		t.Fatalf("first send should fit exactly: %v", err)
	}
	if err := tr.Send([]byte("x")); err == nil {
		t.Fatal("expected second send to fail once the arena is exhausted")
	}
}
