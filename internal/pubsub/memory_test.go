package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBackbonePublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackbone()

	sub, err := b.Subscribe(ctx, UserChannel("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, UserChannel("u1"), []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, UserChannel("u2"), []byte("other")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "hello" {
			t.Fatalf("payload = %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected cross-channel delivery: %q", msg.Payload)
	default:
	}
}

func TestMemorySubscriptionClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackbone()

	sub, _ := b.Subscribe(ctx, "ch")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// double close must be safe
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Fatal("channel must be closed")
	}

	// publishing after close must not panic
	if err := b.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestUserChannelNaming(t *testing.T) {
	if got := UserChannel("abc"); got != "user:abc:filtered-events" {
		t.Fatalf("channel = %q", got)
	}
}
