package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "onebot", ChatID: "group:1", Content: "语录"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message")
	}
	if msg.Content != "语录" || msg.ChatID != "group:1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := mb.SubscribeOutbound(ctx); ok {
		t.Fatal("expected no outbound message")
	}
}

func TestMessageBus_CloseUnblocksConsumers(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.ConsumeInbound(context.Background())
		done <- ok
	}()

	mb.Close()
	mb.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("consumer should report closed bus")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not released by Close")
	}
}
