package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryBusDelivers(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, cancel := bus.Subscribe(ctx, SyncProgressTopic("job-1"))
	defer cancel()

	payload := map[string]int{"inserted": 5}
	if err := bus.Publish(ctx, SyncProgressTopic("job-1"), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		var got map[string]int
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got["inserted"] != 5 {
			t.Errorf("inserted = %d, want 5", got["inserted"])
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestMemoryBusWildcard(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, cancel := bus.Subscribe(ctx, "sync_job_progress:*")
	defer cancel()

	if err := bus.Publish(ctx, SyncProgressTopic("job-7"), "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if msg.Topic != "sync_job_progress:job-7" {
			t.Errorf("topic = %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscription missed message")
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, cancel := bus.Subscribe(ctx, SyncProgressTopic("job-a"))
	defer cancel()

	if err := bus.Publish(ctx, SyncProgressTopic("job-b"), "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		t.Fatalf("received message for other topic: %q", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe(context.Background(), "t")
	cancel()
	cancel() // second cancel is a no-op

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
}
