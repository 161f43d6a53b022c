package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(AgentSpawned, map[string]any{"dispatchId": "d1"})

	select {
	case ev := <-ch:
		if ev.Type != AgentSpawned {
			t.Errorf("Type = %q, want %q", ev.Type, AgentSpawned)
		}
		if ev.Payload["dispatchId"] != "d1" {
			t.Errorf("Payload[dispatchId] = %v, want d1", ev.Payload["dispatchId"])
		}
		if ev.ID != 1 {
			t.Errorf("ID = %d, want 1", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published event")
	}
}

func TestBus_SnapshotSince(t *testing.T) {
	bus := NewBus(10)

	bus.Publish(RunStarted, nil)
	bus.Publish(StoryComplete, nil)
	bus.Publish(RunComplete, nil)

	all := bus.SnapshotSince(0)
	if len(all) != 3 {
		t.Fatalf("SnapshotSince(0) returned %d events, want 3", len(all))
	}

	tail := bus.SnapshotSince(all[0].ID)
	if len(tail) != 2 {
		t.Errorf("SnapshotSince(first) returned %d events, want 2", len(tail))
	}
	if tail[0].Type != StoryComplete {
		t.Errorf("first tail event = %q, want %q", tail[0].Type, StoryComplete)
	}
}

func TestBus_RingOverwrite(t *testing.T) {
	bus := NewBus(2)

	bus.Publish(AgentOutput, map[string]any{"n": 1})
	bus.Publish(AgentOutput, map[string]any{"n": 2})
	bus.Publish(AgentOutput, map[string]any{"n": 3})

	snap := bus.SnapshotSince(0)
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].Payload["n"] != 2 || snap[1].Payload["n"] != 3 {
		t.Errorf("ring should keep the two newest events, got %v and %v",
			snap[0].Payload["n"], snap[1].Payload["n"])
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(10)

	// Subscribe but never drain; fill past the channel buffer.
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(AgentOutput, nil)
		}
		close(done)
	}()

	select {
	case <-done:
		// Publishing completed without blocking.
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected dropped events for a full subscriber buffer")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(10)

	ch, cancel := bus.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Error("closed channel read should not block")
	}

	// Second cancel must not panic.
	cancel()
}
