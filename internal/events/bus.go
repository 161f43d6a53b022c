// Package events provides the typed publish/subscribe bus that carries
// dispatch and orchestrator notifications to external observers.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event on the bus.
type Type string

const (
	// AgentSpawned is emitted when a dispatch starts its subprocess.
	AgentSpawned Type = "agent:spawned"
	// AgentOutput is emitted for each output chunk from a subprocess.
	AgentOutput Type = "agent:output"
	// AgentCompleted is emitted when a subprocess exits successfully.
	AgentCompleted Type = "agent:completed"
	// AgentFailed is emitted when a subprocess fails or is cancelled.
	AgentFailed Type = "agent:failed"
	// AgentTimeout is emitted when a dispatch exceeds its deadline.
	AgentTimeout Type = "agent:timeout"

	// RunStarted is emitted when an orchestrator run begins.
	RunStarted Type = "orchestrator:started"
	// StoryPhaseComplete is emitted after each story phase transition.
	StoryPhaseComplete Type = "orchestrator:story-phase-complete"
	// StoryComplete is emitted when a story ships.
	StoryComplete Type = "orchestrator:story-complete"
	// StoryEscalated is emitted when a story is escalated.
	StoryEscalated Type = "orchestrator:story-escalated"
	// RunComplete is emitted when the whole run finishes.
	RunComplete Type = "orchestrator:complete"
	// RunPaused is emitted when the orchestrator is paused.
	RunPaused Type = "orchestrator:paused"
	// RunResumed is emitted when the orchestrator is resumed.
	RunResumed Type = "orchestrator:resumed"
)

// Event is a single notification published on the bus.
// Payload contents are defined by the publisher; the bus does not
// interpret them.
type Event struct {
	// ID is a monotonically increasing sequence number.
	ID int64
	// Type is the event kind.
	Type Type
	// At is when the event was published.
	At time.Time
	// Payload carries event-specific fields.
	Payload map[string]any
}

// Bus is an in-memory pub/sub hub with a small ring buffer so late
// subscribers can catch up on recent events.
type Bus struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int

	droppedCount atomic.Uint64
}

// NewBus creates a Bus with the given ring buffer capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking.
// Slow subscribers miss events rather than stalling producers.
func (b *Bus) Publish(eventType Type, payload map[string]any) {
	ev := Event{
		ID:      b.nextID.Add(1),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}

	b.mu.Lock()
	b.pushLocked(ev)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			count := b.droppedCount.Add(1)
			if count%10 == 1 { // Log every 10th drop to avoid spam
				log.Printf("[events] WARNING: subscriber buffer full, dropped event (total dropped: %d): type=%s", count, ev.Type)
			}
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber.
// The returned cancel func removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, 128)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (b *Bus) SnapshotSince(lastID int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		ev := b.ring[(b.start+i)%len(b.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// DroppedCount returns the total number of events dropped for slow subscribers.
func (b *Bus) DroppedCount() uint64 {
	return b.droppedCount.Load()
}

func (b *Bus) pushLocked(ev Event) {
	capacity := len(b.ring)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		idx := (b.start + b.size) % capacity
		b.ring[idx] = ev
		b.size++
		return
	}

	// Overwrite oldest.
	b.ring[b.start] = ev
	b.start = (b.start + 1) % capacity
}
