// ABOUTME: In-memory fan-out of agent runtime events to all subscribers.
// ABOUTME: Non-blocking publish; slow subscribers drop rather than stall.

package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event stream categories emitted by the agent runtime.
const (
	StreamAssistant = "assistant"
	StreamLifecycle = "lifecycle"
)

// Lifecycle phases carried in Data["phase"].
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Event is one agent runtime event. Seq increases monotonically per run;
// ordering across different runs is not guaranteed. Delivery is
// at-least-once.
type Event struct {
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"`
	Ts         time.Time      `json:"ts"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Broadcaster is the process-wide agent event stream. Every subscriber
// receives every published event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
	logger      *slog.Logger
	closed      bool
}

// NewBroadcaster creates a broadcaster. Pass nil logger for the default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan *Event),
		logger:      logger.With("component", "event-bus"),
	}
}

// Subscribe registers a subscriber and returns its event channel plus an id
// for later unsubscription.
func (b *Broadcaster) Subscribe() (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)
	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Publish fans the event out to every subscriber. Subscribers whose buffers
// are full miss the event.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	targets := make([]chan *Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"run_id", event.RunID,
				"stream", event.Stream)
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("event bus closed")
}
