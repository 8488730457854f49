// ABOUTME: Forwards unsolicited agent output to devices mapped to a session.
// ABOUTME: Buffers per-run message ids; records completions for dedup.

package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-device-gateway/internal/bus"
	"github.com/2389/coven-device-gateway/internal/dedupe"
	"github.com/2389/coven-device-gateway/internal/device"
	"github.com/2389/coven-device-gateway/internal/dispatch"
	"github.com/2389/coven-device-gateway/internal/protocol"
	"github.com/2389/coven-device-gateway/internal/session"
)

// Forwarder subscribes to the agent event stream and fans unsolicited
// output out to every device mapped to the originating session. Events for
// runs being served by the request/response path are suppressed: those are
// already streaming over the connection that originated them.
type Forwarder struct {
	bus       *bus.Broadcaster
	conns     *device.Registry
	sessions  *session.Registry
	active    *dispatch.ActiveSet
	delivered *dedupe.Cache
	logger    *slog.Logger

	mu      sync.Mutex
	runs    map[string]string // run id -> message id accumulating output
	subID   string
	events  <-chan *bus.Event
	done    chan struct{}
	started bool
}

// NewForwarder creates a forwarder; call Start to begin consuming events.
func NewForwarder(b *bus.Broadcaster, conns *device.Registry, sessions *session.Registry, active *dispatch.ActiveSet, delivered *dedupe.Cache, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		bus:       b,
		conns:     conns,
		sessions:  sessions,
		active:    active,
		delivered: delivered,
		logger:    logger.With("component", "forwarder"),
		runs:      make(map[string]string),
	}
}

// Start subscribes to the event stream. Idempotent.
func (f *Forwarder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return
	}
	f.events, f.subID = f.bus.Subscribe()
	f.done = make(chan struct{})
	f.started = true

	go f.loop(f.events, f.done)
	f.logger.Debug("forwarder started", "sub_id", f.subID)
}

// Stop unsubscribes and clears all per-run state and the active-dispatch
// marker set. Does not cancel any external agent run.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	subID := f.subID
	done := f.done
	f.started = false
	f.mu.Unlock()

	f.bus.Unsubscribe(subID)
	<-done

	f.mu.Lock()
	f.runs = make(map[string]string)
	f.mu.Unlock()
	f.active.Reset()

	f.logger.Debug("forwarder stopped")
}

func (f *Forwarder) loop(events <-chan *bus.Event, done chan struct{}) {
	defer close(done)
	for event := range events {
		f.handle(event)
	}
}

func (f *Forwarder) handle(event *bus.Event) {
	if f.active.Contains(event.RunID) {
		return
	}
	if event.SessionKey == "" {
		return
	}
	devices := f.sessions.DevicesForSession(event.SessionKey)
	if len(devices) == 0 {
		return
	}

	switch event.Stream {
	case bus.StreamAssistant:
		f.handleAssistant(event, devices)
	case bus.StreamLifecycle:
		f.handleLifecycle(event, devices)
	}
}

func (f *Forwarder) handleAssistant(event *bus.Event, devices []string) {
	text := dispatch.TextFromEvent(event.Data)
	if text == "" {
		return
	}

	f.mu.Lock()
	messageID, ok := f.runs[event.RunID]
	if !ok {
		messageID = newMessageID()
		f.runs[event.RunID] = messageID
	}
	f.mu.Unlock()

	f.fanOut(devices, protocol.NewAgentText(event.SessionKey, text, messageID))
}

func (f *Forwarder) handleLifecycle(event *bus.Event, devices []string) {
	phase, _ := event.Data["phase"].(string)
	if phase != bus.PhaseEnd && phase != bus.PhaseError {
		return
	}

	f.mu.Lock()
	messageID, ok := f.runs[event.RunID]
	if ok {
		delete(f.runs, event.RunID)
	}
	f.mu.Unlock()

	// No buffer means nothing was ever forwarded for this run.
	if !ok {
		return
	}

	f.fanOut(devices, protocol.NewAgentDone(event.SessionKey, messageID))
	f.delivered.Remember(messageID)
}

// fanOut sends one frame to every mapped device with a live connection.
// Best effort: unreachable devices are skipped, not retried.
func (f *Forwarder) fanOut(devices []string, frame any) {
	ctx := context.Background()
	for _, deviceID := range devices {
		conn, ok := f.conns.Get(deviceID)
		if !ok || !conn.Open() {
			continue
		}
		if err := conn.Send(ctx, frame); err != nil {
			f.logger.Debug("forward failed", "device_id", deviceID, "error", err)
		}
	}
}
