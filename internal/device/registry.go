// ABOUTME: Tracks the single live connection per device id.
// ABOUTME: Evicts superseded connections and guards removal by identity.

package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is a live, authenticated device connection as seen by the registry
// and the delivery paths. The gateway's websocket link implements it; tests
// substitute fakes.
type Conn interface {
	// DeviceID returns the stable device identifier from the auth handshake.
	DeviceID() string

	// Send writes one frame. Sends to a closed connection are no-ops, not
	// errors.
	Send(ctx context.Context, frame any) error

	// Open reports whether the connection is still writable.
	Open() bool

	// Close terminates the transport with the given close code.
	Close(code websocket.StatusCode, reason string) error
}

// Registry holds at most one connection per device id.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger.With("component", "device-registry"),
	}
}

// Register stores conn as the live connection for its device id and returns
// the connection it superseded, if any. The caller is responsible for
// closing the evicted connection.
func (r *Registry) Register(conn Conn) (evicted Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.DeviceID()
	prior := r.conns[id]
	r.conns[id] = conn

	r.logger.Info("device connected",
		"device_id", id,
		"replaced", prior != nil,
		"total_devices", len(r.conns),
	)
	return prior
}

// Remove deregisters conn only if it is still the connection registered for
// deviceID. A stale close handler therefore never removes a newer
// connection that authenticated in the meantime. Returns true if removed.
func (r *Registry) Remove(deviceID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[deviceID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, deviceID)

	r.logger.Info("device disconnected",
		"device_id", deviceID,
		"total_devices", len(r.conns),
	)
	return true
}

// Get returns the live connection for deviceID.
func (r *Registry) Get(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[deviceID]
	return conn, ok
}

// ConnectedIDs returns the ids of all currently registered devices.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Reset drops all registrations without closing connections. Intended for
// test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]Conn)
}
