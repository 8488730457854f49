// ABOUTME: Bidirectional index between device ids and conversation session keys.
// ABOUTME: Symmetric O(1) lookup, insertion-ordered sessions per device.

package session

import (
	"log/slog"
	"sync"
)

// Registry tracks which devices are viewing which conversation sessions.
// The relation is many-to-many and queryable from either side. Per-device
// session order is insertion order, so the earliest session a device
// registered that is still active comes first.
type Registry struct {
	mu sync.RWMutex

	// deviceSessions keeps per-device session keys in insertion order;
	// deviceSeen mirrors it as a set for O(1) membership checks.
	deviceSessions map[string][]string
	deviceSeen     map[string]map[string]struct{}
	sessionDevices map[string]map[string]struct{}

	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deviceSessions: make(map[string][]string),
		deviceSeen:     make(map[string]map[string]struct{}),
		sessionDevices: make(map[string]map[string]struct{}),
		logger:         logger.With("component", "session-registry"),
	}
}

// Register records that deviceID is viewing sessionKey. Idempotent.
func (r *Registry) Register(deviceID, sessionKey string) {
	if deviceID == "" || sessionKey == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen, ok := r.deviceSeen[deviceID]
	if !ok {
		seen = make(map[string]struct{})
		r.deviceSeen[deviceID] = seen
	}
	if _, dup := seen[sessionKey]; !dup {
		seen[sessionKey] = struct{}{}
		r.deviceSessions[deviceID] = append(r.deviceSessions[deviceID], sessionKey)
	}

	devices, ok := r.sessionDevices[sessionKey]
	if !ok {
		devices = make(map[string]struct{})
		r.sessionDevices[sessionKey] = devices
	}
	devices[deviceID] = struct{}{}

	r.logger.Debug("session registered", "device_id", deviceID, "session_key", sessionKey)
}

// RemoveDevice drops every mapping involving deviceID. Sessions whose device
// set becomes empty are removed from the index entirely.
func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sessionKey := range r.deviceSessions[deviceID] {
		devices := r.sessionDevices[sessionKey]
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(r.sessionDevices, sessionKey)
		}
	}
	delete(r.deviceSessions, deviceID)
	delete(r.deviceSeen, deviceID)

	r.logger.Debug("device unregistered", "device_id", deviceID)
}

// SessionsForDevice returns the session keys registered by deviceID in
// insertion order. Returns an empty slice for unknown devices.
func (r *Registry) SessionsForDevice(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.deviceSessions[deviceID]
	out := make([]string, len(sessions))
	copy(out, sessions)
	return out
}

// DevicesForSession returns the device ids currently mapped to sessionKey.
func (r *Registry) DevicesForSession(sessionKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.sessionDevices[sessionKey]
	out := make([]string, 0, len(devices))
	for id := range devices {
		out = append(out, id)
	}
	return out
}

// Reset clears all mappings. Intended for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deviceSessions = make(map[string][]string)
	r.deviceSeen = make(map[string]map[string]struct{})
	r.sessionDevices = make(map[string]map[string]struct{})
}
