// ABOUTME: Small HTTP API surface: device listing for the CLI.
// ABOUTME: JSON responses; read-only.

package gateway

import (
	"encoding/json"
	"net/http"
)

// deviceView is the JSON shape returned by /api/devices.
type deviceView struct {
	DeviceID  string `json:"deviceId"`
	Connected bool   `json:"connected"`
	LastSeen  string `json:"lastSeen,omitempty"`
}

// handleDevices lists known devices: everything the store has seen, merged
// with the currently connected set.
func (g *Gateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connected := make(map[string]bool)
	for _, id := range g.conns.ConnectedIDs() {
		connected[id] = true
	}

	views := make([]deviceView, 0)
	records, err := g.store.ListDevices(r.Context())
	if err != nil {
		g.logger.Warn("listing devices failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, rec := range records {
		views = append(views, deviceView{
			DeviceID:  rec.DeviceID,
			Connected: connected[rec.DeviceID],
			LastSeen:  rec.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		})
		delete(connected, rec.DeviceID)
	}
	// Connected devices the store has not persisted yet.
	for id := range connected {
		views = append(views, deviceView{DeviceID: id, Connected: true})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		g.logger.Warn("encoding device list failed", "error", err)
	}
}
