// ABOUTME: Tests for the device listing API endpoint.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listDevices(t *testing.T, g *Gateway) []deviceView {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	w := httptest.NewRecorder()
	g.handleDevices(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var views []deviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	return views
}

func TestHandleDevices_Empty(t *testing.T) {
	g := newTestGateway(t, &scriptedDispatcher{}, nil)
	assert.Empty(t, listDevices(t, g))
}

func TestHandleDevices_MergesStoreAndConnected(t *testing.T) {
	g := newTestGateway(t, &scriptedDispatcher{}, nil)

	// Seen before but currently offline.
	require.NoError(t, g.store.TouchDevice(context.Background(), "device-offline",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	// Connected but never persisted.
	g.conns.Register(newRecorderConn("device-live"))

	views := listDevices(t, g)
	require.Len(t, views, 2)

	byID := make(map[string]deviceView)
	for _, v := range views {
		byID[v.DeviceID] = v
	}

	offline := byID["device-offline"]
	assert.False(t, offline.Connected)
	assert.NotEmpty(t, offline.LastSeen)

	live := byID["device-live"]
	assert.True(t, live.Connected)
	assert.Empty(t, live.LastSeen)
}

func TestHandleDevices_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, &scriptedDispatcher{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/devices", nil)
	w := httptest.NewRecorder()
	g.handleDevices(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
