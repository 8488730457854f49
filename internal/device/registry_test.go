// ABOUTME: Tests for the per-device connection registry.
// ABOUTME: Covers replacement eviction and identity-guarded removal.

package device

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal Conn for registry tests.
type fakeConn struct {
	deviceID string
	closed   atomic.Bool
}

func (f *fakeConn) DeviceID() string { return f.deviceID }

func (f *fakeConn) Send(ctx context.Context, frame any) error { return nil }

func (f *fakeConn) Open() bool { return !f.closed.Load() }

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closed.Store(true)
	return nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	conn := &fakeConn{deviceID: "device-a"}

	evicted := reg.Register(conn)
	assert.Nil(t, evicted)

	got, ok := reg.Get("device-a")
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(nil)

	_, ok := reg.Get("device-a")
	assert.False(t, ok)
}

func TestRegistry_RegisterReplacesPrior(t *testing.T) {
	reg := NewRegistry(nil)
	first := &fakeConn{deviceID: "device-a"}
	second := &fakeConn{deviceID: "device-a"}

	assert.Nil(t, reg.Register(first))
	evicted := reg.Register(second)
	assert.Same(t, first, evicted, "prior connection is returned for eviction")

	got, ok := reg.Get("device-a")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_RemoveCurrent(t *testing.T) {
	reg := NewRegistry(nil)
	conn := &fakeConn{deviceID: "device-a"}
	reg.Register(conn)

	assert.True(t, reg.Remove("device-a", conn))

	_, ok := reg.Get("device-a")
	assert.False(t, ok)
}

func TestRegistry_RemoveStaleIsNoOp(t *testing.T) {
	reg := NewRegistry(nil)
	old := &fakeConn{deviceID: "device-a"}
	replacement := &fakeConn{deviceID: "device-a"}

	reg.Register(old)
	reg.Register(replacement)

	// The evicted connection's close handler fires late; it must not
	// deregister the replacement.
	assert.False(t, reg.Remove("device-a", old))

	got, ok := reg.Get("device-a")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestRegistry_RemoveUnknownDevice(t *testing.T) {
	reg := NewRegistry(nil)
	assert.False(t, reg.Remove("device-a", &fakeConn{deviceID: "device-a"}))
}

func TestRegistry_ConnectedIDs(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeConn{deviceID: "device-a"})
	reg.Register(&fakeConn{deviceID: "device-b"})

	assert.ElementsMatch(t, []string{"device-a", "device-b"}, reg.ConnectedIDs())
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeConn{deviceID: "device-a"})

	reg.Reset()

	assert.Empty(t, reg.ConnectedIDs())
}
