// ABOUTME: Shared test fixtures for the gateway package.
// ABOUTME: Recorder connections, scripted dispatchers, gateway construction.

package gateway

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-device-gateway/internal/config"
	"github.com/2389/coven-device-gateway/internal/dispatch"
)

// recorderConn is a device.Conn that records every frame sent to it.
type recorderConn struct {
	deviceID string

	mu     sync.Mutex
	frames []any
	closed bool
	code   websocket.StatusCode
}

func newRecorderConn(deviceID string) *recorderConn {
	return &recorderConn{deviceID: deviceID}
}

func (r *recorderConn) DeviceID() string { return r.deviceID }

func (r *recorderConn) Send(ctx context.Context, frame any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorderConn) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *recorderConn) Close(code websocket.StatusCode, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.code = code
	return nil
}

// Frames returns a snapshot of all recorded frames.
func (r *recorderConn) Frames() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.frames))
	copy(out, r.frames)
	return out
}

// scriptedDispatcher replays a fixed chunk sequence and counts invocations.
type scriptedDispatcher struct {
	chunks []*dispatch.Chunk
	err    error

	mu       sync.Mutex
	requests []*dispatch.Request
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req *dispatch.Request) (<-chan *dispatch.Chunk, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	ch := make(chan *dispatch.Chunk, len(d.chunks))
	for _, c := range d.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (d *scriptedDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *scriptedDispatcher) lastRequest() *dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return nil
	}
	return d.requests[len(d.requests)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("COVEN_DEVICE_DB_PATH", "")
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Auth:     config.AuthConfig{Token: "test-secret"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// newTestGateway builds a gateway around the given dispatcher, with shutdown
// registered as cleanup. mutate, if non-nil, adjusts the config first.
func newTestGateway(t *testing.T, dispatcher dispatch.Dispatcher, mutate func(*config.Config)) *Gateway {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	g, err := New(cfg, dispatcher, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.Shutdown(context.Background())
	})
	return g
}
