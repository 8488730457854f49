// ABOUTME: Per-connection protocol run: auth handshake, liveness, read loop.
// ABOUTME: Wraps the websocket in a device.Conn with serialized writes.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-device-gateway/internal/protocol"
)

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// wsLink adapts a websocket connection to device.Conn. Writes are
// serialized; sends after close are no-ops.
type wsLink struct {
	deviceID  string
	ws        *websocket.Conn
	createdAt time.Time

	writeMu sync.Mutex
	open    atomic.Bool
}

func newWSLink(ws *websocket.Conn) *wsLink {
	l := &wsLink{ws: ws, createdAt: time.Now()}
	l.open.Store(true)
	return l
}

func (l *wsLink) DeviceID() string { return l.deviceID }

func (l *wsLink) Open() bool { return l.open.Load() }

// Send writes one JSON frame. A send to a closed link is a no-op, not an
// error: the close path owns the terminal state.
func (l *wsLink) Send(ctx context.Context, frame any) error {
	if !l.open.Load() {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, l.ws, frame)
}

func (l *wsLink) Close(code websocket.StatusCode, reason string) error {
	l.open.Store(false)
	return l.ws.Close(code, reason)
}

// handleWS upgrades the HTTP request and runs the connection protocol until
// the transport closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}

	link := newWSLink(ws)
	g.runConn(r.Context(), link)
}

// runConn drives one connection through the
// Connecting -> Authenticating -> Authenticated -> Closed lifecycle.
func (g *Gateway) runConn(ctx context.Context, link *wsLink) {
	logger := g.logger.With("remote", "device")

	if !g.authenticate(ctx, link, logger) {
		return
	}
	logger = logger.With("device_id", link.deviceID)

	// Evict any prior connection for this device: one live connection per
	// id. Closed asynchronously: the close handshake waits on the peer, and
	// a stale peer must not stall the replacing connection.
	if evicted := g.conns.Register(link); evicted != nil {
		go func() {
			_ = evicted.Close(protocol.CloseReplaced, "connection replaced by newer authentication")
		}()
	}

	if err := link.Send(ctx, protocol.NewConnected()); err != nil {
		logger.Debug("failed to send connected frame", "error", err)
	}
	if g.store != nil {
		if err := g.store.TouchDevice(ctx, link.deviceID, time.Now()); err != nil {
			logger.Warn("failed to record device activity", "error", err)
		}
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	go g.pingLoop(pingCtx, link, logger)

	g.readLoop(ctx, link, logger)

	// Closed: stop timers, then deregister only if this link is still the
	// registered connection (a newer auth may have replaced it already).
	stopPing()
	link.open.Store(false)
	if g.conns.Remove(link.deviceID, link) {
		g.sessions.RemoveDevice(link.deviceID)
	}
	_ = link.ws.Close(websocket.StatusNormalClosure, "closed")
}

// authenticate runs the handshake. The first frame must be a valid auth
// frame within the auth window; every failure mode closes the connection
// with its own status code.
func (g *Gateway) authenticate(ctx context.Context, link *wsLink, logger *slog.Logger) bool {
	// The timeout closes the connection itself rather than canceling the
	// read: a canceled read tears the transport down before the close
	// handshake, and the peer would never see the status code.
	timer := time.AfterFunc(g.config.Timing.AuthWindow, func() {
		logger.Info("authentication timeout")
		_ = link.Close(protocol.CloseAuthTimeout, "authentication timeout")
	})

	_, data, err := link.ws.Read(ctx)
	if !timer.Stop() {
		// Window lapsed; the connection is already closed with the
		// timeout status, even if a frame raced in.
		return false
	}
	if err != nil {
		return false
	}

	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = link.Send(ctx, protocol.NewError("invalid JSON"))
		_ = link.Close(protocol.CloseInvalidJSON, "invalid JSON during authentication")
		return false
	}

	if frame.Type != protocol.TypeAuth {
		_ = link.Send(ctx, protocol.NewError("authentication required before any other message"))
		_ = link.Close(protocol.CloseMalformedAuth, "first message must be auth")
		return false
	}
	if frame.Token != g.config.Auth.Token {
		logger.Warn("auth rejected: bad token")
		_ = link.Send(ctx, protocol.NewError("invalid token"))
		_ = link.Close(protocol.CloseBadToken, "invalid token")
		return false
	}
	if frame.DeviceID == "" {
		_ = link.Send(ctx, protocol.NewError("deviceId is required"))
		_ = link.Close(protocol.CloseMissingDevice, "missing deviceId")
		return false
	}

	link.deviceID = frame.DeviceID
	return true
}

// pingLoop probes connection liveness on a fixed period. An unanswered
// probe within the pong window terminates the connection.
func (g *Gateway) pingLoop(ctx context.Context, link *wsLink, logger *slog.Logger) {
	ticker := time.NewTicker(g.config.Timing.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, g.config.Timing.PongTimeout)
			err := link.ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Info("liveness probe failed, terminating connection", "error", err)
				_ = link.Close(websocket.StatusGoingAway, "liveness timeout")
				return
			}
		}
	}
}

// readLoop processes inbound frames sequentially until the transport errors
// or closes.
func (g *Gateway) readLoop(ctx context.Context, link *wsLink, logger *slog.Logger) {
	for {
		_, data, err := link.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 || status != websocket.StatusNormalClosure {
				logger.Debug("connection read ended", "error", err)
			}
			return
		}
		g.handleFrame(ctx, link, data)
	}
}
