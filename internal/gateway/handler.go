// ABOUTME: Inbound frame dispatch: validation, idempotency, agent invocation.
// ABOUTME: Streams agent output back over the originating connection.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-device-gateway/internal/device"
	"github.com/2389/coven-device-gateway/internal/dispatch"
	"github.com/2389/coven-device-gateway/internal/protocol"
	"github.com/2389/coven-device-gateway/internal/push"
)

// channelTag marks requests originating from a device connection.
const channelTag = "device"

// handleFrame routes one validated-authenticated inbound frame. Unknown
// types and malformed payloads produce error frames, never a close.
func (g *Gateway) handleFrame(ctx context.Context, conn device.Conn, data []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = conn.Send(ctx, protocol.NewError("invalid JSON"))
		return
	}

	switch frame.Type {
	case protocol.TypePing:
		_ = conn.Send(ctx, protocol.NewPong())
	case protocol.TypeMessage:
		g.handleMessage(ctx, conn, &frame)
	case protocol.TypeRegisterPush:
		g.handleRegisterPush(ctx, conn, &frame)
	default:
		_ = conn.Send(ctx, protocol.NewError(fmt.Sprintf("unknown message type %q", frame.Type)))
	}
}

// handleMessage validates, deduplicates and dispatches one application
// message, acknowledging before any streamed output.
func (g *Gateway) handleMessage(ctx context.Context, conn device.Conn, frame *protocol.ClientFrame) {
	if err := protocol.ValidateSessionKey(frame.SessionKey); err != nil {
		_ = conn.Send(ctx, protocol.NewError(err.Error()))
		return
	}

	text := strings.TrimSpace(frame.Text)
	if text == "" {
		_ = conn.Send(ctx, protocol.NewError("text must not be empty"))
		return
	}

	// Idempotency: a client-supplied key seen within the TTL means this
	// message was already dispatched. Generated keys cannot collide, so
	// they are recorded without the duplicate check.
	key := strings.TrimSpace(frame.IdempotencyKey)
	if key != "" {
		if g.idempotency.SeenOrRemember(key) {
			_ = conn.Send(ctx, protocol.NewAck(key, protocol.AckDuplicate))
			return
		}
	} else {
		key = uuid.New().String()
		g.idempotency.Remember(key)
	}

	g.sessions.Register(conn.DeviceID(), frame.SessionKey)

	_ = conn.Send(ctx, protocol.NewAck(key, protocol.AckStarted))
	_ = conn.Send(ctx, protocol.NewTyping(frame.SessionKey, true))

	req := &dispatch.Request{
		Text:          text,
		AnnotatedText: fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), text),
		SessionKey:    frame.SessionKey,
		Channel:       channelTag,
		CorrelationID: key,
	}

	messageID := newMessageID()
	g.active.Mark(key)

	// Dispatch runs detached from the connection's context: closing the
	// connection must not abort an in-flight agent run.
	go g.runDispatch(context.WithoutCancel(ctx), conn, req, messageID)
}

// runDispatch invokes the agent collaborator and streams its reply back.
// Collaborator failure degrades to an error frame; the completion frame is
// always the last frame for the message identifier.
func (g *Gateway) runDispatch(ctx context.Context, conn device.Conn, req *dispatch.Request, messageID string) {
	defer g.active.Unmark(req.CorrelationID)

	sessionKey := req.SessionKey
	var failure string

	chunks, err := g.dispatcher.Dispatch(ctx, req)
	if err != nil {
		failure = err.Error()
	} else {
		for chunk := range chunks {
			switch chunk.Kind {
			case dispatch.ChunkText:
				if chunk.Text == "" {
					continue
				}
				_ = conn.Send(ctx, protocol.NewAgentText(sessionKey, chunk.Text, messageID))
			case dispatch.ChunkError:
				failure = chunk.Err
			case dispatch.ChunkDone:
			}
		}
	}

	if failure != "" {
		g.logger.Warn("dispatch failed",
			"device_id", conn.DeviceID(),
			"session_key", sessionKey,
			"error", failure,
		)
		_ = conn.Send(ctx, protocol.NewError(failure))
	}
	_ = conn.Send(ctx, protocol.NewTyping(sessionKey, false))
	_ = conn.Send(ctx, protocol.NewAgentDone(sessionKey, messageID))
}

// handleRegisterPush persists a push registration for the device.
func (g *Gateway) handleRegisterPush(ctx context.Context, conn device.Conn, frame *protocol.ClientFrame) {
	if frame.Token == "" {
		_ = conn.Send(ctx, protocol.NewError("token is required"))
		return
	}
	if g.store == nil {
		_ = conn.Send(ctx, protocol.NewError("push registration unavailable"))
		return
	}

	reg := &push.Registration{
		Token:       frame.Token,
		Topic:       frame.Topic,
		Environment: frame.Environment,
	}
	if err := g.store.SavePushRegistration(ctx, conn.DeviceID(), reg); err != nil {
		g.logger.Warn("failed to save push registration",
			"device_id", conn.DeviceID(), "error", err)
		_ = conn.Send(ctx, protocol.NewError("failed to save push registration"))
		return
	}
	_ = conn.Send(ctx, protocol.NewPushRegistered(conn.DeviceID()))
}
