// Package gateway bridges device clients to an agent runtime over a
// persistent WebSocket connection, with push notification as the
// store-and-forward fallback.
//
// # Overview
//
// Four pieces share the connection and session registries and together
// guarantee delivery without duplicates:
//
//   - the connection gateway (conn.go): auth handshake, liveness probes,
//     and the periodic keepalive tick
//   - the inbound handler (handler.go): validation, idempotency, and
//     streaming dispatch output back over the originating connection
//   - the delivery arbiter (delivery.go): exactly one delivery path per
//     outbound message, connection first, push as fallback
//   - the proactive forwarder (forwarder.go): session-to-device fan-out of
//     unsolicited agent output from the event bus
//
// # Wire protocol
//
// Frames are JSON objects over a WebSocket at /ws. A connection must
// authenticate first:
//
//	{"type":"auth","token":"...","deviceId":"phone-1"}
//
// then may send application messages:
//
//	{"type":"message","sessionKey":"agent:main:main","text":"hi"}
//
// The server acknowledges before any output, streams agentText frames
// sharing one messageId, and always finishes a message id with agentDone.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, dispatcher, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// The agent runtime publishes unsolicited events on gw.Bus(); outbound
// sends go through gw.Arbiter().
package gateway
