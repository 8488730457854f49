// ABOUTME: Wire frame definitions for the device transport protocol.
// ABOUTME: JSON frame types, websocket close codes, and session key validation.

package protocol

import (
	"fmt"
	"regexp"

	"github.com/coder/websocket"
)

// Client-to-server frame types.
const (
	TypeAuth         = "auth"
	TypePing         = "ping"
	TypeMessage      = "message"
	TypeRegisterPush = "registerPush"
)

// Server-to-client frame types.
const (
	TypeConnected      = "connected"
	TypeError          = "error"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeTyping         = "typing"
	TypeAgentText      = "agentText"
	TypeAgentDone      = "agentDone"
	TypeTick           = "tick"
	TypePushRegistered = "pushRegistered"
)

// Ack statuses.
const (
	AckStarted   = "started"
	AckDuplicate = "duplicate"
)

// Close codes used during the unauthenticated phase. Each failure mode gets
// its own code so a disconnected client can tell why it was dropped.
const (
	CloseAuthTimeout   websocket.StatusCode = 4001
	CloseMalformedAuth websocket.StatusCode = 4002
	CloseBadToken      websocket.StatusCode = 4003
	CloseMissingDevice websocket.StatusCode = 4004
	CloseInvalidJSON   websocket.StatusCode = 4005
	CloseReplaced      websocket.StatusCode = 4006
)

// ClientFrame is the union of all client-to-server frames. The Type field
// discriminates; unused fields are zero.
type ClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	SessionKey     string `json:"sessionKey,omitempty"`
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Environment    string `json:"environment,omitempty"`
}

// ConnectedFrame confirms a successful auth handshake.
type ConnectedFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a protocol or dispatch error without closing the connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers an application-level ping.
type PongFrame struct {
	Type string `json:"type"`
}

// TickFrame is the periodic keepalive broadcast. No semantic payload.
type TickFrame struct {
	Type string `json:"type"`
}

// AckFrame acknowledges an inbound message before any dispatch output.
type AckFrame struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotencyKey"`
	Status         string `json:"status"`
}

// TypingFrame toggles the processing indicator for a session.
type TypingFrame struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	IsTyping   bool   `json:"isTyping"`
}

// AgentTextFrame carries one chunk of agent output. All chunks for one
// exchange share a MessageID.
type AgentTextFrame struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	MessageID  string `json:"messageId"`
}

// AgentDoneFrame is the final frame for a message identifier.
type AgentDoneFrame struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	MessageID  string `json:"messageId"`
}

// PushRegisteredFrame confirms a stored push registration.
type PushRegisteredFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

func NewConnected() ConnectedFrame { return ConnectedFrame{Type: TypeConnected} }
func NewPong() PongFrame           { return PongFrame{Type: TypePong} }
func NewTick() TickFrame           { return TickFrame{Type: TypeTick} }

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

func NewAck(idempotencyKey, status string) AckFrame {
	return AckFrame{Type: TypeAck, IdempotencyKey: idempotencyKey, Status: status}
}

func NewTyping(sessionKey string, isTyping bool) TypingFrame {
	return TypingFrame{Type: TypeTyping, SessionKey: sessionKey, IsTyping: isTyping}
}

func NewAgentText(sessionKey, text, messageID string) AgentTextFrame {
	return AgentTextFrame{Type: TypeAgentText, SessionKey: sessionKey, Text: text, MessageID: messageID}
}

func NewAgentDone(sessionKey, messageID string) AgentDoneFrame {
	return AgentDoneFrame{Type: TypeAgentDone, SessionKey: sessionKey, MessageID: messageID}
}

func NewPushRegistered(deviceID string) PushRegisteredFrame {
	return PushRegisteredFrame{Type: TypePushRegistered, DeviceID: deviceID}
}

// sessionKeyPattern matches agent:<agent>:<conversation> where both tokens
// are non-empty alnum/hyphen/underscore.
var sessionKeyPattern = regexp.MustCompile(`^agent:[A-Za-z0-9_-]+:[A-Za-z0-9_-]+$`)

// ValidateSessionKey checks the session key format. The returned error text
// states the exact expectation so the client can surface it directly.
func ValidateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("sessionKey is required (expected agent:<agent>:<conversation>)")
	}
	if !sessionKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid sessionKey %q: expected agent:<agent>:<conversation> with alphanumeric, hyphen or underscore tokens", key)
	}
	return nil
}

// AgentFromSessionKey extracts the agent name from a valid session key.
// Returns "" if the key does not parse.
func AgentFromSessionKey(key string) string {
	m := sessionKeyPattern.MatchString(key)
	if !m {
		return ""
	}
	// agent:<agent>:<conversation>
	start := len("agent:")
	for i := start; i < len(key); i++ {
		if key[i] == ':' {
			return key[start:i]
		}
	}
	return ""
}
