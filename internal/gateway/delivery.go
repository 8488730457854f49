// ABOUTME: Outbound delivery arbiter: picks connection vs push per message.
// ABOUTME: Truncates alert text and reports a result; failures are soft.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-device-gateway/internal/config"
	"github.com/2389/coven-device-gateway/internal/dedupe"
	"github.com/2389/coven-device-gateway/internal/device"
	"github.com/2389/coven-device-gateway/internal/protocol"
	"github.com/2389/coven-device-gateway/internal/push"
	"github.com/2389/coven-device-gateway/internal/session"
	"github.com/2389/coven-device-gateway/internal/store"
)

// Delivery channels reported in a DeliveryResult.
const (
	ChannelConnection = "connection"
	ChannelPush       = "push"
	ChannelNone       = "none"
)

// Truncation bounds for push content. Hard limits: exceeding text is cut,
// never rejected.
const (
	alertBodyLimit   = 200
	payloadTextLimit = 2000
)

// DeliveryResult describes how (or whether) a message left the gateway.
// The shape is identical whether or not delivery was attempted.
type DeliveryResult struct {
	Channel   string
	MessageID string
	ChatID    string
	Timestamp time.Time
}

// ArbiterConfig wires an Arbiter's collaborators. Sender and Credentials
// default to the APNs implementation and environment resolution.
type ArbiterConfig struct {
	Conns         *device.Registry
	Sessions      *session.Registry
	Store         store.Store
	StaticDevices map[string]config.DeviceConfig
	Delivered     *dedupe.Cache
	Sender        push.Sender
	Credentials   func() (*push.Credentials, error)
	Logger        *slog.Logger
}

// Arbiter decides, per outbound message, whether to deliver over the live
// connection or fall back to push. It never returns an error for an
// ordinary delivery failure.
type Arbiter struct {
	conns         *device.Registry
	sessions      *session.Registry
	store         store.Store
	staticDevices map[string]config.DeviceConfig
	delivered     *dedupe.Cache
	credentials   func() (*push.Credentials, error)
	logger        *slog.Logger

	senderMu sync.Mutex
	sender   push.Sender
}

// NewArbiter creates a delivery arbiter.
func NewArbiter(cfg ArbiterConfig) *Arbiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = push.CredentialsFromEnv
	}
	return &Arbiter{
		conns:         cfg.Conns,
		sessions:      cfg.Sessions,
		store:         cfg.Store,
		staticDevices: cfg.StaticDevices,
		delivered:     cfg.Delivered,
		credentials:   creds,
		logger:        logger.With("component", "delivery"),
		sender:        cfg.Sender,
	}
}

// Send delivers text to a device with a freshly generated message id.
func (a *Arbiter) Send(ctx context.Context, deviceID, text string) DeliveryResult {
	return a.deliver(ctx, deviceID, text, newMessageID())
}

// SendExisting delivers text under a known message id, skipping ids the
// proactive path already completed. This is the shared entry point for the
// request/response side so the same content never reaches a device twice.
func (a *Arbiter) SendExisting(ctx context.Context, deviceID, text, messageID string) DeliveryResult {
	if a.delivered != nil && a.delivered.Seen(messageID) {
		a.logger.Debug("skipping already-delivered message",
			"device_id", deviceID, "message_id", messageID)
		return DeliveryResult{
			Channel:   ChannelNone,
			MessageID: messageID,
			ChatID:    a.chatIDFor(deviceID),
			Timestamp: time.Now().UTC(),
		}
	}
	return a.deliver(ctx, deviceID, text, messageID)
}

// chatIDFor picks the framing session key: the earliest still-active session
// the device registered, else the device id itself as a degraded key.
func (a *Arbiter) chatIDFor(deviceID string) string {
	if sessions := a.sessions.SessionsForDevice(deviceID); len(sessions) > 0 {
		return sessions[0]
	}
	return deviceID
}

func (a *Arbiter) deliver(ctx context.Context, deviceID, text, messageID string) DeliveryResult {
	result := DeliveryResult{
		Channel:   ChannelNone,
		MessageID: messageID,
		ChatID:    a.chatIDFor(deviceID),
		Timestamp: time.Now().UTC(),
	}

	// A live connection wins outright; push is not attempted as a backstop.
	if conn, ok := a.conns.Get(deviceID); ok && conn.Open() {
		_ = conn.Send(ctx, protocol.NewAgentText(result.ChatID, text, messageID))
		_ = conn.Send(ctx, protocol.NewAgentDone(result.ChatID, messageID))
		result.Channel = ChannelConnection
		return result
	}

	reg := a.resolveRegistration(ctx, deviceID)
	if reg == nil {
		// Devices that never completed push setup silently miss outbound
		// content; accepted tradeoff.
		a.logger.Debug("no push registration for device", "device_id", deviceID)
		return result
	}

	sender, err := a.pushSender()
	if err != nil {
		a.logger.Warn("push credentials unavailable", "error", err)
		return result
	}

	title := protocol.AgentFromSessionKey(result.ChatID)
	if title == "" {
		title = "Agent"
	}

	alert := &push.Alert{
		Registration:  *reg,
		CorrelationID: messageID,
		Title:         title,
		Body:          truncate(text, alertBodyLimit),
		Custom: map[string]any{
			"kind":       "agentMessage",
			"messageId":  messageID,
			"sessionKey": result.ChatID,
			"text":       truncate(text, payloadTextLimit),
		},
	}

	pres, err := sender.Send(ctx, alert)
	switch {
	case err != nil:
		a.logger.Warn("push send failed", "device_id", deviceID, "error", err)
	case !pres.OK:
		a.logger.Warn("push rejected",
			"device_id", deviceID, "status", pres.Status, "reason", pres.Reason)
	default:
		a.logger.Debug("push delivered", "device_id", deviceID, "message_id", messageID)
	}

	result.Channel = ChannelPush
	return result
}

// resolveRegistration looks up a runtime registration, falling back to the
// device's static configuration.
func (a *Arbiter) resolveRegistration(ctx context.Context, deviceID string) *push.Registration {
	if a.store != nil {
		reg, err := a.store.GetPushRegistration(ctx, deviceID)
		if err == nil {
			return reg
		}
		if !errors.Is(err, store.ErrRegistrationNotFound) {
			a.logger.Warn("push registration lookup failed",
				"device_id", deviceID, "error", err)
		}
	}

	if dc, ok := a.staticDevices[deviceID]; ok && dc.Push.Token != "" {
		return &push.Registration{
			Token:       dc.Push.Token,
			Topic:       dc.Push.Topic,
			Environment: dc.Push.Environment,
		}
	}
	return nil
}

// pushSender lazily constructs the APNs sender from environment credentials.
func (a *Arbiter) pushSender() (push.Sender, error) {
	a.senderMu.Lock()
	defer a.senderMu.Unlock()

	if a.sender != nil {
		return a.sender, nil
	}

	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	sender, err := push.NewAPNSSender(creds, a.logger)
	if err != nil {
		return nil, err
	}
	a.sender = sender
	return sender, nil
}

// truncate cuts s to at most limit runes, ellipsis-suffixed when cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
