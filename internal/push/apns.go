// ABOUTME: APNs-backed Sender using token (p8 key) authentication.
// ABOUTME: Routes to the production or development host per registration.

package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNSSender sends alerts through Apple's push service. One sender holds
// clients for both APNs environments; each alert is routed by its
// registration's environment (production when unset).
type APNSSender struct {
	production  *apns2.Client
	development *apns2.Client
	creds       *Credentials
	logger      *slog.Logger
}

// NewAPNSSender loads the signing key at creds.KeyPath and builds clients
// for both environments.
func NewAPNSSender(creds *Credentials, logger *slog.Logger) (*APNSSender, error) {
	if logger == nil {
		logger = slog.Default()
	}

	authKey, err := token.AuthKeyFromFile(creds.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading APNs auth key: %w", err)
	}

	tok := &token.Token{
		AuthKey: authKey,
		KeyID:   creds.KeyID,
		TeamID:  creds.TeamID,
	}

	return &APNSSender{
		production:  apns2.NewTokenClient(tok).Production(),
		development: apns2.NewTokenClient(tok).Development(),
		creds:       creds,
		logger:      logger.With("component", "apns"),
	}, nil
}

// Send implements Sender.
func (s *APNSSender) Send(ctx context.Context, alert *Alert) (*Result, error) {
	if err := alert.Registration.Validate(); err != nil {
		return nil, err
	}

	topic := alert.Registration.Topic
	if topic == "" {
		topic = s.creds.DefaultTopic
	}

	p := payload.NewPayload().
		AlertTitle(alert.Title).
		AlertBody(alert.Body).
		Sound("default")
	for k, v := range alert.Custom {
		p.Custom(k, v)
	}

	notification := &apns2.Notification{
		DeviceToken: alert.Registration.Token,
		Topic:       topic,
		CollapseID:  alert.CorrelationID,
		PushType:    apns2.PushTypeAlert,
		Payload:     p,
	}

	client := s.production
	if alert.Registration.Environment == EnvironmentDevelopment {
		client = s.development
	}

	resp, err := client.PushWithContext(ctx, notification)
	if err != nil {
		return nil, fmt.Errorf("pushing notification: %w", err)
	}

	result := &Result{OK: resp.Sent(), Status: resp.StatusCode, Reason: resp.Reason}
	s.logger.Debug("push sent",
		"ok", result.OK,
		"status", result.Status,
		"reason", result.Reason,
		"correlation_id", alert.CorrelationID,
	)
	return result, nil
}
