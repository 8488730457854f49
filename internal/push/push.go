// ABOUTME: Push delivery collaborator: registrations, credentials, APNs sender.
// ABOUTME: Token-authenticated APNs; outcomes are reported, never raised.

package push

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Registration environments.
const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// ErrNoCredentials indicates the push auth configuration is absent from the
// environment.
var ErrNoCredentials = errors.New("push credentials not configured")

// Registration is a device's push endpoint: the opaque token plus the app
// topic and APNs environment it was issued for.
type Registration struct {
	Token       string
	Topic       string
	Environment string
}

// Credentials holds token-based APNs auth material.
type Credentials struct {
	KeyPath      string
	KeyID        string
	TeamID       string
	DefaultTopic string
}

// CredentialsFromEnv resolves push auth credentials from the environment.
// APNS_KEY_PATH, APNS_KEY_ID and APNS_TEAM_ID are required; APNS_TOPIC is an
// optional default topic for registrations that carry none.
func CredentialsFromEnv() (*Credentials, error) {
	c := &Credentials{
		KeyPath:      os.Getenv("APNS_KEY_PATH"),
		KeyID:        os.Getenv("APNS_KEY_ID"),
		TeamID:       os.Getenv("APNS_TEAM_ID"),
		DefaultTopic: os.Getenv("APNS_TOPIC"),
	}
	if c.KeyPath == "" || c.KeyID == "" || c.TeamID == "" {
		return nil, ErrNoCredentials
	}
	return c, nil
}

// Alert is one push notification request.
type Alert struct {
	Registration  Registration
	CorrelationID string
	Title         string
	Body          string
	Custom        map[string]any
}

// Result is the delivery outcome reported by the push service.
type Result struct {
	OK     bool
	Status int
	Reason string
}

// Sender delivers push alerts. Implementations return an error only for
// transport-level failures; a rejected notification is an OK=false Result.
type Sender interface {
	Send(ctx context.Context, alert *Alert) (*Result, error)
}

// Validate checks that a registration is usable for sending.
func (r *Registration) Validate() error {
	if r.Token == "" {
		return fmt.Errorf("push registration has no token")
	}
	return nil
}
