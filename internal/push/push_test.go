// ABOUTME: Tests for push registration validation and credential resolution.

package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration_Validate(t *testing.T) {
	valid := &Registration{Token: "abc", Topic: "com.example.app"}
	assert.NoError(t, valid.Validate())

	missing := &Registration{Topic: "com.example.app"}
	assert.Error(t, missing.Validate())
}

func TestCredentialsFromEnv_Complete(t *testing.T) {
	t.Setenv("APNS_KEY_PATH", "/keys/AuthKey_ABC123.p8")
	t.Setenv("APNS_KEY_ID", "ABC123")
	t.Setenv("APNS_TEAM_ID", "TEAM42")
	t.Setenv("APNS_TOPIC", "com.example.app")

	creds, err := CredentialsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/keys/AuthKey_ABC123.p8", creds.KeyPath)
	assert.Equal(t, "ABC123", creds.KeyID)
	assert.Equal(t, "TEAM42", creds.TeamID)
	assert.Equal(t, "com.example.app", creds.DefaultTopic)
}

func TestCredentialsFromEnv_TopicOptional(t *testing.T) {
	t.Setenv("APNS_KEY_PATH", "/keys/AuthKey_ABC123.p8")
	t.Setenv("APNS_KEY_ID", "ABC123")
	t.Setenv("APNS_TEAM_ID", "TEAM42")
	t.Setenv("APNS_TOPIC", "")

	creds, err := CredentialsFromEnv()
	require.NoError(t, err)
	assert.Empty(t, creds.DefaultTopic)
}

func TestCredentialsFromEnv_Missing(t *testing.T) {
	t.Setenv("APNS_KEY_PATH", "")
	t.Setenv("APNS_KEY_ID", "")
	t.Setenv("APNS_TEAM_ID", "")

	_, err := CredentialsFromEnv()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCredentialsFromEnv_PartialIsMissing(t *testing.T) {
	t.Setenv("APNS_KEY_PATH", "/keys/AuthKey_ABC123.p8")
	t.Setenv("APNS_KEY_ID", "ABC123")
	t.Setenv("APNS_TEAM_ID", "")

	_, err := CredentialsFromEnv()
	assert.ErrorIs(t, err, ErrNoCredentials)
}
