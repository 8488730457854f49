// ABOUTME: SQLite persistence for push registrations and device records.
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-device-gateway/internal/push"
)

// ErrRegistrationNotFound indicates no push registration exists for a device.
var ErrRegistrationNotFound = errors.New("push registration not found")

// DeviceRecord is the persisted view of a device.
type DeviceRecord struct {
	DeviceID string
	LastSeen time.Time
}

// Store persists push registrations and device activity.
type Store interface {
	SavePushRegistration(ctx context.Context, deviceID string, reg *push.Registration) error
	GetPushRegistration(ctx context.Context, deviceID string) (*push.Registration, error)
	DeletePushRegistration(ctx context.Context, deviceID string) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created as needed; ":memory:" gives an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS devices (
    device_id TEXT PRIMARY KEY,
    last_seen TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS push_registrations (
    device_id   TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    topic       TEXT NOT NULL DEFAULT '',
    environment TEXT NOT NULL DEFAULT 'production',
    updated_at  TIMESTAMP NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// SavePushRegistration inserts or replaces the registration for a device.
func (s *SQLiteStore) SavePushRegistration(ctx context.Context, deviceID string, reg *push.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	env := reg.Environment
	if env == "" {
		env = push.EnvironmentProduction
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO push_registrations (device_id, token, topic, environment, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
    token = excluded.token,
    topic = excluded.topic,
    environment = excluded.environment,
    updated_at = excluded.updated_at
`, deviceID, reg.Token, reg.Topic, env, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving push registration: %w", err)
	}

	s.logger.Debug("push registration saved", "device_id", deviceID, "environment", env)
	return nil
}

// GetPushRegistration returns the registration for a device, or
// ErrRegistrationNotFound.
func (s *SQLiteStore) GetPushRegistration(ctx context.Context, deviceID string) (*push.Registration, error) {
	var reg push.Registration
	err := s.db.QueryRowContext(ctx, `
SELECT token, topic, environment FROM push_registrations WHERE device_id = ?
`, deviceID).Scan(&reg.Token, &reg.Topic, &reg.Environment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading push registration: %w", err)
	}
	return &reg, nil
}

// DeletePushRegistration removes the registration for a device. Deleting a
// missing registration is not an error.
func (s *SQLiteStore) DeletePushRegistration(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM push_registrations WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting push registration: %w", err)
	}
	return nil
}

// TouchDevice records device activity.
func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (device_id, last_seen) VALUES (?, ?)
ON CONFLICT(device_id) DO UPDATE SET last_seen = excluded.last_seen
`, deviceID, at.UTC())
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	return nil
}

// ListDevices returns all known devices, most recently seen first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, last_seen FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		if err := rows.Scan(&rec.DeviceID, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
