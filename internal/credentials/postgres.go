package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crm-voice/pkg/utils"
)

// PostgresStore persists credentials in a device-scoped table.
//
// Assumes:
//
//	CREATE TABLE device_credentials (
//	  device_id  TEXT NOT NULL,
//	  key        TEXT NOT NULL,
//	  value      TEXT NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (device_id, key)
//	);
type PostgresStore struct {
	db       *sql.DB
	deviceID string
	clock    func() time.Time
}

func NewPostgresStore(db *sql.DB, deviceID string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("credentials: db is nil")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("credentials: device id is required")
	}
	return &PostgresStore{db: db, deviceID: deviceID, clock: time.Now}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidKey
	}
	const q = `
SELECT value
FROM device_credentials
WHERE device_id = $1 AND key = $2
`
	var v string
	if err := s.db.QueryRowContext(ctx, q, s.deviceID, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credentials: get %s: %w", key, err)
	}
	return v, true, nil
}

const upsertCredential = `
INSERT INTO device_credentials (device_id, key, value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if _, err := s.db.ExecContext(ctx, upsertCredential, s.deviceID, key, value, s.clock().UTC()); err != nil {
		return fmt.Errorf("credentials: set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	for k := range values {
		if k == "" {
			return ErrInvalidKey
		}
	}
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.ExecContext(ctx, upsertCredential, s.deviceID, k, v, now); err != nil {
				return fmt.Errorf("credentials: set %s: %w", k, err)
			}
		}
		return nil
	})
}

// Clear removes all keys in one transaction so a partial clear is never observed.
func (s *PostgresStore) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `DELETE FROM device_credentials WHERE device_id = $1 AND key = $2`
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, q, s.deviceID, k); err != nil {
				return fmt.Errorf("credentials: clear %s: %w", k, err)
			}
		}
		return nil
	})
}
