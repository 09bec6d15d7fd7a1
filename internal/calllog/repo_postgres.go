package calllog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: PostgresRepo assumes the following table exists:
//
//	CREATE TABLE call_log (
//	  id TEXT PRIMARY KEY,
//	  call_id TEXT NOT NULL,
//	  direction TEXT NOT NULL,
//	  remote_handle TEXT NOT NULL,
//	  lead_id TEXT NOT NULL DEFAULT '',
//	  lead_full_name TEXT NOT NULL DEFAULT '',
//	  related_mailing_id TEXT NOT NULL DEFAULT '',
//	  related_mailing_name TEXT NOT NULL DEFAULT '',
//	  reason TEXT NOT NULL,
//	  started_at TIMESTAMPTZ NOT NULL,
//	  connected_at TIMESTAMPTZ NULL,
//	  ended_at TIMESTAMPTZ NOT NULL,
//	  duration_seconds INT NOT NULL
//	);
//
// Optional: an INSERT-only policy, as for any audit-style table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("calllog: db is required")
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO call_log (
  id, call_id, direction, remote_handle,
  lead_id, lead_full_name, related_mailing_id, related_mailing_name,
  reason, started_at, connected_at, ended_at, duration_seconds
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	var connected sql.NullTime
	if e.ConnectedAt != nil {
		connected = sql.NullTime{Time: *e.ConnectedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.CallID, string(e.Direction), e.RemoteHandle,
		e.LeadID, e.LeadFullName, e.RelatedMailingID, e.RelatedMailingName,
		string(e.Reason), e.StartedAt, connected, e.EndedAt, e.DurationSeconds,
	)
	return err
}

func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, call_id, direction, remote_handle,
       lead_id, lead_full_name, related_mailing_id, related_mailing_name,
       reason, started_at, connected_at, ended_at, duration_seconds
FROM call_log
ORDER BY ended_at DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *PostgresRepo) Between(ctx context.Context, from, to time.Time, mailingID string) ([]Entry, error) {
	const q = `
SELECT id, call_id, direction, remote_handle,
       lead_id, lead_full_name, related_mailing_id, related_mailing_name,
       reason, started_at, connected_at, ended_at, duration_seconds
FROM call_log
WHERE ended_at >= $1 AND ended_at < $2
  AND ($3 = '' OR related_mailing_id = $3)
ORDER BY ended_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, from, to, mailingID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			connected sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.CallID,
			&e.Direction,
			&e.RemoteHandle,
			&e.LeadID,
			&e.LeadFullName,
			&e.RelatedMailingID,
			&e.RelatedMailingName,
			&e.Reason,
			&e.StartedAt,
			&connected,
			&e.EndedAt,
			&e.DurationSeconds,
		); err != nil {
			return nil, err
		}
		if connected.Valid {
			t := connected.Time
			e.ConnectedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
