package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS alert_triggers (
		id             TEXT PRIMARY KEY,
		alert_uid      TEXT NOT NULL,
		alert_short_id TEXT NOT NULL DEFAULT '',
		rule_name      TEXT NOT NULL DEFAULT '',
		reason         TEXT NOT NULL,
		new_events     INTEGER NOT NULL,
		current_count  INTEGER NOT NULL,
		triggered_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS alert_triggers_triggered_at_idx ON alert_triggers (triggered_at DESC);
	CREATE INDEX IF NOT EXISTS alert_triggers_alert_uid_idx ON alert_triggers (alert_uid, triggered_at DESC);
`

const selectColumns = `id, alert_uid, alert_short_id, rule_name, reason, new_events, current_count, triggered_at`

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the audit table when missing
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create trigger audit schema: %w", err)
	}
	return nil
}

// RecordTrigger stores one emitted trigger. Re-recording the same id is a no-op.
func (r *PostgresRepository) RecordTrigger(ctx context.Context, rec domain.TriggerRecord) error {
	query := `
		INSERT INTO alert_triggers (id, alert_uid, alert_short_id, rule_name, reason, new_events, current_count, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.AlertUID,
		rec.AlertShortID,
		rec.RuleName,
		rec.Reason,
		rec.NewEvents,
		rec.CurrentCount,
		rec.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record trigger %s: %w", rec.ID, err)
	}

	return nil
}

// FindSince returns the most recent triggers at or after since
func (r *PostgresRepository) FindSince(ctx context.Context, since time.Time, limit int) ([]domain.TriggerRecord, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM alert_triggers
		WHERE triggered_at >= $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers since %v: %w", since, err)
	}
	return collectTriggers(rows)
}

// FindByAlert returns the most recent triggers of one alert
func (r *PostgresRepository) FindByAlert(ctx context.Context, alertUID string, limit int) ([]domain.TriggerRecord, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM alert_triggers
		WHERE alert_uid = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, alertUID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers of alert %s: %w", alertUID, err)
	}
	return collectTriggers(rows)
}

func collectTriggers(rows pgx.Rows) ([]domain.TriggerRecord, error) {
	defer rows.Close()

	var records []domain.TriggerRecord

	for rows.Next() {
		var rec domain.TriggerRecord
		err := rows.Scan(
			&rec.ID,
			&rec.AlertUID,
			&rec.AlertShortID,
			&rec.RuleName,
			&rec.Reason,
			&rec.NewEvents,
			&rec.CurrentCount,
			&rec.TriggeredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		rec.TriggeredAt = rec.TriggeredAt.UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}
