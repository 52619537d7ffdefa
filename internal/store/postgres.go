package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dictation-optimizer/internal/models"
)

// Auditor records lifecycle events for jobs and prompt changes.
type Auditor interface {
	AppendAudit(ctx context.Context, subjectID, event, detail string) error
}

// LogAudit writes audit events to the process log. It is the default when no database is configured.
type LogAudit struct{}

// AppendAudit logs the event.
func (LogAudit) AppendAudit(_ context.Context, subjectID, event, detail string) error {
	log.Printf("audit: subject=%s event=%s detail=%q", subjectID, event, detail)
	return nil
}

// PostgresAudit mirrors audit events into Postgres.
type PostgresAudit struct {
	pool *pgxpool.Pool
}

// NewPostgresAudit creates a pooled connection to Postgres.
func NewPostgresAudit(ctx context.Context, dsn string) (*PostgresAudit, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresAudit{pool: pool}, nil
}

func (a *PostgresAudit) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// AppendAudit adds an audit row.
func (a *PostgresAudit) AppendAudit(ctx context.Context, subjectID, event, detail string) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, subjectID, event, detail)
	return err
}

// RecentAudit returns the newest audit rows for a subject.
func (a *PostgresAudit) RecentAudit(ctx context.Context, subjectID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs
		WHERE job_id = $1 ORDER BY ts DESC LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		var ts time.Time
		if err := rows.Scan(&entry.JobID, &entry.Event, &entry.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.Recorded = ts
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PurgeAuditBefore deletes audit rows older than cutoff and returns how many were removed.
func (a *PostgresAudit) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM audit_logs WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}
