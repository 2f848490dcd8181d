package alert

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/equipguard/internal/apierror"
)

// Schema is the SQL DDL for the escalated_alerts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS escalated_alerts (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    type           TEXT NOT NULL,
    family         TEXT NOT NULL,
    category       TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    status_code    INTEGER NOT NULL DEFAULT 0,
    url            TEXT NOT NULL DEFAULT '',
    method         TEXT NOT NULL DEFAULT '',
    trace_id       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_escalated_alerts_created ON escalated_alerts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_escalated_alerts_type ON escalated_alerts(type);
`

// DefaultRecentLimit is used by [PostgresStore.Recent] when limit is not
// positive.
const DefaultRecentLimit = 50

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Sink] that records alerts in PostgreSQL so they can be
// reviewed after the fact.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Sink = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on top of db. The caller is
// responsible for calling [PostgresStore.Migrate] before the first Send.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("alert: migrate: %w", err)
	}
	return nil
}

// Send inserts a. Re-sending an alert with the same ID is a no-op.
func (s *PostgresStore) Send(ctx context.Context, a Alert) error {
	const query = `
		INSERT INTO escalated_alerts (
			id, correlation_id, type, family, category,
			message, status_code, url, method, trace_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		a.ID, a.CorrelationID, string(a.Type), string(a.Family), string(a.Category),
		a.Message, a.StatusCode, a.URL, a.Method, a.TraceID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("alert: insert %s: %w", a.ID, err)
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	const query = `
		SELECT id, correlation_id, type, family, category,
		       message, status_code, url, method, trace_id, created_at
		FROM escalated_alerts
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("alert: recent: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a                     Alert
			typ, family, category string
		)
		if err := rows.Scan(
			&a.ID, &a.CorrelationID, &typ, &family, &category,
			&a.Message, &a.StatusCode, &a.URL, &a.Method, &a.TraceID, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("alert: scan: %w", err)
		}
		a.Type = apierror.Type(typ)
		a.Family = apierror.Family(family)
		a.Category = apierror.Category(category)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert: recent: %w", err)
	}
	return out, nil
}
