package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/execution"
)

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id         TEXT PRIMARY KEY,
	diagram_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status, started_at DESC);
CREATE INDEX IF NOT EXISTS executions_diagram_idx ON executions (diagram_id, started_at DESC);
`

// PostgresBackend stores rows in a shared Postgres database, for
// deployments where multiple engine instances need one durable view.
type PostgresBackend struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresBackend connects, verifies the connection and ensures the
// schema exists.
func NewPostgresBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Postgres.MaxConns)
	poolConfig.MinConns = int32(cfg.Postgres.MinConns)
	poolConfig.MaxConnLifetime = cfg.Postgres.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Postgres.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, executionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init executions schema: %w", err)
	}

	log.Info("postgres state backend connected",
		"host", cfg.Postgres.Host,
		"db", cfg.Postgres.Database)

	return &PostgresBackend{pool: pool, log: log}, nil
}

func (p *PostgresBackend) Put(ctx context.Context, row Row) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO executions (id, diagram_id, status, started_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			diagram_id = EXCLUDED.diagram_id,
			status     = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			data       = EXCLUDED.data`,
		string(row.ID), string(row.DiagramID), string(row.Status), row.StartedAt, row.Data)
	if err != nil {
		return &execution.PersistenceError{Op: "put", Err: err}
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, id execution.ID) (Row, error) {
	var row Row
	err := p.pool.QueryRow(ctx, `
		SELECT id, diagram_id, status, started_at, data
		FROM executions WHERE id = $1`, string(id)).
		Scan(&row.ID, &row.DiagramID, &row.Status, &row.StartedAt, &row.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, execution.ErrNotFound
	}
	if err != nil {
		return Row{}, &execution.PersistenceError{Op: "get", Err: err}
	}
	return row, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, id execution.ID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1`, string(id)); err != nil {
		return &execution.PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (p *PostgresBackend) List(ctx context.Context, f Filter) ([]Row, error) {
	query, args := buildListQuery(f)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.DiagramID, &row.Status, &row.StartedAt, &row.Data); err != nil {
			return nil, &execution.PersistenceError{Op: "list", Err: err}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

// buildListQuery translates a Filter into SQL. Exposed to tests so the
// query shape is covered without a live database.
func buildListQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.DiagramID != "" {
		where = append(where, "diagram_id = "+arg(string(f.DiagramID)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.TerminalOnly {
		where = append(where, "status IN ('COMPLETED', 'FAILED', 'ABORTED')")
	}
	if !f.Before.IsZero() {
		where = append(where, "started_at < "+arg(f.Before))
	}

	query := "SELECT id, diagram_id, status, started_at, data FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}
	return query, args
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
