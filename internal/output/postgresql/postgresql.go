// Package postgresql persists engine outputs to PostgreSQL.
package postgresql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/manifest-network/shardviz/internal/output"
	"github.com/manifest-network/shardviz/internal/reconcile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresOutputHandler struct {
	db    *sql.DB
	runID uuid.UUID
}

// New connects to dsn, applies pending migrations and tags every row with a fresh run id.
func New(ctx context.Context, dsn string) (*PostgresOutputHandler, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	h := NewWithDB(db, uuid.New())
	slog.Info("PostgreSQL output ready", "run", h.runID)
	return h, nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB, runID uuid.UUID) *PostgresOutputHandler {
	return &PostgresOutputHandler{db: db, runID: runID}
}

// RunID identifies the rows written by this handler.
func (h *PostgresOutputHandler) RunID() uuid.UUID {
	return h.runID
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

const insertSnapshot = `INSERT INTO graph_snapshots
    (run_id, generation, taken_at, edge_mode, node_count, edge_count, shard_count, graph)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, generation) DO NOTHING`

func (h *PostgresOutputHandler) WriteSnapshot(ctx context.Context, snap *output.GraphSnapshot) error {
	body, err := json.Marshal(snap.Graph)
	if err != nil {
		return errors.WithMessage(err, "failed to encode graph")
	}
	_, err = h.db.ExecContext(ctx, insertSnapshot,
		h.runID, snap.Generation, snap.TakenAt, string(snap.EdgeMode),
		len(snap.Graph.Nodes), len(snap.Graph.Edges), len(snap.Graph.Regions), body)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %d: %w", snap.Generation, err)
	}
	return nil
}

const upsertResolution = `INSERT INTO transaction_resolutions
    (run_id, tx_id, status, attempts, resolved_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id, tx_id) DO UPDATE
SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, resolved_at = EXCLUDED.resolved_at`

func (h *PostgresOutputHandler) WriteResolutions(ctx context.Context, resolutions []reconcile.Resolution) error {
	if len(resolutions) == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Warn("Rollback failed", "error", err)
		}
	}()

	for _, r := range resolutions {
		if _, err := tx.ExecContext(ctx, upsertResolution, h.runID, r.ID, string(r.Status), r.Attempts, r.ResolvedAt); err != nil {
			return fmt.Errorf("failed to write resolution %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolutions: %w", err)
	}
	return nil
}

const insertSummary = `INSERT INTO metric_summaries (run_id, taken_at, total, skipped, summary)
VALUES ($1, $2, $3, $4, $5)`

func (h *PostgresOutputHandler) WriteSummary(ctx context.Context, summary *output.SummarySnapshot) error {
	body, err := json.Marshal(summary.Summary)
	if err != nil {
		return errors.WithMessage(err, "failed to encode summary")
	}
	if _, err := h.db.ExecContext(ctx, insertSummary, h.runID, summary.TakenAt, summary.Summary.Total, summary.Summary.Skipped, body); err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

func (h *PostgresOutputHandler) LatestGeneration(ctx context.Context) (uint64, error) {
	var generation int64
	err := h.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM graph_snapshots WHERE run_id = $1`, h.runID,
	).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest generation: %w", err)
	}
	return uint64(generation), nil
}

func (h *PostgresOutputHandler) Close() error {
	return h.db.Close()
}

var _ output.Sink = (*PostgresOutputHandler)(nil)
