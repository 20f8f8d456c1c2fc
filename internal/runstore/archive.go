package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

// Outcome recorded for runs removed by the janitor
const OutcomeExpired = "expired"

const schema = `
CREATE TABLE IF NOT EXISTS run_archive (
    run_id         VARCHAR(64) PRIMARY KEY,
    user_id        VARCHAR(255) NOT NULL DEFAULT '',
    status         VARCHAR(32) NOT NULL,
    iterations     INTEGER NOT NULL DEFAULT 0,
    message        TEXT NOT NULL DEFAULT '',
    response       TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT '',
    targets        TEXT NOT NULL DEFAULT '',
    execution_mode VARCHAR(32) NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    finished_at    TIMESTAMP NOT NULL
)`

const insertArchived = `
INSERT INTO run_archive
    (run_id, user_id, status, iterations, message, response, error_message, targets, execution_mode, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    status = EXCLUDED.status,
    iterations = EXCLUDED.iterations,
    response = EXCLUDED.response,
    error_message = EXCLUDED.error_message,
    targets = EXCLUDED.targets,
    execution_mode = EXCLUDED.execution_mode,
    finished_at = EXCLUDED.finished_at`

const selectArchived = `
SELECT run_id, user_id, status, iterations, message, response, error_message, targets, execution_mode, created_at, finished_at
FROM run_archive WHERE run_id = ?`

// ArchivedRun is one row of run_archive
type ArchivedRun struct {
	RunID         string    `db:"run_id" json:"run_id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Status        string    `db:"status" json:"status"`
	Iterations    int       `db:"iterations" json:"iterations"`
	Message       string    `db:"message" json:"message"`
	Response      string    `db:"response" json:"response"`
	Error         string    `db:"error_message" json:"error,omitempty"`
	Targets       string    `db:"targets" json:"targets"`
	ExecutionMode string    `db:"execution_mode" json:"execution_mode"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	FinishedAt    time.Time `db:"finished_at" json:"finished_at"`
}

// Archiver records finished runs
type Archiver interface {
	Record(ctx context.Context, run *state.Run, outcome string) error
}

// Archive stores finished runs in SQL (postgres or sqlite3)
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenArchive connects to the archive database and ensures the schema
func OpenArchive(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Archive, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect archive database: %w", err)
	}
	a := NewArchive(db, logger)
	if err := a.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewArchive wraps an open database
func NewArchive(db *sqlx.DB, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates run_archive if missing
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create run_archive: %w", err)
	}
	return nil
}

// Record upserts run with outcome; an empty outcome uses the run status
func (a *Archive) Record(ctx context.Context, run *state.Run, outcome string) error {
	if outcome == "" {
		outcome = string(run.Status)
	}
	_, err := a.db.ExecContext(ctx, a.db.Rebind(insertArchived),
		run.ID,
		run.UserID,
		outcome,
		run.Iteration,
		run.Message,
		run.Response,
		run.Error,
		strings.Join(run.State.ExecutionTargets, ","),
		string(run.State.ExecutionMode),
		run.CreatedAt,
		a.now(),
	)
	metrics.RecordStoreOp("archive", "record", err)
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", run.ID, err)
	}
	a.logger.Debug("Archived run", zap.String("run_id", run.ID), zap.String("status", outcome))
	return nil
}

// Get reads an archived run
func (a *Archive) Get(ctx context.Context, id string) (*ArchivedRun, error) {
	var row ArchivedRun
	err := a.db.GetContext(ctx, &row, a.db.Rebind(selectArchived), id)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStoreOp("archive", "get", nil)
		return nil, ErrRunNotFound
	}
	metrics.RecordStoreOp("archive", "get", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived run %s: %w", id, err)
	}
	return &row, nil
}

// Close closes the database
func (a *Archive) Close() error {
	return a.db.Close()
}
