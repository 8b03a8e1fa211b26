package execution

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"recurflow/internal/domain"
)

var ErrNotFound = errors.New("execution not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL,
  handler TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('running','succeeded','failed')) DEFAULT 'running',
  error TEXT NOT NULL DEFAULT '',
  started_at DATETIME NOT NULL,
  finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state, started_at);
`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "ensure schema")
}

// Repository is the SQLite bookkeeping of executions.
type Repository struct{ db *sql.DB }

func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Insert(ctx context.Context, e domain.Execution, handler string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO executions (id,task_name,handler,owner_id,state,error,started_at)
VALUES (?,?,?,?,?,'',?)`, e.ID, e.TaskName, handler, e.OwnerID, domain.StateRunning, e.StartedAt.UTC())
	return errors.Wrapf(err, "insert execution %s", e.ID)
}

// Finish records the outcome of a running execution.
func (r *Repository) Finish(ctx context.Context, id, state, errStr string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE executions SET state=?, error=?, finished_at=? WHERE id=? AND state='running'`,
		state, errStr, at.UTC(), id)
	return errors.Wrapf(err, "finish execution %s", id)
}

func (r *Repository) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM executions WHERE state='running' ORDER BY started_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list running executions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan execution id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const columns = `id,task_name,owner_id,state,error,started_at,finished_at`

func scan(row interface{ Scan(...any) error }) (domain.Execution, error) {
	var e domain.Execution
	var finished sql.NullTime
	if err := row.Scan(&e.ID, &e.TaskName, &e.OwnerID, &e.State, &e.Error, &e.StartedAt, &finished); err != nil {
		return domain.Execution{}, err
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return e, nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Execution, error) {
	e, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM executions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return domain.Execution{}, errors.Wrapf(err, "get execution %s", id)
	}
	return e, nil
}

func (r *Repository) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE id=?`, id)
	return errors.Wrapf(err, "delete execution %s", id)
}

// RecoverStale fails every execution still marked running. Only call it before this process
// starts any execution.
func (r *Repository) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET state='failed', error='interrupted by restart', finished_at=?
WHERE state='running'`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale executions")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
