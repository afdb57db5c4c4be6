package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by an embedded SQLite
// database. It survives process restarts without requiring an external
// database server, which makes it the default durable store for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema setup. Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	// SQLite allows a single writer; one connection avoids
	// SQLITE_BUSY under concurrent checkpoint writes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			context BLOB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB,
			error_msg TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, created_at);`,
	)
	return errors.Wrap(err, "init sqlite schema")
}

func (s *SQLiteStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, workflow_name, status, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowName, string(r.Status), r.Context, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return &CheckpointWriteError{RunID: r.ID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetRun(id string) (models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_name, status, context, created_at, updated_at
		FROM runs WHERE id = ?`, id)

	var r models.Run
	var status string
	if err := row.Scan(&r.ID, &r.WorkflowName, &status, &r.Context, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, ErrNotFound
		}
		return models.Run{}, errors.Wrapf(err, "get run %s", id)
	}
	r.Status = models.RunStatus(status)
	return r, nil
}

func (s *SQLiteStore) UpdateRunStatus(id string, status models.RunStatus) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return errors.Wrapf(err, "update run %s status", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRuns() ([]models.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_name, status, context, created_at, updated_at
		FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var r models.Run
		var status string
		if err := rows.Scan(&r.ID, &r.WorkflowName, &status, &r.Context, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) ListPendingRuns() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM runs
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at`,
		string(models.CompletedRunStatus), string(models.FailedRunStatus), string(models.CancelledRunStatus))
	if err != nil {
		return nil, errors.Wrap(err, "list pending runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(cp models.Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_id, step_name, status, payload, error_msg, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.StepName, string(cp.Status), cp.Payload, cp.ErrorMsg, cp.Attempts, checkpointTime(cp))
	if err != nil {
		return &CheckpointWriteError{RunID: cp.RunID, StepName: cp.StepName, Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, step_name, status, payload, error_msg, attempts, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list checkpoints for run %s", runID)
	}
	defer rows.Close()

	var checkpoints []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var status string
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.StepName, &status, &cp.Payload, &cp.ErrorMsg, &cp.Attempts, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.Status = models.CheckpointStatus(status)
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
