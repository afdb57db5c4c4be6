package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stepflow-io/stepflow/pkg/models"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore is the durable checkpoint store for multi-node
// deployments. Atomicity per checkpoint record comes from single-row
// inserts; the database serializes same-run writers on the append.
type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}

// jsonArg passes raw JSON as text so the driver does not encode it as
// bytea; empty payloads become NULL.
func jsonArg(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, workflow_name, status, context, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		r.ID, r.WorkflowName, r.Status, jsonArg(r.Context), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return &storage.CheckpointWriteError{RunID: r.ID, Err: err}
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var r models.Run
	err := s.db.Get(&r, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus) error {
	res, err := s.db.Exec("UPDATE runs SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	query := "SELECT id, workflow_name, status, context, created_at, updated_at FROM runs ORDER BY created_at"
	err := s.db.Select(&runs, query)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *PostgresStore) ListPendingRuns() ([]string, error) {
	ids := []string{}
	err := s.db.Select(&ids,
		"SELECT id FROM runs WHERE status NOT IN ($1, $2, $3) ORDER BY created_at",
		models.CompletedRunStatus, models.FailedRunStatus, models.CancelledRunStatus)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SaveCheckpoint appends one checkpoint record. Records are never
// updated in place.
func (s *PostgresStore) SaveCheckpoint(cp models.Checkpoint) error {
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		_, err := s.db.Exec(`
			INSERT INTO checkpoints (run_id, step_name, status, payload, error_msg, attempts)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			cp.RunID, cp.StepName, cp.Status, jsonArg(cp.Payload), cp.ErrorMsg, cp.Attempts)
		if err != nil {
			return &storage.CheckpointWriteError{RunID: cp.RunID, StepName: cp.StepName, Err: err}
		}
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_id, step_name, status, payload, error_msg, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.RunID, cp.StepName, cp.Status, jsonArg(cp.Payload), cp.ErrorMsg, cp.Attempts, createdAt)
	if err != nil {
		return &storage.CheckpointWriteError{RunID: cp.RunID, StepName: cp.StepName, Err: err}
	}
	return nil
}

func (s *PostgresStore) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	var checkpoints []models.Checkpoint
	err := s.db.Select(&checkpoints,
		"SELECT id, run_id, step_name, status, payload, error_msg, attempts, created_at FROM checkpoints WHERE run_id = $1 ORDER BY created_at, id",
		runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}
	return checkpoints, nil
}
