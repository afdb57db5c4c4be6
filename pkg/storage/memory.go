package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/models"
)

var errAlreadyExists = errors.New("run already exists")

// memoryStore implements Store with in-memory maps. It is fast and
// non-durable; use it for tests and single-process runs. Each run gets
// its own lock so writers for different runs never block each other.
type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]*runRecord
}

type runRecord struct {
	mu          sync.Mutex
	run         models.Run
	checkpoints []models.Checkpoint
	nextID      int64
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{runs: make(map[string]*runRecord)}
}

func (m *memoryStore) record(id string) (*runRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	return rec, ok
}

func (m *memoryStore) SaveRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return &CheckpointWriteError{RunID: r.ID, Err: errAlreadyExists}
	}
	m.runs[r.ID] = &runRecord{run: r}
	return nil
}

func (m *memoryStore) GetRun(id string) (models.Run, error) {
	rec, ok := m.record(id)
	if !ok {
		return models.Run{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.run, nil
}

func (m *memoryStore) UpdateRunStatus(id string, status models.RunStatus) error {
	rec, ok := m.record(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.run.Status = status
	rec.run.UpdatedAt = time.Now()
	return nil
}

func (m *memoryStore) ListRuns() ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, rec := range m.runs {
		rec.mu.Lock()
		runs = append(runs, rec.run)
		rec.mu.Unlock()
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func (m *memoryStore) ListPendingRuns() ([]string, error) {
	runs, err := m.ListRuns()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range runs {
		if !r.Status.Terminal() {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *memoryStore) SaveCheckpoint(cp models.Checkpoint) error {
	rec, ok := m.record(cp.RunID)
	if !ok {
		return &CheckpointWriteError{RunID: cp.RunID, StepName: cp.StepName, Err: ErrNotFound}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.nextID++
	cp.ID = rec.nextID
	cp.CreatedAt = checkpointTime(cp)
	rec.checkpoints = append(rec.checkpoints, cp)
	return nil
}

func (m *memoryStore) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	rec, ok := m.record(runID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]models.Checkpoint, len(rec.checkpoints))
	copy(out, rec.checkpoints)
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}
