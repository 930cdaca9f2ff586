package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// MemoryStore is an in-process Store with optimistic per-group versioning.
// Transactions snapshot the group at start and fail with ErrConflict when
// the group changed before commit, mirroring the fail-and-retry discipline
// of the production store. Queries are strongly consistent here, which is a
// strict superset of the eventual consistency callers must tolerate.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[int64]*entityGroup
}

type entityGroup struct {
	version    uint64
	request    *models.TaskRequest
	toRun      *models.TaskToRun
	summary    *models.TaskResultSummary
	runResults map[int]*models.TaskRunResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[int64]*entityGroup)}
}

func (s *MemoryStore) group(id int64) *entityGroup {
	g, ok := s.groups[id]
	if !ok {
		g = &entityGroup{runResults: make(map[int]*models.TaskRunResult)}
		s.groups[id] = g
	}
	return g
}

// PutRequest persists a request, creating its entity group.
func (s *MemoryStore) PutRequest(ctx context.Context, request *models.TaskRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(request.Key.ID)
	g.request = request.Clone()
	g.version++
	return nil
}

// GetRequest returns a request, or nil when absent.
func (s *MemoryStore) GetRequest(ctx context.Context, key taskpack.RequestKey) (*models.TaskRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[key.ID]; ok && g.request != nil {
		return g.request.Clone(), nil
	}
	return nil, nil
}

// GetToRun returns a to-run, or nil when absent.
func (s *MemoryStore) GetToRun(ctx context.Context, key taskpack.ToRunKey) (*models.TaskToRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[key.RequestID]; ok && g.toRun != nil {
		return g.toRun.Clone(), nil
	}
	return nil, nil
}

// GetRunResult returns a run result, or nil when absent.
func (s *MemoryStore) GetRunResult(ctx context.Context, key taskpack.RunResultKey) (*models.TaskRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[key.RequestID]; ok {
		if r, ok := g.runResults[key.TryNumber]; ok {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// GetResultSummary returns a result summary, or nil when absent.
func (s *MemoryStore) GetResultSummary(ctx context.Context, key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[key.RequestID]; ok && g.summary != nil {
		return g.summary.Clone(), nil
	}
	return nil, nil
}

// memoryTx reads from a snapshot of one entity group and stages writes.
type memoryTx struct {
	root     taskpack.RequestKey
	snapshot entityGroup
	staged   []interface{}
}

func (t *memoryTx) GetRequest(key taskpack.RequestKey) (*models.TaskRequest, error) {
	if key != t.root {
		return nil, fmt.Errorf("request %x outside transaction group %x", key.ID, t.root.ID)
	}
	if t.snapshot.request == nil {
		return nil, nil
	}
	return t.snapshot.request.Clone(), nil
}

func (t *memoryTx) GetToRun(key taskpack.ToRunKey) (*models.TaskToRun, error) {
	if key.RequestID != t.root.ID {
		return nil, fmt.Errorf("to-run %x outside transaction group %x", key.RequestID, t.root.ID)
	}
	if t.snapshot.toRun == nil {
		return nil, nil
	}
	return t.snapshot.toRun.Clone(), nil
}

func (t *memoryTx) GetRunResult(key taskpack.RunResultKey) (*models.TaskRunResult, error) {
	if key.RequestID != t.root.ID {
		return nil, fmt.Errorf("run result %x outside transaction group %x", key.RequestID, t.root.ID)
	}
	if r, ok := t.snapshot.runResults[key.TryNumber]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (t *memoryTx) GetResultSummary(key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error) {
	if key.RequestID != t.root.ID {
		return nil, fmt.Errorf("summary %x outside transaction group %x", key.RequestID, t.root.ID)
	}
	if t.snapshot.summary == nil {
		return nil, nil
	}
	return t.snapshot.summary.Clone(), nil
}

func (t *memoryTx) Put(entities ...interface{}) error {
	for _, e := range entities {
		switch v := e.(type) {
		case *models.TaskRequest:
			if v.Key != t.root {
				return fmt.Errorf("request %x outside transaction group %x", v.Key.ID, t.root.ID)
			}
		case *models.TaskToRun:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("to-run %x outside transaction group %x", v.Key.RequestID, t.root.ID)
			}
		case *models.TaskRunResult:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("run result %x outside transaction group %x", v.Key.RequestID, t.root.ID)
			}
		case *models.TaskResultSummary:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("summary %x outside transaction group %x", v.Key.RequestID, t.root.ID)
			}
		default:
			return fmt.Errorf("unsupported entity type %T", e)
		}
		t.staged = append(t.staged, e)
	}
	return nil
}

// RunInTransaction implements Store.
func (s *MemoryStore) RunInTransaction(ctx context.Context, root taskpack.RequestKey, retries int, fn func(Tx) error) error {
	attempts := retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, version := s.begin(root)
		if err := fn(tx); err != nil {
			return err
		}
		if s.commit(root, version, tx.staged) {
			return nil
		}
		lastErr = ErrConflict
	}
	return &CommitError{Attempts: attempts, Err: lastErr}
}

func (s *MemoryStore) begin(root taskpack.RequestKey) (*memoryTx, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := &memoryTx{
		root:     root,
		snapshot: entityGroup{runResults: make(map[int]*models.TaskRunResult)},
	}
	g, ok := s.groups[root.ID]
	if !ok {
		return tx, 0
	}
	tx.snapshot.version = g.version
	if g.request != nil {
		tx.snapshot.request = g.request.Clone()
	}
	if g.toRun != nil {
		tx.snapshot.toRun = g.toRun.Clone()
	}
	if g.summary != nil {
		tx.snapshot.summary = g.summary.Clone()
	}
	for try, r := range g.runResults {
		tx.snapshot.runResults[try] = r.Clone()
	}
	return tx, g.version
}

func (s *MemoryStore) commit(root taskpack.RequestKey, readVersion uint64, staged []interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[root.ID]
	if !ok {
		if readVersion != 0 {
			return false
		}
		g = s.group(root.ID)
	} else if g.version != readVersion {
		return false
	}
	for _, e := range staged {
		switch v := e.(type) {
		case *models.TaskRequest:
			g.request = v.Clone()
		case *models.TaskToRun:
			g.toRun = v.Clone()
		case *models.TaskRunResult:
			g.runResults[v.Key.TryNumber] = v.Clone()
		case *models.TaskResultSummary:
			g.summary = v.Clone()
		}
	}
	g.version++
	return true
}

// sliceIterator yields pre-collected (request, to-run) rows.
type sliceIterator struct {
	rows []toRunRow
	pos  int
}

type toRunRow struct {
	request *models.TaskRequest
	toRun   *models.TaskToRun
}

func (it *sliceIterator) Next() (*models.TaskRequest, *models.TaskToRun, error) {
	if it.pos >= len(it.rows) {
		return nil, nil, Done
	}
	row := it.rows[it.pos]
	it.pos++
	return row.request, row.toRun, nil
}

func (s *MemoryStore) collectToRuns(keep func(*models.TaskToRun) bool) []toRunRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []toRunRow
	for _, g := range s.groups {
		if g.toRun == nil || g.request == nil || !keep(g.toRun) {
			continue
		}
		rows = append(rows, toRunRow{request: g.request.Clone(), toRun: g.toRun.Clone()})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].toRun.QueueNumber, rows[j].toRun.QueueNumber
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return rows
}

// PendingToRuns implements Store.
func (s *MemoryStore) PendingToRuns(ctx context.Context) ToRunIterator {
	return &sliceIterator{rows: s.collectToRuns(func(t *models.TaskToRun) bool {
		return t.IsReapable()
	})}
}

// ExpiredToRuns implements Store.
func (s *MemoryStore) ExpiredToRuns(ctx context.Context, now time.Time) ToRunIterator {
	return &sliceIterator{rows: s.collectToRuns(func(t *models.TaskToRun) bool {
		return t.IsReapable() && !t.ExpirationTS.After(now)
	})}
}

// NewestSummaryWithPropertiesHash implements Store. Ascending key order is
// newest-request-first, so the lowest matching request id wins.
func (s *MemoryStore) NewestSummaryWithPropertiesHash(ctx context.Context, hash string) (*models.TaskResultSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.TaskResultSummary
	for _, g := range s.groups {
		if g.summary == nil || g.summary.PropertiesHash != hash {
			continue
		}
		if best == nil || g.summary.Key.RequestID < best.Key.RequestID {
			best = g.summary
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// StaleRunningResults implements Store.
func (s *MemoryStore) StaleRunningResults(ctx context.Context, cutoff time.Time) ([]taskpack.RunResultKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []taskpack.RunResultKey
	for _, g := range s.groups {
		for _, r := range g.runResults {
			if r.State == models.TaskStateRunning && !r.ModifiedTS.After(cutoff) {
				keys = append(keys, r.Key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RequestID != keys[j].RequestID {
			return keys[i].RequestID < keys[j].RequestID
		}
		return keys[i].TryNumber < keys[j].TryNumber
	})
	return keys, nil
}
