// Package postgres implements the scheduler store on PostgreSQL. Entity
// groups map to the shared request_id; serializable transactions provide the
// per-group atomicity the scheduler's state machine needs.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/observability"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db            *sqlx.DB
	shardingLevel int
	logger        observability.Logger
}

// Connect opens and pings a PostgreSQL connection pool.
func Connect(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// New wraps an open database handle.
func New(db *sqlx.DB, shardingLevel int, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		db:            db,
		shardingLevel: shardingLevel,
		logger:        logger.WithPrefix("store.postgres"),
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	insertRequestSQL = `
		INSERT INTO task_requests
			(id, shard, created_ts, name, user_id, priority, expiration_ts, parent_task_id, properties, properties_hash)
		VALUES
			(:id, :shard, :created_ts, :name, :user_id, :priority, :expiration_ts, :parent_task_id, :properties, :properties_hash)
		ON CONFLICT (id) DO NOTHING`

	selectRequestSQL = `SELECT id, shard, created_ts, name, user_id, priority, expiration_ts, parent_task_id, properties, properties_hash
		FROM task_requests WHERE id = $1`

	upsertToRunSQL = `
		INSERT INTO task_to_runs (request_id, queue_number, try_number, expiration_ts)
		VALUES (:request_id, :queue_number, :try_number, :expiration_ts)
		ON CONFLICT (request_id) DO UPDATE SET
			queue_number = EXCLUDED.queue_number,
			try_number = EXCLUDED.try_number,
			expiration_ts = EXCLUDED.expiration_ts`

	selectToRunSQL = `SELECT request_id, queue_number, try_number, expiration_ts
		FROM task_to_runs WHERE request_id = $1`

	upsertRunResultSQL = `
		INSERT INTO task_run_results
			(request_id, try_number, bot_id, bot_version, state, exit_codes, durations, outputs,
			 cost_usd, started_ts, completed_ts, abandoned_ts, modified_ts, internal_failure, server_versions,
			 children_task_ids)
		VALUES
			(:request_id, :try_number, :bot_id, :bot_version, :state, :exit_codes, :durations, :outputs,
			 :cost_usd, :started_ts, :completed_ts, :abandoned_ts, :modified_ts, :internal_failure, :server_versions,
			 :children_task_ids)
		ON CONFLICT (request_id, try_number) DO UPDATE SET
			bot_id = EXCLUDED.bot_id,
			bot_version = EXCLUDED.bot_version,
			state = EXCLUDED.state,
			exit_codes = EXCLUDED.exit_codes,
			durations = EXCLUDED.durations,
			outputs = EXCLUDED.outputs,
			cost_usd = EXCLUDED.cost_usd,
			started_ts = EXCLUDED.started_ts,
			completed_ts = EXCLUDED.completed_ts,
			abandoned_ts = EXCLUDED.abandoned_ts,
			modified_ts = EXCLUDED.modified_ts,
			internal_failure = EXCLUDED.internal_failure,
			server_versions = EXCLUDED.server_versions,
			children_task_ids = EXCLUDED.children_task_ids`

	selectRunResultSQL = `SELECT request_id, try_number, bot_id, bot_version, state, exit_codes, durations, outputs,
			cost_usd, started_ts, completed_ts, abandoned_ts, modified_ts, internal_failure, server_versions,
			children_task_ids
		FROM task_run_results WHERE request_id = $1 AND try_number = $2`

	upsertSummarySQL = `
		INSERT INTO task_result_summaries
			(request_id, created_ts, name, user_id, state, bot_id, bot_version, try_number,
			 exit_codes, durations, started_ts, completed_ts, abandoned_ts, modified_ts, internal_failure,
			 costs_usd, cost_saved_usd, deduped_from, properties_hash, children_task_ids)
		VALUES
			(:request_id, :created_ts, :name, :user_id, :state, :bot_id, :bot_version, :try_number,
			 :exit_codes, :durations, :started_ts, :completed_ts, :abandoned_ts, :modified_ts, :internal_failure,
			 :costs_usd, :cost_saved_usd, :deduped_from, :properties_hash, :children_task_ids)
		ON CONFLICT (request_id) DO UPDATE SET
			state = EXCLUDED.state,
			bot_id = EXCLUDED.bot_id,
			bot_version = EXCLUDED.bot_version,
			try_number = EXCLUDED.try_number,
			exit_codes = EXCLUDED.exit_codes,
			durations = EXCLUDED.durations,
			started_ts = EXCLUDED.started_ts,
			completed_ts = EXCLUDED.completed_ts,
			abandoned_ts = EXCLUDED.abandoned_ts,
			modified_ts = EXCLUDED.modified_ts,
			internal_failure = EXCLUDED.internal_failure,
			costs_usd = EXCLUDED.costs_usd,
			cost_saved_usd = EXCLUDED.cost_saved_usd,
			deduped_from = EXCLUDED.deduped_from,
			properties_hash = EXCLUDED.properties_hash,
			children_task_ids = EXCLUDED.children_task_ids`

	selectSummarySQL = `SELECT request_id, created_ts, name, user_id, state, bot_id, bot_version, try_number,
			exit_codes, durations, started_ts, completed_ts, abandoned_ts, modified_ts, internal_failure,
			costs_usd, cost_saved_usd, deduped_from, properties_hash, children_task_ids
		FROM task_result_summaries WHERE request_id = $1`
)

// PutRequest implements store.Store. Requests are immutable; a conflicting
// insert of the same id is left untouched.
func (s *Store) PutRequest(ctx context.Context, request *models.TaskRequest) error {
	row, err := requestToRow(request, s.shardingLevel)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, insertRequestSQL, row)
	return err
}

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func getRequest(ctx context.Context, q queryer, key taskpack.RequestKey) (*models.TaskRequest, error) {
	var row requestRow
	if err := q.GetContext(ctx, &row, selectRequestSQL, key.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel()
}

func getToRun(ctx context.Context, q queryer, key taskpack.ToRunKey) (*models.TaskToRun, error) {
	var row toRunRow
	if err := q.GetContext(ctx, &row, selectToRunSQL, key.RequestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel(), nil
}

func getRunResult(ctx context.Context, q queryer, key taskpack.RunResultKey) (*models.TaskRunResult, error) {
	var row runResultRow
	if err := q.GetContext(ctx, &row, selectRunResultSQL, key.RequestID, key.TryNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel(), nil
}

func getResultSummary(ctx context.Context, q queryer, key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error) {
	var row summaryRow
	if err := q.GetContext(ctx, &row, selectSummarySQL, key.RequestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel(), nil
}

// GetRequest implements store.Store.
func (s *Store) GetRequest(ctx context.Context, key taskpack.RequestKey) (*models.TaskRequest, error) {
	return getRequest(ctx, s.db, key)
}

// GetToRun implements store.Store.
func (s *Store) GetToRun(ctx context.Context, key taskpack.ToRunKey) (*models.TaskToRun, error) {
	return getToRun(ctx, s.db, key)
}

// GetRunResult implements store.Store.
func (s *Store) GetRunResult(ctx context.Context, key taskpack.RunResultKey) (*models.TaskRunResult, error) {
	return getRunResult(ctx, s.db, key)
}

// GetResultSummary implements store.Store.
func (s *Store) GetResultSummary(ctx context.Context, key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error) {
	return getResultSummary(ctx, s.db, key)
}

// pgTx implements store.Tx over one serializable transaction.
type pgTx struct {
	ctx           context.Context
	tx            *sqlx.Tx
	root          taskpack.RequestKey
	shardingLevel int
}

func (t *pgTx) GetRequest(key taskpack.RequestKey) (*models.TaskRequest, error) {
	return getRequest(t.ctx, t.tx, key)
}

func (t *pgTx) GetToRun(key taskpack.ToRunKey) (*models.TaskToRun, error) {
	return getToRun(t.ctx, t.tx, key)
}

func (t *pgTx) GetRunResult(key taskpack.RunResultKey) (*models.TaskRunResult, error) {
	return getRunResult(t.ctx, t.tx, key)
}

func (t *pgTx) GetResultSummary(key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error) {
	return getResultSummary(t.ctx, t.tx, key)
}

func (t *pgTx) Put(entities ...interface{}) error {
	for _, e := range entities {
		switch v := e.(type) {
		case *models.TaskRequest:
			if v.Key.ID != t.root.ID {
				return fmt.Errorf("request %x outside entity group %x", v.Key.ID, t.root.ID)
			}
			row, err := requestToRow(v, t.shardingLevel)
			if err != nil {
				return err
			}
			if _, err := t.tx.NamedExecContext(t.ctx, insertRequestSQL, row); err != nil {
				return err
			}
		case *models.TaskToRun:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("to-run %x outside entity group %x", v.Key.RequestID, t.root.ID)
			}
			if _, err := t.tx.NamedExecContext(t.ctx, upsertToRunSQL, toRunToRow(v)); err != nil {
				return err
			}
		case *models.TaskRunResult:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("run result %x outside entity group %x", v.Key.RequestID, t.root.ID)
			}
			if _, err := t.tx.NamedExecContext(t.ctx, upsertRunResultSQL, runResultToRow(v)); err != nil {
				return err
			}
		case *models.TaskResultSummary:
			if v.Key.RequestID != t.root.ID {
				return fmt.Errorf("result summary %x outside entity group %x", v.Key.RequestID, t.root.ID)
			}
			if _, err := t.tx.NamedExecContext(t.ctx, upsertSummarySQL, summaryToRow(v)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported entity type %T", e)
		}
	}
	return nil
}

// isSerializationFailure reports whether err is a PostgreSQL serialization
// or deadlock failure, both safe to retry.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// RunInTransaction implements store.Store.
func (s *Store) RunInTransaction(ctx context.Context, root taskpack.RequestKey, retries int, fn func(store.Tx) error) error {
	attempts := retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.runOnce(ctx, root, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return &store.CommitError{Attempts: attempts, Err: lastErr}
}

func (s *Store) runOnce(ctx context.Context, root taskpack.RequestKey, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	ptx := &pgTx{ctx: ctx, tx: tx, root: root, shardingLevel: s.shardingLevel}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// toRunIterator lazily walks to-run rows, resolving each row's request. The
// per-row request fetch mirrors the keys-only-query-then-get access pattern
// the dispatch path was designed around.
type toRunIterator struct {
	ctx  context.Context
	s    *Store
	rows *sqlx.Rows
	err  error
}

func (it *toRunIterator) Next() (*models.TaskRequest, *models.TaskToRun, error) {
	if it.err != nil {
		return nil, nil, it.err
	}
	for it.rows.Next() {
		var row toRunRow
		if err := it.rows.StructScan(&row); err != nil {
			it.close(err)
			return nil, nil, err
		}
		toRun := row.toModel()
		request, err := it.s.GetRequest(it.ctx, toRun.RequestKey())
		if err != nil {
			it.close(err)
			return nil, nil, err
		}
		if request == nil {
			continue
		}
		return request, toRun, nil
	}
	err := it.rows.Err()
	if err == nil {
		err = store.Done
	}
	it.close(err)
	return nil, nil, err
}

func (it *toRunIterator) close(err error) {
	_ = it.rows.Close()
	it.err = err
}

func (s *Store) queryToRuns(ctx context.Context, query string, args ...interface{}) store.ToRunIterator {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return &toRunIterator{err: err}
	}
	return &toRunIterator{ctx: ctx, s: s, rows: rows}
}

// PendingToRuns implements store.Store.
func (s *Store) PendingToRuns(ctx context.Context) store.ToRunIterator {
	return s.queryToRuns(ctx, `SELECT request_id, queue_number, try_number, expiration_ts
		FROM task_to_runs WHERE queue_number IS NOT NULL ORDER BY queue_number ASC`)
}

// ExpiredToRuns implements store.Store.
func (s *Store) ExpiredToRuns(ctx context.Context, now time.Time) store.ToRunIterator {
	return s.queryToRuns(ctx, `SELECT request_id, queue_number, try_number, expiration_ts
		FROM task_to_runs WHERE queue_number IS NOT NULL AND expiration_ts <= $1
		ORDER BY queue_number ASC`, now)
}

// NewestSummaryWithPropertiesHash implements store.Store. Ascending
// request_id order is newest-request-first.
func (s *Store) NewestSummaryWithPropertiesHash(ctx context.Context, hash string) (*models.TaskResultSummary, error) {
	if hash == "" {
		return nil, nil
	}
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `SELECT request_id, created_ts, name, user_id, state, bot_id, bot_version, try_number,
			exit_codes, durations, started_ts, completed_ts, abandoned_ts, modified_ts, internal_failure,
			costs_usd, cost_saved_usd, deduped_from, properties_hash, children_task_ids
		FROM task_result_summaries WHERE properties_hash = $1
		ORDER BY request_id ASC LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// StaleRunningResults implements store.Store.
func (s *Store) StaleRunningResults(ctx context.Context, cutoff time.Time) ([]taskpack.RunResultKey, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT request_id, try_number FROM task_run_results
		WHERE state = $1 AND modified_ts <= $2`, string(models.TaskStateRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []taskpack.RunResultKey
	for rows.Next() {
		var key taskpack.RunResultKey
		if err := rows.Scan(&key.RequestID, &key.TryNumber); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
