// Package store defines the persistence contract of the scheduler: a
// transactional entity-group store over the four task entities, plus the
// eventually-consistent queries feeding dispatch and reconciliation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Done is returned by iterators when no more results are available.
var Done = errors.New("store: no more results")

// ErrConflict signals that a single commit attempt lost a race. The
// transaction runner retries on it and surfaces CommitError when retries
// are exhausted.
var ErrConflict = errors.New("store: commit conflict")

// CommitError is returned when a transaction exhausted its retries.
type CommitError struct {
	Attempts int
	Err      error
}

// Error implements error
func (e *CommitError) Error() string {
	return fmt.Sprintf("store: transaction failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes the underlying conflict.
func (e *CommitError) Unwrap() error { return e.Err }

// IsCommitError reports whether err is a retries-exhausted transaction
// failure.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}

// Tx is the handle passed to a transaction function. Reads observe a
// consistent snapshot of the entity group; writes are staged and applied
// atomically at commit. Missing entities read as nil without error.
type Tx interface {
	GetRequest(key taskpack.RequestKey) (*models.TaskRequest, error)
	GetToRun(key taskpack.ToRunKey) (*models.TaskToRun, error)
	GetRunResult(key taskpack.RunResultKey) (*models.TaskRunResult, error)
	GetResultSummary(key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error)

	// Put stages entity writes. Accepted types: *models.TaskRequest,
	// *models.TaskToRun, *models.TaskRunResult, *models.TaskResultSummary.
	// Every entity must belong to the transaction's entity group.
	Put(entities ...interface{}) error
}

// ToRunIterator lazily yields dispatchable units with their requests.
// Next returns Done once the sequence is exhausted.
type ToRunIterator interface {
	Next() (*models.TaskRequest, *models.TaskToRun, error)
}

// Store is the persistence capability handed to the scheduler core.
//
// Ordering contract: implementations must allocate request ids with
// taskpack.NewRequestKey so that ascending key order is newest-request-first.
// NewestSummaryWithPropertiesHash relies on it, as does the dedupe path.
// Queries outside transactions may be eventually consistent; transactional
// reads are serializable within one entity group.
type Store interface {
	// PutRequest persists a request before it is scheduled.
	PutRequest(ctx context.Context, request *models.TaskRequest) error

	// Plain reads outside any transaction.
	GetRequest(ctx context.Context, key taskpack.RequestKey) (*models.TaskRequest, error)
	GetToRun(ctx context.Context, key taskpack.ToRunKey) (*models.TaskToRun, error)
	GetRunResult(ctx context.Context, key taskpack.RunResultKey) (*models.TaskRunResult, error)
	GetResultSummary(ctx context.Context, key taskpack.ResultSummaryKey) (*models.TaskResultSummary, error)

	// RunInTransaction runs fn against the entity group rooted at root,
	// re-running it up to retries extra times on commit conflict. It
	// returns a CommitError when conflicts exhaust the attempts. Any
	// other error from fn aborts without retrying.
	RunInTransaction(ctx context.Context, root taskpack.RequestKey, retries int, fn func(Tx) error) error

	// PendingToRuns yields reapable to-runs in ascending queue_number
	// order (highest priority, oldest first).
	PendingToRuns(ctx context.Context) ToRunIterator

	// ExpiredToRuns yields to-runs still reapable whose expiration has
	// passed at now.
	ExpiredToRuns(ctx context.Context, now time.Time) ToRunIterator

	// NewestSummaryWithPropertiesHash returns the most recent result
	// summary carrying the given properties hash, or nil.
	NewestSummaryWithPropertiesHash(ctx context.Context, hash string) (*models.TaskResultSummary, error)

	// StaleRunningResults returns the keys of run results still RUNNING
	// whose last heartbeat is at or before cutoff.
	StaleRunningResults(ctx context.Context, cutoff time.Time) ([]taskpack.RunResultKey, error)
}
