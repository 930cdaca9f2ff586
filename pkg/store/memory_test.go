package store

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

func newRequest(t *testing.T, rnd *rand.Rand, created time.Time) *models.TaskRequest {
	t.Helper()
	key := taskpack.NewRequestKey(created, rnd)
	return models.NewTaskRequest(
		key, "test-task", "user", 50, created, created.Add(time.Hour), "",
		models.TaskProperties{
			Commands:   models.Commands{{"echo", "hi"}},
			Dimensions: models.Dimensions{"os": {"linux"}},
		})
}

func TestMemoryStorePutGetRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(1))
	req := newRequest(t, rnd, time.Now())

	got, err := s.GetRequest(ctx, req.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.PutRequest(ctx, req))
	got, err = s.GetRequest(ctx, req.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.Name, got.Name)

	// The store holds its own copy.
	got.Name = "mutated"
	again, err := s.GetRequest(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, "test-task", again.Name)
}

func TestMemoryStoreTransactionPutAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(2))
	now := time.Now()
	req := newRequest(t, rnd, now)
	require.NoError(t, s.PutRequest(ctx, req))

	summary := models.NewResultSummary(req, now)
	qn := int64(42)
	toRun := &models.TaskToRun{
		Key:          taskpack.RequestKeyToToRunKey(req.Key),
		QueueNumber:  &qn,
		TryNumber:    1,
		ExpirationTS: req.ExpirationTS,
	}

	err := s.RunInTransaction(ctx, req.Key, 2, func(tx Tx) error {
		gotReq, err := tx.GetRequest(req.Key)
		require.NoError(t, err)
		require.NotNil(t, gotReq)

		missing, err := tx.GetToRun(toRun.Key)
		require.NoError(t, err)
		assert.Nil(t, missing)

		return tx.Put(summary, toRun)
	})
	require.NoError(t, err)

	gotToRun, err := s.GetToRun(ctx, toRun.Key)
	require.NoError(t, err)
	require.NotNil(t, gotToRun)
	assert.Equal(t, int64(42), *gotToRun.QueueNumber)

	gotSummary, err := s.GetResultSummary(ctx, summary.Key)
	require.NoError(t, err)
	require.NotNil(t, gotSummary)
	assert.Equal(t, models.TaskStatePending, gotSummary.State)
}

func TestMemoryStoreTransactionAbortsOnFnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(3))
	req := newRequest(t, rnd, time.Now())
	require.NoError(t, s.PutRequest(ctx, req))

	boom := assert.AnError
	err := s.RunInTransaction(ctx, req.Key, 5, func(tx Tx) error {
		_ = tx.Put(models.NewResultSummary(req, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing was written.
	got, err := s.GetResultSummary(ctx, taskpack.RequestKeyToResultSummaryKey(req.Key))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreTransactionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(4))
	req := newRequest(t, rnd, time.Now())
	require.NoError(t, s.PutRequest(ctx, req))

	// Zero retries: a conflicting write between snapshot and commit fails.
	err := s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
		require.NoError(t, s.PutRequest(ctx, req))
		return tx.Put(models.NewResultSummary(req, time.Now()))
	})
	require.Error(t, err)
	assert.True(t, IsCommitError(err))
	assert.ErrorIs(t, err, ErrConflict)

	// With a retry budget, the second attempt succeeds.
	attempt := 0
	err = s.RunInTransaction(ctx, req.Key, 3, func(tx Tx) error {
		attempt++
		if attempt == 1 {
			require.NoError(t, s.PutRequest(ctx, req))
		}
		return tx.Put(models.NewResultSummary(req, time.Now()))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestMemoryStoreTransactionRejectsForeignEntities(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(5))
	reqA := newRequest(t, rnd, time.Now())
	reqB := newRequest(t, rnd, time.Now())
	require.NoError(t, s.PutRequest(ctx, reqA))

	err := s.RunInTransaction(ctx, reqA.Key, 0, func(tx Tx) error {
		return tx.Put(models.NewResultSummary(reqB, time.Now()))
	})
	assert.Error(t, err)
	assert.False(t, IsCommitError(err))
}

func TestMemoryStorePendingToRunsOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(6))
	now := time.Now()

	put := func(qn int64) *models.TaskToRun {
		req := newRequest(t, rnd, now)
		require.NoError(t, s.PutRequest(ctx, req))
		n := qn
		toRun := &models.TaskToRun{
			Key:          taskpack.RequestKeyToToRunKey(req.Key),
			QueueNumber:  &n,
			TryNumber:    1,
			ExpirationTS: now.Add(time.Hour),
		}
		require.NoError(t, s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
			return tx.Put(toRun)
		}))
		return toRun
	}

	put(30)
	put(10)
	claimed := put(5)
	put(20)

	// Descheduled entries are skipped.
	claimed.QueueNumber = nil
	require.NoError(t, s.RunInTransaction(ctx, claimed.RequestKey(), 0, func(tx Tx) error {
		return tx.Put(claimed)
	}))

	it := s.PendingToRuns(ctx)
	var got []int64
	for {
		_, toRun, err := it.Next()
		if err == Done {
			break
		}
		require.NoError(t, err)
		got = append(got, *toRun.QueueNumber)
	}
	assert.Equal(t, []int64{10, 20, 30}, got)
}

func TestMemoryStoreExpiredToRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(7))
	now := time.Now()

	put := func(expiration time.Time) {
		req := newRequest(t, rnd, now.Add(-2*time.Hour))
		req.ExpirationTS = expiration
		require.NoError(t, s.PutRequest(ctx, req))
		qn := int64(1)
		require.NoError(t, s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
			return tx.Put(&models.TaskToRun{
				Key:          taskpack.RequestKeyToToRunKey(req.Key),
				QueueNumber:  &qn,
				TryNumber:    1,
				ExpirationTS: expiration,
			})
		}))
	}

	put(now.Add(-time.Minute)) // expired
	put(now)                   // boundary: expiration exactly at now is expired
	put(now.Add(time.Hour))    // alive

	count := 0
	it := s.ExpiredToRuns(ctx, now)
	for {
		_, _, err := it.Next()
		if err == Done {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestMemoryStoreNewestSummaryWithPropertiesHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(8))
	base := time.Date(2014, 6, 1, 0, 0, 0, 0, time.UTC)

	putSummary := func(created time.Time, hash string) *models.TaskResultSummary {
		req := newRequest(t, rnd, created)
		require.NoError(t, s.PutRequest(ctx, req))
		summary := models.NewResultSummary(req, created)
		summary.PropertiesHash = hash
		require.NoError(t, s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
			return tx.Put(summary)
		}))
		return summary
	}

	putSummary(base, "h1")
	newest := putSummary(base.Add(time.Hour), "h1")
	putSummary(base.Add(30*time.Minute), "h2")

	got, err := s.NewestSummaryWithPropertiesHash(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newest.Key, got.Key)

	got, err = s.NewestSummaryWithPropertiesHash(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.NewestSummaryWithPropertiesHash(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreStaleRunningResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(9))
	now := time.Now()
	cutoff := now.Add(-10 * time.Minute)

	put := func(state models.TaskState, modified time.Time) taskpack.RunResultKey {
		req := newRequest(t, rnd, now.Add(-time.Hour))
		require.NoError(t, s.PutRequest(ctx, req))
		r := models.NewRunResult(req, 1, "bot1", "v1", modified)
		r.State = state
		r.ModifiedTS = modified
		require.NoError(t, s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
			return tx.Put(r)
		}))
		return r.Key
	}

	stale := put(models.TaskStateRunning, cutoff.Add(-time.Minute))
	put(models.TaskStateRunning, now)                            // fresh heartbeat
	put(models.TaskStateCompleted, cutoff.Add(-2*time.Minute))   // terminal
	boundary := put(models.TaskStateRunning, cutoff)             // exactly at cutoff

	keys, err := s.StaleRunningResults(ctx, cutoff)
	require.NoError(t, err)
	assert.ElementsMatch(t, []taskpack.RunResultKey{stale, boundary}, keys)
}

func TestMemoryStoreConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rnd := rand.New(rand.NewSource(10))
	now := time.Now()
	req := newRequest(t, rnd, now)
	require.NoError(t, s.PutRequest(ctx, req))
	summary := models.NewResultSummary(req, now)
	require.NoError(t, s.RunInTransaction(ctx, req.Key, 0, func(tx Tx) error {
		return tx.Put(summary)
	}))

	// Many goroutines increment try_number; the versioned commits must
	// serialize them.
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTransaction(ctx, req.Key, 100, func(tx Tx) error {
				cur, err := tx.GetResultSummary(summary.Key)
				if err != nil {
					return err
				}
				cur.TryNumber++
				return tx.Put(cur)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetResultSummary(ctx, summary.Key)
	require.NoError(t, err)
	assert.Equal(t, workers, got.TryNumber)
}
