// Package taskqueue implements the dispatch discipline of pending tasks:
// queue_number generation, the dimension-filtered dispatch sequence and the
// negative lookup cache that keeps bots from re-reading freshly claimed
// entries.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// queueTimestampBits is the width of the millisecond timestamp in a
// queue_number. The 8 priority bits above it keep the value within 63 bits.
const queueTimestampBits = 55

// GenQueueNumber packs (priority, timestamp) into a 63-bit ordering key.
// Ascending order yields highest-priority-oldest-first: a numerically lower
// priority outranks a higher one, and within one priority older timestamps
// sort first.
func GenQueueNumber(priority int, ts time.Time) int64 {
	if priority < 0 || priority > models.MaximumPriority {
		panic(fmt.Sprintf("priority %d out of range", priority))
	}
	mask := int64(1)<<queueTimestampBits - 1
	return int64(priority)<<queueTimestampBits | ts.UnixMilli()&mask
}

// NewTaskToRun builds the dispatchable unit of a freshly scheduled request.
func NewTaskToRun(request *models.TaskRequest) *models.TaskToRun {
	qn := GenQueueNumber(request.Priority, request.CreatedTS)
	return &models.TaskToRun{
		Key:          taskpack.RequestKeyToToRunKey(request.Key),
		QueueNumber:  &qn,
		TryNumber:    1,
		ExpirationTS: request.ExpirationTS,
	}
}

// dispatchIterator filters the store's pending sequence down to what one
// bot may reap.
type dispatchIterator struct {
	ctx    context.Context
	inner  store.ToRunIterator
	cache  *LookupCache
	botDim models.Dimensions
}

func (it *dispatchIterator) Next() (*models.TaskRequest, *models.TaskToRun, error) {
	for {
		request, toRun, err := it.inner.Next()
		if err != nil {
			return nil, nil, err
		}
		if !toRun.IsReapable() {
			continue
		}
		if it.cache != nil && it.cache.IsBlocked(it.ctx, toRun.Key) {
			continue
		}
		if !request.Properties.Dimensions.ContainedIn(it.botDim) {
			continue
		}
		return request, toRun, nil
	}
}

// YieldNextAvailableTaskToDispatch returns the lazy sequence of (request,
// to-run) pairs a bot with the given dimensions may attempt to reap, in
// ascending queue_number order. The sequence is a hint; the claim is
// validated transactionally at reap time.
func YieldNextAvailableTaskToDispatch(ctx context.Context, st store.Store, cache *LookupCache, botDimensions models.Dimensions) store.ToRunIterator {
	return &dispatchIterator{
		ctx:    ctx,
		inner:  st.PendingToRuns(ctx),
		cache:  cache,
		botDim: botDimensions,
	}
}

// YieldExpiredTaskToRun returns the still-reapable to-runs whose expiration
// has passed.
func YieldExpiredTaskToRun(ctx context.Context, st store.Store, now time.Time) store.ToRunIterator {
	return st.ExpiredToRuns(ctx, now)
}
