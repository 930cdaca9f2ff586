package models

import (
	"time"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// TaskToRun is the dispatchable unit of a request. A nil QueueNumber means
// the task is not reapable: claimed, expired, canceled or deduplicated. The
// entity is never deleted, only descheduled.
type TaskToRun struct {
	Key taskpack.ToRunKey `json:"-" db:"-"`

	// QueueNumber packs (priority, timestamp) into 63 bits so ascending
	// order yields highest-priority-oldest-first dispatch.
	QueueNumber *int64 `json:"queue_number" db:"queue_number"`

	// TryNumber is 1 for the original attempt, 2 for the single retry.
	TryNumber int `json:"try_number" db:"try_number"`

	ExpirationTS time.Time `json:"expiration_ts" db:"expiration_ts"`
}

// IsReapable reports whether a bot may claim the task.
func (t *TaskToRun) IsReapable() bool {
	return t.QueueNumber != nil
}

// RequestKey returns the owning request's key.
func (t *TaskToRun) RequestKey() taskpack.RequestKey {
	return taskpack.ToRunKeyToRequestKey(t.Key)
}

// Clone returns a deep copy.
func (t *TaskToRun) Clone() *TaskToRun {
	c := *t
	if t.QueueNumber != nil {
		n := *t.QueueNumber
		c.QueueNumber = &n
	}
	return &c
}
