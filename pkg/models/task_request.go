// Package models holds the four persisted entities of a task and their state
// machine: TaskRequest, TaskToRun, TaskRunResult and TaskResultSummary.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// MaximumPriority is the highest (least urgent) priority value accepted.
const MaximumPriority = 255

// ErrValidation tags caller-bug errors so callers can distinguish them from
// transient store failures.
var ErrValidation = errors.New("validation error")

// TaskProperties describes the work to run. It is immutable once the request
// is stored; the properties hash identifies identical work for dedupe.
type TaskProperties struct {
	Commands   Commands   `json:"commands" db:"commands"`
	Dimensions Dimensions `json:"dimensions" db:"dimensions"`
	Idempotent bool       `json:"idempotent" db:"idempotent"`
}

// Hash returns a deterministic digest of the properties. encoding/json sorts
// map keys, so the digest is stable across processes.
func (p TaskProperties) Hash() string {
	blob, err := json.Marshal(p)
	if err != nil {
		// Only unmarshalable types could fail here and the struct has none.
		panic(err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// TaskRequest is the client's description of a task. Immutable after
// creation; it roots the entity group holding the runtime entities.
type TaskRequest struct {
	Key taskpack.RequestKey `json:"-" db:"-"`

	CreatedTS    time.Time  `json:"created_ts" db:"created_ts"`
	Name         string     `json:"name" db:"name"`
	User         string     `json:"user" db:"user_id"`
	Priority     int        `json:"priority" db:"priority"`
	ExpirationTS time.Time  `json:"expiration_ts" db:"expiration_ts"`
	ParentTaskID string     `json:"parent_task_id,omitempty" db:"parent_task_id"`

	Properties TaskProperties `json:"properties" db:"-"`

	// PropertiesHash is set iff the request is idempotent.
	PropertiesHash string `json:"properties_hash,omitempty" db:"properties_hash"`
}

// NewTaskRequest builds a request and seals its properties hash.
func NewTaskRequest(
	key taskpack.RequestKey,
	name, user string,
	priority int,
	createdTS, expirationTS time.Time,
	parentTaskID string,
	props TaskProperties,
) *TaskRequest {
	r := &TaskRequest{
		Key:          key,
		CreatedTS:    createdTS,
		Name:         name,
		User:         user,
		Priority:     priority,
		ExpirationTS: expirationTS,
		ParentTaskID: parentTaskID,
		Properties:   props,
	}
	if props.Idempotent {
		r.PropertiesHash = props.Hash()
	}
	return r
}

// Validate checks the request invariants.
func (r *TaskRequest) Validate() error {
	if r.Key.IsZero() {
		return fmt.Errorf("%w: request key is unset", ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if r.Priority < 0 || r.Priority > MaximumPriority {
		return fmt.Errorf("%w: priority %d out of range [0, %d]", ErrValidation, r.Priority, MaximumPriority)
	}
	if !r.ExpirationTS.After(r.CreatedTS) {
		return fmt.Errorf("%w: expiration_ts must be after created_ts", ErrValidation)
	}
	if len(r.Properties.Commands) == 0 {
		return fmt.Errorf("%w: at least one command is required", ErrValidation)
	}
	for i, cmd := range r.Properties.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("%w: command %d is empty", ErrValidation, i)
		}
	}
	if r.Properties.Idempotent != (r.PropertiesHash != "") {
		return fmt.Errorf("%w: properties_hash must be set iff idempotent", ErrValidation)
	}
	if r.ParentTaskID != "" {
		if _, err := taskpack.UnpackRunResultKey(r.ParentTaskID); err != nil {
			return fmt.Errorf("%w: parent_task_id: %v", ErrValidation, err)
		}
	}
	return nil
}

// TaskID returns the packed external id of the task.
func (r *TaskRequest) TaskID() string {
	return taskpack.PackResultSummaryKey(taskpack.RequestKeyToResultSummaryKey(r.Key))
}

// Clone returns a deep copy.
func (r *TaskRequest) Clone() *TaskRequest {
	c := *r
	c.Properties.Commands = cloneCommands(r.Properties.Commands)
	c.Properties.Dimensions = cloneDimensions(r.Properties.Dimensions)
	return &c
}

func cloneCommands(in Commands) Commands {
	if in == nil {
		return nil
	}
	out := make(Commands, len(in))
	for i, cmd := range in {
		out[i] = append([]string(nil), cmd...)
	}
	return out
}

func cloneDimensions(in Dimensions) Dimensions {
	if in == nil {
		return nil
	}
	out := make(Dimensions, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
