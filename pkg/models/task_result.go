package models

import (
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// TaskState is the lifecycle state shared by TaskRunResult and
// TaskResultSummary.
type TaskState string

// Task states. PENDING and RUNNING are the only non-terminal states. A
// PENDING -> PENDING reset happens when the first attempt died and the task
// is being retried.
const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateTimedOut  TaskState = "TIMED_OUT"
	TaskStateBotDied   TaskState = "BOT_DIED"
	TaskStateExpired   TaskState = "EXPIRED"
	TaskStateCanceled  TaskState = "CANCELED"
)

// Validate checks the state is a known value.
func (s TaskState) Validate() error {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateCompleted,
		TaskStateTimedOut, TaskStateBotDied, TaskStateExpired, TaskStateCanceled:
		return nil
	}
	return fmt.Errorf("%w: unknown task state %q", ErrValidation, string(s))
}

// IsRunning reports whether the task still has work pending or in flight.
func (s TaskState) IsRunning() bool {
	return s == TaskStatePending || s == TaskStateRunning
}

// IsTerminal reports whether the state is stable.
func (s TaskState) IsTerminal() bool {
	return !s.IsRunning()
}

// TaskRunResult records one actual attempt by a bot. One entity exists per
// try; at most one is RUNNING at any time for a given request.
type TaskRunResult struct {
	Key taskpack.RunResultKey `json:"-" db:"-"`

	BotID      string    `json:"bot_id" db:"bot_id"`
	BotVersion string    `json:"bot_version" db:"bot_version"`
	TryNumber  int       `json:"try_number" db:"try_number"`
	State      TaskState `json:"state" db:"state"`

	// ExitCodes and Durations hold one entry per completed command, in
	// order. Their lengths always match.
	ExitCodes Int64List   `json:"exit_codes" db:"exit_codes"`
	Durations Float64List `json:"durations" db:"durations"`

	// Outputs holds the appendable byte stream of each command.
	Outputs ByteChunks `json:"-" db:"outputs"`

	CostUSD         float64    `json:"cost_usd" db:"cost_usd"`
	StartedTS       time.Time  `json:"started_ts" db:"started_ts"`
	CompletedTS     *time.Time `json:"completed_ts,omitempty" db:"completed_ts"`
	AbandonedTS     *time.Time `json:"abandoned_ts,omitempty" db:"abandoned_ts"`
	ModifiedTS      time.Time  `json:"modified_ts" db:"modified_ts"`
	InternalFailure bool       `json:"internal_failure" db:"internal_failure"`

	// ServerVersions lists every server version that mutated this entity.
	ServerVersions StringList `json:"server_versions" db:"server_versions"`

	// ChildrenTaskIDs lists the packed ids of tasks scheduled under this
	// attempt. References, not ownership.
	ChildrenTaskIDs StringList `json:"children_task_ids" db:"children_task_ids"`
}

// NewRunResult builds the run result for a freshly reaped attempt.
func NewRunResult(request *TaskRequest, tryNumber int, botID, botVersion string, now time.Time) *TaskRunResult {
	summaryKey := taskpack.RequestKeyToResultSummaryKey(request.Key)
	return &TaskRunResult{
		Key:        taskpack.ResultSummaryKeyToRunResultKey(summaryKey, tryNumber),
		BotID:      botID,
		BotVersion: botVersion,
		TryNumber:  tryNumber,
		State:      TaskStateRunning,
		StartedTS:  now,
		ModifiedTS: now,
	}
}

// TaskID returns the packed external id of this attempt.
func (r *TaskRunResult) TaskID() string {
	return taskpack.PackRunResultKey(r.Key)
}

// SignalServerVersion records the version of the server mutating the entity.
func (r *TaskRunResult) SignalServerVersion(version string) {
	if n := len(r.ServerVersions); n == 0 || r.ServerVersions[n-1] != version {
		r.ServerVersions = append(r.ServerVersions, version)
	}
}

// Succeeded reports whether every command completed with exit code 0.
func (r *TaskRunResult) Succeeded() bool {
	if r.State != TaskStateCompleted {
		return false
	}
	for _, code := range r.ExitCodes {
		if code != 0 {
			return false
		}
	}
	return true
}

// AppendOutput writes data into the output stream of the given command at
// the given byte offset. Re-applying the same write is a no-op so an HTTP
// retry after a persisted-but-500 response stays safe.
func (r *TaskRunResult) AppendOutput(cmdIndex int, data []byte, offset int64) error {
	if cmdIndex < 0 {
		return fmt.Errorf("%w: negative command index %d", ErrValidation, cmdIndex)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative output offset %d", ErrValidation, offset)
	}
	for len(r.Outputs) <= cmdIndex {
		r.Outputs = append(r.Outputs, nil)
	}
	buf := r.Outputs[cmdIndex]
	end := offset + int64(len(data))
	if end <= int64(len(buf)) {
		// Region already written. Idempotent when identical.
		if string(buf[offset:end]) == string(data) {
			return nil
		}
	}
	if int64(len(buf)) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	r.Outputs[cmdIndex] = buf
	return nil
}

// Clone returns a deep copy.
func (r *TaskRunResult) Clone() *TaskRunResult {
	c := *r
	c.ExitCodes = append(Int64List(nil), r.ExitCodes...)
	c.Durations = append(Float64List(nil), r.Durations...)
	c.ServerVersions = append(StringList(nil), r.ServerVersions...)
	c.ChildrenTaskIDs = append(StringList(nil), r.ChildrenTaskIDs...)
	if r.Outputs != nil {
		c.Outputs = make(ByteChunks, len(r.Outputs))
		for i, chunk := range r.Outputs {
			c.Outputs[i] = append([]byte(nil), chunk...)
		}
	}
	c.CompletedTS = cloneTime(r.CompletedTS)
	c.AbandonedTS = cloneTime(r.AbandonedTS)
	return &c
}

// TaskResultSummary is the client-visible rollup of a request. It mirrors
// the run result of the current try, carries the per-try costs and records
// dedupe provenance.
type TaskResultSummary struct {
	Key taskpack.ResultSummaryKey `json:"-" db:"-"`

	CreatedTS time.Time `json:"created_ts" db:"created_ts"`
	Name      string    `json:"name" db:"name"`
	User      string    `json:"user" db:"user_id"`

	State      TaskState `json:"state" db:"state"`
	BotID      string    `json:"bot_id,omitempty" db:"bot_id"`
	BotVersion string    `json:"bot_version,omitempty" db:"bot_version"`

	// TryNumber is 0 until the task is reaped (or forever when deduped).
	TryNumber int `json:"try_number" db:"try_number"`

	ExitCodes Int64List   `json:"exit_codes" db:"exit_codes"`
	Durations Float64List `json:"durations" db:"durations"`

	StartedTS       time.Time  `json:"started_ts,omitempty" db:"started_ts"`
	CompletedTS     *time.Time `json:"completed_ts,omitempty" db:"completed_ts"`
	AbandonedTS     *time.Time `json:"abandoned_ts,omitempty" db:"abandoned_ts"`
	ModifiedTS      time.Time  `json:"modified_ts" db:"modified_ts"`
	InternalFailure bool       `json:"internal_failure" db:"internal_failure"`

	// CostsUSD holds the cost of each try, indexed by try number - 1.
	CostsUSD Float64List `json:"costs_usd" db:"costs_usd"`

	// CostSavedUSD is set iff the task was deduplicated.
	CostSavedUSD *float64 `json:"cost_saved_usd,omitempty" db:"cost_saved_usd"`

	// DedupedFrom is the packed run-result id whose results were reused.
	DedupedFrom string `json:"deduped_from,omitempty" db:"deduped_from"`

	// PropertiesHash stays set only while this summary is a valid dedupe
	// donor: it is cleared on dedupe and on unsuccessful completion.
	PropertiesHash string `json:"properties_hash,omitempty" db:"properties_hash"`

	// ChildrenTaskIDs lists the packed ids of tasks scheduled under this
	// one. References, not ownership.
	ChildrenTaskIDs StringList `json:"children_task_ids" db:"children_task_ids"`
}

// NewResultSummary builds the summary for a new request, in state PENDING.
func NewResultSummary(request *TaskRequest, now time.Time) *TaskResultSummary {
	return &TaskResultSummary{
		Key:            taskpack.RequestKeyToResultSummaryKey(request.Key),
		CreatedTS:      request.CreatedTS,
		Name:           request.Name,
		User:           request.User,
		State:          TaskStatePending,
		TryNumber:      0,
		ModifiedTS:     now,
		PropertiesHash: request.PropertiesHash,
	}
}

// TaskID returns the packed external id of the task.
func (s *TaskResultSummary) TaskID() string {
	return taskpack.PackResultSummaryKey(s.Key)
}

// RunResultKey returns the key of the run result for the current try.
func (s *TaskResultSummary) RunResultKey() taskpack.RunResultKey {
	return taskpack.ResultSummaryKeyToRunResultKey(s.Key, s.TryNumber)
}

// CanBeCanceled reports whether the task can still be canceled by a client.
func (s *TaskResultSummary) CanBeCanceled() bool {
	return s.State == TaskStatePending
}

// CostUSD returns the cost of the current try.
func (s *TaskResultSummary) CostUSD() float64 {
	if len(s.CostsUSD) == 0 {
		return 0
	}
	return s.CostsUSD[len(s.CostsUSD)-1]
}

// SetFromRunResult mirrors the observable state of a run result into the
// summary. The request, when provided, is only used for cross-checking that
// the entities belong together.
func (s *TaskResultSummary) SetFromRunResult(r *TaskRunResult, request *TaskRequest) {
	if request != nil && request.Key.ID != s.Key.RequestID {
		panic(fmt.Sprintf("result summary %x updated from request %x", s.Key.RequestID, request.Key.ID))
	}
	if r.Key.RequestID != s.Key.RequestID {
		panic(fmt.Sprintf("result summary %x updated from run result %x", s.Key.RequestID, r.Key.RequestID))
	}
	s.State = r.State
	s.BotID = r.BotID
	s.BotVersion = r.BotVersion
	s.TryNumber = r.TryNumber
	s.ExitCodes = append(Int64List(nil), r.ExitCodes...)
	s.Durations = append(Float64List(nil), r.Durations...)
	s.StartedTS = r.StartedTS
	s.CompletedTS = cloneTime(r.CompletedTS)
	s.AbandonedTS = cloneTime(r.AbandonedTS)
	s.InternalFailure = r.InternalFailure
	s.ModifiedTS = r.ModifiedTS
	for len(s.CostsUSD) < r.TryNumber {
		s.CostsUSD = append(s.CostsUSD, 0)
	}
	if r.TryNumber >= 1 {
		s.CostsUSD[r.TryNumber-1] = r.CostUSD
	}
	// A summary stays a dedupe donor only while it describes a successful
	// run of the hashed properties.
	if r.State.IsTerminal() && !r.Succeeded() {
		s.PropertiesHash = ""
	}
}

// ResetToPending returns the summary to PENDING for a retry. The bot id of
// the failed try and the recorded costs are preserved.
func (s *TaskResultSummary) ResetToPending(now time.Time) {
	s.State = TaskStatePending
	s.ExitCodes = nil
	s.Durations = nil
	s.StartedTS = time.Time{}
	s.CompletedTS = nil
	s.AbandonedTS = nil
	s.InternalFailure = false
	s.ModifiedTS = now
}

// SetFromDupe projects the observable results of a completed donor summary
// into this one. created_ts, name and user keep their own values; the
// properties hash is cleared so a deduped task never becomes a donor itself.
func (s *TaskResultSummary) SetFromDupe(donor *TaskResultSummary) {
	s.State = donor.State
	s.BotID = donor.BotID
	s.BotVersion = donor.BotVersion
	s.ExitCodes = append(Int64List(nil), donor.ExitCodes...)
	s.Durations = append(Float64List(nil), donor.Durations...)
	s.StartedTS = donor.StartedTS
	s.CompletedTS = cloneTime(donor.CompletedTS)
	s.AbandonedTS = cloneTime(donor.AbandonedTS)
	s.InternalFailure = donor.InternalFailure

	saved := donor.CostUSD()
	s.CostSavedUSD = &saved
	s.CostsUSD = nil
	s.TryNumber = 0
	s.PropertiesHash = ""
	s.DedupedFrom = taskpack.PackRunResultKey(donor.RunResultKey())
}

// Clone returns a deep copy.
func (s *TaskResultSummary) Clone() *TaskResultSummary {
	c := *s
	c.ExitCodes = append(Int64List(nil), s.ExitCodes...)
	c.Durations = append(Float64List(nil), s.Durations...)
	c.CostsUSD = append(Float64List(nil), s.CostsUSD...)
	c.ChildrenTaskIDs = append(StringList(nil), s.ChildrenTaskIDs...)
	if s.CostSavedUSD != nil {
		v := *s.CostSavedUSD
		c.CostSavedUSD = &v
	}
	c.CompletedTS = cloneTime(s.CompletedTS)
	c.AbandonedTS = cloneTime(s.AbandonedTS)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
