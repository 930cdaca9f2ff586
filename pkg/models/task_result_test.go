package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

func testRequest(t *testing.T) *TaskRequest {
	t.Helper()
	now := time.Date(2014, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewTaskRequest(testKey(t), "t", "u", 50, now, now.Add(time.Hour), "", validProperties())
}

func TestTaskStatePredicates(t *testing.T) {
	running := []TaskState{TaskStatePending, TaskStateRunning}
	terminal := []TaskState{
		TaskStateCompleted, TaskStateTimedOut, TaskStateBotDied,
		TaskStateExpired, TaskStateCanceled,
	}
	for _, s := range running {
		assert.True(t, s.IsRunning(), s)
		assert.False(t, s.IsTerminal(), s)
		assert.NoError(t, s.Validate())
	}
	for _, s := range terminal {
		assert.False(t, s.IsRunning(), s)
		assert.True(t, s.IsTerminal(), s)
		assert.NoError(t, s.Validate())
	}
	assert.ErrorIs(t, TaskState("BOGUS").Validate(), ErrValidation)
}

func TestNewRunResult(t *testing.T) {
	req := testRequest(t)
	now := time.Now()
	r := NewRunResult(req, 1, "bot1", "v1", now)

	assert.Equal(t, TaskStateRunning, r.State)
	assert.Equal(t, 1, r.TryNumber)
	assert.Equal(t, "bot1", r.BotID)
	assert.Equal(t, req.Key.ID, r.Key.RequestID)
	assert.Equal(t, now, r.StartedTS)
	assert.Empty(t, r.ExitCodes)
}

func TestSignalServerVersion(t *testing.T) {
	r := NewRunResult(testRequest(t), 1, "bot1", "v1", time.Now())
	r.SignalServerVersion("server-1")
	r.SignalServerVersion("server-1")
	r.SignalServerVersion("server-2")
	assert.Equal(t, StringList{"server-1", "server-2"}, r.ServerVersions)
}

func TestAppendOutput(t *testing.T) {
	r := NewRunResult(testRequest(t), 1, "bot1", "v1", time.Now())

	require.NoError(t, r.AppendOutput(0, []byte("hello "), 0))
	require.NoError(t, r.AppendOutput(0, []byte("world"), 6))
	assert.Equal(t, "hello world", string(r.Outputs[0]))

	// Re-applying the same chunk is a no-op.
	require.NoError(t, r.AppendOutput(0, []byte("world"), 6))
	assert.Equal(t, "hello world", string(r.Outputs[0]))

	// Writing past the end zero-pads the gap.
	require.NoError(t, r.AppendOutput(0, []byte("!"), 15))
	assert.Equal(t, "hello world\x00\x00\x00\x00!", string(r.Outputs[0]))

	// Separate streams per command index.
	require.NoError(t, r.AppendOutput(1, []byte("second"), 0))
	assert.Equal(t, "second", string(r.Outputs[1]))
	assert.Equal(t, 2, len(r.Outputs))

	assert.ErrorIs(t, r.AppendOutput(-1, nil, 0), ErrValidation)
	assert.ErrorIs(t, r.AppendOutput(0, nil, -1), ErrValidation)
}

func TestRunResultSucceeded(t *testing.T) {
	r := NewRunResult(testRequest(t), 1, "bot1", "v1", time.Now())
	assert.False(t, r.Succeeded())

	r.State = TaskStateCompleted
	r.ExitCodes = Int64List{0, 0}
	assert.True(t, r.Succeeded())

	r.ExitCodes = Int64List{0, 1}
	assert.False(t, r.Succeeded())
}

func TestNewResultSummary(t *testing.T) {
	req := testRequest(t)
	req.Properties.Idempotent = true
	req.PropertiesHash = req.Properties.Hash()

	s := NewResultSummary(req, time.Now())
	assert.Equal(t, TaskStatePending, s.State)
	assert.Equal(t, 0, s.TryNumber)
	assert.Equal(t, req.PropertiesHash, s.PropertiesHash)
	assert.Equal(t, req.CreatedTS, s.CreatedTS)
	assert.True(t, s.CanBeCanceled())
}

func TestSetFromRunResult(t *testing.T) {
	req := testRequest(t)
	now := time.Now()
	s := NewResultSummary(req, now)
	r := NewRunResult(req, 1, "bot1", "v1", now)

	s.SetFromRunResult(r, req)
	assert.Equal(t, TaskStateRunning, s.State)
	assert.Equal(t, "bot1", s.BotID)
	assert.Equal(t, 1, s.TryNumber)
	assert.Equal(t, Float64List{0}, s.CostsUSD)
	assert.False(t, s.CanBeCanceled())

	done := now.Add(time.Minute)
	r.State = TaskStateCompleted
	r.ExitCodes = Int64List{0}
	r.Durations = Float64List{1.5}
	r.CompletedTS = &done
	r.CostUSD = 0.25
	r.ModifiedTS = done
	s.SetFromRunResult(r, req)

	assert.Equal(t, TaskStateCompleted, s.State)
	assert.Equal(t, Int64List{0}, s.ExitCodes)
	assert.Equal(t, Float64List{0.25}, s.CostsUSD)
	assert.Equal(t, done, *s.CompletedTS)
}

func TestSetFromRunResultClearsHashOnFailure(t *testing.T) {
	req := testRequest(t)
	req.Properties.Idempotent = true
	req.PropertiesHash = req.Properties.Hash()
	now := time.Now()

	// A failed completion loses dedupe-donor eligibility.
	s := NewResultSummary(req, now)
	r := NewRunResult(req, 1, "bot1", "v1", now)
	r.State = TaskStateCompleted
	r.ExitCodes = Int64List{1}
	r.Durations = Float64List{0.1}
	s.SetFromRunResult(r, req)
	assert.Empty(t, s.PropertiesHash)

	// A successful completion keeps it.
	s = NewResultSummary(req, now)
	r = NewRunResult(req, 1, "bot1", "v1", now)
	r.State = TaskStateCompleted
	r.ExitCodes = Int64List{0}
	r.Durations = Float64List{0.1}
	s.SetFromRunResult(r, req)
	assert.Equal(t, req.PropertiesHash, s.PropertiesHash)
}

func TestSetFromRunResultKeyMismatchPanics(t *testing.T) {
	reqA := testRequest(t)
	reqB := testRequest(t)
	reqB.Key = taskpack.RequestKey{ID: reqA.Key.ID + 1}
	s := NewResultSummary(reqA, time.Now())
	r := NewRunResult(reqB, 1, "bot1", "v1", time.Now())
	assert.Panics(t, func() { s.SetFromRunResult(r, nil) })
}

func TestResetToPending(t *testing.T) {
	req := testRequest(t)
	now := time.Now()
	s := NewResultSummary(req, now)
	r := NewRunResult(req, 1, "bot1", "v1", now)
	r.CostUSD = 0.5
	s.SetFromRunResult(r, req)

	later := now.Add(time.Minute)
	s.ResetToPending(later)

	assert.Equal(t, TaskStatePending, s.State)
	assert.Empty(t, s.ExitCodes)
	assert.Nil(t, s.CompletedTS)
	assert.Nil(t, s.AbandonedTS)
	assert.False(t, s.InternalFailure)
	assert.Equal(t, later, s.ModifiedTS)
	// The failed try's bot id and cost survive the reset.
	assert.Equal(t, "bot1", s.BotID)
	assert.Equal(t, 1, s.TryNumber)
	assert.Equal(t, Float64List{0.5}, s.CostsUSD)
}

func TestSetFromDupe(t *testing.T) {
	now := time.Now()
	donorReq := testRequest(t)
	donorReq.Properties.Idempotent = true
	donorReq.PropertiesHash = donorReq.Properties.Hash()
	donor := NewResultSummary(donorReq, now)
	r := NewRunResult(donorReq, 1, "bot1", "v1", now)
	done := now.Add(time.Minute)
	r.State = TaskStateCompleted
	r.ExitCodes = Int64List{0}
	r.Durations = Float64List{2.0}
	r.CompletedTS = &done
	r.CostUSD = 0.75
	donor.SetFromRunResult(r, donorReq)

	newReq := testRequest(t)
	newReq.Key = taskpack.RequestKey{ID: donorReq.Key.ID - 10}
	s := NewResultSummary(newReq, now.Add(time.Hour))
	createdTS := s.CreatedTS
	s.SetFromDupe(donor)

	assert.Equal(t, TaskStateCompleted, s.State)
	assert.Equal(t, 0, s.TryNumber)
	assert.Empty(t, s.PropertiesHash)
	assert.Empty(t, s.CostsUSD)
	require.NotNil(t, s.CostSavedUSD)
	assert.Equal(t, 0.75, *s.CostSavedUSD)
	assert.Equal(t, taskpack.PackRunResultKey(donor.RunResultKey()), s.DedupedFrom)
	assert.Equal(t, Int64List{0}, s.ExitCodes)
	// Own identity fields are kept.
	assert.Equal(t, createdTS, s.CreatedTS)
}

func TestSummaryCostUSD(t *testing.T) {
	s := &TaskResultSummary{}
	assert.Zero(t, s.CostUSD())
	s.CostsUSD = Float64List{0.1, 0.3}
	assert.Equal(t, 0.3, s.CostUSD())
}
