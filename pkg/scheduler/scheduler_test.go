package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/taskswarm/pkg/cache"
	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/search"
	"github.com/developer-mesh/taskswarm/pkg/stats"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
	"github.com/developer-mesh/taskswarm/pkg/taskqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var botDimensions = models.Dimensions{"os": {"linux"}, "cpu": {"x64"}}

type env struct {
	t     *testing.T
	store *store.MemoryStore
	clock *fakeClock
	stats *stats.Recorder
	index *search.MemoryIndex
	sched *Scheduler
}

func newEnv(t *testing.T, cfg Config) *env {
	e := &env{
		t:     t,
		store: store.NewMemoryStore(),
		clock: &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		stats: &stats.Recorder{},
		index: search.NewMemoryIndex(),
	}
	lookup := taskqueue.NewLookupCache(cache.NewMemoryCache(128, time.Minute), 0)
	e.sched = New(Options{
		Store:       e.store,
		LookupCache: lookup,
		Stats:       e.stats,
		Index:       e.index,
		Clock:       e.clock,
		App:         StaticAppInfo{AppVersion: "v100"},
		Config:      cfg,
		Rand:        rand.New(rand.NewSource(42)),
	})
	return e
}

type requestOpts struct {
	name       string
	priority   int
	expiration time.Duration
	idempotent bool
	parent     string
	commands   models.Commands
}

func (e *env) newRequest(mod func(*requestOpts)) *models.TaskRequest {
	opts := requestOpts{
		name:       "compile",
		priority:   50,
		expiration: time.Hour,
		commands:   models.Commands{{"echo", "hi"}},
	}
	if mod != nil {
		mod(&opts)
	}
	now := e.clock.Now()
	return models.NewTaskRequest(
		e.sched.NewRequestKey(),
		opts.name, "user@example.com",
		opts.priority,
		now, now.Add(opts.expiration),
		opts.parent,
		models.TaskProperties{
			Commands:   opts.commands,
			Dimensions: models.Dimensions{"os": {"linux"}},
			Idempotent: opts.idempotent,
		},
	)
}

func (e *env) schedule(mod func(*requestOpts)) (*models.TaskRequest, *models.TaskResultSummary) {
	request := e.newRequest(mod)
	summary, err := e.sched.ScheduleRequest(context.Background(), request)
	require.NoError(e.t, err)
	return request, summary
}

func (e *env) reap(botID string) (*models.TaskRequest, *models.TaskRunResult) {
	request, rr, err := e.sched.BotReapTask(context.Background(), botDimensions, botID, "bot-v1")
	require.NoError(e.t, err)
	return request, rr
}

func (e *env) summary(request *models.TaskRequest) *models.TaskResultSummary {
	s, err := e.store.GetResultSummary(context.Background(), taskpack.RequestKeyToResultSummaryKey(request.Key))
	require.NoError(e.t, err)
	require.NotNil(e.t, s)
	return s
}

func (e *env) toRun(request *models.TaskRequest) *models.TaskToRun {
	tr, err := e.store.GetToRun(context.Background(), taskpack.RequestKeyToToRunKey(request.Key))
	require.NoError(e.t, err)
	require.NotNil(e.t, tr)
	return tr
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func (e *env) finish(rr *models.TaskRunResult, botID string, exitCode int64) {
	ok, completed, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        botID,
		ExitCode:     i64(exitCode),
		Duration:     f64(1.5),
		CostUSD:      0.1,
	})
	require.NoError(e.t, err)
	require.True(e.t, ok)
	require.True(e.t, completed)
}

func TestScheduleRequest(t *testing.T) {
	e := newEnv(t, Config{})
	request, summary := e.schedule(nil)

	assert.Equal(t, models.TaskStatePending, summary.State)
	assert.Equal(t, 0, summary.TryNumber)
	assert.Empty(t, summary.DedupedFrom)

	stored := e.summary(request)
	assert.Equal(t, models.TaskStatePending, stored.State)
	assert.True(t, e.toRun(request).IsReapable())

	assert.Equal(t, []string{stats.EventTaskEnqueued}, e.stats.Events())
	docs := e.index.Search("compile")
	require.Len(t, docs, 1)
	assert.Equal(t, request.TaskID(), docs[0].TaskID)
}

func TestScheduleRequestInvalid(t *testing.T) {
	e := newEnv(t, Config{})
	request := e.newRequest(func(o *requestOpts) { o.priority = 256 })
	_, err := e.sched.ScheduleRequest(context.Background(), request)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestScheduleRequestParentChild(t *testing.T) {
	e := newEnv(t, Config{})
	parentReq, _ := e.schedule(nil)
	_, parentRun := e.reap("bot-parent")
	require.NotNil(t, parentRun)

	childReq, _ := e.schedule(func(o *requestOpts) {
		o.name = "child"
		o.parent = parentRun.TaskID()
	})

	// Both the attempt that spawned the child and the summary record it.
	parent := e.summary(parentReq)
	assert.Equal(t, models.StringList{childReq.TaskID()}, parent.ChildrenTaskIDs)
	parentRR, err := e.store.GetRunResult(context.Background(), parentRun.Key)
	require.NoError(t, err)
	assert.Equal(t, models.StringList{childReq.TaskID()}, parentRR.ChildrenTaskIDs)

	child2, _ := e.schedule(func(o *requestOpts) {
		o.name = "child2"
		o.parent = parentRun.TaskID()
	})
	parent = e.summary(parentReq)
	assert.Equal(t, models.StringList{childReq.TaskID(), child2.TaskID()}, parent.ChildrenTaskIDs)
	parentRR, err = e.store.GetRunResult(context.Background(), parentRun.Key)
	require.NoError(t, err)
	assert.Equal(t, models.StringList{childReq.TaskID(), child2.TaskID()}, parentRR.ChildrenTaskIDs)
}

func TestScheduleRequestUnknownParent(t *testing.T) {
	e := newEnv(t, Config{})
	missing := taskpack.PackRunResultKey(taskpack.RunResultKey{RequestID: 0x1234, TryNumber: 1})
	request := e.newRequest(func(o *requestOpts) { o.parent = missing })
	_, err := e.sched.ScheduleRequest(context.Background(), request)
	assert.Error(t, err)
}

func TestBotReapTask(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)

	gotReq, rr := e.reap("bot1")
	require.NotNil(t, rr)
	assert.Equal(t, request.Key, gotReq.Key)
	assert.Equal(t, 1, rr.TryNumber)
	assert.Equal(t, "bot1", rr.BotID)
	assert.Equal(t, models.TaskStateRunning, rr.State)
	assert.Equal(t, models.StringList{"v100"}, rr.ServerVersions)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateRunning, summary.State)
	assert.Equal(t, 1, summary.TryNumber)
	assert.Equal(t, "bot1", summary.BotID)
	assert.False(t, e.toRun(request).IsReapable())

	// The claim is gone; another bot finds nothing.
	_, rr2 := e.reap("bot2")
	assert.Nil(t, rr2)

	assert.Contains(t, e.stats.Events(), stats.EventRunStarted)
}

func TestBotReapTaskDimensionMismatch(t *testing.T) {
	e := newEnv(t, Config{})
	e.schedule(func(o *requestOpts) {})
	_, rr, err := e.sched.BotReapTask(context.Background(), models.Dimensions{"os": {"windows"}}, "bot1", "bot-v1")
	require.NoError(t, err)
	assert.Nil(t, rr)
}

func TestBotReapTaskPriorityOrder(t *testing.T) {
	e := newEnv(t, Config{})
	e.schedule(func(o *requestOpts) { o.name = "low"; o.priority = 200 })
	urgent, _ := e.schedule(func(o *requestOpts) { o.name = "urgent"; o.priority = 10 })

	gotReq, rr := e.reap("bot1")
	require.NotNil(t, rr)
	assert.Equal(t, urgent.Key, gotReq.Key)
}

func TestBotUpdateTaskLifecycle(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr := e.reap("bot1")

	// Heartbeat with partial output.
	ok, completed, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey:     rr.Key,
		BotID:            "bot1",
		Output:           []byte("hello "),
		OutputChunkStart: 0,
		CostUSD:          0.01,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, completed)
	assert.Equal(t, models.TaskStateRunning, e.summary(request).State)

	// Final update completes the single command.
	ok, completed, err = e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey:     rr.Key,
		BotID:            "bot1",
		Output:           []byte("world"),
		OutputChunkStart: 6,
		ExitCode:         i64(0),
		Duration:         f64(2.25),
		CostUSD:          0.05,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, completed)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, models.Int64List{0}, summary.ExitCodes)
	assert.Equal(t, models.Float64List{2.25}, summary.Durations)
	assert.NotNil(t, summary.CompletedTS)
	assert.Equal(t, models.Float64List{0.05}, summary.CostsUSD)

	stored, err := e.store.GetRunResult(context.Background(), rr.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), []byte(stored.Outputs[0]))

	events := e.stats.Events()
	assert.Contains(t, events, stats.EventRunUpdated)
	assert.Contains(t, events, stats.EventRunCompleted)
	assert.Contains(t, events, stats.EventTaskCompleted)
}

func TestBotUpdateTaskDuplicateFinalUpdate(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr := e.reap("bot1")
	e.finish(rr, "bot1", 0)

	before := e.summary(request)

	// The bot retries the final report after a dropped response.
	ok, completed, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		ExitCode:     i64(0),
		Duration:     f64(1.5),
		CostUSD:      0.1,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, completed)

	after := e.summary(request)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.ExitCodes, after.ExitCodes)
	assert.Equal(t, before.CostsUSD, after.CostsUSD)
}

func TestBotUpdateTaskDuplicateMidStreamUpdate(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(func(o *requestOpts) {
		o.commands = models.Commands{{"compile"}, {"test"}, {"package"}}
	})
	_, rr := e.reap("bot1")

	first := TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		CommandIndex: 0,
		ExitCode:     i64(0),
		Duration:     f64(1.0),
	}
	ok, completed, err := e.sched.BotUpdateTask(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, completed)

	// The bot retries the same report after a dropped response. The task
	// must stay RUNNING with a single recorded exit code.
	ok, completed, err = e.sched.BotUpdateTask(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, completed)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateRunning, summary.State)
	assert.Equal(t, models.Int64List{0}, summary.ExitCodes)

	// A different value for an already-reported command is a rewrite.
	rewrite := first
	rewrite.ExitCode = i64(1)
	ok, _, err = e.sched.BotUpdateTask(context.Background(), rewrite)
	assert.False(t, ok)
	var rej *RejectedError
	assert.ErrorAs(t, err, &rej)

	// Commands report in order.
	outOfOrder := TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		CommandIndex: 2,
		ExitCode:     i64(0),
		Duration:     f64(1.0),
	}
	ok, _, err = e.sched.BotUpdateTask(context.Background(), outOfOrder)
	assert.False(t, ok)
	assert.ErrorAs(t, err, &rej)

	for idx := 1; idx <= 2; idx++ {
		ok, completed, err = e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: rr.Key,
			BotID:        "bot1",
			CommandIndex: idx,
			ExitCode:     i64(0),
			Duration:     f64(2.0),
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, idx == 2, completed)
	}

	summary = e.summary(request)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, models.Int64List{0, 0, 0}, summary.ExitCodes)
}

func TestBotUpdateTaskRejections(t *testing.T) {
	e := newEnv(t, Config{})
	e.schedule(nil)
	_, rr := e.reap("bot1")

	t.Run("wrong bot", func(t *testing.T) {
		ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: rr.Key,
			BotID:        "impostor",
		})
		assert.False(t, ok)
		var rej *RejectedError
		assert.ErrorAs(t, err, &rej)
	})

	t.Run("unknown run result", func(t *testing.T) {
		ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: taskpack.RunResultKey{RequestID: rr.Key.RequestID, TryNumber: 2},
			BotID:        "bot1",
		})
		assert.False(t, ok)
		var rej *RejectedError
		assert.ErrorAs(t, err, &rej)
	})

	t.Run("conflicting exit code rewrite", func(t *testing.T) {
		e.finish(rr, "bot1", 0)
		ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: rr.Key,
			BotID:        "bot1",
			ExitCode:     i64(1),
			Duration:     f64(1.5),
		})
		assert.False(t, ok)
		var rej *RejectedError
		assert.ErrorAs(t, err, &rej)
	})

	t.Run("negative cost", func(t *testing.T) {
		ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: rr.Key,
			BotID:        "bot1",
			CostUSD:      -1,
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("exit code without duration", func(t *testing.T) {
		ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
			RunResultKey: rr.Key,
			BotID:        "bot1",
			ExitCode:     i64(0),
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestBotUpdateTaskTimeout(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr := e.reap("bot1")

	ok, completed, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		HardTimeout:  true,
		CostUSD:      0.2,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, completed)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateTimedOut, summary.State)
	assert.NotNil(t, summary.CompletedTS)
	assert.Contains(t, e.stats.Events(), stats.EventRunCompleted)
}

func TestBotKillTask(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr := e.reap("bot1")

	var rej *RejectedError
	err := e.sched.BotKillTask(context.Background(), rr.Key, "impostor")
	assert.ErrorAs(t, err, &rej)

	require.NoError(t, e.sched.BotKillTask(context.Background(), rr.Key, "bot1"))
	summary := e.summary(request)
	assert.Equal(t, models.TaskStateBotDied, summary.State)
	assert.True(t, summary.InternalFailure)
	assert.NotNil(t, summary.AbandonedTS)

	err = e.sched.BotKillTask(context.Background(), rr.Key, "bot1")
	assert.ErrorAs(t, err, &rej)
	assert.Contains(t, e.stats.Events(), stats.EventRunBotDied)
}

func TestCancelTask(t *testing.T) {
	e := newEnv(t, Config{})

	t.Run("pending", func(t *testing.T) {
		request, summary := e.schedule(nil)
		ok, wasRunning, err := e.sched.CancelTask(context.Background(), summary.Key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, wasRunning)

		stored := e.summary(request)
		assert.Equal(t, models.TaskStateCanceled, stored.State)
		assert.NotNil(t, stored.AbandonedTS)
		assert.False(t, e.toRun(request).IsReapable())

		_, rr := e.reap("bot1")
		assert.Nil(t, rr)
	})

	t.Run("running", func(t *testing.T) {
		_, summary := e.schedule(nil)
		_, rr := e.reap("bot1")
		require.NotNil(t, rr)
		ok, wasRunning, err := e.sched.CancelTask(context.Background(), summary.Key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, wasRunning)
	})

	t.Run("terminal", func(t *testing.T) {
		_, summary := e.schedule(nil)
		_, rr := e.reap("bot1")
		require.NotNil(t, rr)
		e.finish(rr, "bot1", 0)
		ok, wasRunning, err := e.sched.CancelTask(context.Background(), summary.Key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, wasRunning)
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := e.sched.CancelTask(context.Background(), taskpack.ResultSummaryKey{RequestID: 0x4242})
		var rej *RejectedError
		assert.ErrorAs(t, err, &rej)
	})
}

func TestCronAbortExpiredTaskToRun(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(func(o *requestOpts) { o.expiration = 10 * time.Minute })
	e.schedule(func(o *requestOpts) { o.name = "fresh"; o.expiration = 2 * time.Hour })

	e.clock.Advance(11 * time.Minute)
	killed, skipped, err := e.sched.CronAbortExpiredTaskToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Equal(t, 0, skipped)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateExpired, summary.State)
	assert.NotNil(t, summary.AbandonedTS)
	assert.False(t, e.toRun(request).IsReapable())
	assert.Contains(t, e.stats.Events(), stats.EventTaskRequestExpired)

	// Idempotent; the entry is already descheduled.
	killed, _, err = e.sched.CronAbortExpiredTaskToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, killed)
}

func TestDeadBotRetryThenComplete(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr1 := e.reap("bot1")
	require.NotNil(t, rr1)

	e.clock.Advance(11 * time.Minute)
	killed, retried, ignored, err := e.sched.CronHandleBotDied(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, killed)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 0, ignored)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStatePending, summary.State)
	assert.Equal(t, 1, summary.TryNumber)
	assert.Equal(t, "bot1", summary.BotID)
	assert.False(t, summary.InternalFailure)

	dead, err := e.store.GetRunResult(context.Background(), rr1.Key)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateBotDied, dead.State)
	assert.True(t, dead.InternalFailure)

	toRun := e.toRun(request)
	assert.True(t, toRun.IsReapable())
	assert.Equal(t, 2, toRun.TryNumber)

	// The bot whose attempt died does not get the retry.
	_, rrSame := e.reap("bot1")
	assert.Nil(t, rrSame)

	_, rr2 := e.reap("bot2")
	require.NotNil(t, rr2)
	assert.Equal(t, 2, rr2.TryNumber)
	e.finish(rr2, "bot2", 0)

	summary = e.summary(request)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, 2, summary.TryNumber)
	assert.Equal(t, "bot2", summary.BotID)
	assert.Len(t, summary.CostsUSD, 2)
}

func TestDeadBotSecondAttemptKilled(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(func(o *requestOpts) { o.expiration = time.Hour })
	e.reap("bot1")

	e.clock.Advance(11 * time.Minute)
	_, retried, _, err := e.sched.CronHandleBotDied(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, retried)

	_, rr2 := e.reap("bot2")
	require.NotNil(t, rr2)

	e.clock.Advance(11 * time.Minute)
	killed, retried, _, err := e.sched.CronHandleBotDied(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Equal(t, 0, retried)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateBotDied, summary.State)
	assert.True(t, summary.InternalFailure)
	assert.Equal(t, 2, summary.TryNumber)
}

func TestDeadBotExpirationBoundary(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(func(o *requestOpts) { o.expiration = 10 * time.Minute })
	_, rr := e.reap("bot1")
	require.NotNil(t, rr)

	// At exactly the expiration instant the retry window is closed.
	e.clock.Advance(10 * time.Minute)
	outcome, err := e.sched.handleDeadBot(context.Background(), rr.Key)
	require.NoError(t, err)
	assert.Equal(t, DeadBotKilled, outcome)
	assert.Equal(t, models.TaskStateBotDied, e.summary(request).State)
}

func TestDeadBotIgnoredWhenNotRunning(t *testing.T) {
	e := newEnv(t, Config{})
	e.schedule(nil)
	_, rr := e.reap("bot1")
	e.finish(rr, "bot1", 0)

	outcome, err := e.sched.handleDeadBot(context.Background(), rr.Key)
	require.NoError(t, err)
	assert.Equal(t, DeadBotIgnored, outcome)
}

func TestDeadBotMissingToRunIgnored(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	// A partially created task: the request, run result and summary exist
	// but the to-run entry was never written.
	request := e.newRequest(nil)
	require.NoError(t, e.store.PutRequest(ctx, request))
	now := e.clock.Now()
	rr := models.NewRunResult(request, 1, "bot1", "bot-v1", now)
	summary := models.NewResultSummary(request, now)
	summary.SetFromRunResult(rr, request)
	require.NoError(t, e.store.RunInTransaction(ctx, request.Key, 0, func(tx store.Tx) error {
		return tx.Put(rr, summary)
	}))

	outcome, err := e.sched.handleDeadBot(ctx, rr.Key)
	require.NoError(t, err)
	assert.Equal(t, DeadBotIgnored, outcome)
}

func TestSupersededTryUpdatesOnlyCost(t *testing.T) {
	e := newEnv(t, Config{})
	request, _ := e.schedule(nil)
	_, rr1 := e.reap("bot1")

	e.clock.Advance(11 * time.Minute)
	_, retried, _, err := e.sched.CronHandleBotDied(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, retried)
	_, rr2 := e.reap("bot2")
	require.NotNil(t, rr2)

	// A delayed report from the first attempt reconciles only its cost.
	ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr1.Key,
		BotID:        "bot1",
		CostUSD:      0.42,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	summary := e.summary(request)
	assert.Equal(t, models.TaskStateRunning, summary.State)
	assert.Equal(t, 2, summary.TryNumber)
	assert.Equal(t, "bot2", summary.BotID)
	require.Len(t, summary.CostsUSD, 2)
	assert.Equal(t, 0.42, summary.CostsUSD[0])
}

func TestDedupe(t *testing.T) {
	e := newEnv(t, Config{})
	donorReq, _ := e.schedule(func(o *requestOpts) { o.idempotent = true })
	_, rr := e.reap("bot1")
	ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		ExitCode:     i64(0),
		Duration:     f64(3),
		CostUSD:      0.5,
	})
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.Advance(time.Minute)
	dupeReq, dupe := e.schedule(func(o *requestOpts) { o.idempotent = true })

	assert.Equal(t, models.TaskStateCompleted, dupe.State)
	assert.Equal(t, 0, dupe.TryNumber)
	assert.Equal(t, rr.TaskID(), dupe.DedupedFrom)
	require.NotNil(t, dupe.CostSavedUSD)
	assert.Equal(t, 0.5, *dupe.CostSavedUSD)
	assert.Empty(t, dupe.CostsUSD)
	assert.Empty(t, dupe.PropertiesHash)
	assert.Equal(t, models.Int64List{0}, dupe.ExitCodes)

	// Identity fields keep their own values.
	assert.Equal(t, dupeReq.CreatedTS, dupe.CreatedTS)
	assert.NotEqual(t, donorReq.Key, dupeReq.Key)

	// Born descheduled: no bot can reap it.
	assert.False(t, e.toRun(dupeReq).IsReapable())
	_, rrDupe := e.reap("bot2")
	assert.Nil(t, rrDupe)
}

func TestDedupeSkipsFailedRun(t *testing.T) {
	e := newEnv(t, Config{})
	_, _ = e.schedule(func(o *requestOpts) { o.idempotent = true })
	_, rr := e.reap("bot1")
	ok, _, err := e.sched.BotUpdateTask(context.Background(), TaskUpdate{
		RunResultKey: rr.Key,
		BotID:        "bot1",
		ExitCode:     i64(1),
		Duration:     f64(3),
	})
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.Advance(time.Minute)
	_, second := e.schedule(func(o *requestOpts) { o.idempotent = true })
	assert.Equal(t, models.TaskStatePending, second.State)
	assert.Empty(t, second.DedupedFrom)
}

func TestDedupeSkipsRunningTask(t *testing.T) {
	e := newEnv(t, Config{})
	e.schedule(func(o *requestOpts) { o.idempotent = true })
	e.reap("bot1")

	e.clock.Advance(time.Minute)
	_, second := e.schedule(func(o *requestOpts) { o.idempotent = true })
	assert.Equal(t, models.TaskStatePending, second.State)
	assert.Empty(t, second.DedupedFrom)
}

func TestDedupeWindow(t *testing.T) {
	e := newEnv(t, Config{ReusableTaskAge: time.Hour})
	_, _ = e.schedule(func(o *requestOpts) { o.idempotent = true })
	_, rr := e.reap("bot1")
	e.finish(rr, "bot1", 0)

	e.clock.Advance(2 * time.Hour)
	_, second := e.schedule(func(o *requestOpts) { o.idempotent = true })
	assert.Equal(t, models.TaskStatePending, second.State)
	assert.Empty(t, second.DedupedFrom)
}

func TestDedupePrefersNewestDonor(t *testing.T) {
	e := newEnv(t, Config{})
	idempotent := func(o *requestOpts) { o.idempotent = true }

	// Two identical donors, a minute apart, both still PENDING so neither
	// dedupes against the other.
	e.schedule(idempotent)
	e.clock.Advance(time.Minute)
	newer, _ := e.schedule(idempotent)

	// Oldest-first dispatch: bot1 gets the older donor.
	_, rr1 := e.reap("bot1")
	_, rr2 := e.reap("bot2")
	require.NotNil(t, rr1)
	require.NotNil(t, rr2)
	require.Equal(t, newer.Key.ID, rr2.Key.RequestID)
	e.finish(rr1, "bot1", 0)
	e.finish(rr2, "bot2", 0)

	e.clock.Advance(time.Minute)
	_, dupe := e.schedule(idempotent)
	assert.Equal(t, rr2.TaskID(), dupe.DedupedFrom)
}

func TestExponentialBackoff(t *testing.T) {
	e := newEnv(t, Config{})
	for attempt := 0; attempt <= 15; attempt++ {
		slow := math.Min(maxComebackSecs, math.Pow(1.5, float64(minInt(attempt, 10)+1)))
		sawQuick := false
		for i := 0; i < 500; i++ {
			got := e.sched.ExponentialBackoff(attempt)
			if got == quickComebackSecs {
				sawQuick = true
				continue
			}
			assert.Equal(t, slow, got)
		}
		assert.True(t, sawQuick, "attempt %d never came back quickly", attempt)
	}
}

func TestExponentialBackoffCanary(t *testing.T) {
	e := newEnv(t, Config{})
	e.sched.app = StaticAppInfo{AppVersion: "v100", Canary: true}
	for i := 0; i < 200; i++ {
		got := e.sched.ExponentialBackoff(10)
		assert.LessOrEqual(t, got, canaryMaxComebackSecs)
	}
}

func TestGammaSkip(t *testing.T) {
	e := newEnv(t, Config{})
	sum := 0
	for i := 0; i < 2000; i++ {
		skip := e.sched.gammaSkip()
		require.GreaterOrEqual(t, skip, 0)
		require.LessOrEqual(t, skip, maxReapSkip)
		sum += skip
	}
	mean := float64(sum) / 2000
	assert.InDelta(t, 3.0, mean, 0.5)
}

func TestContendedReap(t *testing.T) {
	e := newEnv(t, Config{})
	const tasks = 50
	const bots = 100
	for i := 0; i < tasks; i++ {
		e.schedule(func(o *requestOpts) { o.name = fmt.Sprintf("task-%d", i) })
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for b := 0; b < bots; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			botID := fmt.Sprintf("bot-%d", b)
			for {
				_, rr, err := e.sched.BotReapTask(context.Background(), botDimensions, botID, "bot-v1")
				if err != nil || rr == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[rr.TaskID()]
				claimed[rr.TaskID()] = botID
				mu.Unlock()
				if dup {
					t.Errorf("task %s reaped by both %s and %s", rr.TaskID(), prev, botID)
				}
			}
		}(b)
	}
	wg.Wait()

	// A bot that skipped past the tail under contention may have returned
	// empty-handed while entries remained; sweep up the rest.
	for {
		_, rr, err := e.sched.BotReapTask(context.Background(), botDimensions, "bot-sweeper", "bot-v1")
		require.NoError(t, err)
		if rr == nil {
			break
		}
		mu.Lock()
		_, dup := claimed[rr.TaskID()]
		claimed[rr.TaskID()] = "bot-sweeper"
		mu.Unlock()
		require.False(t, dup)
	}

	assert.Len(t, claimed, tasks)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
