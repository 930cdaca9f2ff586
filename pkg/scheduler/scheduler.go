// Package scheduler implements the task state machine: scheduling with
// idempotent dedupe, transactional reaping by bots, incremental run updates,
// cancellation, and the reconciliation of expired and abandoned work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/observability"
	"github.com/developer-mesh/taskswarm/pkg/search"
	"github.com/developer-mesh/taskswarm/pkg/stats"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
	"github.com/developer-mesh/taskswarm/pkg/taskqueue"
)

// defaultTxRetries is the retry budget of transactions that may safely
// re-run. The reap transaction always runs with zero retries: losing a reap
// race must fail fast so the bot moves on to the next queue entry.
const defaultTxRetries = 3

// errReapRaced marks a reap attempt that found the entry already claimed,
// descheduled or otherwise unavailable. Not an error for the caller.
var errReapRaced = errors.New("scheduler: reap raced")

// Scheduler drives the four task entities through their lifecycle. All
// mutations go through single-entity-group transactions on the backing
// store; the lookup cache, stats sink and search index are advisory.
type Scheduler struct {
	store  store.Store
	lookup *taskqueue.LookupCache
	stats  stats.Sink
	index  search.Index
	clock  Clock
	app    AppInfo
	logger observability.Logger
	cfg    Config
	rnd    *lockedRand
}

// Options configures a Scheduler. Store is required; everything else has a
// working default.
type Options struct {
	Store       store.Store
	LookupCache *taskqueue.LookupCache
	Stats       stats.Sink
	Index       search.Index
	Clock       Clock
	App         AppInfo
	Logger      observability.Logger
	Config      Config
	Rand        *rand.Rand
}

// New creates a Scheduler from the given options.
func New(opts Options) *Scheduler {
	if opts.Store == nil {
		panic("scheduler: Options.Store is required")
	}
	if opts.Stats == nil {
		opts.Stats = stats.NoopSink{}
	}
	if opts.Index == nil {
		opts.Index = search.NoopIndex{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.App == nil {
		opts.App = StaticAppInfo{AppVersion: "unknown"}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		store:  opts.Store,
		lookup: opts.LookupCache,
		stats:  opts.Stats,
		index:  opts.Index,
		clock:  opts.Clock,
		app:    opts.App,
		logger: opts.Logger.WithPrefix("scheduler"),
		cfg:    opts.Config.withDefaults(),
		rnd:    newLockedRand(opts.Rand),
	}
}

// Now returns the scheduler's view of the current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// NewRequestKey allocates a request key stamped with the current time.
func (s *Scheduler) NewRequestKey() taskpack.RequestKey {
	s.rnd.mu.Lock()
	defer s.rnd.mu.Unlock()
	return taskpack.NewRequestKey(s.clock.Now(), s.rnd.rnd)
}

type dupeLookup struct {
	summary *models.TaskResultSummary
	err     error
}

// ScheduleRequest persists the request and makes it dispatchable, in state
// PENDING. When the request is idempotent and a recent enough successful run
// of the same properties exists, the new task is deduplicated instead: its
// summary copies the donor's results and its to-run entry is born
// descheduled. The returned summary reflects the committed state.
func (s *Scheduler) ScheduleRequest(ctx context.Context, request *models.TaskRequest) (*models.TaskResultSummary, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	// The dedupe query and the search index write are independent of the
	// main transaction; start them while the request is persisted.
	var dupeCh chan dupeLookup
	if request.PropertiesHash != "" {
		dupeCh = make(chan dupeLookup, 1)
		go func() {
			donor, err := s.store.NewestSummaryWithPropertiesHash(ctx, request.PropertiesHash)
			dupeCh <- dupeLookup{summary: donor, err: err}
		}()
	}
	indexCh := make(chan error, 1)
	go func() {
		indexCh <- s.index.Put(ctx, []search.Document{{
			Name:   request.Name,
			TaskID: request.TaskID(),
		}})
	}()

	if err := s.store.PutRequest(ctx, request); err != nil {
		return nil, err
	}

	toRun := taskqueue.NewTaskToRun(request)
	summary := models.NewResultSummary(request, now)

	deduped := false
	if dupeCh != nil {
		lookup := <-dupeCh
		if lookup.err != nil {
			// Dedupe is an optimization; schedule normally on failure.
			s.logger.Warn("dedupe query failed", map[string]interface{}{
				"task_id": request.TaskID(),
				"error":   lookup.err.Error(),
			})
		} else if s.canReuse(lookup.summary, now) {
			toRun.QueueNumber = nil
			summary.SetFromDupe(lookup.summary)
			summary.ModifiedTS = now
			deduped = true
		}
	}

	txErrs := make(chan error, 2)
	pending := 1
	go func() {
		txErrs <- s.store.RunInTransaction(ctx, request.Key, defaultTxRetries, func(tx store.Tx) error {
			return tx.Put(summary, toRun)
		})
	}()
	if request.ParentTaskID != "" {
		pending++
		go func() {
			txErrs <- s.registerChild(ctx, request.ParentTaskID, request.TaskID(), now)
		}()
	}

	var txErr error
	for i := 0; i < pending; i++ {
		if err := <-txErrs; err != nil && txErr == nil {
			txErr = err
		}
	}
	if err := <-indexCh; err != nil {
		// Search indexing is best effort.
		s.logger.Warn("search index put failed", map[string]interface{}{
			"task_id": request.TaskID(),
			"error":   err.Error(),
		})
	}
	if txErr != nil {
		return nil, txErr
	}

	s.stats.AddTaskEntry(stats.EventTaskEnqueued, summary.Key, map[string]interface{}{
		"user":    request.User,
		"deduped": deduped,
	})
	s.logger.Info("task scheduled", map[string]interface{}{
		"task_id":  summary.TaskID(),
		"priority": request.Priority,
		"deduped":  deduped,
	})
	return summary, nil
}

// canReuse reports whether donor is a valid dedupe source at now: a
// successful completed run of the same properties, recent enough.
func (s *Scheduler) canReuse(donor *models.TaskResultSummary, now time.Time) bool {
	if donor == nil {
		return false
	}
	if donor.State != models.TaskStateCompleted || donor.InternalFailure {
		return false
	}
	return donor.CreatedTS.After(now.Add(-s.cfg.ReusableTaskAge))
}

// registerChild appends the child's packed id to the children list of both
// the parent's run result and its summary, inside the parent's entity group.
// The attempt keeps its own list so a retry does not inherit children it
// never spawned.
func (s *Scheduler) registerChild(ctx context.Context, parentTaskID, childTaskID string, now time.Time) error {
	parentKey, err := taskpack.UnpackRunResultKey(parentTaskID)
	if err != nil {
		return err
	}
	summaryKey := taskpack.RunResultKeyToResultSummaryKey(parentKey)
	root := taskpack.ResultSummaryKeyToRequestKey(summaryKey)
	return s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		parentRun, err := tx.GetRunResult(parentKey)
		if err != nil {
			return err
		}
		parent, err := tx.GetResultSummary(summaryKey)
		if err != nil {
			return err
		}
		if parentRun == nil || parent == nil {
			return fmt.Errorf("parent task %s does not exist", parentTaskID)
		}
		if contains(parentRun.ChildrenTaskIDs, childTaskID) && contains(parent.ChildrenTaskIDs, childTaskID) {
			return nil
		}
		if !contains(parentRun.ChildrenTaskIDs, childTaskID) {
			parentRun.ChildrenTaskIDs = append(parentRun.ChildrenTaskIDs, childTaskID)
		}
		if !contains(parent.ChildrenTaskIDs, childTaskID) {
			parent.ChildrenTaskIDs = append(parent.ChildrenTaskIDs, childTaskID)
		}
		parentRun.ModifiedTS = now
		parent.ModifiedTS = now
		return tx.Put(parentRun, parent)
	})
}

func contains(ids models.StringList, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// BotReapTask scans the dispatch queue for the first task the bot's
// dimensions can serve and claims it. It returns (nil, nil, nil) when no
// task is available. Reap races are expected under load; after every third
// consecutive failure the bot skips a random number of entries to spread
// the herd.
func (s *Scheduler) BotReapTask(ctx context.Context, botDimensions models.Dimensions, botID, botVersion string) (*models.TaskRequest, *models.TaskRunResult, error) {
	if botID == "" {
		return nil, nil, fmt.Errorf("%w: bot id is required", models.ErrValidation)
	}
	it := taskqueue.YieldNextAvailableTaskToDispatch(ctx, s.store, s.lookup, botDimensions)
	failures := 0
	skipped := 0
	toSkip := 0
	for {
		request, toRun, err := it.Next()
		if errors.Is(err, store.Done) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if toSkip > 0 {
			toSkip--
			skipped++
			continue
		}
		runResult, err := s.reapTask(ctx, request, toRun, botID, botVersion)
		if err != nil {
			return nil, nil, err
		}
		if runResult == nil {
			failures++
			// Sampling the skip distance only every third failure keeps
			// a lone unlucky bot near the head of the queue.
			if failures%3 == 1 {
				toSkip = s.gammaSkip()
			}
			continue
		}
		if failures > 0 {
			s.logger.Infof("reaped %s after %d failure(s), %d skipped", runResult.TaskID(), failures, skipped)
		}
		s.stats.AddRunEntry(stats.EventRunStarted, runResult.Key, map[string]interface{}{
			"bot_id":     botID,
			"pending_ms": s.clock.Now().Sub(request.CreatedTS).Milliseconds(),
		})
		return request, runResult, nil
	}
	if failures > 0 {
		s.logger.Infof("reaped nothing after %d failure(s), %d skipped", failures, skipped)
	}
	return nil, nil, nil
}

// reapTask atomically claims one to-run entry for the bot. The transaction
// runs with zero retries; any race returns (nil, nil) so the caller moves
// on instead of fighting over the same entry.
func (s *Scheduler) reapTask(ctx context.Context, request *models.TaskRequest, toRun *models.TaskToRun, botID, botVersion string) (*models.TaskRunResult, error) {
	now := s.clock.Now()
	var runResult *models.TaskRunResult
	err := s.store.RunInTransaction(ctx, request.Key, 0, func(tx store.Tx) error {
		fresh, err := tx.GetToRun(toRun.Key)
		if err != nil {
			return err
		}
		if fresh == nil || !fresh.IsReapable() {
			return errReapRaced
		}
		summary, err := tx.GetResultSummary(taskpack.RequestKeyToResultSummaryKey(request.Key))
		if err != nil {
			return err
		}
		if summary == nil {
			return errReapRaced
		}
		// A bot whose attempt died must not pick up the retry; odds are
		// the bot itself is the problem.
		if summary.TryNumber >= 1 && summary.BotID == botID {
			return errReapRaced
		}
		fresh.QueueNumber = nil
		rr := models.NewRunResult(request, summary.TryNumber+1, botID, botVersion, now)
		rr.SignalServerVersion(s.app.Version())
		summary.SetFromRunResult(rr, request)
		if err := tx.Put(fresh, rr, summary); err != nil {
			return err
		}
		runResult = rr
		return nil
	})
	if errors.Is(err, errReapRaced) || store.IsCommitError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.lookup != nil {
		s.lookup.Set(ctx, toRun.Key, false)
	}
	return runResult, nil
}

// TaskUpdate is one incremental report from the bot running a task. ExitCode
// and Duration come together when a command finished; both nil means a pure
// heartbeat or output append. CommandIndex names the command the report is
// about; commands report in order.
type TaskUpdate struct {
	RunResultKey taskpack.RunResultKey
	BotID        string

	CommandIndex     int
	Output           []byte
	OutputChunkStart int64

	ExitCode *int64
	Duration *float64

	HardTimeout bool
	IOTimeout   bool

	CostUSD float64
}

// BotUpdateTask applies one update from the bot. ok is false when the update
// was rejected and the bot must stop working on the task; err then carries a
// *RejectedError. completed reports whether every command of the task has
// reported an exit code. Re-delivering an identical update for an
// already-reported command is a no-op, so an HTTP retry after a
// persisted-but-dropped response stays safe.
func (s *Scheduler) BotUpdateTask(ctx context.Context, u TaskUpdate) (ok bool, completed bool, err error) {
	if u.CostUSD < 0 {
		return false, false, fmt.Errorf("%w: negative cost %f", models.ErrValidation, u.CostUSD)
	}
	if (u.ExitCode == nil) != (u.Duration == nil) {
		return false, false, fmt.Errorf("%w: exit code and duration must come together", models.ErrValidation)
	}
	now := s.clock.Now()
	root := taskpack.RequestKey{ID: u.RunResultKey.RequestID}
	request, err := s.store.GetRequest(ctx, root)
	if err != nil {
		return false, false, err
	}
	if request == nil {
		return false, false, &RejectedError{Op: "task update", Reason: "unknown task"}
	}
	numCommands := len(request.Properties.Commands)

	var becameTerminal bool
	txErr := s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		completed = false
		becameTerminal = false

		rr, err := tx.GetRunResult(u.RunResultKey)
		if err != nil {
			return err
		}
		if rr == nil {
			return &RejectedError{Op: "task update", Reason: "run result does not exist"}
		}
		if rr.BotID != u.BotID {
			return &RejectedError{
				Op:     "task update",
				Reason: fmt.Sprintf("expected bot %q, got %q", rr.BotID, u.BotID),
			}
		}
		summary, err := tx.GetResultSummary(taskpack.RunResultKeyToResultSummaryKey(u.RunResultKey))
		if err != nil {
			return err
		}
		if summary == nil {
			return &RejectedError{Op: "task update", Reason: "result summary does not exist"}
		}

		if u.ExitCode != nil {
			switch {
			case u.CommandIndex < 0 || u.CommandIndex >= numCommands:
				return &RejectedError{
					Op:     "task update",
					Reason: fmt.Sprintf("command index %d out of range for %d command(s)", u.CommandIndex, numCommands),
				}
			case u.CommandIndex < len(rr.ExitCodes):
				// This command already reported. An identical re-delivery
				// is a no-op; anything else is a rewrite.
				if rr.ExitCodes[u.CommandIndex] != *u.ExitCode {
					return &RejectedError{
						Op: "task update",
						Reason: fmt.Sprintf("command %d exit code %d already recorded, got %d",
							u.CommandIndex, rr.ExitCodes[u.CommandIndex], *u.ExitCode),
					}
				}
			case u.CommandIndex > len(rr.ExitCodes):
				return &RejectedError{
					Op:     "task update",
					Reason: fmt.Sprintf("command %d reported before command %d", u.CommandIndex, len(rr.ExitCodes)),
				}
			default:
				rr.ExitCodes = append(rr.ExitCodes, *u.ExitCode)
				rr.Durations = append(rr.Durations, *u.Duration)
			}
		}
		completed = len(rr.ExitCodes) == numCommands

		if rr.State.IsRunning() {
			switch {
			case u.HardTimeout || u.IOTimeout:
				rr.State = models.TaskStateTimedOut
				rr.CompletedTS = &now
				becameTerminal = true
			case completed:
				rr.State = models.TaskStateCompleted
				rr.CompletedTS = &now
				becameTerminal = true
			}
		}
		rr.SignalServerVersion(s.app.Version())
		if len(u.Output) > 0 {
			if err := rr.AppendOutput(u.CommandIndex, u.Output, u.OutputChunkStart); err != nil {
				return err
			}
		}
		if u.CostUSD > rr.CostUSD {
			rr.CostUSD = u.CostUSD
		}
		rr.ModifiedTS = now

		if summary.TryNumber > rr.TryNumber {
			// A later attempt owns the summary; only the cost of this
			// superseded try is reconciled.
			for len(summary.CostsUSD) < rr.TryNumber {
				summary.CostsUSD = append(summary.CostsUSD, 0)
			}
			summary.CostsUSD[rr.TryNumber-1] = rr.CostUSD
			summary.ModifiedTS = now
		} else {
			summary.SetFromRunResult(rr, request)
		}
		return tx.Put(rr, summary)
	})
	if txErr != nil {
		var rej *RejectedError
		if errors.As(txErr, &rej) {
			s.logger.Warn("bot update rejected", map[string]interface{}{
				"run_id": taskpack.PackRunResultKey(u.RunResultKey),
				"bot_id": u.BotID,
				"reason": rej.Reason,
			})
			return false, false, txErr
		}
		return false, false, txErr
	}

	if becameTerminal {
		s.stats.AddRunEntry(stats.EventRunCompleted, u.RunResultKey, map[string]interface{}{
			"bot_id": u.BotID,
		})
		s.stats.AddTaskEntry(stats.EventTaskCompleted, taskpack.RunResultKeyToResultSummaryKey(u.RunResultKey), nil)
	} else {
		s.stats.AddRunEntry(stats.EventRunUpdated, u.RunResultKey, map[string]interface{}{
			"bot_id": u.BotID,
		})
	}
	return true, completed, nil
}

// BotKillTask marks a run the bot can no longer execute as an internal
// failure, for example when the bot detects its own environment is broken.
// Returns a *RejectedError when the caller is not the owning bot or the run
// is already marked dead.
func (s *Scheduler) BotKillTask(ctx context.Context, key taskpack.RunResultKey, botID string) error {
	now := s.clock.Now()
	root := taskpack.RequestKey{ID: key.RequestID}
	err := s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		rr, err := tx.GetRunResult(key)
		if err != nil {
			return err
		}
		if rr == nil {
			return &RejectedError{Op: "task kill", Reason: "run result does not exist"}
		}
		if rr.BotID != botID {
			return &RejectedError{
				Op:     "task kill",
				Reason: fmt.Sprintf("expected bot %q, got %q", rr.BotID, botID),
			}
		}
		if rr.State == models.TaskStateBotDied {
			return &RejectedError{Op: "task kill", Reason: "run already marked dead"}
		}
		summary, err := tx.GetResultSummary(taskpack.RunResultKeyToResultSummaryKey(key))
		if err != nil {
			return err
		}
		if summary == nil {
			return &RejectedError{Op: "task kill", Reason: "result summary does not exist"}
		}
		rr.SignalServerVersion(s.app.Version())
		rr.State = models.TaskStateBotDied
		rr.InternalFailure = true
		rr.AbandonedTS = &now
		rr.ModifiedTS = now
		summary.SetFromRunResult(rr, nil)
		return tx.Put(rr, summary)
	})
	if err != nil {
		return err
	}
	s.stats.AddRunEntry(stats.EventRunBotDied, key, map[string]interface{}{
		"bot_id": botID,
	})
	s.logger.Warnf("task %s killed by bot %s", taskpack.PackRunResultKey(key), botID)
	return nil
}

// CancelTask cancels a task on behalf of a client. Only PENDING tasks can be
// canceled; ok reports whether the cancellation took effect and wasRunning
// tells a refused caller whether the task had already started.
func (s *Scheduler) CancelTask(ctx context.Context, key taskpack.ResultSummaryKey) (ok bool, wasRunning bool, err error) {
	now := s.clock.Now()
	root := taskpack.ResultSummaryKeyToRequestKey(key)
	toRunKey := taskpack.RequestKeyToToRunKey(root)
	err = s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		ok = false
		summary, err := tx.GetResultSummary(key)
		if err != nil {
			return err
		}
		if summary == nil {
			return &RejectedError{Op: "task cancel", Reason: "task does not exist"}
		}
		wasRunning = summary.State == models.TaskStateRunning
		if !summary.CanBeCanceled() {
			return nil
		}
		toRun, err := tx.GetToRun(toRunKey)
		if err != nil {
			return err
		}
		if toRun != nil {
			toRun.QueueNumber = nil
			if err := tx.Put(toRun); err != nil {
				return err
			}
		}
		summary.State = models.TaskStateCanceled
		summary.AbandonedTS = &now
		summary.ModifiedTS = now
		if err := tx.Put(summary); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if ok {
		if s.lookup != nil {
			s.lookup.Set(ctx, toRunKey, false)
		}
		s.logger.Infof("task %s canceled", taskpack.PackResultSummaryKey(key))
	}
	return ok, wasRunning, nil
}

// expireTask deschedules one to-run entry whose expiration passed. When the
// task had a prior attempt the summary mirrors that attempt's final state;
// otherwise it becomes EXPIRED. Returns false when the entry was claimed or
// descheduled in the meantime, or when the commit lost its races.
func (s *Scheduler) expireTask(ctx context.Context, toRun *models.TaskToRun) (bool, error) {
	// Cheap pre-check; the query feeding us is eventually consistent.
	if !toRun.IsReapable() {
		return false, nil
	}
	now := s.clock.Now()
	root := taskpack.ToRunKeyToRequestKey(toRun.Key)
	expired := false
	err := s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		expired = false
		fresh, err := tx.GetToRun(toRun.Key)
		if err != nil {
			return err
		}
		if fresh == nil || !fresh.IsReapable() {
			return nil
		}
		summary, err := tx.GetResultSummary(taskpack.RequestKeyToResultSummaryKey(root))
		if err != nil {
			return err
		}
		if summary == nil {
			return nil
		}
		fresh.QueueNumber = nil
		if summary.TryNumber >= 1 {
			// A retry that never got picked up; the summary falls back
			// to the outcome of the attempt that did run.
			rr, err := tx.GetRunResult(summary.RunResultKey())
			if err != nil {
				return err
			}
			if rr != nil {
				summary.SetFromRunResult(rr, nil)
			}
		} else {
			summary.State = models.TaskStateExpired
		}
		summary.AbandonedTS = &now
		summary.ModifiedTS = now
		if err := tx.Put(fresh, summary); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if store.IsCommitError(err) {
		s.logger.Warnf("expiring %x lost the commit race", toRun.Key.RequestID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expired {
		if s.lookup != nil {
			s.lookup.Set(ctx, toRun.Key, false)
		}
		s.logger.Infof("task %x expired", toRun.Key.RequestID)
	}
	return expired, nil
}

// DeadBotOutcome is the result of examining one stale RUNNING attempt.
type DeadBotOutcome int

// Possible dead-bot outcomes. Ignored means the attempt was no longer
// RUNNING or the commit lost its races; Retried means the task went back to
// PENDING for its single retry; Killed means the task reached a terminal
// BOT_DIED state.
const (
	DeadBotIgnored DeadBotOutcome = iota
	DeadBotRetried
	DeadBotKilled
)

// handleDeadBot reconciles one run whose bot stopped reporting. A first
// attempt that dies before the request expires is retried once; everything
// else is killed.
func (s *Scheduler) handleDeadBot(ctx context.Context, key taskpack.RunResultKey) (DeadBotOutcome, error) {
	now := s.clock.Now()
	root := taskpack.RequestKey{ID: key.RequestID}
	request, err := s.store.GetRequest(ctx, root)
	if err != nil {
		return DeadBotIgnored, err
	}
	if request == nil {
		return DeadBotIgnored, fmt.Errorf("request %x does not exist", root.ID)
	}
	toRunKey := taskpack.RequestKeyToToRunKey(root)

	outcome := DeadBotIgnored
	var deadBotID string
	err = s.store.RunInTransaction(ctx, root, defaultTxRetries, func(tx store.Tx) error {
		outcome = DeadBotIgnored
		rr, err := tx.GetRunResult(key)
		if err != nil {
			return err
		}
		if rr == nil || rr.State != models.TaskStateRunning {
			return nil
		}
		summary, err := tx.GetResultSummary(taskpack.RunResultKeyToResultSummaryKey(key))
		if err != nil {
			return err
		}
		if summary == nil {
			return nil
		}
		deadBotID = rr.BotID
		rr.SignalServerVersion(s.app.Version())
		rr.State = models.TaskStateBotDied
		rr.InternalFailure = true
		rr.AbandonedTS = &now
		rr.ModifiedTS = now

		switch {
		case summary.TryNumber != rr.TryNumber:
			// The summary already follows a newer attempt; only close
			// out this stale one.
			outcome = DeadBotKilled
			return tx.Put(rr)
		case rr.TryNumber == 1 && now.Before(request.ExpirationTS):
			toRun, err := tx.GetToRun(toRunKey)
			if err != nil {
				return err
			}
			if toRun == nil {
				// A partially created task; nothing to reschedule.
				return nil
			}
			qn := taskqueue.GenQueueNumber(request.Priority, now)
			toRun.QueueNumber = &qn
			toRun.TryNumber = 2
			summary.ResetToPending(now)
			outcome = DeadBotRetried
			return tx.Put(rr, summary, toRun)
		default:
			summary.SetFromRunResult(rr, request)
			outcome = DeadBotKilled
			return tx.Put(rr, summary)
		}
	})
	if store.IsCommitError(err) {
		s.logger.Warnf("dead bot handling of %s lost the commit race", taskpack.PackRunResultKey(key))
		return DeadBotIgnored, nil
	}
	if err != nil {
		return DeadBotIgnored, err
	}

	switch outcome {
	case DeadBotRetried:
		if s.lookup != nil {
			s.lookup.Set(ctx, toRunKey, true)
		}
		s.logger.Warnf("task %s retried after bot %s died", taskpack.PackRunResultKey(key), deadBotID)
	case DeadBotKilled:
		if s.lookup != nil {
			s.lookup.Set(ctx, toRunKey, false)
		}
		s.stats.AddRunEntry(stats.EventRunBotDied, key, map[string]interface{}{
			"bot_id": deadBotID,
		})
		s.logger.Warnf("task %s killed after bot %s died", taskpack.PackRunResultKey(key), deadBotID)
	}
	return outcome, nil
}

// CronAbortExpiredTaskToRun deschedules every pending task whose expiration
// passed. Returns how many tasks were expired and how many were skipped
// because they got claimed or raced away first.
func (s *Scheduler) CronAbortExpiredTaskToRun(ctx context.Context) (killed, skipped int, err error) {
	now := s.clock.Now()
	it := taskqueue.YieldExpiredTaskToRun(ctx, s.store, now)
	for {
		request, toRun, nextErr := it.Next()
		if errors.Is(nextErr, store.Done) {
			break
		}
		if nextErr != nil {
			return killed, skipped, nextErr
		}
		expired, expErr := s.expireTask(ctx, toRun)
		if expErr != nil {
			s.logger.Error("expiring task failed", map[string]interface{}{
				"task_id": request.TaskID(),
				"error":   expErr.Error(),
			})
			skipped++
			continue
		}
		if !expired {
			skipped++
			continue
		}
		killed++
		s.stats.AddTaskEntry(stats.EventTaskRequestExpired, taskpack.RequestKeyToResultSummaryKey(request.Key), map[string]interface{}{
			"user": request.User,
		})
	}
	s.logger.Infof("expired %d task(s), skipped %d", killed, skipped)
	return killed, skipped, nil
}

// CronHandleBotDied sweeps RUNNING attempts whose bot has not reported
// within the ping tolerance and retries or kills them.
func (s *Scheduler) CronHandleBotDied(ctx context.Context) (killed, retried, ignored int, err error) {
	cutoff := s.clock.Now().Add(-s.cfg.BotPingTolerance)
	keys, err := s.store.StaleRunningResults(ctx, cutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, key := range keys {
		outcome, hErr := s.handleDeadBot(ctx, key)
		if hErr != nil {
			s.logger.Error("dead bot handling failed", map[string]interface{}{
				"run_id": taskpack.PackRunResultKey(key),
				"error":  hErr.Error(),
			})
			ignored++
			continue
		}
		switch outcome {
		case DeadBotRetried:
			retried++
		case DeadBotKilled:
			killed++
		default:
			ignored++
		}
	}
	s.logger.Infof("dead bot sweep: %d killed, %d retried, %d ignored", killed, retried, ignored)
	return killed, retried, ignored, nil
}
