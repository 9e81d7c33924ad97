package syncengine

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
)

// ChunkResult is what one unit of work produced. Checkpoint is the state to
// persist so a later invocation (or a resumed run) starts after this chunk.
type ChunkResult struct {
	Fetched    int64
	Inserted   int64
	Updated    int64
	ErrorDelta int
	Checkpoint Checkpoint
	HasMore    bool
}

// ChunkRunner executes exactly one chunk from the given checkpoint. Runners
// wrap failures with Transient/RunFatal to steer the executor; anything
// unwrapped is chunk-fatal.
type ChunkRunner interface {
	RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error)
}

// ChunkSkipper is implemented by index-chunked runners whose failed chunk can
// be stepped over without losing position.
type ChunkSkipper interface {
	SkipChunk(cp Checkpoint) (Checkpoint, bool)
}

type ExecutorPolicy struct {
	// ChunkTimeout bounds one chunk including its in-chunk retries' waits.
	ChunkTimeout time.Duration
	// RetryCount is in-chunk retries for transient failures.
	RetryCount int
	// MaxConsecutiveFailures of whole chunks before the run is failed.
	MaxConsecutiveFailures int
	// PaceDelay between chunks that hit rate-limited APIs; zero for local work.
	PaceDelay time.Duration
	// InvocationBudget is the soft wall-clock ceiling of one invocation; when
	// exceeded the run parks in continuing and a continuation is published.
	InvocationBudget time.Duration
}

func DefaultExecutorPolicy() ExecutorPolicy {
	return ExecutorPolicy{
		ChunkTimeout:           config.ChunkTimeout(),
		RetryCount:             config.ChunkRetryCount(),
		MaxConsecutiveFailures: config.MaxConsecutiveChunkFailures(),
		PaceDelay:              config.ChunkPaceDelay(),
		InvocationBudget:       config.InvocationBudget(),
	}
}

type ExecOutcome int

const (
	// OutcomeFinished: the runner reported HasMore=false; the run completes.
	OutcomeFinished ExecOutcome = iota
	// OutcomeParked: invocation budget spent; run moved to continuing.
	OutcomeParked
	// OutcomeStopped: the run stopped being active under us (cancel, pause,
	// kill switch). Status already reflects why; the executor touches nothing.
	OutcomeStopped
	// OutcomeFailed: failure budget exhausted or run-fatal error. The caller
	// finishes the run as failed; the checkpoint stays resumable.
	OutcomeFailed
)

type ExecResult struct {
	Outcome    ExecOutcome
	Checkpoint Checkpoint
	ChunkCount int
	ErrorCount int
	Err        error
}

// Executor drives a ChunkRunner chunk by chunk against one run row. The
// models calls are fields so tests can run it against fakes without a
// database.
type Executor struct {
	Policy ExecutorPolicy

	IsActive func(ctx context.Context, runID uint) (bool, error)
	Advance  func(ctx context.Context, runID uint, fetched, inserted, updated int64, errDelta int, checkpoint []byte) error
	Park     func(ctx context.Context, runID uint, checkpoint []byte) error

	Now   func() time.Time
	Sleep func(d time.Duration)
}

func NewExecutor(policy ExecutorPolicy) *Executor {
	return &Executor{
		Policy:   policy,
		IsActive: models.SyncRunIsActive,
		Advance:  models.AdvanceSyncRun,
		Park:     models.MarkSyncRunContinuing,
		Now:      time.Now,
		Sleep:    time.Sleep,
	}
}

// Run drives chunks until the work is done, the budget is spent, the run is
// no longer active, or failures exhaust the budget. Chunk results are always
// recorded before the next chunk begins, so a cancel arriving mid-chunk keeps
// that chunk's counts and stops before the next one.
func (e *Executor) Run(ctx context.Context, runID uint, runner ChunkRunner, start Checkpoint) ExecResult {
	res := ExecResult{Checkpoint: start}
	began := e.Now()
	consecutiveFailures := 0

	for {
		if e.Policy.InvocationBudget > 0 && e.Now().Sub(began) >= e.Policy.InvocationBudget {
			if err := e.Park(ctx, runID, EncodeCheckpoint(res.Checkpoint)); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
				return res
			}
			res.Outcome = OutcomeParked
			return res
		}

		active, err := e.IsActive(ctx, runID)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}
		if !active {
			res.Outcome = OutcomeStopped
			return res
		}

		result, err := e.runOneChunk(ctx, runner, res.Checkpoint)
		if err == nil {
			consecutiveFailures = 0
			res.Checkpoint = result.Checkpoint
			res.ChunkCount++
			res.ErrorCount += result.ErrorDelta
			if err := e.Advance(ctx, runID, result.Fetched, result.Inserted, result.Updated, result.ErrorDelta, EncodeCheckpoint(result.Checkpoint)); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
				return res
			}
			if !result.HasMore {
				res.Outcome = OutcomeFinished
				return res
			}
			if e.Policy.PaceDelay > 0 {
				e.Sleep(e.Policy.PaceDelay)
			}
			continue
		}

		if IsRunFatal(err) {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}

		consecutiveFailures++
		res.ErrorCount++

		// Index-chunked work can step over a poisoned chunk; cursor work has
		// nowhere to step, so the same chunk is retried until the budget trips.
		if skipper, ok := runner.(ChunkSkipper); ok && !IsTransient(err) {
			if next, skipped := skipper.SkipChunk(res.Checkpoint); skipped {
				res.Checkpoint = next
				if aerr := e.Advance(ctx, runID, 0, 0, 0, 1, EncodeCheckpoint(next)); aerr != nil {
					res.Outcome = OutcomeFailed
					res.Err = aerr
					return res
				}
			}
		}

		if consecutiveFailures >= e.Policy.MaxConsecutiveFailures {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}

		if e.Policy.PaceDelay > 0 {
			e.Sleep(e.Policy.PaceDelay)
		}
	}
}

func (e *Executor) runOneChunk(ctx context.Context, runner ChunkRunner, cp Checkpoint) (ChunkResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.Policy.RetryCount; attempt++ {
		if attempt > 0 {
			e.Sleep(backoffDelay(attempt))
		}
		chunkCtx := ctx
		cancel := func() {}
		if e.Policy.ChunkTimeout > 0 {
			chunkCtx, cancel = context.WithTimeout(ctx, e.Policy.ChunkTimeout)
		}
		result, err := runner.RunChunk(chunkCtx, cp)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return ChunkResult{}, err
		}
	}
	return ChunkResult{}, lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << min(attempt, 4)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
