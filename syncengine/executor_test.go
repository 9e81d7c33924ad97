package syncengine

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

// fakeRunStore stands in for the sync_runs row.
type fakeRunStore struct {
	activeChecks int
	activeLimit  int // IsActive returns false after this many checks; 0 = always active

	advances   int
	fetched    int64
	inserted   int64
	errorCount int
	checkpoint []byte

	parked bool
}

func (s *fakeRunStore) isActive(ctx context.Context, runID uint) (bool, error) {
	s.activeChecks++
	if s.activeLimit > 0 && s.activeChecks > s.activeLimit {
		return false, nil
	}
	return true, nil
}

func (s *fakeRunStore) advance(ctx context.Context, runID uint, fetched, inserted, updated int64, errDelta int, checkpoint []byte) error {
	s.advances++
	s.fetched += fetched
	s.inserted += inserted
	s.errorCount += errDelta
	s.checkpoint = checkpoint
	return nil
}

func (s *fakeRunStore) park(ctx context.Context, runID uint, checkpoint []byte) error {
	s.parked = true
	s.checkpoint = checkpoint
	return nil
}

func newTestExecutor(store *fakeRunStore, policy ExecutorPolicy) *Executor {
	return &Executor{
		Policy:   policy,
		IsActive: store.isActive,
		Advance:  store.advance,
		Park:     store.park,
		Now:      time.Now,
		Sleep:    func(time.Duration) {},
	}
}

func testPolicy() ExecutorPolicy {
	return ExecutorPolicy{
		ChunkTimeout:           time.Second,
		RetryCount:             2,
		MaxConsecutiveFailures: 3,
		PaceDelay:              0,
		InvocationBudget:       0,
	}
}

// pagedRunner emulates a cursor source: pageSizes[i] records on page i. The
// cursor is the next page index. failures maps page index -> error to return
// (consumed once per configured count).
type pagedRunner struct {
	pageSizes []int64
	failures  map[int]error
	failLeft  map[int]int
	calls     int
}

func (r *pagedRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	r.calls++
	idx := 0
	if cp.Cursor != nil && cp.Cursor.Cursor != "" {
		idx, _ = strconv.Atoi(cp.Cursor.Cursor)
	}
	if err, ok := r.failures[idx]; ok {
		if r.failLeft == nil {
			r.failLeft = map[int]int{}
		}
		if left, seen := r.failLeft[idx]; !seen || left > 0 {
			if !seen {
				r.failLeft[idx] = 1 << 30 // fail forever unless configured
			} else {
				r.failLeft[idx] = left - 1
			}
			return ChunkResult{}, err
		}
	}
	if idx >= len(r.pageSizes) {
		return ChunkResult{}, errors.New("ran past the last page")
	}
	next := NewCursorCheckpoint(strconv.Itoa(idx+1), "")
	next.RunningTotal = cp.RunningTotal + r.pageSizes[idx]
	return ChunkResult{
		Fetched:    r.pageSizes[idx],
		Inserted:   r.pageSizes[idx],
		Checkpoint: next,
		HasMore:    idx+1 < len(r.pageSizes),
	}, nil
}

// allowFailures configures page idx to fail n times, then succeed.
func (r *pagedRunner) allowFailures(idx, n int) {
	if r.failLeft == nil {
		r.failLeft = map[int]int{}
	}
	r.failLeft[idx] = n
}

func sixPagesOf550() []int64 {
	return []int64{550, 550, 550, 550, 550, 550}
}

func TestExecutorRunsToCompletion(t *testing.T) {
	store := &fakeRunStore{}
	runner := &pagedRunner{pageSizes: sixPagesOf550()}
	exec := newTestExecutor(store, testPolicy())

	res := exec.Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeFinished {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if store.fetched != 3300 {
		t.Fatalf("fetched = %d, want 3300", store.fetched)
	}
	if store.advances != 6 {
		t.Fatalf("advances = %d, want 6", store.advances)
	}
}

// A run that dies after chunk 3 and is resumed from its checkpoint must end
// with parent+child counters covering each record exactly once.
func TestExecutorResumeAccountsEveryRecordOnce(t *testing.T) {
	policy := testPolicy()

	parentStore := &fakeRunStore{}
	parentRunner := &pagedRunner{
		pageSizes: sixPagesOf550(),
		failures:  map[int]error{3: errors.New("source exploded")},
	}
	exec := newTestExecutor(parentStore, policy)
	res := exec.Run(context.Background(), 1, parentRunner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("parent outcome = %v", res.Outcome)
	}
	if parentStore.fetched != 1650 {
		t.Fatalf("parent fetched = %d, want 1650 (chunks 1-3)", parentStore.fetched)
	}

	// The resumed run starts from the persisted checkpoint, not from zero.
	resumed := DecodeCheckpoint(parentStore.checkpoint)
	if resumed.Cursor == nil || resumed.Cursor.Cursor != "3" {
		t.Fatalf("persisted cursor = %+v, want page index 3", resumed.Cursor)
	}

	childStore := &fakeRunStore{}
	childRunner := &pagedRunner{pageSizes: sixPagesOf550()}
	res = newTestExecutor(childStore, policy).Run(context.Background(), 2, childRunner, resumed)
	if res.Outcome != OutcomeFinished {
		t.Fatalf("child outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if parentStore.fetched+childStore.fetched != 3300 {
		t.Fatalf("combined fetched = %d, want exactly 3300", parentStore.fetched+childStore.fetched)
	}
}

// Cancellation between chunks: the finished chunk's counts stay recorded and
// the next chunk never starts.
func TestExecutorCancellationStopsBeforeNextChunk(t *testing.T) {
	store := &fakeRunStore{activeLimit: 4}
	runner := &pagedRunner{pageSizes: []int64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}}
	exec := newTestExecutor(store, testPolicy())

	res := exec.Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeStopped {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if runner.calls != 4 {
		t.Fatalf("runner ran %d chunks, want 4 (chunk 5 must never start)", runner.calls)
	}
	if store.fetched != 40 {
		t.Fatalf("fetched = %d, want 40 (chunk 4 counts kept)", store.fetched)
	}
}

func TestExecutorTransientRetriesWithinChunk(t *testing.T) {
	store := &fakeRunStore{}
	runner := &pagedRunner{
		pageSizes: []int64{5, 5},
		failures:  map[int]error{0: Transient(errors.New("429"))},
	}
	runner.allowFailures(0, 2) // fails twice, succeeds on the 3rd attempt

	res := newTestExecutor(store, testPolicy()).Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeFinished {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if store.fetched != 10 {
		t.Fatalf("fetched = %d, want 10", store.fetched)
	}
}

func TestExecutorFailureBudgetPreservesCheckpoint(t *testing.T) {
	store := &fakeRunStore{}
	runner := &pagedRunner{
		pageSizes: sixPagesOf550(),
		failures:  map[int]error{2: Transient(errors.New("flaky upstream"))},
	}

	res := newTestExecutor(store, testPolicy()).Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	cp := DecodeCheckpoint(store.checkpoint)
	if cp.Cursor == nil || cp.Cursor.Cursor != "2" {
		t.Fatalf("checkpoint cursor = %+v, want page index 2 preserved for resume", cp.Cursor)
	}
	if store.fetched != 1100 {
		t.Fatalf("fetched = %d, want 1100", store.fetched)
	}
}

func TestExecutorRunFatalFailsImmediately(t *testing.T) {
	store := &fakeRunStore{}
	runner := &pagedRunner{
		pageSizes: sixPagesOf550(),
		failures:  map[int]error{1: RunFatal(errors.New("401 unauthorized"))},
	}

	res := newTestExecutor(store, testPolicy()).Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if !IsRunFatal(res.Err) {
		t.Fatalf("err = %v, want run-fatal", res.Err)
	}
	// One chunk succeeded, then the fatal chunk; no retries of a dead credential.
	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls)
	}
}

func TestExecutorInvocationBudgetParks(t *testing.T) {
	policy := testPolicy()
	policy.InvocationBudget = 240 * time.Second

	store := &fakeRunStore{}
	runner := &pagedRunner{pageSizes: sixPagesOf550()}
	exec := newTestExecutor(store, policy)

	// Each chunk costs a simulated 100s; the budget trips before chunk 4.
	clock := time.Now()
	exec.Now = func() time.Time { return clock }
	origAdvance := store.advance
	exec.Advance = func(ctx context.Context, runID uint, fetched, inserted, updated int64, errDelta int, checkpoint []byte) error {
		clock = clock.Add(100 * time.Second)
		return origAdvance(ctx, runID, fetched, inserted, updated, errDelta, checkpoint)
	}

	res := exec.Run(context.Background(), 1, runner, NewCursorCheckpoint("", ""))
	if res.Outcome != OutcomeParked {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if !store.parked {
		t.Fatal("run was not parked")
	}
	if runner.calls != 3 {
		t.Fatalf("runner calls = %d, want 3 before the budget trips", runner.calls)
	}
	cp := DecodeCheckpoint(store.checkpoint)
	if cp.Cursor == nil || cp.Cursor.Cursor != "3" {
		t.Fatalf("parked checkpoint = %+v, want page index 3", cp.Cursor)
	}
}

// indexedRunner emulates chunk-index work where a poisoned chunk can be
// skipped.
type indexedRunner struct {
	chunks   []int64
	poisoned map[int]bool
	calls    int
}

func (r *indexedRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	r.calls++
	idx := 0
	if cp.Chunk != nil {
		idx = cp.Chunk.ChunkIndex
	}
	if r.poisoned[idx] {
		return ChunkResult{}, errors.New("unparseable chunk")
	}
	next := NewChunkCheckpoint(idx+1, len(r.chunks), "obj")
	return ChunkResult{
		Fetched:    r.chunks[idx],
		Inserted:   r.chunks[idx],
		Checkpoint: next,
		HasMore:    idx+1 < len(r.chunks),
	}, nil
}

func (r *indexedRunner) SkipChunk(cp Checkpoint) (Checkpoint, bool) {
	if cp.Chunk == nil {
		return cp, false
	}
	next := NewChunkCheckpoint(cp.Chunk.ChunkIndex+1, cp.Chunk.TotalChunks, cp.Chunk.ObjectName)
	return next, true
}

func TestExecutorSkipsPoisonedIndexChunk(t *testing.T) {
	store := &fakeRunStore{}
	runner := &indexedRunner{
		chunks:   []int64{100, 100, 100, 100},
		poisoned: map[int]bool{1: true},
	}

	res := newTestExecutor(store, testPolicy()).Run(context.Background(), 1, runner, NewChunkCheckpoint(0, 4, "obj"))
	if res.Outcome != OutcomeFinished {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if store.fetched != 300 {
		t.Fatalf("fetched = %d, want 300 (three good chunks)", store.fetched)
	}
	if store.errorCount != 1 {
		t.Fatalf("errorCount = %d, want 1 for the skipped chunk", store.errorCount)
	}
}
