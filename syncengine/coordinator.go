package syncengine

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"github.com/sirupsen/logrus"
)

// coordinatorRunner drives a command-center run: fan out one child run per
// connected external source, then poll until every child settles. Children are
// ordinary runs; each keeps its own single-active-run invariant and failure
// handling. The coordinator never mutates a child.
type coordinatorRunner struct {
	run *models.SyncRun

	startChild func(ctx context.Context, businessId string, source string) (*models.SyncRun, error)
	getChild   func(ctx context.Context, businessId string, runID uint) (*models.SyncRun, error)
	sleep      func(d time.Duration)
}

func newCoordinatorRunner(run *models.SyncRun) *coordinatorRunner {
	return &coordinatorRunner{
		run: run,
		startChild: func(ctx context.Context, businessId string, source string) (*models.SyncRun, error) {
			child, err := models.StartSyncRun(ctx, businessId, source, models.StartSyncRunOptions{
				TriggeredBy: models.SyncTriggeredSystem,
			})
			if err != nil {
				return nil, err
			}
			if err := PublishSyncRun(ctx, child.ID, businessId, false); err != nil {
				return nil, err
			}
			return child, nil
		},
		getChild: models.GetSyncRun,
		sleep:    time.Sleep,
	}
}

func (r *coordinatorRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	if cp.Fanout == nil || len(cp.Fanout.ChildRunIds) == 0 {
		return r.fanOut(ctx, cp)
	}
	return r.poll(ctx, cp)
}

func (r *coordinatorRunner) fanOut(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	conns, err := models.ListSourceConnections(ctx, r.run.BusinessId)
	if err != nil {
		return ChunkResult{}, err
	}

	log := config.GetLogger().WithFields(logrus.Fields{
		"run_id":      r.run.ID,
		"business_id": r.run.BusinessId,
	})

	var childIds []uint
	started := int64(0)
	skipped := 0
	for _, conn := range conns {
		if conn.Status != models.ConnectionStatusConnected || !isExternalSource(conn.SourceType) {
			continue
		}
		child, err := r.startChild(ctx, r.run.BusinessId, conn.SourceType)
		if err != nil {
			if errors.Is(err, models.ErrSyncAlreadyRunning) {
				log.WithField("source", conn.SourceType).Warn("source already syncing, command center skips it")
				skipped++
				continue
			}
			return ChunkResult{}, err
		}
		childIds = append(childIds, child.ID)
		started++
	}

	if len(childIds) == 0 {
		next := NewFanoutCheckpoint(nil)
		next.ChunkErrors = cp.ChunkErrors + skipped
		return ChunkResult{ErrorDelta: skipped, Checkpoint: next, HasMore: false}, nil
	}

	next := NewFanoutCheckpoint(childIds)
	next.ChunkErrors = cp.ChunkErrors + skipped
	return ChunkResult{
		Fetched:    started,
		ErrorDelta: skipped,
		Checkpoint: next,
		HasMore:    true,
	}, nil
}

func (r *coordinatorRunner) poll(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	// Adaptive backoff: children take minutes, so later polls slow down.
	delay := time.Second << min(cp.Fanout.PollCount, 4)
	if delay > 15*time.Second {
		delay = 15 * time.Second
	}
	r.sleep(delay)

	pendingCount := 0
	failedCount := 0
	for _, childID := range cp.Fanout.ChildRunIds {
		child, err := r.getChild(ctx, r.run.BusinessId, childID)
		if err != nil {
			return ChunkResult{}, err
		}
		switch {
		case !models.IsTerminalSyncStatus(child.Status):
			pendingCount++
		case child.Status == models.SyncRunStatusFailed || child.Status == models.SyncRunStatusCancelled:
			failedCount++
		}
	}

	next := NewFanoutCheckpoint(cp.Fanout.ChildRunIds)
	next.Fanout.PollCount = cp.Fanout.PollCount + 1
	next.RunningTotal = cp.RunningTotal
	next.ChunkErrors = cp.ChunkErrors

	if pendingCount > 0 {
		return ChunkResult{Checkpoint: next, HasMore: true}, nil
	}
	// All settled; failed or cancelled children surface as run errors so the
	// coordinator finishes completed_with_errors instead of masking them.
	return ChunkResult{
		ErrorDelta: failedCount,
		Checkpoint: next,
		HasMore:    false,
	}, nil
}
