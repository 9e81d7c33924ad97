package syncengine

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/models"
)

func pollCoordinator(t *testing.T, statuses map[uint]string, cp Checkpoint) ChunkResult {
	t.Helper()
	r := &coordinatorRunner{
		run: &models.SyncRun{BusinessId: "biz-1", Source: models.SyncSourceCommandCenter},
		getChild: func(ctx context.Context, businessId string, runID uint) (*models.SyncRun, error) {
			return &models.SyncRun{BusinessId: businessId, Status: statuses[runID]}, nil
		},
		sleep: func(time.Duration) {},
	}
	r.run.ID = 1
	res, err := r.RunChunk(context.Background(), cp)
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	return res
}

func TestCoordinatorPollWaitsForPendingChildren(t *testing.T) {
	cp := NewFanoutCheckpoint([]uint{10, 11})
	res := pollCoordinator(t, map[uint]string{
		10: models.SyncRunStatusCompleted,
		11: models.SyncRunStatusRunning,
	}, cp)

	if !res.HasMore {
		t.Fatal("pending child must keep the coordinator polling")
	}
	if res.Checkpoint.Fanout.PollCount != 1 {
		t.Fatalf("poll count = %d", res.Checkpoint.Fanout.PollCount)
	}
}

func TestCoordinatorPollSurfacesFailedChildren(t *testing.T) {
	cp := NewFanoutCheckpoint([]uint{10, 11, 12})
	res := pollCoordinator(t, map[uint]string{
		10: models.SyncRunStatusCompleted,
		11: models.SyncRunStatusFailed,
		12: models.SyncRunStatusCancelled,
	}, cp)

	if res.HasMore {
		t.Fatal("all children settled, coordinator must finish")
	}
	if res.ErrorDelta != 2 {
		t.Fatalf("error delta = %d, want 2 for failed and cancelled children", res.ErrorDelta)
	}
}

func TestCoordinatorPollBackoffCaps(t *testing.T) {
	var slept time.Duration
	r := &coordinatorRunner{
		run: &models.SyncRun{BusinessId: "biz-1"},
		getChild: func(ctx context.Context, businessId string, runID uint) (*models.SyncRun, error) {
			return &models.SyncRun{Status: models.SyncRunStatusCompleted}, nil
		},
		sleep: func(d time.Duration) { slept = d },
	}

	cp := NewFanoutCheckpoint([]uint{10})
	cp.Fanout.PollCount = 50
	if _, err := r.RunChunk(context.Background(), cp); err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if slept != 15*time.Second {
		t.Fatalf("slept %v, want the 15s cap", slept)
	}
}
