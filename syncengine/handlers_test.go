package syncengine

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/audience_backend/models"
)

func TestDispatchNewRunFailsRunWhenPublishFails(t *testing.T) {
	origPublish, origFail := publishSyncRun, failSyncRun
	defer func() { publishSyncRun, failSyncRun = origPublish, origFail }()

	publishSyncRun = func(ctx context.Context, runId uint, businessId string, continuation bool) error {
		return errors.New("topic unavailable")
	}
	var failedRun uint
	var outcome string
	failSyncRun = func(ctx context.Context, runId uint, oc string, msg string) error {
		failedRun, outcome = runId, oc
		return nil
	}

	if err := dispatchNewRun(context.Background(), 7, "biz-1", models.SyncSourceStripe); err == nil {
		t.Fatal("expected dispatch error")
	}
	if failedRun != 7 || outcome != models.SyncRunStatusFailed {
		t.Fatalf("run not failed on publish error: run=%d outcome=%q", failedRun, outcome)
	}
}

func TestDispatchNewRunLeavesHealthyRunAlone(t *testing.T) {
	origPublish, origFail := publishSyncRun, failSyncRun
	defer func() { publishSyncRun, failSyncRun = origPublish, origFail }()

	publishSyncRun = func(ctx context.Context, runId uint, businessId string, continuation bool) error {
		return nil
	}
	failCalled := false
	failSyncRun = func(ctx context.Context, runId uint, oc string, msg string) error {
		failCalled = true
		return nil
	}

	if err := dispatchNewRun(context.Background(), 7, "biz-1", models.SyncSourceStripe); err != nil {
		t.Fatalf("dispatchNewRun: %v", err)
	}
	if failCalled {
		t.Fatal("run failed despite a successful publish")
	}
}
