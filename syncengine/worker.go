package syncengine

import (
	"context"
	"errors"
	"net"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/sources"
	"bitbucket.org/mmdatafocus/audience_backend/unify"
	"bitbucket.org/mmdatafocus/audience_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// processSyncRun is the Pub/Sub worker entrypoint. One invocation drives one
// run until it finishes, parks on the invocation budget, or stops; parked runs
// come back as continuation messages and accumulate into the same row.
func processSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.BusinessId == "" {
		return errors.New("invalid payload")
	}

	ctx = utils.SetBusinessIdInContext(ctx, payload.BusinessId)
	ctx, span := otel.Tracer("syncengine").Start(ctx, "processSyncRun",
		trace.WithAttributes(
			attribute.Int64("sync.run_id", int64(payload.RunId)),
			attribute.String("sync.business_id", payload.BusinessId),
		))
	defer span.End()

	log := config.GetLogger().WithFields(logrus.Fields{
		"run_id":      payload.RunId,
		"business_id": payload.BusinessId,
	})

	run, err := models.GetSyncRun(ctx, payload.BusinessId, payload.RunId)
	if err != nil {
		return err
	}
	if models.IsTerminalSyncStatus(run.Status) || run.SupersededByRunId != nil {
		log.WithField("status", run.Status).Info("sync run already settled, ignoring message")
		return nil
	}

	if err := models.MarkSyncRunRunning(ctx, run.ID); err != nil {
		if errors.Is(err, models.ErrSyncAlreadyRunning) {
			// A racing start slipped past the gate; this row stays idle and the
			// stale sweep reaps it if nothing ever picks it up.
			log.Warn("another run is already active for this source, dropping message")
			return nil
		}
		return err
	}

	runner, checkpoint, err := buildRunner(ctx, run)
	if err != nil {
		log.WithError(err).Error("sync run setup failed")
		return models.FinishSyncRun(ctx, run.ID, models.SyncRunStatusFailed, err.Error())
	}

	executor := NewExecutor(DefaultExecutorPolicy())
	result := executor.Run(ctx, run.ID, runner, checkpoint)

	switch result.Outcome {
	case OutcomeFinished:
		if err := settleFinishedRun(ctx, run); err != nil {
			return err
		}
		log.WithField("chunks", result.ChunkCount).Info("sync run completed")
		return nil
	case OutcomeParked:
		log.WithField("chunks", result.ChunkCount).Info("sync run parked, publishing continuation")
		return PublishSyncRun(ctx, run.ID, run.BusinessId, true)
	case OutcomeStopped:
		log.Info("sync run no longer active, stopping")
		return nil
	default:
		msg := "sync run failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		log.WithError(result.Err).Error("sync run failed")
		if models.IsValidSyncSource(run.Source) && isExternalSource(run.Source) {
			_ = models.TouchConnectionSyncTimes(ctx, run.BusinessId, run.Source, false)
		}
		return models.FinishSyncRun(ctx, run.ID, models.SyncRunStatusFailed, msg)
	}
}

func settleFinishedRun(ctx context.Context, run *models.SyncRun) error {
	fresh, err := models.GetSyncRun(ctx, run.BusinessId, run.ID)
	if err != nil {
		return err
	}
	outcome := models.SyncRunStatusCompleted
	if fresh.ErrorCount > 0 {
		outcome = models.SyncRunStatusCompletedWithErrors
	}
	if err := models.FinishSyncRun(ctx, run.ID, outcome, ""); err != nil {
		return err
	}
	if isExternalSource(run.Source) {
		_ = models.TouchConnectionSyncTimes(ctx, run.BusinessId, run.Source, fresh.ErrorCount == 0)
	}
	return nil
}

func isExternalSource(source string) bool {
	for _, s := range models.ExternalSyncSources() {
		if s == source {
			return true
		}
	}
	return false
}

// buildRunner resolves the ChunkRunner and starting checkpoint for a run.
func buildRunner(ctx context.Context, run *models.SyncRun) (ChunkRunner, Checkpoint, error) {
	checkpoint := DecodeCheckpoint(run.CheckpointJSON)

	switch run.Source {
	case models.SyncSourceBulkUnify:
		if checkpoint.Strategy != StrategyChunk {
			checkpoint = NewChunkCheckpoint(0, 0, "")
		}
		return &unifyRunner{run: run}, checkpoint, nil

	case models.SyncSourceCSVImport:
		if checkpoint.Strategy != StrategyChunk || checkpoint.Chunk.ObjectName == "" {
			return nil, Checkpoint{}, errors.New("csv-import run has no object name in its checkpoint")
		}
		return &csvImportRunner{run: run}, checkpoint, nil

	case models.SyncSourceCommandCenter:
		if checkpoint.Strategy != StrategyFanout {
			checkpoint = NewFanoutCheckpoint(nil)
		}
		return newCoordinatorRunner(run), checkpoint, nil

	default:
		conn, err := models.GetSourceConnection(ctx, run.BusinessId, run.Source)
		if err != nil {
			return nil, Checkpoint{}, err
		}
		if checkpoint.Strategy != StrategyCursor {
			updatedSince := ""
			if conn.LastSuccessSyncAt != nil {
				updatedSince = conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
			}
			checkpoint = NewCursorCheckpoint("", updatedSince)
		}
		fetcher, err := sources.NewFetcher(run.Source, conn.AuthSecretRef, checkpoint.Cursor.UpdatedSince)
		if err != nil {
			return nil, Checkpoint{}, err
		}
		return &fetchRunner{run: run, fetcher: fetcher}, checkpoint, nil
	}
}

// fetchRunner stages one source page per chunk.
type fetchRunner struct {
	run     *models.SyncRun
	fetcher sources.Fetcher
}

func (r *fetchRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	cursor := ""
	updatedSince := ""
	if cp.Cursor != nil {
		cursor = cp.Cursor.Cursor
		updatedSince = cp.Cursor.UpdatedSince
	}

	page, err := r.fetcher.FetchPage(ctx, cursor)
	if err != nil {
		return ChunkResult{}, classifyFetchErr(err)
	}

	staged := make([]models.StagedRecord, 0, len(page.Records))
	for _, rec := range page.Records {
		staged = append(staged, models.StagedRecord{
			ExternalId:      rec.ExternalId,
			Email:           rec.Email,
			Phone:           rec.Phone,
			FullName:        rec.FullName,
			TotalSpent:      rec.TotalSpent,
			SourceUpdatedAt: rec.SourceUpdatedAt,
			RawJSON:         rec.Raw,
		})
	}

	// A dry run reports what would be staged; only the write is skipped.
	inserted := int64(len(staged))
	if !r.run.DryRun && len(staged) > 0 {
		if err := models.StageRecords(ctx, r.run, staged); err != nil {
			return ChunkResult{}, err
		}
	}

	next := NewCursorCheckpoint(page.NextCursor, updatedSince)
	next.RunningTotal = cp.RunningTotal + int64(len(page.Records))
	next.ChunkErrors = cp.ChunkErrors
	return ChunkResult{
		Fetched:    int64(len(page.Records)),
		Inserted:   inserted,
		Checkpoint: next,
		HasMore:    page.HasMore,
	}, nil
}

// classifyFetchErr maps source failures onto the engine's taxonomy: 429/5xx
// and network errors are transient, 401/403 is run-fatal, anything else
// (malformed page) is chunk-fatal as-is.
func classifyFetchErr(err error) error {
	var apiErr *sources.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Unauthorized() {
			return RunFatal(err)
		}
		if apiErr.Temporary() {
			return Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}

// unifyRunner adapts the merge pipeline to the executor: one claimed batch of
// pending staged records per chunk.
type unifyRunner struct {
	run *models.SyncRun
}

func (r *unifyRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	batch, err := unify.ProcessBatch(ctx, r.run.BusinessId, config.UnifyBatchSize(), r.run.DryRun)
	if err != nil {
		return ChunkResult{}, err
	}

	index := 0
	if cp.Chunk != nil {
		index = cp.Chunk.ChunkIndex
	}
	next := NewChunkCheckpoint(index+1, 0, "")
	next.RunningTotal = cp.RunningTotal + int64(batch.Claimed)
	next.ChunkErrors = cp.ChunkErrors + batch.Errors

	return ChunkResult{
		Fetched:    int64(batch.Claimed),
		Inserted:   int64(batch.Merged),
		Updated:    int64(batch.Updated),
		ErrorDelta: batch.Errors + batch.Conflicts,
		Checkpoint: next,
		HasMore:    batch.Remaining > 0,
	}, nil
}

