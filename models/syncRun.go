package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSyncAlreadyRunning  = errors.New("a sync run is already active for this source")
	ErrSyncRunNotFound     = errors.New("sync run not found")
	ErrSyncRunNotResumable = errors.New("sync run is not resumable")
)

// SyncRun is one logical synchronization attempt for one source. A run can span
// many worker invocations (Pub/Sub continuations); counters and checkpoint
// always accumulate into the same row.
type SyncRun struct {
	ID          uint   `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"index:idx_sync_runs_source,priority:1;not null" json:"business_id"`
	Source      string `gorm:"index:idx_sync_runs_source,priority:2;size:50;not null" json:"source"`
	Status      string `gorm:"index:idx_sync_runs_source,priority:3;size:30;not null" json:"status"`
	TriggeredBy string `gorm:"size:20" json:"triggered_by"`
	DryRun      bool   `gorm:"default:false" json:"dry_run"`

	// ImportId groups the staged records written by this run (and by runs that
	// resume it, which inherit the same import id).
	ImportId string `gorm:"size:36;index" json:"import_id"`

	TotalFetched  int64 `json:"total_fetched"`
	TotalInserted int64 `json:"total_inserted"`
	TotalUpdated  int64 `json:"total_updated"`
	ErrorCount    int   `json:"error_count"`

	CheckpointJSON []byte  `gorm:"type:json" json:"checkpoint"`
	ErrorMessage   *string `gorm:"type:text" json:"error_message"`

	ParentRunId       *uint `gorm:"index" json:"parent_run_id"`
	SupersededByRunId *uint `json:"superseded_by_run_id"`

	LastActivityAt *time.Time `gorm:"index" json:"last_activity_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type StartSyncRunOptions struct {
	DryRun      bool
	TriggeredBy string
	// Checkpoint is the initial checkpoint blob (resume carries the parent's).
	Checkpoint []byte
	// ImportId, ParentRunId are set on resume only.
	ImportId    string
	ParentRunId *uint
}

// StartSyncRun enforces the one-active-run-per-source invariant: a short Redis
// lock serializes racing starts (two browser tabs, a retried request), and the
// transaction re-checks the invariant before inserting. No state is mutated on
// violation.
func StartSyncRun(ctx context.Context, businessId string, source string, opts StartSyncRunOptions) (*SyncRun, error) {
	if !IsValidSyncSource(source) {
		return nil, fmt.Errorf("unknown sync source %q", source)
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "sync-start:"+businessId+":"+source, 10*time.Second, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, ErrSyncAlreadyRunning
			}
			return nil, err
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = SyncTriggeredManual
	}
	importId := opts.ImportId
	if importId == "" {
		importId = uuid.NewString()
	}

	run := &SyncRun{
		BusinessId:     businessId,
		Source:         source,
		Status:         SyncRunStatusIdle,
		TriggeredBy:    triggeredBy,
		DryRun:         opts.DryRun,
		ImportId:       importId,
		CheckpointJSON: opts.Checkpoint,
		ParentRunId:    opts.ParentRunId,
	}

	db := config.GetDB().WithContext(ctx)
	err := db.Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&SyncRun{}).
			Where("business_id = ? AND source = ? AND status IN ?", businessId, source, SyncRunStartBlockingStatuses()).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrSyncAlreadyRunning
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}
	cacheSyncRun(run)
	return run, nil
}

// MarkSyncRunRunning moves an idle run to running on first pickup, re-checking
// per-source exclusivity under a row lock: the start gate counts committed
// rows, so a racing start that slipped in between must not bring a second run
// up. Invocations that continue an in-flight run find the row already in
// continuing and leave it.
func MarkSyncRunRunning(ctx context.Context, runID uint) error {
	now := time.Now()
	return config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run SyncRun
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", runID).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSyncRunNotFound
			}
			return err
		}
		if run.Status != SyncRunStatusIdle {
			return nil
		}

		var active int64
		if err := tx.Model(&SyncRun{}).
			Where("business_id = ? AND source = ? AND id <> ? AND status IN ?",
				run.BusinessId, run.Source, runID, SyncRunActiveStatuses()).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrSyncAlreadyRunning
		}

		return tx.Model(&SyncRun{}).
			Where("id = ? AND status = ?", runID, SyncRunStatusIdle).
			Updates(map[string]interface{}{
				"status":           SyncRunStatusRunning,
				"started_at":       now,
				"last_activity_at": now,
			}).Error
	})
}

// AdvanceSyncRun appends counters and overwrites the checkpoint. It never
// touches status: status is the one field shared with cancellation, and its
// only legal concurrent write is the one-way move to a terminal state. Counter
// columns only ever grow, so applying a just-finished chunk to a row that was
// cancelled mid-chunk is safe and keeps the totals truthful.
func AdvanceSyncRun(ctx context.Context, runID uint, fetched, inserted, updated int64, errDelta int, checkpoint []byte) error {
	res := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND superseded_by_run_id IS NULL", runID).
		Updates(map[string]interface{}{
			"total_fetched":    gorm.Expr("total_fetched + ?", fetched),
			"total_inserted":   gorm.Expr("total_inserted + ?", inserted),
			"total_updated":    gorm.Expr("total_updated + ?", updated),
			"error_count":      gorm.Expr("error_count + ?", errDelta),
			"checkpoint_json":  checkpoint,
			"last_activity_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSyncRunNotFound
	}
	refreshSyncRunCache(ctx, runID)
	return nil
}

// SyncRunIsActive is the executor's pre-chunk cancellation check.
func SyncRunIsActive(ctx context.Context, runID uint) (bool, error) {
	var run SyncRun
	err := config.GetDB().WithContext(ctx).Select("status").
		Where("id = ?", runID).
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrSyncRunNotFound
		}
		return false, err
	}
	return IsActiveSyncStatus(run.Status), nil
}

// MarkSyncRunContinuing parks an active run so the next invocation can pick it
// up from the checkpoint.
func MarkSyncRunContinuing(ctx context.Context, runID uint, checkpoint []byte) error {
	res := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND status IN ?", runID, SyncRunActiveStatuses()).
		Updates(map[string]interface{}{
			"status":           SyncRunStatusContinuing,
			"checkpoint_json":  checkpoint,
			"last_activity_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	refreshSyncRunCache(ctx, runID)
	return nil
}

// FinishSyncRun sets a terminal outcome for an active run. A run that was
// cancelled (or killed by the sweep) in the meantime is left untouched.
func FinishSyncRun(ctx context.Context, runID uint, outcome string, errMsg string) error {
	switch outcome {
	case SyncRunStatusCompleted, SyncRunStatusCompletedWithErrors, SyncRunStatusFailed:
	default:
		return fmt.Errorf("invalid sync run outcome %q", outcome)
	}

	updates := map[string]interface{}{
		"status":       outcome,
		"completed_at": time.Now(),
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	res := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND status IN ?", runID, []string{SyncRunStatusIdle, SyncRunStatusRunning, SyncRunStatusContinuing}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	refreshSyncRunCache(ctx, runID)
	return nil
}

// CancelSyncRun requests termination. Idempotent: cancelling twice, or
// cancelling a finished run, reports zero rows and is not an error.
func CancelSyncRun(ctx context.Context, runID uint, reason string) (bool, error) {
	n, err := cancelWhere(ctx, "id = ?", runID, reason)
	if err != nil {
		return false, err
	}
	refreshSyncRunCache(ctx, runID)
	return n > 0, nil
}

func CancelSyncSource(ctx context.Context, businessId string, source string, reason string) (int64, error) {
	return cancelWhere(ctx, "business_id = ? AND source = ?", []interface{}{businessId, source}, reason)
}

func CancelAllSyncRuns(ctx context.Context, businessId string, reason string) (int64, error) {
	return cancelWhere(ctx, "business_id = ?", businessId, reason)
}

func cancelWhere(ctx context.Context, cond string, value interface{}, reason string) (int64, error) {
	args, ok := value.([]interface{})
	if !ok {
		args = []interface{}{value}
	}
	updates := map[string]interface{}{
		"status":       SyncRunStatusCancelled,
		"completed_at": time.Now(),
	}
	if reason != "" {
		updates["error_message"] = reason
	}
	res := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where(cond, args...).
		Where("status IN ?", []string{SyncRunStatusIdle, SyncRunStatusRunning, SyncRunStatusContinuing, SyncRunStatusPaused}).
		Updates(updates)
	return res.RowsAffected, res.Error
}

// PauseSyncRun requests a cooperative pause, observed at the next chunk
// boundary. The checkpoint stays resumable.
func PauseSyncRun(ctx context.Context, runID uint) (bool, error) {
	res := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND status IN ?", runID, SyncRunActiveStatuses()).
		Update("status", SyncRunStatusPaused)
	if res.Error != nil {
		return false, res.Error
	}
	refreshSyncRunCache(ctx, runID)
	return res.RowsAffected > 0, nil
}

// ForceKillStaleRuns marks every active run without recent activity as failed,
// along with idle rows whose dispatch never arrived. A worker can die without
// updating its own row, and an idle row blocks new starts just like a running
// one; without this sweep either case would deadlock the source forever.
// businessId "" sweeps all businesses (background sweeper); operators pass
// their own.
func ForceKillStaleRuns(ctx context.Context, businessId string, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	msg := fmt.Sprintf("killed by stale-run sweep: no activity for %s", threshold)

	q := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("(status IN ? AND last_activity_at IS NOT NULL AND last_activity_at < ?) OR (status = ? AND created_at < ?)",
			SyncRunActiveStatuses(), cutoff, SyncRunStatusIdle, cutoff)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	res := q.Updates(map[string]interface{}{
		"status":        SyncRunStatusFailed,
		"error_message": msg,
		"completed_at":  time.Now(),
	})
	return res.RowsAffected, res.Error
}

// CreateResumedRun starts a new run continuing a failed or paused one. The old
// run keeps its terminal status and is marked superseded; history is never
// rewritten. The caller has already validated that the checkpoint can resume.
func CreateResumedRun(ctx context.Context, old *SyncRun, checkpoint []byte) (*SyncRun, error) {
	if old == nil {
		return nil, ErrSyncRunNotFound
	}
	if !IsResumableSyncStatus(old.Status) || old.SupersededByRunId != nil {
		return nil, ErrSyncRunNotResumable
	}

	parentID := old.ID
	run, err := StartSyncRun(ctx, old.BusinessId, old.Source, StartSyncRunOptions{
		DryRun:      old.DryRun,
		TriggeredBy: SyncTriggeredRetry,
		Checkpoint:  checkpoint,
		ImportId:    old.ImportId,
		ParentRunId: &parentID,
	})
	if err != nil {
		return nil, err
	}

	if err := config.GetDB().WithContext(ctx).Model(&SyncRun{}).
		Where("id = ?", old.ID).
		Update("superseded_by_run_id", run.ID).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func GetSyncRun(ctx context.Context, businessId string, runID uint) (*SyncRun, error) {
	var run SyncRun
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND business_id = ?", runID, businessId).
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, businessId string, source string, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := config.GetDB().WithContext(ctx).Where("business_id = ?", businessId)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var runs []SyncRun
	err := q.Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// LatestSyncRunForSource returns the active run if one exists, else the most
// recent run, else nil.
func LatestSyncRunForSource(ctx context.Context, businessId string, source string) (*SyncRun, error) {
	db := config.GetDB().WithContext(ctx)

	var run SyncRun
	err := db.Where("business_id = ? AND source = ? AND status IN ?", businessId, source, SyncRunActiveStatuses()).
		Order("id desc").Take(&run).Error
	if err == nil {
		return &run, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = db.Where("business_id = ? AND source = ?", businessId, source).
		Order("id desc").Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

/*
caches:
	SyncRun:$id  (hot copy for status polling, short TTL)
*/

func syncRunCacheKey(runID uint) string {
	return fmt.Sprintf("SyncRun:%d", runID)
}

func cacheSyncRun(run *SyncRun) {
	if run == nil {
		return
	}
	_ = config.SetRedisObject(syncRunCacheKey(run.ID), run, 30*time.Second)
}

func refreshSyncRunCache(ctx context.Context, runID uint) {
	var run SyncRun
	if err := config.GetDB().WithContext(ctx).Where("id = ?", runID).Take(&run).Error; err != nil {
		_ = config.RemoveRedisKey(syncRunCacheKey(runID))
		return
	}
	cacheSyncRun(&run)
}

// GetCachedSyncRun serves status polls from Redis when possible; callers fall
// back to GetSyncRun on a miss.
func GetCachedSyncRun(businessId string, runID uint) (*SyncRun, bool) {
	var run SyncRun
	found, err := config.GetRedisObject(syncRunCacheKey(runID), &run)
	if err != nil || !found || run.BusinessId != businessId {
		return nil, false
	}
	return &run, true
}
