package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/utils"
	"github.com/gin-gonic/gin"
)

// StatusHandler reports, per source, the connection state and the active or
// most recent run. This is the dashboard's polling endpoint.
func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		conns, err := models.ListSourceConnections(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		connBySource := map[string]models.SourceConnection{}
		for _, conn := range conns {
			connBySource[conn.SourceType] = conn
		}

		allSources := append(models.ExternalSyncSources(),
			models.SyncSourceCSVImport, models.SyncSourceBulkUnify, models.SyncSourceCommandCenter)

		var resp StatusResponse
		for _, source := range allSources {
			entry := SourceStatusResponse{
				Source:           source,
				ConnectionStatus: models.ConnectionStatusDisconnected,
			}
			if conn, ok := connBySource[source]; ok {
				entry.ConnectionStatus = conn.Status
				entry.LastSyncAt = formatTime(conn.LastSyncAt)
				entry.LastSuccessSyncAt = formatTime(conn.LastSuccessSyncAt)
			}
			if !isExternalSource(source) {
				// Internal sources need no connection.
				entry.ConnectionStatus = models.ConnectionStatusConnected
			}
			run, err := models.LatestSyncRunForSource(ctx, businessId, source)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if run != nil {
				r := mapRunToResponse(*run)
				entry.Run = &r
			}
			resp.Sources = append(resp.Sources, entry)
		}

		total, err := models.CountCustomers(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.TotalCustomers = total
		c.JSON(http.StatusOK, resp)
	}
}

// StartSyncHandler starts a run for the :source path param. csv-import
// requires an uploaded object name, which seeds the chunk checkpoint.
func StartSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		source := strings.TrimSpace(c.Param("source"))
		if !models.IsValidSyncSource(source) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source"})
			return
		}

		var req StartSyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		opts := models.StartSyncRunOptions{
			DryRun:      req.DryRun,
			TriggeredBy: models.SyncTriggeredManual,
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		switch source {
		case models.SyncSourceCSVImport:
			if strings.TrimSpace(req.ObjectName) == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "objectName is required for csv-import"})
				return
			}
			opts.Checkpoint = EncodeCheckpoint(NewChunkCheckpoint(0, 0, strings.TrimSpace(req.ObjectName)))
		case models.SyncSourceBulkUnify, models.SyncSourceCommandCenter:
			// internal sources need no connection
		default:
			if _, err := models.GetSourceConnection(ctx, businessId, source); err != nil {
				if errors.Is(err, models.ErrSourceNotConnected) {
					c.JSON(http.StatusConflict, gin.H{"error": "source is not connected"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		run, err := models.StartSyncRun(ctx, businessId, source, opts)
		if err != nil {
			if errors.Is(err, models.ErrSyncAlreadyRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": "already_running"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := dispatchNewRun(ctx, run.ID, businessId, source); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch sync run"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runId": run.ID})
	}
}

// CancelSyncHandler is the kill switch: one source or "all".
func CancelSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req CancelSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "cancelled by operator"
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		var cancelled int64
		if strings.EqualFold(req.Source, "all") {
			cancelled, err = models.CancelAllSyncRuns(ctx, businessId, reason)
		} else if models.IsValidSyncSource(req.Source) {
			cancelled, err = models.CancelSyncSource(ctx, businessId, req.Source, reason)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelledCount": cancelled})
	}
}

// ForceKillHandler marks stale active runs failed, with an operator-supplied
// threshold (default: the sweeper's).
func ForceKillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ForceKillRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		threshold := config.StaleRunThreshold()
		if req.ThresholdSeconds > 0 {
			threshold = time.Duration(req.ThresholdSeconds) * time.Second
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		killed, err := models.ForceKillStaleRuns(ctx, businessId, threshold)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"killedCount": killed})
	}
}

func ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		source := strings.TrimSpace(c.Query("source"))

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		runs, err := models.ListSyncRuns(ctx, businessId, source, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncRunListResponse{Items: items})
	}
}

// RunDetailHandler serves status polls from the Redis hot copy when fresh,
// falling back to MySQL.
func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		runID, err := parseRunID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		run, cached := models.GetCachedSyncRun(businessId, runID)
		if !cached {
			run, err = models.GetSyncRun(ctx, businessId, runID)
			if err != nil {
				if errors.Is(err, models.ErrSyncRunNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Checkpoint:      DecodeCheckpoint(run.CheckpointJSON),
		}
		if run.ImportId != "" {
			summary, err := models.SummarizeStagedRecords(ctx, businessId, run.ImportId)
			if err == nil {
				for _, row := range summary {
					resp.Staged = append(resp.Staged, StagedCountEntry{Status: row.ProcessingStatus, Count: row.Count})
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ResumeRunHandler continues a failed or paused run as a new run from the
// stored checkpoint.
func ResumeRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		runID, err := parseRunID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		old, err := models.GetSyncRun(ctx, businessId, runID)
		if err != nil {
			if errors.Is(err, models.ErrSyncRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		checkpoint := DecodeCheckpoint(old.CheckpointJSON)
		if !checkpoint.CanResume {
			c.JSON(http.StatusConflict, gin.H{"error": "run has no resumable checkpoint"})
			return
		}

		newRun, err := models.CreateResumedRun(ctx, old, old.CheckpointJSON)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrSyncRunNotResumable):
				c.JSON(http.StatusConflict, gin.H{"error": "run is not resumable"})
			case errors.Is(err, models.ErrSyncAlreadyRunning):
				c.JSON(http.StatusConflict, gin.H{"error": "already_running"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		if err := dispatchNewRun(ctx, newRun.ID, businessId, old.Source); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch sync run"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"newRunId": newRun.ID})
	}
}

func PauseRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		runID, err := parseRunID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if _, err := models.GetSyncRun(ctx, businessId, runID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		paused, err := models.PauseSyncRun(ctx, runID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

func CancelRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		runID, err := parseRunID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if _, err := models.GetSyncRun(ctx, businessId, runID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		cancelled, err := models.CancelSyncRun(ctx, runID, "cancelled by operator")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

func ConnectSourceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		source := strings.TrimSpace(c.Param("source"))
		if !isExternalSource(source) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source does not take a connection"})
			return
		}

		var req ConnectSourceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if fields := utils.ProcessValidationErrors(err); fields != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		conn, err := models.ConnectSource(ctx, businessId, &models.ConnectSourceInput{
			SourceType:    source,
			AuthType:      req.AuthType,
			AuthSecretRef: req.AuthSecretRef,
			AccountId:     req.AccountId,
			AccountName:   req.AccountName,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "connectionId": conn.ID})
	}
}

func DisconnectSourceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		source := strings.TrimSpace(c.Param("source"))
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if err := models.DisconnectSource(ctx, businessId, source); err != nil {
			if errors.Is(err, models.ErrSourceNotConnected) {
				c.JSON(http.StatusOK, gin.H{"success": true})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Swapped in tests.
var (
	publishSyncRun = PublishSyncRun
	failSyncRun    = models.FinishSyncRun
)

// dispatchNewRun publishes a freshly created run to the worker. A failed
// publish fails the run right away: an idle row no worker will ever pick up
// would otherwise sit until the stale sweep while the client polls a run that
// never starts.
func dispatchNewRun(ctx context.Context, runId uint, businessId string, source string) error {
	if err := publishSyncRun(ctx, runId, businessId, false); err != nil {
		config.LogError(config.GetLogger(), "syncengine", "dispatchNewRun", "publish sync run", gin.H{"runId": runId, "source": source}, err)
		_ = failSyncRun(ctx, runId, models.SyncRunStatusFailed, "dispatch failed: "+err.Error())
		return err
	}
	return nil
}

func parseRunID(c *gin.Context) (uint, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid run id")
	}
	return uint(id), nil
}

func resolveBusinessID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	businessId := strings.TrimSpace(c.Query("business_id"))
	if businessId != "" {
		if err := authorizeInternalBusiness(c.Request.Context(), businessId); err != nil {
			return "", err
		}
		return businessId, nil
	}

	user, err := models.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		return "", errors.New("unauthorized")
	}
	businessId = strings.TrimSpace(user.BusinessId)
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func authorizeInternalBusiness(ctx context.Context, businessId string) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	if businessId == "" {
		return errors.New("business_id is required")
	}

	user, err := models.GetUserByUsername(ctx, username)
	if err != nil {
		return errors.New("unauthorized")
	}
	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.BusinessId != businessId {
		return errors.New("unauthorized")
	}
	return nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Source:        run.Source,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		DryRun:        run.DryRun,
		ImportId:      run.ImportId,
		TotalFetched:  run.TotalFetched,
		TotalInserted: run.TotalInserted,
		TotalUpdated:  run.TotalUpdated,
		ErrorCount:    run.ErrorCount,
		ErrorMessage:  run.ErrorMessage,
		ParentRunId:   run.ParentRunId,
		StartedAt:     formatTime(run.StartedAt),
		CompletedAt:   formatTime(run.CompletedAt),
	}
}
