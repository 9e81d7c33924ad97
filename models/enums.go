package models

// Ingestion sources. Each external source is paginated and rate limited;
// bulk-unify and command-center are internal sources that reuse the same
// run machinery.
const (
	SyncSourceStripe        = "stripe"
	SyncSourceGumroad       = "gumroad"
	SyncSourceHubspot       = "hubspot"
	SyncSourceTelegram      = "telegram"
	SyncSourceCSVImport     = "csv-import"
	SyncSourceBulkUnify     = "bulk-unify"
	SyncSourceCommandCenter = "command-center"
)

// ExternalSyncSources are the sources that require a SourceConnection and talk
// to a remote API. The command center fans out over these.
func ExternalSyncSources() []string {
	return []string{SyncSourceStripe, SyncSourceGumroad, SyncSourceHubspot, SyncSourceTelegram}
}

func IsValidSyncSource(source string) bool {
	switch source {
	case SyncSourceStripe, SyncSourceGumroad, SyncSourceHubspot, SyncSourceTelegram,
		SyncSourceCSVImport, SyncSourceBulkUnify, SyncSourceCommandCenter:
		return true
	}
	return false
}

const (
	SyncRunStatusIdle                = "idle"
	SyncRunStatusRunning             = "running"
	SyncRunStatusContinuing          = "continuing"
	SyncRunStatusPaused              = "paused"
	SyncRunStatusCompleted           = "completed"
	SyncRunStatusCompletedWithErrors = "completed_with_errors"
	SyncRunStatusFailed              = "failed"
	SyncRunStatusCancelled           = "cancelled"
)

// SyncRunActiveStatuses are the statuses of runs a worker is (or should be)
// driving; the executor's cancellation check and the stale-run sweep use them.
func SyncRunActiveStatuses() []string {
	return []string{SyncRunStatusRunning, SyncRunStatusContinuing}
}

// SyncRunStartBlockingStatuses are the statuses that block a new start for the
// same (business, source). An idle row is committed, dispatched work that a
// worker has simply not picked up yet; not counting it would let two
// back-to-back starts both reach running.
func SyncRunStartBlockingStatuses() []string {
	return []string{SyncRunStatusIdle, SyncRunStatusRunning, SyncRunStatusContinuing}
}

func IsActiveSyncStatus(status string) bool {
	return status == SyncRunStatusRunning || status == SyncRunStatusContinuing
}

func IsTerminalSyncStatus(status string) bool {
	switch status {
	case SyncRunStatusCompleted, SyncRunStatusCompletedWithErrors, SyncRunStatusFailed, SyncRunStatusCancelled:
		return true
	}
	return false
}

// IsResumableSyncStatus: only failed and paused runs may be continued by a new
// run; whether a cursor exists is decided by the checkpoint.
func IsResumableSyncStatus(status string) bool {
	return status == SyncRunStatusFailed || status == SyncRunStatusPaused
}

// CanTransitionSyncStatus is the legal-transition table for SyncRun.Status.
// Cancellation is a one-way write shared with the kill switch, so every
// non-terminal status may move to cancelled.
func CanTransitionSyncStatus(from, to string) bool {
	if from == to {
		return from == SyncRunStatusContinuing
	}
	switch from {
	case SyncRunStatusIdle:
		// failed without running: dispatch failures and the stale sweep settle
		// rows no worker ever picked up.
		return to == SyncRunStatusRunning || to == SyncRunStatusCancelled || to == SyncRunStatusFailed
	case SyncRunStatusRunning, SyncRunStatusContinuing:
		switch to {
		case SyncRunStatusRunning, SyncRunStatusContinuing, SyncRunStatusPaused,
			SyncRunStatusCompleted, SyncRunStatusCompletedWithErrors,
			SyncRunStatusFailed, SyncRunStatusCancelled:
			return true
		}
		return false
	case SyncRunStatusPaused:
		return to == SyncRunStatusCancelled
	}
	return false
}

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredRetry     = "retry"
	SyncTriggeredSystem    = "system"
	SyncTriggeredScheduler = "scheduler"
)

const (
	StagedStatusPending  = "pending"
	StagedStatusMerged   = "merged"
	StagedStatusConflict = "conflict"
	StagedStatusError    = "error"
	StagedStatusSkipped  = "skipped"
)

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
)

const (
	IdentityKindEmail = "email"
	IdentityKindPhone = "phone"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleOwner UserRole = "O"
	UserRoleClerk UserRole = "C"
)
