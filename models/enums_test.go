package models

import "testing"

func TestSyncStatusPredicates(t *testing.T) {
	active := map[string]bool{
		SyncRunStatusRunning:    true,
		SyncRunStatusContinuing: true,
	}
	terminal := map[string]bool{
		SyncRunStatusCompleted:           true,
		SyncRunStatusCompletedWithErrors: true,
		SyncRunStatusFailed:              true,
		SyncRunStatusCancelled:           true,
	}
	resumable := map[string]bool{
		SyncRunStatusFailed: true,
		SyncRunStatusPaused: true,
	}

	all := []string{
		SyncRunStatusIdle, SyncRunStatusRunning, SyncRunStatusContinuing,
		SyncRunStatusPaused, SyncRunStatusCompleted, SyncRunStatusCompletedWithErrors,
		SyncRunStatusFailed, SyncRunStatusCancelled,
	}
	for _, s := range all {
		if IsActiveSyncStatus(s) != active[s] {
			t.Errorf("IsActiveSyncStatus(%q) = %v", s, IsActiveSyncStatus(s))
		}
		if IsTerminalSyncStatus(s) != terminal[s] {
			t.Errorf("IsTerminalSyncStatus(%q) = %v", s, IsTerminalSyncStatus(s))
		}
		if IsResumableSyncStatus(s) != resumable[s] {
			t.Errorf("IsResumableSyncStatus(%q) = %v", s, IsResumableSyncStatus(s))
		}
	}
}

func TestStartBlockingStatusesIncludeIdle(t *testing.T) {
	blocking := map[string]bool{}
	for _, s := range SyncRunStartBlockingStatuses() {
		blocking[s] = true
	}

	// An idle row is committed, dispatched work: a second start for the same
	// source must see it, or two back-to-back starts both end up running.
	for _, s := range []string{SyncRunStatusIdle, SyncRunStatusRunning, SyncRunStatusContinuing} {
		if !blocking[s] {
			t.Errorf("%q must block a new start", s)
		}
	}
	for _, s := range []string{
		SyncRunStatusPaused, SyncRunStatusCompleted, SyncRunStatusCompletedWithErrors,
		SyncRunStatusFailed, SyncRunStatusCancelled,
	} {
		if blocking[s] {
			t.Errorf("%q must not block a new start", s)
		}
	}
}

func TestCanTransitionSyncStatus(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{SyncRunStatusIdle, SyncRunStatusRunning, true},
		{SyncRunStatusIdle, SyncRunStatusCancelled, true},
		{SyncRunStatusIdle, SyncRunStatusFailed, true},
		{SyncRunStatusIdle, SyncRunStatusCompleted, false},
		{SyncRunStatusRunning, SyncRunStatusContinuing, true},
		{SyncRunStatusRunning, SyncRunStatusPaused, true},
		{SyncRunStatusRunning, SyncRunStatusFailed, true},
		{SyncRunStatusRunning, SyncRunStatusCancelled, true},
		{SyncRunStatusContinuing, SyncRunStatusRunning, true},
		{SyncRunStatusContinuing, SyncRunStatusContinuing, true},
		{SyncRunStatusContinuing, SyncRunStatusCompletedWithErrors, true},
		{SyncRunStatusPaused, SyncRunStatusCancelled, true},
		{SyncRunStatusPaused, SyncRunStatusRunning, false},
		{SyncRunStatusCompleted, SyncRunStatusRunning, false},
		{SyncRunStatusFailed, SyncRunStatusRunning, false},
		{SyncRunStatusCancelled, SyncRunStatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransitionSyncStatus(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionSyncStatus(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestExternalSyncSources(t *testing.T) {
	for _, s := range ExternalSyncSources() {
		if !IsValidSyncSource(s) {
			t.Errorf("external source %q not valid", s)
		}
	}
	for _, s := range []string{SyncSourceCSVImport, SyncSourceBulkUnify, SyncSourceCommandCenter} {
		for _, ext := range ExternalSyncSources() {
			if s == ext {
				t.Errorf("internal source %q listed as external", s)
			}
		}
	}
	if IsValidSyncSource("shopify") {
		t.Error("unknown source accepted")
	}
}
