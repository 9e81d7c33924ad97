package syncengine

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/models"
	"github.com/shopspring/decimal"
)

func decimalMustParse(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestParseCustomerRowsHeaderAliases(t *testing.T) {
	chunk := []byte("customer_id,Email,mobile,Name,lifetime_value,updated_at\n" +
		"c-1,ANA@Example.com,+1 650 555 0100,Ana,120.50,2026-02-01T10:00:00Z\n" +
		"c-2,,,Bo,not-a-number,\n")

	records, badRows, err := parseCustomerRows(chunk)
	if err != nil {
		t.Fatalf("parseCustomerRows: %v", err)
	}
	if badRows != 0 {
		t.Fatalf("badRows = %d", badRows)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}

	first := records[0]
	if first.ExternalId != "c-1" {
		t.Fatalf("external id = %q", first.ExternalId)
	}
	if first.Email != "ana@example.com" {
		t.Fatalf("email not lowercased: %q", first.Email)
	}
	if first.Phone != "+1 650 555 0100" {
		t.Fatalf("phone = %q", first.Phone)
	}
	if first.FullName != "Ana" {
		t.Fatalf("name = %q", first.FullName)
	}
	if !first.TotalSpent.Equal(decimalMustParse(t, "120.50")) {
		t.Fatalf("total spent = %s", first.TotalSpent)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if first.SourceUpdatedAt == nil || !first.SourceUpdatedAt.Equal(want) {
		t.Fatalf("updated at = %v", first.SourceUpdatedAt)
	}

	// Unparseable spend falls back to zero instead of rejecting the row.
	if !records[1].TotalSpent.IsZero() {
		t.Fatalf("second record spend = %s", records[1].TotalSpent)
	}
}

func TestParseCustomerRowsCountsMissingExternalId(t *testing.T) {
	chunk := []byte("external_id,email\n" +
		",orphan@example.com\n" +
		"c-9,kept@example.com\n" +
		",another@example.com\n")

	records, badRows, err := parseCustomerRows(chunk)
	if err != nil {
		t.Fatalf("parseCustomerRows: %v", err)
	}
	if badRows != 2 {
		t.Fatalf("badRows = %d, want 2", badRows)
	}
	if len(records) != 1 || records[0].ExternalId != "c-9" {
		t.Fatalf("records = %+v", records)
	}
}

func TestParseCustomerRowsHeaderOnly(t *testing.T) {
	records, badRows, err := parseCustomerRows([]byte("external_id,email\n"))
	if err != nil || badRows != 0 || len(records) != 0 {
		t.Fatalf("got %d records, %d bad, err %v", len(records), badRows, err)
	}
}

func TestCsvImportDryRunReportsWouldBeInserts(t *testing.T) {
	plan, err := PlanChunks([]byte("external_id,email\nc-1,a@b.co\nc-2,c@d.co\n"), 1<<20)
	if err != nil {
		t.Fatalf("PlanChunks: %v", err)
	}

	r := &csvImportRunner{run: &models.SyncRun{DryRun: true}, plan: &plan}
	res, err := r.RunChunk(context.Background(), NewChunkCheckpoint(0, plan.TotalChunks(), "uploads/c.csv"))
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if res.Fetched != 2 || res.Inserted != 2 {
		t.Fatalf("fetched=%d inserted=%d, want 2/2", res.Fetched, res.Inserted)
	}
	if res.HasMore {
		t.Fatal("single-chunk plan must not report more work")
	}
}

func TestCsvImportSkipChunkAdvancesIndex(t *testing.T) {
	r := &csvImportRunner{}
	cp := NewChunkCheckpoint(2, 6, "uploads/c.csv")
	cp.ChunkErrors = 1

	next, ok := r.SkipChunk(cp)
	if !ok {
		t.Fatal("expected skip")
	}
	if next.Chunk.ChunkIndex != 3 || next.Chunk.ObjectName != "uploads/c.csv" {
		t.Fatalf("next = %+v", next.Chunk)
	}
	if next.ChunkErrors != 2 {
		t.Fatalf("chunk errors = %d", next.ChunkErrors)
	}

	if _, ok := r.SkipChunk(NewCursorCheckpoint("x", "")); ok {
		t.Fatal("cursor checkpoint must not be skippable")
	}
}
