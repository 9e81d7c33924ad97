package unify

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/models"
	"github.com/shopspring/decimal"
)

func TestComputeIdentityKeyEmailWinsOverPhone(t *testing.T) {
	key, ok := ComputeIdentityKey("  Ana@Example.COM ", "+1 650 555 0100")
	if !ok {
		t.Fatal("expected a key")
	}
	if key.Kind != models.IdentityKindEmail || key.Value != "ana@example.com" {
		t.Fatalf("key = %+v", key)
	}
}

func TestComputeIdentityKeyPhoneFallback(t *testing.T) {
	key, ok := ComputeIdentityKey("not-an-email", "(650) 555-0100")
	if !ok {
		t.Fatal("expected a key")
	}
	if key.Kind != models.IdentityKindPhone || key.Value != "+16505550100" {
		t.Fatalf("key = %+v", key)
	}

	if _, ok := ComputeIdentityKey("", ""); ok {
		t.Fatal("no identity fields must yield no key")
	}
}

func TestNormalizePhoneE164(t *testing.T) {
	cases := map[string]string{
		"(650) 555-0100":   "+16505550100",
		"650.555.0100":     "+16505550100",
		"+44 20 7946 0958": "+442079460958",
		"garbage":          "",
		"":                 "",
	}
	for raw, want := range cases {
		if got := NormalizePhone(raw); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", raw, got, want)
		}
	}
}

func ts(s string) *time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return &t
}

func TestApplyMergeFillsGaps(t *testing.T) {
	cust := &models.Customer{FullName: "Ana"}
	rec := &models.StagedRecord{
		Email:      "ana@example.com",
		Phone:      "(650) 555-0100",
		FullName:   "A. Nobody",
		TotalSpent: decimal.NewFromInt(50),
	}

	if !ApplyMerge(cust, rec) {
		t.Fatal("expected a change")
	}
	if cust.FullName != "Ana" {
		t.Fatalf("populated name overwritten without a newer record: %q", cust.FullName)
	}
	if cust.Email != "ana@example.com" || cust.Phone != "+16505550100" {
		t.Fatalf("gaps not filled: %q / %q", cust.Email, cust.Phone)
	}
	if !cust.LifetimeRevenue.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("revenue = %s", cust.LifetimeRevenue)
	}
}

func TestApplyMergeNewerRecordWins(t *testing.T) {
	cust := &models.Customer{
		FullName:            "Old Name",
		LastSourceUpdatedAt: ts("2026-01-01T00:00:00Z"),
	}

	stale := &models.StagedRecord{FullName: "Stale Name", SourceUpdatedAt: ts("2025-12-01T00:00:00Z")}
	ApplyMerge(cust, stale)
	if cust.FullName != "Old Name" {
		t.Fatalf("stale record overwrote: %q", cust.FullName)
	}

	newer := &models.StagedRecord{FullName: "New Name", SourceUpdatedAt: ts("2026-02-01T00:00:00Z")}
	if !ApplyMerge(cust, newer) {
		t.Fatal("expected a change")
	}
	if cust.FullName != "New Name" {
		t.Fatalf("newer record did not win: %q", cust.FullName)
	}
	if !cust.LastSourceUpdatedAt.Equal(*ts("2026-02-01T00:00:00Z")) {
		t.Fatalf("last source updated at = %v", cust.LastSourceUpdatedAt)
	}
}

func TestApplyMergeRevenueConvergesByMax(t *testing.T) {
	cust := &models.Customer{LifetimeRevenue: decimal.NewFromInt(200)}

	lower := &models.StagedRecord{TotalSpent: decimal.NewFromInt(150), SourceUpdatedAt: ts("2026-03-01T00:00:00Z")}
	ApplyMerge(cust, lower)
	if !cust.LifetimeRevenue.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("lower re-emission deflated revenue: %s", cust.LifetimeRevenue)
	}

	higher := &models.StagedRecord{TotalSpent: decimal.NewFromInt(325)}
	ApplyMerge(cust, higher)
	if !cust.LifetimeRevenue.Equal(decimal.NewFromInt(325)) {
		t.Fatalf("revenue = %s", cust.LifetimeRevenue)
	}
}

func TestApplyMergeIdempotent(t *testing.T) {
	cust := &models.Customer{}
	rec := &models.StagedRecord{
		Email:           "b@c.co",
		FullName:        "B",
		TotalSpent:      decimal.NewFromInt(10),
		SourceUpdatedAt: ts("2026-01-15T00:00:00Z"),
	}

	if !ApplyMerge(cust, rec) {
		t.Fatal("first apply must change the customer")
	}
	if ApplyMerge(cust, rec) {
		t.Fatal("second apply of the same record must be a no-op")
	}
}
