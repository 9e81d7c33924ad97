package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StagedRecord is one raw ingested item awaiting merge. Ingestion only ever
// inserts pending rows; the unify pipeline owns the single transition to a
// terminal processing status. Rows are never deleted here (retention is a
// separate concern).
type StagedRecord struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index:idx_staged_business_status,priority:1;not null" json:"business_id"`
	SourceType string `gorm:"size:50;not null" json:"source_type"`
	ImportId   string `gorm:"index:idx_staged_import_status,priority:1;size:36;not null" json:"import_id"`
	SyncRunId  uint   `gorm:"index" json:"sync_run_id"`

	ExternalId string `gorm:"size:128" json:"external_id"`
	Email      string `gorm:"size:255" json:"email"`
	Phone      string `gorm:"size:64" json:"phone"`
	FullName   string `gorm:"size:255" json:"full_name"`

	// TotalSpent is the source-reported cumulative spend for this customer,
	// not a per-event amount; merge converges on the max.
	TotalSpent      decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"total_spent"`
	SourceUpdatedAt *time.Time      `json:"source_updated_at"`
	RawJSON         []byte          `gorm:"type:json" json:"raw"`

	ProcessingStatus string `gorm:"index:idx_staged_business_status,priority:2;index:idx_staged_import_status,priority:2;size:20;not null;default:pending" json:"processing_status"`
	ProcessingNote   string `gorm:"size:512" json:"processing_note"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// StageRecords inserts one page/chunk worth of pending rows.
func StageRecords(ctx context.Context, run *SyncRun, recs []StagedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for i := range recs {
		recs[i].BusinessId = run.BusinessId
		recs[i].SourceType = run.Source
		recs[i].ImportId = run.ImportId
		recs[i].SyncRunId = run.ID
		recs[i].ProcessingStatus = StagedStatusPending
	}
	return config.GetDB().WithContext(ctx).CreateInBatches(recs, 200).Error
}

// ClaimPendingStagedRecords locks one merge batch. SKIP LOCKED lets several
// unify workers drain the same backlog without stepping on each other.
func ClaimPendingStagedRecords(tx *gorm.DB, businessId string, limit int) ([]StagedRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var recs []StagedRecord
	err := tx.
		Where("business_id = ? AND processing_status = ?", businessId, StagedStatusPending).
		Order("id ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&recs).Error
	return recs, err
}

func CountPendingStagedRecords(ctx context.Context, businessId string) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&StagedRecord{}).
		Where("business_id = ? AND processing_status = ?", businessId, StagedStatusPending).
		Count(&count).Error
	return count, err
}

// MarkStagedRecord applies the one-and-only terminal transition. The WHERE on
// pending makes a double application a no-op rather than a second write.
func MarkStagedRecord(tx *gorm.DB, id uint, status string, note string) error {
	return tx.Model(&StagedRecord{}).
		Where("id = ? AND processing_status = ?", id, StagedStatusPending).
		Updates(map[string]interface{}{
			"processing_status": status,
			"processing_note":   note,
		}).Error
}

// StagedSummary reports per-status counts for one import, for the run detail
// endpoint.
type StagedSummary struct {
	ProcessingStatus string `json:"processing_status"`
	Count            int64  `json:"count"`
}

func SummarizeStagedRecords(ctx context.Context, businessId string, importId string) ([]StagedSummary, error) {
	var rows []StagedSummary
	err := config.GetDB().WithContext(ctx).Model(&StagedRecord{}).
		Select("processing_status, count(*) as count").
		Where("business_id = ? AND import_id = ?", businessId, importId).
		Group("processing_status").
		Find(&rows).Error
	return rows, err
}
