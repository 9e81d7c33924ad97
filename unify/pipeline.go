package unify

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"gorm.io/gorm"
)

// BatchResult is what one drained batch did. Remaining is the pending backlog
// after the batch; the engine keeps going while it is positive.
type BatchResult struct {
	Claimed   int
	Merged    int
	Updated   int
	Conflicts int
	Errors    int
	Skipped   int
	Remaining int64
}

// ProcessBatch claims up to batchSize pending staged records (FOR UPDATE SKIP
// LOCKED, so concurrent workers drain the same backlog safely) and merges each
// into the canonical customers. Every claimed row leaves in exactly one
// terminal status; a row that fails to merge becomes `error` with a note, not
// a retry loop.
//
// Dry run previews one pass: records are classified but nothing is written,
// and Remaining reports 0 so the run ends after a single sweep.
func ProcessBatch(ctx context.Context, businessId string, batchSize int, dryRun bool) (BatchResult, error) {
	if dryRun {
		return previewBatch(ctx, businessId, batchSize)
	}

	var result BatchResult
	db := config.GetDB().WithContext(ctx)

	err := db.Transaction(func(tx *gorm.DB) error {
		records, err := models.ClaimPendingStagedRecords(tx, businessId, batchSize)
		if err != nil {
			return err
		}
		result.Claimed = len(records)

		for i := range records {
			rec := &records[i]
			status, note, created, updated := mergeOne(tx, rec)
			if err := models.MarkStagedRecord(tx, rec.ID, status, note); err != nil {
				return err
			}
			switch status {
			case models.StagedStatusMerged:
				if created {
					result.Merged++
				}
				if updated {
					result.Updated++
				}
			case models.StagedStatusConflict:
				result.Conflicts++
			case models.StagedStatusError:
				result.Errors++
			case models.StagedStatusSkipped:
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	remaining, err := models.CountPendingStagedRecords(ctx, businessId)
	if err != nil {
		return BatchResult{}, err
	}
	result.Remaining = remaining
	return result, nil
}

// mergeOne applies one staged record and returns its terminal status. It never
// returns an error: per-record failures become the `error` status so one bad
// row cannot poison the batch.
func mergeOne(tx *gorm.DB, rec *models.StagedRecord) (status string, note string, created bool, updated bool) {
	// Re-emitted record from a resumed run? The source link remembers what we
	// already merged.
	link, err := models.FindSourceLink(tx, rec.BusinessId, rec.SourceType, rec.ExternalId)
	if err != nil {
		return models.StagedStatusError, "source link lookup failed: " + err.Error(), false, false
	}
	if link != nil && !isNewerThanLink(rec, link) {
		return models.StagedStatusSkipped, "duplicate emission, already merged", false, false
	}

	key, ok := ComputeIdentityKey(rec.Email, rec.Phone)
	if !ok {
		return models.StagedStatusSkipped, "no usable identity (email or phone)", false, false
	}

	// Cross-key conflict check: a record carrying both identities must not
	// silently bridge two existing customers.
	emailCust, phoneCust, err := lookupBothIdentities(tx, rec)
	if err != nil {
		return models.StagedStatusError, "identity lookup failed: " + err.Error(), false, false
	}
	if emailCust != nil && phoneCust != nil && emailCust.ID != phoneCust.ID {
		return models.StagedStatusConflict,
			fmt.Sprintf("email maps to customer %d but phone maps to customer %d", emailCust.ID, phoneCust.ID),
			false, false
	}

	target := emailCust
	if target == nil {
		target = phoneCust
	}

	if target == nil {
		target, err = createCustomerForKey(tx, rec, key)
		if err != nil {
			return models.StagedStatusError, "customer create failed: " + err.Error(), false, false
		}
		created = true
	}

	if ApplyMerge(target, rec) {
		if err := tx.Save(target).Error; err != nil {
			return models.StagedStatusError, "customer update failed: " + err.Error(), false, false
		}
		if !created {
			updated = true
		}
	}

	if err := ensureIdentities(tx, rec, target); err != nil {
		return models.StagedStatusError, "identity insert failed: " + err.Error(), false, false
	}
	if err := models.UpsertSourceLink(tx, rec.BusinessId, rec.SourceType, rec.ExternalId, target.ID, rec.SourceUpdatedAt); err != nil {
		return models.StagedStatusError, "source link upsert failed: " + err.Error(), false, false
	}

	return models.StagedStatusMerged, "", created, updated
}

func isNewerThanLink(rec *models.StagedRecord, link *models.CustomerSourceLink) bool {
	if rec.SourceUpdatedAt == nil {
		return false
	}
	if link.SourceUpdatedAt == nil {
		return true
	}
	return rec.SourceUpdatedAt.After(*link.SourceUpdatedAt)
}

func lookupBothIdentities(tx *gorm.DB, rec *models.StagedRecord) (*models.Customer, *models.Customer, error) {
	var emailCust, phoneCust *models.Customer
	var err error

	if v := NormalizeEmail(rec.Email); v != "" {
		emailCust, err = models.FindCustomerByIdentity(tx, rec.BusinessId, models.IdentityKindEmail, v)
		if err != nil {
			return nil, nil, err
		}
	}
	if v := NormalizePhone(rec.Phone); v != "" {
		phoneCust, err = models.FindCustomerByIdentity(tx, rec.BusinessId, models.IdentityKindPhone, v)
		if err != nil {
			return nil, nil, err
		}
	}
	return emailCust, phoneCust, nil
}

// createCustomerForKey inserts the customer plus its primary identity. A 1062
// on the identity means another worker created it between our lookup and
// insert; re-resolve and use theirs.
func createCustomerForKey(tx *gorm.DB, rec *models.StagedRecord, key IdentityKey) (*models.Customer, error) {
	cust := &models.Customer{
		BusinessId:  rec.BusinessId,
		FirstSeenAt: rec.SourceUpdatedAt,
	}
	if err := tx.Create(cust).Error; err != nil {
		return nil, err
	}

	ident := models.CustomerIdentity{
		BusinessId: rec.BusinessId,
		Kind:       key.Kind,
		Value:      key.Value,
		CustomerId: cust.ID,
	}
	if err := tx.Create(&ident).Error; err != nil {
		if !models.IsDuplicateKeyErr(err) {
			return nil, err
		}
		if derr := tx.Delete(cust).Error; derr != nil {
			return nil, derr
		}
		existing, lerr := models.FindCustomerByIdentity(tx, rec.BusinessId, key.Kind, key.Value)
		if lerr != nil {
			return nil, lerr
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}
	return cust, nil
}

// ensureIdentities registers every identity the record carries for the
// customer, so a later record matching on the other key finds the same row.
// Duplicate inserts of the same (kind, value) are ignored.
func ensureIdentities(tx *gorm.DB, rec *models.StagedRecord, cust *models.Customer) error {
	add := func(kind, value string) error {
		if value == "" {
			return nil
		}
		ident := models.CustomerIdentity{
			BusinessId: rec.BusinessId,
			Kind:       kind,
			Value:      value,
			CustomerId: cust.ID,
		}
		if err := tx.Create(&ident).Error; err != nil && !models.IsDuplicateKeyErr(err) {
			return err
		}
		return nil
	}
	if err := add(models.IdentityKindEmail, NormalizeEmail(rec.Email)); err != nil {
		return err
	}
	return add(models.IdentityKindPhone, NormalizePhone(rec.Phone))
}

// previewBatch classifies a single page of pending records without writing.
func previewBatch(ctx context.Context, businessId string, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	db := config.GetDB().WithContext(ctx)

	var records []models.StagedRecord
	err := db.
		Where("business_id = ? AND processing_status = ?", businessId, models.StagedStatusPending).
		Order("id ASC").
		Limit(batchSize).
		Find(&records).Error
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Claimed: len(records)}
	for i := range records {
		rec := &records[i]
		if _, ok := ComputeIdentityKey(rec.Email, rec.Phone); !ok {
			result.Skipped++
			continue
		}
		emailCust, phoneCust, err := lookupBothIdentities(db, rec)
		if err != nil {
			result.Errors++
			continue
		}
		switch {
		case emailCust != nil && phoneCust != nil && emailCust.ID != phoneCust.ID:
			result.Conflicts++
		case emailCust != nil || phoneCust != nil:
			result.Updated++
		default:
			result.Merged++
		}
	}
	return result, nil
}
