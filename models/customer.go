package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Customer is the canonical entity staged records merge into.
type Customer struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	FullName   string `gorm:"size:255" json:"full_name"`
	Email      string `gorm:"size:255" json:"email"`
	Phone      string `gorm:"size:64" json:"phone"`

	LifetimeRevenue decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"lifetime_revenue"`

	FirstSeenAt         *time.Time `json:"first_seen_at"`
	LastSourceUpdatedAt *time.Time `json:"last_source_updated_at"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CustomerIdentity maps a normalized identity value (email or E.164 phone) to
// its customer. The unique index is what makes merge an upsert instead of an
// append.
type CustomerIdentity struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"uniqueIndex:idx_customer_identity,priority:1;not null" json:"business_id"`
	Kind       string `gorm:"uniqueIndex:idx_customer_identity,priority:2;size:10;not null" json:"kind"`
	Value      string `gorm:"uniqueIndex:idx_customer_identity,priority:3;size:255;not null" json:"value"`
	CustomerId uint   `gorm:"index;not null" json:"customer_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CustomerSourceLink records which source record last contributed to a
// customer. It deduplicates re-emitted records after a resume: a staged record
// whose (source, external id) link is already at the same or newer
// source-updated-at is skipped, never merged twice.
type CustomerSourceLink struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"uniqueIndex:idx_customer_source_link,priority:1;not null" json:"business_id"`
	SourceType string `gorm:"uniqueIndex:idx_customer_source_link,priority:2;size:50;not null" json:"source_type"`
	ExternalId string `gorm:"uniqueIndex:idx_customer_source_link,priority:3;size:128;not null" json:"external_id"`
	CustomerId uint   `gorm:"index;not null" json:"customer_id"`

	SourceUpdatedAt *time.Time `json:"source_updated_at"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDuplicateKeyErr reports a MySQL 1062 unique violation; unify uses it to
// recover from identity-insert races between concurrent merge batches.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// FindCustomerByIdentity returns (nil, nil) when the identity is unknown.
func FindCustomerByIdentity(tx *gorm.DB, businessId string, kind string, value string) (*Customer, error) {
	var ident CustomerIdentity
	err := tx.Where("business_id = ? AND kind = ? AND value = ?", businessId, kind, value).
		Take(&ident).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var cust Customer
	if err := tx.Where("id = ? AND business_id = ?", ident.CustomerId, businessId).Take(&cust).Error; err != nil {
		return nil, err
	}
	return &cust, nil
}

func FindSourceLink(tx *gorm.DB, businessId string, sourceType string, externalId string) (*CustomerSourceLink, error) {
	var link CustomerSourceLink
	err := tx.Where("business_id = ? AND source_type = ? AND external_id = ?", businessId, sourceType, externalId).
		Take(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

func UpsertSourceLink(tx *gorm.DB, businessId string, sourceType string, externalId string, customerId uint, sourceUpdatedAt *time.Time) error {
	now := time.Now()
	link := CustomerSourceLink{
		BusinessId:      businessId,
		SourceType:      sourceType,
		ExternalId:      externalId,
		CustomerId:      customerId,
		SourceUpdatedAt: sourceUpdatedAt,
		LastSeenAt:      &now,
	}
	err := tx.Create(&link).Error
	if err == nil {
		return nil
	}
	if !IsDuplicateKeyErr(err) {
		return err
	}
	return tx.Model(&CustomerSourceLink{}).
		Where("business_id = ? AND source_type = ? AND external_id = ?", businessId, sourceType, externalId).
		Updates(map[string]interface{}{
			"customer_id":       customerId,
			"source_updated_at": sourceUpdatedAt,
			"last_seen_at":      now,
		}).Error
}

func CountCustomers(ctx context.Context, businessId string) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&Customer{}).
		Where("business_id = ?", businessId).
		Count(&count).Error
	return count, err
}
