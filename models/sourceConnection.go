package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"gorm.io/gorm"
)

var ErrSourceNotConnected = errors.New("source is not connected for this business")

// SourceConnection holds per-business credentials and settings for one
// external source. AuthSecretRef is a secret-manager reference, never the
// credential itself.
type SourceConnection struct {
	ID            uint   `gorm:"primary_key" json:"id"`
	BusinessId    string `gorm:"uniqueIndex:idx_source_connection,priority:1;not null" json:"business_id"`
	SourceType    string `gorm:"uniqueIndex:idx_source_connection,priority:2;size:50;not null" json:"source_type"`
	Status        string `gorm:"size:20;not null" json:"status"`
	AuthType      string `gorm:"size:20" json:"auth_type"`
	AuthSecretRef string `gorm:"type:text" json:"auth_secret_ref"`
	AccountId     string `gorm:"size:100" json:"account_id"`
	AccountName   string `gorm:"size:255" json:"account_name"`
	SettingsJSON  []byte `gorm:"type:json" json:"settings"`

	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetSourceConnection returns ErrSourceNotConnected unless a connected row
// exists for the business + source pair.
func GetSourceConnection(ctx context.Context, businessId string, sourceType string) (*SourceConnection, error) {
	var conn SourceConnection
	err := config.GetDB().WithContext(ctx).
		Where("business_id = ? AND source_type = ?", businessId, sourceType).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotConnected
		}
		return nil, err
	}
	if conn.Status != ConnectionStatusConnected {
		return nil, ErrSourceNotConnected
	}
	return &conn, nil
}

func ListSourceConnections(ctx context.Context, businessId string) ([]SourceConnection, error) {
	var conns []SourceConnection
	err := config.GetDB().WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("source_type ASC").
		Find(&conns).Error
	return conns, err
}

type ConnectSourceInput struct {
	SourceType    string `json:"source_type" binding:"required"`
	AuthType      string `json:"auth_type"`
	AuthSecretRef string `json:"auth_secret_ref" binding:"required"`
	AccountId     string `json:"account_id"`
	AccountName   string `json:"account_name"`
	SettingsJSON  []byte `json:"settings"`
}

// ConnectSource creates or re-activates the connection row for a source.
func ConnectSource(ctx context.Context, businessId string, input *ConnectSourceInput) (*SourceConnection, error) {
	db := config.GetDB().WithContext(ctx)

	var conn SourceConnection
	err := db.Where("business_id = ? AND source_type = ?", businessId, input.SourceType).
		Take(&conn).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		conn = SourceConnection{
			BusinessId:    businessId,
			SourceType:    input.SourceType,
			Status:        ConnectionStatusConnected,
			AuthType:      input.AuthType,
			AuthSecretRef: input.AuthSecretRef,
			AccountId:     input.AccountId,
			AccountName:   input.AccountName,
			SettingsJSON:  input.SettingsJSON,
		}
		if err := db.Create(&conn).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return ConnectSource(ctx, businessId, input)
			}
			return nil, err
		}
		return &conn, nil
	}

	updates := map[string]interface{}{
		"status":          ConnectionStatusConnected,
		"auth_type":       input.AuthType,
		"auth_secret_ref": input.AuthSecretRef,
		"account_id":      input.AccountId,
		"account_name":    input.AccountName,
	}
	if len(input.SettingsJSON) > 0 {
		updates["settings_json"] = input.SettingsJSON
	}
	if err := db.Model(&conn).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// DisconnectSource marks the connection disconnected. Any active run for the
// source is cancelled so it does not keep fetching with dead credentials.
func DisconnectSource(ctx context.Context, businessId string, sourceType string) error {
	db := config.GetDB().WithContext(ctx)
	res := db.Model(&SourceConnection{}).
		Where("business_id = ? AND source_type = ?", businessId, sourceType).
		Update("status", ConnectionStatusDisconnected)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSourceNotConnected
	}
	_, err := CancelSyncSource(ctx, businessId, sourceType, "source disconnected")
	return err
}

// TouchConnectionSyncTimes records sync attempt/success times for the
// connections list UI.
func TouchConnectionSyncTimes(ctx context.Context, businessId string, sourceType string, success bool) error {
	now := time.Now()
	updates := map[string]interface{}{"last_sync_at": now}
	if success {
		updates["last_success_sync_at"] = now
	}
	return config.GetDB().WithContext(ctx).Model(&SourceConnection{}).
		Where("business_id = ? AND source_type = ?", businessId, sourceType).
		Updates(updates).Error
}
