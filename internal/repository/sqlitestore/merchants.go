package sqlitestore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type MerchantStore struct {
	db *gorm.DB
}

func NewMerchantStore(db *gorm.DB) *MerchantStore {
	return &MerchantStore{db: db}
}

func (s *MerchantStore) WebhookConfig(ctx context.Context, merchantID string) (*models.WebhookConfig, error) {
	var row merchantRow
	err := s.db.WithContext(ctx).Where("id = ?", merchantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.WebhookConfig{
		MerchantID: row.ID,
		Name:       row.Name,
		URL:        row.WebhookURL,
		SigningKey: row.SigningKey,
	}, nil
}

func (s *MerchantStore) Upsert(ctx context.Context, m models.Merchant) error {
	row := merchantRow{
		ID:         m.ID,
		Name:       m.Name,
		WebhookURL: m.WebhookURL,
		SigningKey: m.SigningKey,
		UpdatedAt:  toNanos(time.Now()),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "webhook_url", "signing_key", "updated_at"}),
	}).Create(&row).Error
}
