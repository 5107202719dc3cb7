package sqlitestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (s *PaymentStore) Create(ctx context.Context, p *models.PaymentRequest) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	row := paymentRow{
		ID:            p.ID,
		PaymentID:     p.PaymentID,
		MerchantID:    p.MerchantID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Address:       p.Address,
		Status:        string(p.Status),
		CustomerEmail: p.CustomerEmail,
		CustomerName:  p.CustomerName,
		Description:   p.Description,
		Metadata:      p.Metadata,
		ExpiresAt:     toNanos(p.ExpiresAt),
		CreatedAt:     toNanos(p.CreatedAt),
		UpdatedAt:     toNanos(p.CreatedAt),
	}
	if p.TransactionRef != "" {
		ref := p.TransactionRef
		row.TransactionRef = &ref
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *PaymentStore) Get(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	return s.first(ctx, "payment_id = ?", paymentID)
}

func (s *PaymentStore) FindByTransferRef(ctx context.Context, ref string) (*models.PaymentRequest, error) {
	return s.first(ctx, "transaction_ref = ?", ref)
}

func (s *PaymentStore) first(ctx context.Context, query string, args ...interface{}) (*models.PaymentRequest, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *PaymentStore) FindPendingByAddress(ctx context.Context, address string) ([]models.PaymentRequest, error) {
	var rows []paymentRow
	err := s.db.WithContext(ctx).
		Where("address = ? AND status = ?", address, models.StatusPending).
		Order("created_at, payment_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModels(rows)
}

func (s *PaymentStore) TrackedAddresses(ctx context.Context) (models.AddressSet, error) {
	var addrs []string
	err := s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("status = ?", models.StatusPending).
		Distinct().Pluck("address", &addrs).Error
	if err != nil {
		return nil, err
	}
	return models.NewAddressSet(addrs...), nil
}

func (s *PaymentStore) TryComplete(ctx context.Context, paymentID, ref string, now time.Time) (bool, error) {
	at := toNanos(now)
	var completed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&paymentRow{}).Where("transaction_ref = ?", ref).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return nil
		}
		result := tx.Model(&paymentRow{}).
			Where("payment_id = ? AND status = ? AND transaction_ref IS NULL AND expires_at >= ?",
				paymentID, models.StatusPending, at).
			Updates(map[string]interface{}{
				"status":          string(models.StatusCompleted),
				"transaction_ref": ref,
				"completed_at":    at,
				"updated_at":      at,
			})
		if result.Error != nil {
			return result.Error
		}
		completed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (s *PaymentStore) MarkExpired(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	at := toNanos(now)
	result := s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("payment_id = ? AND status = ? AND expires_at < ?", paymentID, models.StatusPending, at).
		Updates(map[string]interface{}{"status": string(models.StatusExpired), "updated_at": at})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *PaymentStore) Cancel(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	at := toNanos(now)
	result := s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("payment_id = ? AND status = ?", paymentID, models.StatusPending).
		Updates(map[string]interface{}{"status": string(models.StatusCancelled), "updated_at": at})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *PaymentStore) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]models.PaymentRequest, error) {
	at := toNanos(now)
	var expired []models.PaymentRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []paymentRow
		if err := tx.Where("status = ? AND expires_at < ?", models.StatusPending, at).
			Order("expires_at").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			result := tx.Model(&paymentRow{}).
				Where("id = ? AND status = ?", row.ID, models.StatusPending).
				Updates(map[string]interface{}{"status": string(models.StatusExpired), "updated_at": at})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			row.Status = string(models.StatusExpired)
			row.UpdatedAt = at
			p, err := row.toModel()
			if err != nil {
				return err
			}
			expired = append(expired, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r paymentRow) toModel() (*models.PaymentRequest, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, err
	}
	p := &models.PaymentRequest{
		ID:            r.ID,
		PaymentID:     r.PaymentID,
		MerchantID:    r.MerchantID,
		Amount:        amount,
		Currency:      r.Currency,
		Address:       r.Address,
		Status:        models.PaymentStatus(r.Status),
		CustomerEmail: r.CustomerEmail,
		CustomerName:  r.CustomerName,
		Description:   r.Description,
		Metadata:      r.Metadata,
		ExpiresAt:     fromNanos(r.ExpiresAt),
		CompletedAt:   fromNanosPtr(r.CompletedAt),
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}
	if r.TransactionRef != nil {
		p.TransactionRef = *r.TransactionRef
	}
	return p, nil
}

func toModels(rows []paymentRow) ([]models.PaymentRequest, error) {
	out := make([]models.PaymentRequest, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
