package sqlitestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type DeliveryStore struct {
	db *gorm.DB
}

func NewDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func (s *DeliveryStore) Enqueue(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := deliveryRow{
		ID:          d.ID,
		EventID:     d.EventID,
		EventType:   string(d.EventType),
		PaymentID:   d.PaymentID,
		MerchantID:  d.MerchantID,
		URL:         d.URL,
		Payload:     d.Payload,
		Status:      string(models.DeliveryPending),
		NextRetryAt: toNanos(d.NextRetryAt),
		CreatedAt:   toNanos(d.CreatedAt),
		UpdatedAt:   toNanos(d.CreatedAt),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *DeliveryStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.WebhookDelivery, error) {
	at := toNanos(now)
	until := toNanos(now.Add(lease))
	token := uuid.NewString()
	var claimed []models.WebhookDelivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []deliveryRow
		if err := tx.Where("status = ? AND next_retry_at <= ? AND lease_until < ?", models.DeliveryPending, at, at).
			Order("next_retry_at").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			result := tx.Model(&deliveryRow{}).
				Where("id = ? AND lease_until < ?", row.ID, at).
				Updates(map[string]interface{}{"lease_until": until, "lease_token": token})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				row.LeaseToken = token
				claimed = append(claimed, row.toModel())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *DeliveryStore) MarkDelivered(ctx context.Context, a models.DeliveryAttempt) (bool, error) {
	n := toNanos(a.At)
	return s.mark(ctx, a, map[string]interface{}{
		"status":           string(models.DeliveryDelivered),
		"attempts":         a.Attempts,
		"last_status_code": a.StatusCode,
		"last_error":       "",
		"delivered_at":     n,
		"updated_at":       n,
	})
}

func (s *DeliveryStore) MarkRetry(ctx context.Context, a models.DeliveryAttempt, next time.Time) (bool, error) {
	return s.mark(ctx, a, map[string]interface{}{
		"attempts":         a.Attempts,
		"last_status_code": a.StatusCode,
		"last_error":       a.Error,
		"next_retry_at":    toNanos(next),
		"updated_at":       toNanos(a.At),
	})
}

func (s *DeliveryStore) MarkFailed(ctx context.Context, a models.DeliveryAttempt) (bool, error) {
	return s.mark(ctx, a, map[string]interface{}{
		"status":           string(models.DeliveryFailed),
		"attempts":         a.Attempts,
		"last_status_code": a.StatusCode,
		"last_error":       a.Error,
		"updated_at":       toNanos(a.At),
	})
}

// mark applies an attempt outcome if the delivery is still pending under the
// claim that produced it, and releases the lease.
func (s *DeliveryStore) mark(ctx context.Context, a models.DeliveryAttempt, updates map[string]interface{}) (bool, error) {
	if a.LeaseToken == "" {
		return false, nil
	}
	updates["lease_until"] = 0
	updates["lease_token"] = ""
	result := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("id = ? AND status = ? AND lease_token = ?", a.ID, models.DeliveryPending, a.LeaseToken).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var row deliveryRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d := row.toModel()
	return &d, nil
}

func (s *DeliveryStore) ListFailed(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	var rows []deliveryRow
	err := s.db.WithContext(ctx).Where("status = ?", models.DeliveryFailed).
		Order("updated_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.WebhookDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *DeliveryStore) Replay(ctx context.Context, id string, now time.Time) (bool, error) {
	n := toNanos(now)
	result := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("id = ? AND status = ?", id, models.DeliveryFailed).
		Updates(map[string]interface{}{
			"status":        string(models.DeliveryPending),
			"attempts":      0,
			"next_retry_at": n,
			"lease_until":   0,
			"lease_token":   "",
			"updated_at":    n,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r deliveryRow) toModel() models.WebhookDelivery {
	return models.WebhookDelivery{
		ID:             r.ID,
		EventID:        r.EventID,
		EventType:      models.EventType(r.EventType),
		PaymentID:      r.PaymentID,
		MerchantID:     r.MerchantID,
		URL:            r.URL,
		Payload:        r.Payload,
		Attempts:       r.Attempts,
		Status:         models.DeliveryStatus(r.Status),
		NextRetryAt:    fromNanos(r.NextRetryAt),
		LastError:      r.LastError,
		LastStatusCode: r.LastStatusCode,
		DeliveredAt:    fromNanosPtr(r.DeliveredAt),
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
		LeaseToken:     r.LeaseToken,
	}
}
