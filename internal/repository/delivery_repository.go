package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

const deliveryColumns = `id, event_id, event_type, payment_id, merchant_id, url, payload, attempts, status,
	next_retry_at, last_error, last_status_code, delivered_at, created_at, updated_at`

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) Enqueue(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, event_id, event_type, payment_id, merchant_id, url, payload,
			attempts, status, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, d.ID, d.EventID, d.EventType, d.PaymentID, d.MerchantID, d.URL, string(d.Payload),
		models.DeliveryPending, d.NextRetryAt, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("enqueue delivery %s: %w", d.EventID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.WebhookDelivery, error) {
	token := uuid.NewString()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE webhook_deliveries SET lease_until = $1, lease_token = $5
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $2 AND next_retry_at <= $3 AND (lease_until IS NULL OR lease_until < $3)
			ORDER BY next_retry_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now.Add(lease), models.DeliveryPending, now, limit, token)
	if err != nil {
		return nil, err
	}
	claimed, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].LeaseToken = token
	}
	return claimed, nil
}

func (r *DeliveryRepository) MarkDelivered(ctx context.Context, a models.DeliveryAttempt) (bool, error) {
	return r.mark(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_status_code = $3, last_error = '', delivered_at = $4,
			lease_until = NULL, lease_token = NULL, updated_at = $4
		WHERE id = $5 AND status = $6 AND lease_token = $7
	`, models.DeliveryDelivered, a.Attempts, a.StatusCode, a.At, a.ID, models.DeliveryPending, a.LeaseToken)
}

func (r *DeliveryRepository) MarkRetry(ctx context.Context, a models.DeliveryAttempt, next time.Time) (bool, error) {
	return r.mark(ctx, `
		UPDATE webhook_deliveries
		SET attempts = $1, last_status_code = $2, last_error = $3, next_retry_at = $4,
			lease_until = NULL, lease_token = NULL, updated_at = $5
		WHERE id = $6 AND status = $7 AND lease_token = $8
	`, a.Attempts, a.StatusCode, a.Error, next, a.At, a.ID, models.DeliveryPending, a.LeaseToken)
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, a models.DeliveryAttempt) (bool, error) {
	return r.mark(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_status_code = $3, last_error = $4,
			lease_until = NULL, lease_token = NULL, updated_at = $5
		WHERE id = $6 AND status = $7 AND lease_token = $8
	`, models.DeliveryFailed, a.Attempts, a.StatusCode, a.Error, a.At, a.ID, models.DeliveryPending, a.LeaseToken)
}

func (r *DeliveryRepository) mark(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *DeliveryRepository) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (r *DeliveryRepository) ListFailed(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.DeliveryFailed, limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

func (r *DeliveryRepository) Replay(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = 0, next_retry_at = $2, lease_until = NULL, lease_token = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`, models.DeliveryPending, now, id, models.DeliveryFailed)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var (
		d           models.WebhookDelivery
		payload     string
		deliveredAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.EventID, &d.EventType, &d.PaymentID, &d.MerchantID, &d.URL, &payload,
		&d.Attempts, &d.Status, &d.NextRetryAt, &d.LastError, &d.LastStatusCode, &deliveredAt,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

func collectDeliveries(rows *sql.Rows) ([]models.WebhookDelivery, error) {
	defer rows.Close()
	var out []models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
