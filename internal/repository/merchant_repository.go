package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type MerchantRepository struct {
	db *sql.DB
}

func NewMerchantRepository(db *sql.DB) *MerchantRepository {
	return &MerchantRepository{db: db}
}

func (r *MerchantRepository) WebhookConfig(ctx context.Context, merchantID string) (*models.WebhookConfig, error) {
	cfg := models.WebhookConfig{MerchantID: merchantID}
	err := r.db.QueryRowContext(ctx,
		`SELECT name, webhook_url, signing_key FROM merchants WHERE id = $1`, merchantID,
	).Scan(&cfg.Name, &cfg.URL, &cfg.SigningKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *MerchantRepository) Upsert(ctx context.Context, m models.Merchant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO merchants (id, name, webhook_url, signing_key, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, webhook_url = EXCLUDED.webhook_url,
			signing_key = EXCLUDED.signing_key, updated_at = NOW()
	`, m.ID, m.Name, m.WebhookURL, m.SigningKey)
	return err
}
