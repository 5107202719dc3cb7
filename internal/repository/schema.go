package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// InitDB creates the reconciler tables if they are missing.
func InitDB(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_requests (
			id UUID PRIMARY KEY,
			payment_id VARCHAR(64) NOT NULL UNIQUE,
			merchant_id VARCHAR(64) NOT NULL,
			amount NUMERIC(38, 18) NOT NULL,
			currency VARCHAR(16) NOT NULL,
			address VARCHAR(128) NOT NULL,
			status VARCHAR(16) NOT NULL,
			transaction_ref VARCHAR(160),
			customer_email VARCHAR(255) NOT NULL DEFAULT '',
			customer_name VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_requests_address_status ON payment_requests(address, status)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_requests_status_expires ON payment_requests(status, expires_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_requests_transaction_ref
			ON payment_requests(transaction_ref) WHERE transaction_ref IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS scan_watermarks (
			chain VARCHAR(64) PRIMARY KEY,
			position BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS merchants (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			webhook_url TEXT NOT NULL DEFAULT '',
			signing_key TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id UUID PRIMARY KEY,
			event_id VARCHAR(128) NOT NULL UNIQUE,
			event_type VARCHAR(64) NOT NULL,
			payment_id VARCHAR(64) NOT NULL,
			merchant_id VARCHAR(64) NOT NULL,
			url TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			next_retry_at TIMESTAMPTZ NOT NULL,
			lease_until TIMESTAMPTZ,
			lease_token VARCHAR(64),
			last_error TEXT NOT NULL DEFAULT '',
			last_status_code INT NOT NULL DEFAULT 0,
			delivered_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE webhook_deliveries ADD COLUMN IF NOT EXISTS lease_token VARCHAR(64)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
