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

const paymentColumns = `id, payment_id, merchant_id, amount, currency, address, status, transaction_ref,
	customer_email, customer_name, description, metadata, expires_at, completed_at, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.PaymentRequest) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_requests (id, payment_id, merchant_id, amount, currency, address, status,
			customer_email, customer_name, description, metadata, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (payment_id) DO NOTHING
	`, p.ID, p.PaymentID, p.MerchantID, p.Amount, p.Currency, p.Address, p.Status,
		p.CustomerEmail, p.CustomerName, p.Description, nullJSON(p.Metadata), p.ExpiresAt, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment request %s: %w", p.PaymentID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) Get(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE payment_id = $1`, paymentID)
	return scanPayment(row)
}

func (r *PaymentRepository) FindByTransferRef(ctx context.Context, ref string) (*models.PaymentRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE transaction_ref = $1`, ref)
	return scanPayment(row)
}

func (r *PaymentRepository) FindPendingByAddress(ctx context.Context, address string) ([]models.PaymentRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE address = $1 AND status = $2
		ORDER BY created_at, payment_id
	`, address, models.StatusPending)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *PaymentRepository) TrackedAddresses(ctx context.Context) (models.AddressSet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT address FROM payment_requests WHERE status = $1`, models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := models.AddressSet{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		set[addr] = struct{}{}
	}
	return set, rows.Err()
}

func (r *PaymentRepository) TryComplete(ctx context.Context, paymentID, ref string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $1, transaction_ref = $2, completed_at = $3, updated_at = $3
		WHERE payment_id = $4 AND status = $5 AND transaction_ref IS NULL AND expires_at >= $3
	`, models.StatusCompleted, ref, now, paymentID, models.StatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			// ref already settles another request
			return false, nil
		}
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) MarkExpired(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests SET status = $1, updated_at = $2
		WHERE payment_id = $3 AND status = $4 AND expires_at < $2
	`, models.StatusExpired, now, paymentID, models.StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) Cancel(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests SET status = $1, updated_at = $2
		WHERE payment_id = $3 AND status = $4
	`, models.StatusCancelled, now, paymentID, models.StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]models.PaymentRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE payment_requests SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM payment_requests
			WHERE status = $3 AND expires_at < $2
			ORDER BY expires_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) AND status = $3
		RETURNING `+paymentColumns,
		models.StatusExpired, now, models.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.PaymentRequest, error) {
	var (
		p           models.PaymentRequest
		ref         sql.NullString
		metadata    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.PaymentID, &p.MerchantID, &p.Amount, &p.Currency, &p.Address, &p.Status, &ref,
		&p.CustomerEmail, &p.CustomerName, &p.Description, &metadata, &p.ExpiresAt, &completedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.TransactionRef = ref.String
	p.Metadata = metadata
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func collectPayments(rows *sql.Rows) ([]models.PaymentRequest, error) {
	defer rows.Close()
	var out []models.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
