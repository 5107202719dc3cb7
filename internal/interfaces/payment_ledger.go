package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// PaymentLedger defines the contract for payment request data access.
// The bool returned by the transition methods is false when the conditional
// update did not apply; that is an expected outcome, not an error.
type PaymentLedger interface {
	Create(ctx context.Context, p *models.PaymentRequest) (bool, error)
	Get(ctx context.Context, paymentID string) (*models.PaymentRequest, error)
	FindByTransferRef(ctx context.Context, ref string) (*models.PaymentRequest, error)
	FindPendingByAddress(ctx context.Context, address string) ([]models.PaymentRequest, error)
	TrackedAddresses(ctx context.Context) (models.AddressSet, error)

	// TryComplete sets COMPLETED and attaches ref only if the request is
	// PENDING, has no transfer attached and is not past expiry at now.
	TryComplete(ctx context.Context, paymentID, ref string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, paymentID string, now time.Time) (bool, error)
	Cancel(ctx context.Context, paymentID string, now time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]models.PaymentRequest, error)
}

// WatermarkStore persists the last fully processed chain position per chain.
// Advance never lowers a stored value.
type WatermarkStore interface {
	Get(ctx context.Context, chain string) (uint64, bool, error)
	Advance(ctx context.Context, chain string, position uint64) error
}

// MerchantDirectory resolves webhook configuration for a merchant.
type MerchantDirectory interface {
	WebhookConfig(ctx context.Context, merchantID string) (*models.WebhookConfig, error)
}

type MerchantStore interface {
	MerchantDirectory
	Upsert(ctx context.Context, m models.Merchant) error
}
