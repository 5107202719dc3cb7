package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// DeliveryStore is the webhook retry queue. Enqueue is idempotent on EventID.
type DeliveryStore interface {
	Enqueue(ctx context.Context, d *models.WebhookDelivery) (bool, error)
	// ClaimDue leases up to limit pending deliveries whose retry time has
	// passed and stamps them with a fresh LeaseToken. A leased delivery is
	// invisible to other claimers until the lease runs out or one of the Mark
	// methods releases it.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.WebhookDelivery, error)
	// The Mark methods report false when the delivery is no longer pending
	// under a.LeaseToken; the outcome is then dropped.
	MarkDelivered(ctx context.Context, a models.DeliveryAttempt) (bool, error)
	MarkRetry(ctx context.Context, a models.DeliveryAttempt, next time.Time) (bool, error)
	MarkFailed(ctx context.Context, a models.DeliveryAttempt) (bool, error)
	Get(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListFailed(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
	// Replay moves a FAILED delivery back to PENDING with a fresh budget.
	Replay(ctx context.Context, id string, now time.Time) (bool, error)
}
