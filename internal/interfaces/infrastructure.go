package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// LedgerRPC is the external chain node.
type LedgerRPC interface {
	HeadPosition(ctx context.Context) (uint64, error)
	Block(ctx context.Context, position uint64) (*models.Block, error)
	Transaction(ctx context.Context, ref string) (*models.TransactionDetail, error)
	NormalizeAddress(addr string) string
	Close()
}

// ProcessedSet remembers transfer references that reached a final outcome.
type ProcessedSet interface {
	Seen(ctx context.Context, ref string) (bool, error)
	Mark(ctx context.Context, ref string) error
}

// Locker grants an exclusive, expiring lease on key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease is a held lock. Extend pushes the expiry out to ttl from now and
// reports false once the lease has been lost. Release is safe to call more
// than once.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
	Release()
}

type EventPublisher interface {
	PublishStateChange(ctx context.Context, ev models.StateChange) error
}

// Notifier accepts confirmation events for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, ev models.PaymentEvent) error
}
