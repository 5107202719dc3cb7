package sqlitestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func pendingPayment(id, address string, created time.Time) *models.PaymentRequest {
	return &models.PaymentRequest{
		PaymentID:  id,
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("1.5"),
		Currency:   "ETH",
		Address:    address,
		CreatedAt:  created,
		ExpiresAt:  created.Add(24 * time.Hour),
	}
}

func TestPaymentStoreCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewPaymentStore(openTestDB(t))
	now := time.Now().UTC()

	created, err := store.Create(ctx, pendingPayment("pay_1", "0xaaa", now))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(ctx, pendingPayment("pay_1", "0xaaa", now))
	require.NoError(t, err)
	assert.False(t, created)

	p, err := store.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.Empty(t, p.TransactionRef)

	_, err = store.Get(ctx, "pay_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPaymentStoreTryCompleteAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := NewPaymentStore(openTestDB(t))
	now := time.Now().UTC()
	_, err := store.Create(ctx, pendingPayment("pay_1", "0xaaa", now))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.TryComplete(ctx, "pay_1", fmt.Sprintf("0xtx%d", i), now)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	p, err := store.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.NotEmpty(t, p.TransactionRef)
	require.NotNil(t, p.CompletedAt)

	found, err := store.FindByTransferRef(ctx, p.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", found.PaymentID)
}

func TestPaymentStoreTryCompleteRespectsExpiryAndRefReuse(t *testing.T) {
	ctx := context.Background()
	store := NewPaymentStore(openTestDB(t))
	now := time.Now().UTC()

	_, err := store.Create(ctx, pendingPayment("pay_old", "0xaaa", now.Add(-48*time.Hour)))
	require.NoError(t, err)
	ok, err := store.TryComplete(ctx, "pay_old", "0xtx1", now)
	require.NoError(t, err)
	assert.False(t, ok, "expired request must not complete")

	_, err = store.Create(ctx, pendingPayment("pay_a", "0xbbb", now))
	require.NoError(t, err)
	_, err = store.Create(ctx, pendingPayment("pay_b", "0xbbb", now.Add(time.Second)))
	require.NoError(t, err)

	ok, err = store.TryComplete(ctx, "pay_a", "0xtx2", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.TryComplete(ctx, "pay_b", "0xtx2", now)
	require.NoError(t, err)
	assert.False(t, ok, "a transfer settles at most one request")
}

func TestPaymentStorePendingQueries(t *testing.T) {
	ctx := context.Background()
	store := NewPaymentStore(openTestDB(t))
	now := time.Now().UTC()

	for i, addr := range []string{"0xaaa", "0xaaa", "0xbbb"} {
		_, err := store.Create(ctx, pendingPayment(fmt.Sprintf("pay_%d", i), addr, now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := store.Cancel(ctx, "pay_2", now)
	require.NoError(t, err)

	tracked, err := store.TrackedAddresses(ctx)
	require.NoError(t, err)
	assert.Len(t, tracked, 1)
	assert.True(t, tracked.Contains("0xaaa"))

	pending, err := store.FindPendingByAddress(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "pay_0", pending[0].PaymentID)
	assert.Equal(t, "pay_1", pending[1].PaymentID)

	ok, err := store.Cancel(ctx, "pay_2", now)
	require.NoError(t, err)
	assert.False(t, ok, "cancel is a no-op on a terminal request")
}

func TestPaymentStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewPaymentStore(openTestDB(t))
	now := time.Now().UTC()

	_, err := store.Create(ctx, pendingPayment("pay_live", "0xaaa", now))
	require.NoError(t, err)
	_, err = store.Create(ctx, pendingPayment("pay_late", "0xbbb", now.Add(-25*time.Hour)))
	require.NoError(t, err)

	ok, err := store.MarkExpired(ctx, "pay_live", now)
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := store.ExpireOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "pay_late", expired[0].PaymentID)
	assert.Equal(t, models.StatusExpired, expired[0].Status)

	expired, err = store.ExpireOverdue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestWatermarkStoreNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := NewWatermarkStore(openTestDB(t))

	_, ok, err := store.Get(ctx, "eth")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Advance(ctx, "eth", 100))
	require.NoError(t, store.Advance(ctx, "eth", 90))
	pos, ok, err := store.Get(ctx, "eth")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), pos)

	require.NoError(t, store.Advance(ctx, "eth", 150))
	pos, _, err = store.Get(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), pos)
}

func TestMerchantStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewMerchantStore(openTestDB(t))

	_, err := store.WebhookConfig(ctx, "m-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, store.Upsert(ctx, models.Merchant{ID: "m-1", Name: "Shop", WebhookURL: "http://a", SigningKey: "k1"}))
	require.NoError(t, store.Upsert(ctx, models.Merchant{ID: "m-1", Name: "Shop", WebhookURL: "http://b", SigningKey: "k2"}))

	cfg, err := store.WebhookConfig(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "http://b", cfg.URL)
	assert.Equal(t, "k2", cfg.SigningKey)
}

func TestDeliveryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewDeliveryStore(openTestDB(t))
	now := time.Now().UTC()

	d := &models.WebhookDelivery{
		EventID:     "pay_1:payment.completed",
		EventType:   models.EventPaymentCompleted,
		PaymentID:   "pay_1",
		MerchantID:  "m-1",
		URL:         "http://merchant",
		Payload:     []byte(`{"event":"payment.completed"}`),
		NextRetryAt: now,
		CreatedAt:   now,
	}
	created, err := store.Enqueue(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *d
	dup.ID = ""
	created, err = store.Enqueue(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created, "event id is unique")

	claimed, err := store.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotEmpty(t, claimed[0].LeaseToken)

	again, err := store.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased delivery is not claimable")

	next := now.Add(30 * time.Second)
	ok, err := store.MarkRetry(ctx, models.DeliveryAttempt{
		ID: d.ID, LeaseToken: claimed[0].LeaseToken, Attempts: 1, StatusCode: 500, Error: "status 500", At: now,
	}, next)
	require.NoError(t, err)
	assert.True(t, ok)

	due, err := store.ClaimDue(ctx, now.Add(10*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ClaimDue(ctx, next, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	ok, err = store.MarkFailed(ctx, models.DeliveryAttempt{
		ID: d.ID, LeaseToken: due[0].LeaseToken, Attempts: 5, StatusCode: 500, Error: "status 500", At: next,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	failed, err := store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	due, err = store.ClaimDue(ctx, next.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due, "failed delivery is never retried automatically")

	ok, err = store.Replay(ctx, d.ID, next)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	due, err = store.ClaimDue(ctx, next, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ok, err = store.MarkDelivered(ctx, models.DeliveryAttempt{
		ID: d.ID, LeaseToken: due[0].LeaseToken, Attempts: 1, StatusCode: 200, At: next,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
}

func TestDeliveryStoreRejectsStaleClaim(t *testing.T) {
	ctx := context.Background()
	store := NewDeliveryStore(openTestDB(t))
	now := time.Now().UTC()

	d := &models.WebhookDelivery{
		EventID:     "pay_1:payment.completed",
		EventType:   models.EventPaymentCompleted,
		PaymentID:   "pay_1",
		MerchantID:  "m-1",
		URL:         "http://merchant",
		Payload:     []byte(`{}`),
		NextRetryAt: now,
		CreatedAt:   now,
	}
	_, err := store.Enqueue(ctx, d)
	require.NoError(t, err)

	first, err := store.ClaimDue(ctx, now, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// the first lease runs out and a second worker takes the row
	later := now.Add(2 * time.Second)
	second, err := store.ClaimDue(ctx, later, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].LeaseToken, second[0].LeaseToken)

	ok, err := store.MarkDelivered(ctx, models.DeliveryAttempt{
		ID: d.ID, LeaseToken: second[0].LeaseToken, Attempts: 1, StatusCode: 200, At: later,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkFailed(ctx, models.DeliveryAttempt{
		ID: d.ID, LeaseToken: first[0].LeaseToken, Attempts: 1, StatusCode: 0, Error: "timeout", At: later,
	})
	require.NoError(t, err)
	assert.False(t, ok, "an outcome from an expired claim is dropped")

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
}

func TestOpenDoesNotLogMisses(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	db, err := Open(":memory:", zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	ctx := context.Background()

	_, err = NewPaymentStore(db).FindByTransferRef(ctx, "0xnew")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, has, err := NewWatermarkStore(db).Get(ctx, "eth")
	require.NoError(t, err)
	assert.False(t, has)

	assert.Zero(t, logs.Len(), "a lookup miss is the normal path for new transfers")
}
