package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func transfer(ref, to string, amount int64) models.ObservedTransfer {
	return models.ObservedTransfer{
		Position:      10,
		Ref:           ref,
		To:            to,
		Amount:        big.NewInt(amount),
		Confirmations: 5,
	}
}

func TestMatcherToleranceBoundary(t *testing.T) {
	cases := []struct {
		received int64
		want     MatchOutcome
	}{
		{979, OutcomeAmountMismatch},
		{980, OutcomeCompleted},
		{1020, OutcomeCompleted},
		{1021, OutcomeAmountMismatch},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.received), func(t *testing.T) {
			h := newHarness(t)
			h.request("pay_1", "0xaaa", 1000)

			outcome, err := h.matcher.Match(context.Background(), transfer("0xtx", "0xaaa", tc.received))
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			if tc.want == OutcomeCompleted {
				assert.Equal(t, models.StatusCompleted, h.status("pay_1"))
			} else {
				assert.Equal(t, models.StatusPending, h.status("pay_1"))
			}
		})
	}
}

func TestMatcherScenarioSingleWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request("pay_1", "0xaaa", 1_000_000)

	outcome, err := h.matcher.Match(ctx, transfer("0xfirst", "0xaaa", 990_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	p, err := h.payments.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, "0xfirst", p.TransactionRef)

	outcome, err = h.matcher.Match(ctx, transfer("0xsecond", "0xaaa", 990_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPendingRequest, outcome)

	h.drainDeliveries()
	assert.Equal(t, 1, h.endpoint.Hits())

	var body models.WebhookEvent
	require.NoError(t, json.Unmarshal(h.endpoint.bodies[0], &body))
	assert.Equal(t, models.EventPaymentCompleted, body.Event)
	assert.Equal(t, "pay_1", body.Payment.ID)
	assert.Equal(t, "1000000", body.Payment.Amount)
	assert.Equal(t, "0xfirst", body.Payment.TransactionRef)
	assert.Equal(t, "Coffee Shop", body.Merchant.Name)

	assert.Equal(t, []models.PaymentStatus{models.StatusCompleted}, h.publisher.States())
}

func TestMatcherExpiryTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	h.request("pay_1", "0xaaa", 1000)
	h.clock.Advance(25 * time.Hour)

	outcome, err := h.matcher.Match(context.Background(), transfer("0xlate", "0xaaa", 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	assert.Equal(t, models.StatusExpired, h.status("pay_1"))

	h.drainDeliveries()
	assert.Zero(t, h.endpoint.Hits())
	assert.Equal(t, []models.PaymentStatus{models.StatusExpired}, h.publisher.States())
}

func TestMatcherReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request("pay_1", "0xaaa", 1000)
	tr := transfer("0xtx", "0xaaa", 1000)

	outcome, err := h.matcher.Match(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	outcome, err = h.matcher.Match(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)

	// without the processed-set shortcut the ledger still recognises the transfer
	h.matcher.processed = newEmptyProcessedSet()
	outcome, err = h.matcher.Match(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	h.drainDeliveries()
	assert.Equal(t, 1, h.endpoint.Hits())
}

func TestMatcherRecoversLostEnqueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request("pay_1", "0xaaa", 1000)

	// settled by a path that crashed before enqueueing
	ok, err := h.payments.TryComplete(ctx, "pay_1", "0xtx", h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := h.matcher.Match(ctx, transfer("0xtx", "0xaaa", 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	h.drainDeliveries()
	assert.Equal(t, 1, h.endpoint.Hits())
}

func TestMatcherConcurrentAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request("pay_1", "0xaaa", 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[MatchOutcome]int{}
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// half race on the same transfer, half on distinct ones
			ref := "0xsame"
			if i%2 == 1 {
				ref = fmt.Sprintf("0xother%d", i)
			}
			outcome, err := h.matcher.Match(ctx, transfer(ref, "0xaaa", 1000))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeCompleted])
	assert.Equal(t, models.StatusCompleted, h.status("pay_1"))

	h.drainDeliveries()
	assert.Equal(t, 1, h.endpoint.Hits())
}

func TestMatcherSettlesOldestEligibleRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request("pay_big", "0xaaa", 5000)
	h.clock.Advance(time.Second)
	h.request("pay_small", "0xaaa", 1000)

	outcome, err := h.matcher.Match(ctx, transfer("0xtx", "0xaaa", 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, models.StatusPending, h.status("pay_big"))
	assert.Equal(t, models.StatusCompleted, h.status("pay_small"))
}

func TestMatcherUsesAssetDecimals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	_, err := h.payments.Create(ctx, &models.PaymentRequest{
		PaymentID:  "pay_eth",
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("0.015"),
		Currency:   "eth",
		Address:    "0xaaa",
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	})
	require.NoError(t, err)

	wei, ok := new(big.Int).SetString("14800000000000000", 10)
	require.True(t, ok)
	tr := transfer("0xtx", "0xaaa", 0)
	tr.Amount = wei

	outcome, err := h.matcher.Match(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

type emptyProcessedSet struct{}

func newEmptyProcessedSet() emptyProcessedSet { return emptyProcessedSet{} }

func (emptyProcessedSet) Seen(context.Context, string) (bool, error) { return false, nil }
func (emptyProcessedSet) Mark(context.Context, string) error         { return nil }
