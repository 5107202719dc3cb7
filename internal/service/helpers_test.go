package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/chain/chaintest"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository/sqlitestore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.StateChange
}

func (p *recordingPublisher) PublishStateChange(_ context.Context, ev models.StateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ev)
	return nil
}

func (p *recordingPublisher) States() []models.PaymentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PaymentStatus, 0, len(p.changes))
	for _, c := range p.changes {
		out = append(out, c.State)
	}
	return out
}

// merchantEndpoint counts webhook posts and answers with the scripted codes,
// then 200 once the script runs out.
type merchantEndpoint struct {
	mu       sync.Mutex
	codes    []int
	requests []*http.Request
	bodies   [][]byte
	srv      *httptest.Server
}

func newMerchantEndpoint(t *testing.T, codes ...int) *merchantEndpoint {
	t.Helper()
	e := &merchantEndpoint{codes: codes}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		e.mu.Lock()
		e.requests = append(e.requests, r)
		e.bodies = append(e.bodies, body)
		code := http.StatusOK
		if len(e.codes) > 0 {
			code = e.codes[0]
			e.codes = e.codes[1:]
		}
		e.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *merchantEndpoint) Hits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *merchantEndpoint) Attempts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, r := range e.requests {
		n, _ := strconv.Atoi(r.Header.Get(AttemptHeader))
		out = append(out, n)
	}
	return out
}

type harness struct {
	t           *testing.T
	clock       *fakeClock
	chain       *chaintest.Ledger
	payments    *sqlitestore.PaymentStore
	watermarks  *sqlitestore.WatermarkStore
	merchants   *sqlitestore.MerchantStore
	deliveries  *sqlitestore.DeliveryStore
	processed   *repository.MemoryProcessedSet
	publisher   *recordingPublisher
	notifier    *WebhookNotifier
	matcher     *Matcher
	coordinator *Coordinator
	endpoint    *merchantEndpoint
}

func newHarness(t *testing.T, codes ...int) *harness {
	t.Helper()
	db, err := sqlitestore.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	logger := zap.NewNop()
	h := &harness{
		t:          t,
		clock:      newFakeClock(),
		chain:      chaintest.NewLedger(),
		payments:   sqlitestore.NewPaymentStore(db),
		watermarks: sqlitestore.NewWatermarkStore(db),
		merchants:  sqlitestore.NewMerchantStore(db),
		deliveries: sqlitestore.NewDeliveryStore(db),
		processed:  repository.NewMemoryProcessedSet(time.Hour),
		publisher:  &recordingPublisher{},
		endpoint:   newMerchantEndpoint(t, codes...),
	}

	require.NoError(t, h.merchants.Upsert(context.Background(), models.Merchant{
		ID:         "m-1",
		Name:       "Coffee Shop",
		WebhookURL: h.endpoint.srv.URL,
		SigningKey: "sk_test",
	}))

	h.notifier = NewWebhookNotifier(h.deliveries, h.merchants, NotifierConfig{
		Timeout:     time.Second,
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
	}, logger)
	h.notifier.now = h.clock.Now

	h.matcher = NewMatcher(h.payments, h.processed, h.notifier, h.publisher, MatcherConfig{
		ToleranceBps:  200,
		AssetDecimals: map[string]int32{"UNIT": 0, "ETH": 18},
	}, logger)
	h.matcher.now = h.clock.Now

	h.coordinator = NewCoordinator(
		h.chain,
		chain.NewReader(h.chain, 3, logger),
		h.matcher,
		h.payments,
		h.watermarks,
		repository.NewLocalLocker(),
		h.publisher,
		CoordinatorConfig{Chain: "test", MaxRange: 50, SafetyWindow: 5, ForceCheckDepth: 20, StartPosition: 1},
		logger,
	)
	h.coordinator.now = h.clock.Now
	return h
}

// request creates a pending request denominated in whole smallest units.
func (h *harness) request(id, address string, amount int64) {
	h.t.Helper()
	now := h.clock.Now()
	ok, err := h.payments.Create(context.Background(), &models.PaymentRequest{
		PaymentID:  id,
		MerchantID: "m-1",
		Amount:     decimal.NewFromInt(amount),
		Currency:   "UNIT",
		Address:    address,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	})
	require.NoError(h.t, err)
	require.True(h.t, ok)
}

func (h *harness) status(id string) models.PaymentStatus {
	h.t.Helper()
	p, err := h.payments.Get(context.Background(), id)
	require.NoError(h.t, err)
	return p.Status
}

func (h *harness) drainDeliveries() {
	h.t.Helper()
	for {
		n, err := h.notifier.ProcessDue(context.Background())
		require.NoError(h.t, err)
		if n == 0 {
			return
		}
	}
}
