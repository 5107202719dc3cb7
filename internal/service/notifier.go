package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const (
	UserAgent       = "Noxify-Payment-Gateway/1.0"
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-ID"
	AttemptHeader   = "X-Delivery-Attempt"
)

type NotifierConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Workers      int
	PollInterval time.Duration
	BatchSize    int
}

func (c *NotifierConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// WebhookNotifier delivers signed payment events to merchant endpoints. It
// only reads payment data; delivery outcomes never touch a payment's state.
type WebhookNotifier struct {
	store     interfaces.DeliveryStore
	merchants interfaces.MerchantDirectory
	client    *http.Client
	cfg       NotifierConfig
	logger    *zap.Logger
	now       func() time.Time
	wake      chan struct{}
}

func NewWebhookNotifier(store interfaces.DeliveryStore, merchants interfaces.MerchantDirectory, cfg NotifierConfig, logger *zap.Logger) *WebhookNotifier {
	cfg.setDefaults()
	return &WebhookNotifier{
		store:     store,
		merchants: merchants,
		client:    &http.Client{Timeout: cfg.Timeout},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue records a delivery for ev. Merchants without a callback URL get
// nothing, which counts as success.
func (n *WebhookNotifier) Enqueue(ctx context.Context, ev models.PaymentEvent) error {
	cfg, err := n.merchants.WebhookConfig(ctx, ev.Payment.MerchantID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("webhook config for %s: %w", ev.Payment.MerchantID, err)
	}
	if cfg == nil || cfg.URL == "" {
		n.logger.Debug("No webhook configured",
			zap.String("merchant_id", ev.Payment.MerchantID),
			zap.String("event_id", ev.EventID()),
		)
		return nil
	}

	body, err := json.Marshal(models.NewWebhookEvent(ev, *cfg))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	now := n.now()
	d := &models.WebhookDelivery{
		ID:          uuid.NewString(),
		EventID:     ev.EventID(),
		EventType:   ev.Type,
		PaymentID:   ev.Payment.PaymentID,
		MerchantID:  ev.Payment.MerchantID,
		URL:         cfg.URL,
		Payload:     body,
		Status:      models.DeliveryPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := n.store.Enqueue(ctx, d)
	if err != nil {
		return fmt.Errorf("enqueue delivery %s: %w", d.EventID, err)
	}
	if !created {
		n.logger.Info("Delivery already enqueued", zap.String("event_id", d.EventID))
		return nil
	}

	n.logger.Info("Webhook enqueued",
		zap.String("event_id", d.EventID),
		zap.String("merchant_id", d.MerchantID),
	)
	n.signal()
	return nil
}

func (n *WebhookNotifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run drains the delivery queue with the configured number of workers until
// ctx is cancelled.
func (n *WebhookNotifier) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			n.worker(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (n *WebhookNotifier) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := n.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("Delivery worker poll failed", zap.Int("worker", id), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-n.wake:
		}
	}
}

// ProcessDue attempts up to BatchSize due deliveries. Each one is claimed
// just before it is sent, so one lease only ever covers a single attempt. It
// returns the number of attempts made.
func (n *WebhookNotifier) ProcessDue(ctx context.Context) (int, error) {
	lease := 2*n.cfg.Timeout + time.Second
	for done := 0; done < n.cfg.BatchSize; done++ {
		due, err := n.store.ClaimDue(ctx, n.now(), 1, lease)
		if err != nil {
			return done, fmt.Errorf("claim due deliveries: %w", err)
		}
		if len(due) == 0 {
			return done, nil
		}
		if err := n.attempt(ctx, &due[0]); err != nil {
			return done, err
		}
	}
	return n.cfg.BatchSize, nil
}

func (n *WebhookNotifier) attempt(ctx context.Context, d *models.WebhookDelivery) error {
	ctx, span := tracer.Start(ctx, "notifier.attempt")
	defer span.End()

	attempt := d.Attempts + 1
	span.SetAttributes(attribute.String("event_id", d.EventID), attribute.Int("attempt", attempt))

	status, sendErr := n.send(ctx, d, attempt)
	outcome := models.DeliveryAttempt{
		ID:         d.ID,
		LeaseToken: d.LeaseToken,
		Attempts:   attempt,
		StatusCode: status,
		At:         n.now(),
	}

	var (
		ok  bool
		err error
	)
	switch {
	case sendErr == nil:
		telemetry.WebhookAttempts.WithLabelValues("delivered").Inc()
		n.logger.Info("Webhook delivered",
			zap.String("event_id", d.EventID),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
		)
		ok, err = n.store.MarkDelivered(ctx, outcome)

	case attempt >= n.cfg.MaxAttempts:
		span.RecordError(sendErr)
		outcome.Error = sendErr.Error()
		telemetry.WebhookAttempts.WithLabelValues("failed").Inc()
		n.logger.Error("Webhook delivery failed permanently",
			zap.String("event_id", d.EventID),
			zap.String("merchant_id", d.MerchantID),
			zap.Int("attempts", attempt),
			zap.Error(sendErr),
		)
		ok, err = n.store.MarkFailed(ctx, outcome)

	default:
		span.RecordError(sendErr)
		outcome.Error = sendErr.Error()
		next := outcome.At.Add(n.Backoff(attempt))
		telemetry.WebhookAttempts.WithLabelValues("retry").Inc()
		n.logger.Warn("Webhook delivery failed, will retry",
			zap.String("event_id", d.EventID),
			zap.Int("attempt", attempt),
			zap.Time("next_retry_at", next),
			zap.Error(sendErr),
		)
		ok, err = n.store.MarkRetry(ctx, outcome, next)
	}
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", d.EventID, err)
	}
	if !ok {
		n.logger.Warn("Delivery claim expired before the outcome was recorded",
			zap.String("event_id", d.EventID),
			zap.Int("attempt", attempt),
		)
	}
	return nil
}

// Backoff is the delay after the given failed attempt: BaseDelay doubling per
// attempt, capped at MaxDelay. The curve is indexed by attempt number because
// the attempt count is all that survives between claims.
func (n *WebhookNotifier) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = n.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > n.cfg.MaxDelay {
		return n.cfg.MaxDelay
	}
	return delay
}

func (n *WebhookNotifier) send(ctx context.Context, d *models.WebhookDelivery, attempt int) (int, error) {
	cfg, err := n.merchants.WebhookConfig(ctx, d.MerchantID)
	if err != nil {
		return 0, fmt.Errorf("load signing key: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(SignatureHeader, Sign(d.Payload, cfg.SigningKey))
	req.Header.Set(EventIDHeader, d.EventID)
	req.Header.Set(AttemptHeader, strconv.Itoa(attempt))

	start := time.Now()
	resp, err := n.client.Do(req)
	telemetry.WebhookLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("merchant endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign returns hex(HMAC-SHA256(body, key)).
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (n *WebhookNotifier) Failed(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	return n.store.ListFailed(ctx, limit)
}

// Replay gives a permanently failed delivery a fresh attempt budget.
func (n *WebhookNotifier) Replay(ctx context.Context, id string) (bool, error) {
	ok, err := n.store.Replay(ctx, id, n.now())
	if err != nil {
		return false, err
	}
	if ok {
		n.logger.Info("Webhook replay scheduled", zap.String("delivery_id", id))
		n.signal()
	}
	return ok, nil
}
