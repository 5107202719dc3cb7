package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// MessageReader is the subset of *kafka.Reader the intake consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// Intake applies payment-link events to the payment ledger and merchant
// directory.
type Intake struct {
	reader    MessageReader
	ledger    interfaces.PaymentLedger
	merchants interfaces.MerchantStore
	publisher interfaces.EventPublisher
	normalize func(string) string
	logger    *zap.Logger
	now       func() time.Time
}

func NewIntake(
	reader MessageReader,
	ledger interfaces.PaymentLedger,
	merchants interfaces.MerchantStore,
	publisher interfaces.EventPublisher,
	normalize func(string) string,
	logger *zap.Logger,
) *Intake {
	if normalize == nil {
		normalize = models.NormalizeHexAddress
	}
	return &Intake{
		reader:    reader,
		ledger:    ledger,
		merchants: merchants,
		publisher: publisher,
		normalize: normalize,
		logger:    logger,
		now:       time.Now,
	}
}

// Run consumes until ctx is cancelled. Each message gets a few retries for
// store errors and is committed afterwards whatever the result, so one bad
// message cannot wedge the partition.
func (i *Intake) Run(ctx context.Context) error {
	i.logger.Info("Started consuming payment intake events")
	fetchRetry := backoff.NewExponentialBackOff()
	fetchRetry.MaxElapsedTime = 0

	for {
		msg, err := i.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := fetchRetry.NextBackOff()
			i.logger.Warn("Error reading message from Kafka", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		fetchRetry.Reset()

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
		if err := backoff.Retry(func() error { return i.Handle(ctx, msg.Value) }, policy); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.logger.Warn("Skipping intake message",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
		}

		if err := i.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			i.logger.Warn("Failed to commit intake offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle applies one message. Malformed input is returned as a permanent
// error so callers do not retry it.
func (i *Intake) Handle(ctx context.Context, data []byte) error {
	var msg models.IntakeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		telemetry.IntakeMessages.WithLabelValues("unknown", "malformed").Inc()
		return backoff.Permanent(fmt.Errorf("decode intake message: %w", err))
	}

	var err error
	switch msg.Type {
	case models.IntakePaymentCreated:
		err = i.created(ctx, msg.Payment)
	case models.IntakePaymentCancelled:
		err = i.cancelled(ctx, msg.Payment)
	case models.IntakeMerchantUpdated:
		err = i.merchantUpdated(ctx, msg.Merchant)
	default:
		err = backoff.Permanent(fmt.Errorf("unknown intake message type %q", msg.Type))
	}

	result := "ok"
	var permanent *backoff.PermanentError
	switch {
	case errors.As(err, &permanent):
		result = "malformed"
	case err != nil:
		result = "error"
	}
	telemetry.IntakeMessages.WithLabelValues(msg.Type, result).Inc()
	return err
}

func (i *Intake) created(ctx context.Context, in *models.PaymentIntake) error {
	if in == nil || in.PaymentID == "" || in.MerchantID == "" || strings.TrimSpace(in.Address) == "" {
		return backoff.Permanent(errors.New("payment.created missing payment_id, merchant_id or wallet_address"))
	}
	if !in.Amount.IsPositive() {
		return backoff.Permanent(fmt.Errorf("payment %s has non-positive amount %s", in.PaymentID, in.Amount))
	}

	now := i.now().UTC()
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = created.Add(models.DefaultPaymentTTL)
	}

	p := &models.PaymentRequest{
		ID:            uuid.NewString(),
		PaymentID:     in.PaymentID,
		MerchantID:    in.MerchantID,
		Amount:        in.Amount,
		Currency:      strings.ToUpper(in.Currency),
		Address:       i.normalize(in.Address),
		Status:        models.StatusPending,
		CustomerEmail: in.CustomerEmail,
		CustomerName:  in.CustomerName,
		Description:   in.Description,
		Metadata:      in.Metadata,
		CreatedAt:     created,
		ExpiresAt:     expires,
		UpdatedAt:     now,
	}
	ok, err := i.ledger.Create(ctx, p)
	if err != nil {
		return fmt.Errorf("create payment %s: %w", p.PaymentID, err)
	}
	if !ok {
		i.logger.Info("Payment request already known", zap.String("payment_id", p.PaymentID))
		return nil
	}
	i.logger.Info("Tracking payment request",
		zap.String("payment_id", p.PaymentID),
		zap.String("address", p.Address),
		zap.String("amount", p.Amount.String()),
		zap.String("currency", p.Currency),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return nil
}

func (i *Intake) cancelled(ctx context.Context, in *models.PaymentIntake) error {
	if in == nil || in.PaymentID == "" {
		return backoff.Permanent(errors.New("payment.cancelled missing payment_id"))
	}
	now := i.now()
	ok, err := i.ledger.Cancel(ctx, in.PaymentID, now)
	if err != nil {
		return fmt.Errorf("cancel payment %s: %w", in.PaymentID, err)
	}
	if !ok {
		i.logger.Info("Cancel ignored, payment not pending", zap.String("payment_id", in.PaymentID))
		return nil
	}

	p, err := i.ledger.Get(ctx, in.PaymentID)
	if err != nil {
		return fmt.Errorf("reload payment %s: %w", in.PaymentID, err)
	}
	publishTransition(ctx, i.publisher, i.logger, *p, models.StatusPending, now)
	return nil
}

func (i *Intake) merchantUpdated(ctx context.Context, m *models.Merchant) error {
	if m == nil || m.ID == "" {
		return backoff.Permanent(errors.New("merchant.updated missing merchant id"))
	}
	if err := i.merchants.Upsert(ctx, *m); err != nil {
		return fmt.Errorf("upsert merchant %s: %w", m.ID, err)
	}
	i.logger.Info("Merchant webhook config updated",
		zap.String("merchant_id", m.ID),
		zap.Bool("has_webhook", m.WebhookURL != ""),
	)
	return nil
}
