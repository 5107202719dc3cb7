package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

type MatchOutcome string

const (
	OutcomeCompleted        MatchOutcome = "completed"
	OutcomeAlreadyProcessed MatchOutcome = "already_processed"
	OutcomeDuplicate        MatchOutcome = "duplicate"
	OutcomeAlreadySettled   MatchOutcome = "already_settled"
	OutcomeAmountMismatch   MatchOutcome = "amount_mismatch"
	OutcomeExpired          MatchOutcome = "expired"
	OutcomeNoPendingRequest MatchOutcome = "no_pending_request"
)

const DefaultToleranceBps = 200

type MatcherConfig struct {
	// ToleranceBps is the symmetric band, in basis points, around the
	// expected amount.
	ToleranceBps  int64
	AssetDecimals map[string]int32
}

// Matcher settles payment requests from observed transfers. The ledger's
// conditional update is the only thing that decides a settlement; the
// processed set just saves work on re-scans.
type Matcher struct {
	ledger    interfaces.PaymentLedger
	processed interfaces.ProcessedSet
	notifier  interfaces.Notifier
	publisher interfaces.EventPublisher
	logger    *zap.Logger

	toleranceBps int64
	decimals     map[string]int32
	now          func() time.Time
}

func NewMatcher(
	ledger interfaces.PaymentLedger,
	processed interfaces.ProcessedSet,
	notifier interfaces.Notifier,
	publisher interfaces.EventPublisher,
	cfg MatcherConfig,
	logger *zap.Logger,
) *Matcher {
	if cfg.ToleranceBps <= 0 {
		cfg.ToleranceBps = DefaultToleranceBps
	}
	decimals := make(map[string]int32, len(cfg.AssetDecimals))
	for asset, d := range cfg.AssetDecimals {
		decimals[strings.ToUpper(asset)] = d
	}
	return &Matcher{
		ledger:       ledger,
		processed:    processed,
		notifier:     notifier,
		publisher:    publisher,
		logger:       logger,
		toleranceBps: cfg.ToleranceBps,
		decimals:     decimals,
		now:          time.Now,
	}
}

// Match decides what t means for the pending requests at its recipient and
// commits at most one completion. A returned error is an infrastructure
// failure; the caller should retry the range that produced t.
func (m *Matcher) Match(ctx context.Context, t models.ObservedTransfer) (MatchOutcome, error) {
	ctx, span := tracer.Start(ctx, "matcher.match")
	defer span.End()
	span.SetAttributes(attribute.String("tx_ref", t.Ref), attribute.String("to", t.To))

	outcome, err := m.match(ctx, t)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	telemetry.MatchOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (m *Matcher) match(ctx context.Context, t models.ObservedTransfer) (MatchOutcome, error) {
	seen, err := m.processed.Seen(ctx, t.Ref)
	if err != nil {
		m.logger.Warn("Processed set lookup failed", zap.String("tx_ref", t.Ref), zap.Error(err))
	} else if seen {
		return OutcomeAlreadyProcessed, nil
	}

	settled, err := m.ledger.FindByTransferRef(ctx, t.Ref)
	switch {
	case err == nil:
		return m.resettle(ctx, t, settled)
	case !errors.Is(err, models.ErrNotFound):
		return "", fmt.Errorf("find by transfer ref %s: %w", t.Ref, err)
	}

	candidates, err := m.ledger.FindPendingByAddress(ctx, t.To)
	if err != nil {
		return "", fmt.Errorf("find pending for %s: %w", t.To, err)
	}
	if len(candidates) == 0 {
		m.logger.Info("Ignored transfer, no pending request",
			zap.String("tx_ref", t.Ref),
			zap.String("address", t.To),
		)
		return OutcomeNoPendingRequest, nil
	}

	outcome := OutcomeAlreadySettled
	for i := range candidates {
		p := candidates[i]
		now := m.now()

		if p.ExpiredAt(now) {
			if err := m.expire(ctx, p, now); err != nil {
				return "", err
			}
			if outcome == OutcomeAlreadySettled {
				outcome = OutcomeExpired
			}
			continue
		}

		expected, err := models.ToSmallestUnit(p.Amount, m.assetDecimals(p.Currency))
		if err != nil {
			m.logger.Warn("Unusable requested amount",
				zap.String("payment_id", p.PaymentID),
				zap.String("amount", p.Amount.String()),
				zap.Error(err),
			)
			continue
		}
		if !models.WithinTolerance(expected, t.Amount, m.toleranceBps) {
			m.logger.Info("Transfer amount outside tolerance",
				zap.String("payment_id", p.PaymentID),
				zap.String("tx_ref", t.Ref),
				zap.String("expected", expected.String()),
				zap.String("received", t.Amount.String()),
			)
			outcome = OutcomeAmountMismatch
			continue
		}

		ok, err := m.ledger.TryComplete(ctx, p.PaymentID, t.Ref, now)
		if err != nil {
			return "", fmt.Errorf("complete %s: %w", p.PaymentID, err)
		}
		if !ok {
			m.logger.Info("Ignored, already settled",
				zap.String("payment_id", p.PaymentID),
				zap.String("tx_ref", t.Ref),
			)
			if winner, err := m.ledger.FindByTransferRef(ctx, t.Ref); err == nil && winner != nil {
				// a concurrent path settled with this same transfer
				return OutcomeDuplicate, nil
			}
			continue
		}

		completed := p
		completed.Status = models.StatusCompleted
		completed.TransactionRef = t.Ref
		completed.CompletedAt = &now
		completed.UpdatedAt = now

		// The completion is durable. If enqueue fails the re-scan of this
		// range takes the resettle path and enqueues again.
		if err := m.notifier.Enqueue(ctx, models.PaymentEvent{
			Type:       models.EventPaymentCompleted,
			Payment:    completed,
			OccurredAt: now,
		}); err != nil {
			return "", fmt.Errorf("enqueue confirmation for %s: %w", p.PaymentID, err)
		}
		publishTransition(ctx, m.publisher, m.logger, completed, models.StatusPending, now)
		m.markProcessed(ctx, t.Ref)

		m.logger.Info("Payment completed",
			zap.String("payment_id", p.PaymentID),
			zap.String("tx_ref", t.Ref),
			zap.Uint64("position", t.Position),
			zap.String("received", t.Amount.String()),
		)
		return OutcomeCompleted, nil
	}

	if outcome == OutcomeAlreadySettled {
		m.logger.Info("Ignored, already settled", zap.String("tx_ref", t.Ref), zap.String("address", t.To))
	}
	return outcome, nil
}

// resettle handles a transfer that is already attached to a request. The
// confirmation is enqueued again under the same event id, which the delivery
// store deduplicates.
func (m *Matcher) resettle(ctx context.Context, t models.ObservedTransfer, p *models.PaymentRequest) (MatchOutcome, error) {
	if p.Status == models.StatusCompleted {
		at := p.UpdatedAt
		if p.CompletedAt != nil {
			at = *p.CompletedAt
		}
		if err := m.notifier.Enqueue(ctx, models.PaymentEvent{
			Type:       models.EventPaymentCompleted,
			Payment:    *p,
			OccurredAt: at,
		}); err != nil {
			return "", fmt.Errorf("re-enqueue confirmation for %s: %w", p.PaymentID, err)
		}
	}
	m.markProcessed(ctx, t.Ref)
	m.logger.Info("Transfer already attached",
		zap.String("payment_id", p.PaymentID),
		zap.String("tx_ref", t.Ref),
	)
	return OutcomeDuplicate, nil
}

func (m *Matcher) expire(ctx context.Context, p models.PaymentRequest, now time.Time) error {
	ok, err := m.ledger.MarkExpired(ctx, p.PaymentID, now)
	if err != nil {
		return fmt.Errorf("expire %s: %w", p.PaymentID, err)
	}
	if !ok {
		m.logger.Info("Already expired or settled", zap.String("payment_id", p.PaymentID))
		return nil
	}
	expired := p
	expired.Status = models.StatusExpired
	expired.UpdatedAt = now
	publishTransition(ctx, m.publisher, m.logger, expired, models.StatusPending, now)
	return nil
}

func (m *Matcher) markProcessed(ctx context.Context, ref string) {
	if err := m.processed.Mark(ctx, ref); err != nil {
		m.logger.Warn("Failed to record processed transfer", zap.String("tx_ref", ref), zap.Error(err))
	}
}

func (m *Matcher) assetDecimals(currency string) int32 {
	if d, ok := m.decimals[strings.ToUpper(currency)]; ok {
		return d
	}
	return 18
}
