package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

var tracer = otel.Tracer("github.com/akylbek/payment-system/payment-reconciler/internal/service")

// publishTransition reports a committed transition on the state stream. The
// transition is already durable, so a publish failure is only logged.
func publishTransition(ctx context.Context, pub interfaces.EventPublisher, logger *zap.Logger, p models.PaymentRequest, from models.PaymentStatus, at time.Time) {
	change := models.StateChange{
		PaymentID:      p.PaymentID,
		MerchantID:     p.MerchantID,
		State:          p.Status,
		PreviousState:  from,
		TransactionRef: p.TransactionRef,
		Timestamp:      at.UTC(),
	}
	logger.Info("Payment state transition",
		zap.String("payment_id", p.PaymentID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(p.Status)),
	)

	if err := pub.PublishStateChange(ctx, change); err != nil {
		logger.Warn("Failed to publish state change",
			zap.String("payment_id", p.PaymentID),
			zap.String("state", string(p.Status)),
			zap.Error(err),
		)
	}
}
