package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// PaymentService is the part of the scan coordinator the payment routes use.
type PaymentService interface {
	PaymentStatus(ctx context.Context, paymentID string) (*models.PaymentRequest, error)
	ForceCheck(ctx context.Context, paymentID string) (*models.ForceCheckResult, error)
}

// maxBackgroundChecks bounds forced checks running at once across all
// payments.
const maxBackgroundChecks = 16

type PaymentHandler struct {
	svc          PaymentService
	checkTimeout time.Duration
	logger       *zap.Logger
	checks       sync.WaitGroup
	slots        *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewPaymentHandler(svc PaymentService, checkTimeout time.Duration, logger *zap.Logger) *PaymentHandler {
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Minute
	}
	return &PaymentHandler{
		svc:          svc,
		checkTimeout: checkTimeout,
		logger:       logger,
		slots:        semaphore.NewWeighted(maxBackgroundChecks),
		inFlight:     make(map[string]struct{}),
	}
}

func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	paymentID := c.Param("id")

	p, err := h.svc.PaymentStatus(c.Request.Context(), paymentID)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to fetch payment status", zap.String("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":      p.PaymentID,
		"status":          p.Status,
		"amount":          p.Amount.String(),
		"currency":        p.Currency,
		"transaction_ref": p.TransactionRef,
		"expires_at":      p.ExpiresAt,
		"completed_at":    p.CompletedAt,
	})
}

// CheckPayment starts a forced check and answers before it finishes. A
// request already being checked is not checked twice.
func (h *PaymentHandler) CheckPayment(c *gin.Context) {
	paymentID := c.Param("id")

	p, err := h.svc.PaymentStatus(c.Request.Context(), paymentID)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load payment for check", zap.String("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start payment check"})
		return
	}
	if p.Status != models.StatusPending {
		c.JSON(http.StatusOK, gin.H{"payment_id": paymentID, "status": p.Status})
		return
	}

	h.mu.Lock()
	if _, running := h.inFlight[paymentID]; running {
		h.mu.Unlock()
		c.JSON(http.StatusAccepted, gin.H{"payment_id": paymentID, "status": "checking"})
		return
	}
	if !h.slots.TryAcquire(1) {
		h.mu.Unlock()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many payment checks in progress"})
		return
	}
	h.inFlight[paymentID] = struct{}{}
	h.checks.Add(1)
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.inFlight, paymentID)
			h.mu.Unlock()
			h.slots.Release(1)
			h.checks.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), h.checkTimeout)
		defer cancel()

		res, err := h.svc.ForceCheck(ctx, paymentID)
		if err != nil {
			h.logger.Warn("Forced check failed", zap.String("payment_id", paymentID), zap.Error(err))
			return
		}
		h.logger.Info("Forced check completed",
			zap.String("payment_id", paymentID),
			zap.String("status", string(res.Status)),
			zap.Bool("exhausted", res.Exhausted),
		)
	}()

	c.JSON(http.StatusAccepted, gin.H{"payment_id": paymentID, "status": "checking"})
}

// Wait blocks until background checks finish.
func (h *PaymentHandler) Wait() {
	h.checks.Wait()
}
