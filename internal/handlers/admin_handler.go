package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type DeliveryAdmin interface {
	Failed(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
	Replay(ctx context.Context, id string) (bool, error)
}

type ScanReporter interface {
	Status(ctx context.Context) (*models.ScanStatus, error)
}

type AdminHandler struct {
	deliveries DeliveryAdmin
	scans      ScanReporter
	logger     *zap.Logger
}

func NewAdminHandler(deliveries DeliveryAdmin, scans ScanReporter, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{deliveries: deliveries, scans: scans, logger: logger}
}

func (h *AdminHandler) ListFailedWebhooks(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	failed, err := h.deliveries.Failed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list failed webhooks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliveries"})
		return
	}
	if failed == nil {
		failed = []models.WebhookDelivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": failed, "count": len(failed)})
}

func (h *AdminHandler) ReplayWebhook(c *gin.Context) {
	id := c.Param("id")

	ok, err := h.deliveries.Replay(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to replay webhook", zap.String("delivery_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to replay delivery"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No failed delivery with that id"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivery_id": id, "status": models.DeliveryPending})
}

func (h *AdminHandler) ScanStatus(c *gin.Context) {
	st, err := h.scans.Status(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to read scan status", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scan status unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}
