package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const serviceName = "payment-reconciler"

type RouterConfig struct {
	Payments       *handlers.PaymentHandler
	Admin          *handlers.AdminHandler
	AdminJWTSecret string
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(serviceName)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware(cfg.Logger, tracer))

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	r.GET("/payments/:id/status", cfg.Payments.GetPaymentStatus)
	r.POST("/payments/:id/check", cfg.Payments.CheckPayment)

	admin := r.Group("/admin", AdminAuth(cfg.AdminJWTSecret))
	admin.GET("/webhooks/failed", cfg.Admin.ListFailedWebhooks)
	admin.POST("/webhooks/:id/replay", cfg.Admin.ReplayWebhook)
	admin.GET("/scan", cfg.Admin.ScanStatus)

	return r
}
