package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akylbek/payment-system/payment-reconciler/internal/api"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
)

func runServe(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger

	logger.Info("Starting Payment Reconciler", zap.String("version", version))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()

	paymentHandler := handlers.NewPaymentHandler(a.coordinator, cfg.ForceCheckTimeout, logger.Named("http"))
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		Payments:       paymentHandler,
		Admin:          handlers.NewAdminHandler(a.notifier, a.coordinator, logger.Named("http")),
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
		Tracer:         tel.Tracer,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.coordinator.RunContinuous(ctx) })
	g.Go(func() error { return a.notifier.Run(ctx) })

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		reader := service.NewKafkaReader(brokers, cfg.KafkaPaymentTopic, cfg.KafkaGroupID)
		intake := service.NewIntake(reader, a.stores.payments, a.stores.merchants, a.publisher, a.rpc.NormalizeAddress, logger.Named("intake"))
		g.Go(func() error {
			defer reader.Close()
			return intake.Run(ctx)
		})
	} else {
		logger.Warn("KAFKA_BROKERS not set, payment intake disabled")
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			logger.Error("Failed to connect to NATS", zap.Error(err))
			return err
		}
		defer nc.Close()

		bridge := service.NewNATSBridge(nc, a.coordinator, cfg.ForceCheckTimeout, logger.Named("nats"))
		if err := bridge.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			bridge.Close()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Payment Reconciler listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		paymentHandler.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Payment Reconciler stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Server exited")
	return nil
}
