package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
)

func newReconcileCmd(configFile *string) *cobra.Command {
	var (
		depth     uint64
		paymentID string
		deliver   bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match pending requests against recent ledger positions and exit",
		Long: "Scans the last --depth positions once. With --payment only that request is checked;\n" +
			"an unknown id is reported in the output.\n" +
			"Exits non-zero only when the node or the database cannot be reached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), *configFile, depth, paymentID, deliver)
		},
	}
	cmd.Flags().Uint64Var(&depth, "depth", 0, "positions to scan back from the head (default force_check_depth)")
	cmd.Flags().StringVar(&paymentID, "payment", "", "check a single payment request")
	cmd.Flags().BoolVar(&deliver, "deliver", true, "attempt due webhook deliveries before exiting")
	return cmd
}

func runReconcile(ctx context.Context, configFile string, depth uint64, paymentID string, deliver bool) error {
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

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := reconcileOnce(ctx, a.coordinator, paymentID, depth, logger)
	if err != nil {
		return err
	}

	if deliver {
		for {
			n, err := a.notifier.ProcessDue(ctx)
			if err != nil {
				logger.Warn("Webhook delivery pass failed", zap.Error(err))
				break
			}
			if n == 0 {
				break
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

type reconciler interface {
	Reconcile(ctx context.Context, depth uint64) (*service.ReconcileResult, error)
	ReconcilePayment(ctx context.Context, paymentID string, depth uint64) (*models.ForceCheckResult, error)
}

type missingPayment struct {
	PaymentID string `json:"payment_id"`
	Error     string `json:"error"`
}

// reconcileOnce runs one pass. An unknown payment id is reported in the
// result; only node and database failures come back as errors.
func reconcileOnce(ctx context.Context, rec reconciler, paymentID string, depth uint64, logger *zap.Logger) (interface{}, error) {
	if paymentID == "" {
		return rec.Reconcile(ctx, depth)
	}
	res, err := rec.ReconcilePayment(ctx, paymentID, depth)
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("Payment request not found", zap.String("payment_id", paymentID))
		return missingPayment{PaymentID: paymentID, Error: "payment not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
