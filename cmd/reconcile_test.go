package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
)

type fakeReconciler struct {
	err error
}

func (f fakeReconciler) Reconcile(ctx context.Context, depth uint64) (*service.ReconcileResult, error) {
	return &service.ReconcileResult{To: depth}, f.err
}

func (f fakeReconciler) ReconcilePayment(ctx context.Context, paymentID string, depth uint64) (*models.ForceCheckResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ForceCheckResult{PaymentID: paymentID, Status: models.StatusPending}, nil
}

func TestReconcileOnce(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("unknown payment is a result", func(t *testing.T) {
		rec := fakeReconciler{err: fmt.Errorf("load payment pay_x: %w", models.ErrNotFound)}
		got, err := reconcileOnce(ctx, rec, "pay_x", 0, logger)
		require.NoError(t, err)
		assert.Equal(t, missingPayment{PaymentID: "pay_x", Error: "payment not found"}, got)
	})

	t.Run("node failure is an error", func(t *testing.T) {
		rec := fakeReconciler{err: errors.New("head position: connection refused")}
		_, err := reconcileOnce(ctx, rec, "pay_1", 0, logger)
		assert.Error(t, err)
	})

	t.Run("single payment", func(t *testing.T) {
		got, err := reconcileOnce(ctx, fakeReconciler{}, "pay_1", 0, logger)
		require.NoError(t, err)
		res, ok := got.(*models.ForceCheckResult)
		require.True(t, ok)
		assert.Equal(t, "pay_1", res.PaymentID)
	})

	t.Run("window", func(t *testing.T) {
		got, err := reconcileOnce(ctx, fakeReconciler{}, "", 50, logger)
		require.NoError(t, err)
		res, ok := got.(*service.ReconcileResult)
		require.True(t, ok)
		assert.Equal(t, uint64(50), res.To)
	})
}
