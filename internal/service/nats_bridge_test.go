package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type stubScans struct {
	wakes int
	err   error
}

func (s *stubScans) Wake() { s.wakes++ }

func (s *stubScans) ForceCheck(ctx context.Context, paymentID string) (*models.ForceCheckResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("no deadline")
	}
	return &models.ForceCheckResult{PaymentID: paymentID, Status: models.StatusCompleted, Matched: true}, nil
}

func decodeReply(t *testing.T, data []byte) checkReply {
	t.Helper()
	var r checkReply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestNATSBridgeCheck(t *testing.T) {
	scans := &stubScans{}
	b := NewNATSBridge(nil, scans, time.Second, zap.NewNop())

	r := decodeReply(t, b.handleCheck([]byte(`{"payment_id":"pay_1"}`)))
	assert.Empty(t, r.Error)
	require.NotNil(t, r.Result)
	assert.Equal(t, "pay_1", r.Result.PaymentID)
	assert.True(t, r.Result.Matched)

	r = decodeReply(t, b.handleCheck([]byte(`{}`)))
	assert.Nil(t, r.Result)
	assert.Contains(t, r.Error, "payment_id required")

	scans.err = fmt.Errorf("load payment pay_9: %w", models.ErrNotFound)
	r = decodeReply(t, b.handleCheck([]byte(`{"payment_id":"pay_9"}`)))
	assert.Equal(t, "payment not found", r.Error)

	scans.err = errors.New("dial tcp: connection refused")
	r = decodeReply(t, b.handleCheck([]byte(`{"payment_id":"pay_1"}`)))
	assert.Equal(t, "check failed", r.Error, "internal errors are not leaked")
}
