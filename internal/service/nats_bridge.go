package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

const (
	SubjectChainHeads    = "chain.heads"
	SubjectPaymentsCheck = "payments.check"
	natsQueueGroup       = "payment-reconciler"
)

// ScanController is what the bridge needs from the coordinator.
type ScanController interface {
	Wake()
	ForceCheck(ctx context.Context, paymentID string) (*models.ForceCheckResult, error)
}

type checkRequest struct {
	PaymentID string `json:"payment_id"`
}

type checkReply struct {
	Result *models.ForceCheckResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// NATSBridge lets other services wake the scan loop on new heads and run a
// forced check over request/reply.
type NATSBridge struct {
	nc      *nats.Conn
	scans   ScanController
	timeout time.Duration
	logger  *zap.Logger
	subs    []*nats.Subscription
}

func NewNATSBridge(nc *nats.Conn, scans ScanController, timeout time.Duration, logger *zap.Logger) *NATSBridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSBridge{nc: nc, scans: scans, timeout: timeout, logger: logger}
}

func (b *NATSBridge) Start() error {
	heads, err := b.nc.Subscribe(SubjectChainHeads, func(*nats.Msg) {
		b.scans.Wake()
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, heads)

	checks, err := b.nc.QueueSubscribe(SubjectPaymentsCheck, natsQueueGroup, func(msg *nats.Msg) {
		reply := b.handleCheck(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			b.logger.Warn("Failed to answer check request", zap.Error(err))
		}
	})
	if err != nil {
		b.Close()
		return err
	}
	b.subs = append(b.subs, checks)

	b.logger.Info("NATS bridge subscribed",
		zap.String("heads", SubjectChainHeads),
		zap.String("checks", SubjectPaymentsCheck),
	)
	return nil
}

func (b *NATSBridge) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
}

func (b *NATSBridge) handleCheck(data []byte) []byte {
	var req checkRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PaymentID == "" {
		return encodeReply(checkReply{Error: "invalid request: payment_id required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	res, err := b.scans.ForceCheck(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return encodeReply(checkReply{Error: "payment not found"})
		}
		b.logger.Warn("Forced check over NATS failed", zap.String("payment_id", req.PaymentID), zap.Error(err))
		return encodeReply(checkReply{Error: "check failed"})
	}
	return encodeReply(checkReply{Result: res})
}

func encodeReply(r checkReply) []byte {
	data, _ := json.Marshal(r)
	return data
}
