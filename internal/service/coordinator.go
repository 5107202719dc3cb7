package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

type CoordinatorConfig struct {
	Chain           string
	ScanInterval    time.Duration
	MaxRange        uint64
	StartPosition   uint64
	SafetyWindow    uint64
	ForceCheckDepth uint64
	ExpireBatch     int
	LockTTL         time.Duration
}

func (c *CoordinatorConfig) setDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.MaxRange == 0 {
		c.MaxRange = 500
	}
	if c.ForceCheckDepth == 0 {
		c.ForceCheckDepth = 100
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
}

// Coordinator owns the scan watermark and decides which ranges are read.
// Continuous ranges are dispatched one at a time; forced checks run beside
// them and never touch the watermark.
type Coordinator struct {
	rpc        interfaces.LedgerRPC
	reader     *chain.Reader
	matcher    *Matcher
	ledger     interfaces.PaymentLedger
	watermarks interfaces.WatermarkStore
	locker     interfaces.Locker
	publisher  interfaces.EventPublisher
	cfg        CoordinatorConfig
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	cursor  uint64
	started bool
	wake    chan struct{}
}

func NewCoordinator(
	rpc interfaces.LedgerRPC,
	reader *chain.Reader,
	matcher *Matcher,
	ledger interfaces.PaymentLedger,
	watermarks interfaces.WatermarkStore,
	locker interfaces.Locker,
	publisher interfaces.EventPublisher,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		rpc:        rpc,
		reader:     reader,
		matcher:    matcher,
		ledger:     ledger,
		watermarks: watermarks,
		locker:     locker,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.With(zap.String("chain", cfg.Chain)),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Wake asks the continuous loop to scan now instead of waiting out its
// interval.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RunContinuous scans until ctx is cancelled. A failed range is retried with
// exponential backoff; the watermark only moves after a range succeeds.
func (c *Coordinator) RunContinuous(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0
	retry.Reset()

	c.logger.Info("Started continuous scan", zap.Duration("interval", c.cfg.ScanInterval))

	for {
		caughtUp, err := c.ScanOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			wait := retry.NextBackOff()
			telemetry.ScanFailures.WithLabelValues(c.cfg.Chain).Inc()
			c.logger.Warn("Scan range failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
			if !c.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		retry.Reset()
		if !caughtUp {
			continue
		}

		timer := time.NewTimer(c.cfg.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var errLeaseLost = errors.New("scan lock lost")

// ScanOnce runs one expiry sweep and dispatches at most one range ending at
// the confirmed head. caughtUp reports whether the watermark reached it.
// The scan lock is extended while the range is read; if it cannot be, the
// range is abandoned and the watermark stays where it was.
func (c *Coordinator) ScanOnce(ctx context.Context) (caughtUp bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lease, ok, err := c.locker.TryLock(ctx, "scan:"+c.cfg.Chain, c.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		c.logger.Debug("Scan lock held elsewhere")
		return true, nil
	}
	defer lease.Release()

	ctx, cancel := context.WithCancelCause(ctx)
	stop := c.keepLease(ctx, lease, cancel)
	defer func() {
		stop()
		cancel(nil)
	}()
	defer func() {
		if err != nil && errors.Is(context.Cause(ctx), errLeaseLost) {
			err = errLeaseLost
		}
	}()

	c.expireOverdue(ctx)

	head, err := c.rpc.HeadPosition(ctx)
	if err != nil {
		return false, fmt.Errorf("head position: %w", err)
	}
	telemetry.ChainHead.WithLabelValues(c.cfg.Chain).Set(float64(head))

	minConf := c.reader.MinConfirmations()
	if head+1 < minConf {
		return true, nil
	}
	safe := head + 1 - minConf

	from, err := c.nextPosition(ctx, safe)
	if err != nil {
		return false, err
	}
	if from > safe {
		return true, nil
	}
	to := safe
	if to-from+1 > c.cfg.MaxRange {
		to = from + c.cfg.MaxRange - 1
	}

	stats, err := c.scanRange(ctx, head, from, to)
	if err != nil {
		return false, err
	}
	if stats.Deferred > 0 {
		return false, fmt.Errorf("scan %d-%d: %d transfers from position %d below confirmation depth",
			from, to, stats.Deferred, stats.FirstDeferred)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := c.watermarks.Advance(ctx, c.cfg.Chain, to); err != nil {
		return false, fmt.Errorf("advance watermark to %d: %w", to, err)
	}
	c.cursor = to + 1
	telemetry.Watermark.WithLabelValues(c.cfg.Chain).Set(float64(to))

	return to == safe, nil
}

// keepLease extends lease every third of LockTTL until stop is called. A
// lease that cannot be extended cancels ctx with errLeaseLost.
func (c *Coordinator) keepLease(ctx context.Context, lease interfaces.Lease, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := lease.Extend(ctx, c.cfg.LockTTL)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				c.logger.Warn("Scan lock lost, abandoning range", zap.Error(err))
				cancel(errLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// nextPosition returns the first position of the next continuous range. On
// the first call it resumes a safety window behind the persisted watermark;
// afterwards it follows the watermark if another process moved it ahead.
func (c *Coordinator) nextPosition(ctx context.Context, safe uint64) (uint64, error) {
	mark, has, err := c.watermarks.Get(ctx, c.cfg.Chain)
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}

	if !c.started {
		c.started = true
		switch {
		case has:
			c.cursor = 0
			if mark > c.cfg.SafetyWindow {
				c.cursor = mark - c.cfg.SafetyWindow
			}
		case c.cfg.StartPosition > 0:
			c.cursor = c.cfg.StartPosition
		default:
			c.cursor = safe
		}
		c.logger.Info("Scan cursor initialised",
			zap.Uint64("cursor", c.cursor),
			zap.Bool("has_watermark", has),
			zap.Uint64("watermark", mark),
		)
		return c.cursor, nil
	}

	if has && mark+1 > c.cursor {
		c.cursor = mark + 1
	}
	return c.cursor, nil
}

func (c *Coordinator) scanRange(ctx context.Context, head, from, to uint64) (chain.ScanStats, error) {
	ctx, span := tracer.Start(ctx, "coordinator.scan_range")
	defer span.End()
	span.SetAttributes(attribute.Int64("from", int64(from)), attribute.Int64("to", int64(to)))

	watch, err := c.ledger.TrackedAddresses(ctx)
	if err != nil {
		return chain.ScanStats{}, fmt.Errorf("tracked addresses: %w", err)
	}
	if len(watch) == 0 {
		c.logger.Debug("No tracked addresses, skipping range", zap.Uint64("from", from), zap.Uint64("to", to))
		return chain.ScanStats{}, nil
	}

	stats, err := c.reader.Scan(ctx, head, from, to, watch, func(t models.ObservedTransfer) error {
		telemetry.ObservedTransfers.WithLabelValues(c.cfg.Chain).Inc()
		_, err := c.matcher.Match(ctx, t)
		return err
	})
	telemetry.ScannedBlocks.WithLabelValues(c.cfg.Chain, "continuous").Add(float64(stats.Blocks))
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("scan %d-%d: %w", from, to, err)
	}

	c.logger.Debug("Scanned range",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("blocks", stats.Blocks),
		zap.Int("candidates", stats.Candidates),
		zap.Int("malformed", stats.Malformed),
		zap.Int("reverted", stats.Reverted),
	)
	return stats, nil
}

func (c *Coordinator) expireOverdue(ctx context.Context) {
	now := c.now()
	expired, err := c.ledger.ExpireOverdue(ctx, now, c.cfg.ExpireBatch)
	if err != nil {
		c.logger.Warn("Expiry sweep failed", zap.Error(err))
		return
	}
	for _, p := range expired {
		publishTransition(ctx, c.publisher, c.logger, p, models.StatusPending, now)
	}
}

// ForceCheck scans the most recent ForceCheckDepth positions for a transfer
// settling one request.
func (c *Coordinator) ForceCheck(ctx context.Context, paymentID string) (*models.ForceCheckResult, error) {
	return c.forceCheck(ctx, paymentID, c.cfg.ForceCheckDepth)
}

func (c *Coordinator) forceCheck(ctx context.Context, paymentID string, depth uint64) (*models.ForceCheckResult, error) {
	ctx, span := tracer.Start(ctx, "coordinator.force_check")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID))

	p, err := c.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	res := &models.ForceCheckResult{PaymentID: paymentID, Status: p.Status}
	if p.Status != models.StatusPending {
		return res, nil
	}

	now := c.now()
	if p.ExpiredAt(now) {
		ok, err := c.ledger.MarkExpired(ctx, paymentID, now)
		if err != nil {
			return nil, fmt.Errorf("expire %s: %w", paymentID, err)
		}
		if ok {
			expired := *p
			expired.Status = models.StatusExpired
			publishTransition(ctx, c.publisher, c.logger, expired, models.StatusPending, now)
		}
		return c.refresh(ctx, res)
	}

	head, err := c.rpc.HeadPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("head position: %w", err)
	}
	res.From, res.To = window(head, depth)

	stats, err := c.reader.Scan(ctx, head, res.From, res.To, models.NewAddressSet(p.Address), func(t models.ObservedTransfer) error {
		outcome, err := c.matcher.Match(ctx, t)
		if err != nil {
			return err
		}
		if outcome == OutcomeCompleted || outcome == OutcomeDuplicate || outcome == OutcomeExpired {
			current, err := c.ledger.Get(ctx, paymentID)
			if err == nil && current.Status != models.StatusPending {
				return chain.ErrStop
			}
		}
		return nil
	})
	res.BlocksScanned = stats.Blocks
	telemetry.ScannedBlocks.WithLabelValues(c.cfg.Chain, "force_check").Add(float64(stats.Blocks))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			res.Exhausted = true
			c.logger.Info("Forced check budget exhausted",
				zap.String("payment_id", paymentID),
				zap.Int("blocks_scanned", stats.Blocks),
			)
			return c.refresh(context.WithoutCancel(ctx), res)
		}
		return nil, fmt.Errorf("forced check %s: %w", paymentID, err)
	}

	res, err = c.refresh(ctx, res)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Forced check finished",
		zap.String("payment_id", paymentID),
		zap.String("status", string(res.Status)),
		zap.Uint64("from", res.From),
		zap.Uint64("to", res.To),
	)
	return res, nil
}

func (c *Coordinator) refresh(ctx context.Context, res *models.ForceCheckResult) (*models.ForceCheckResult, error) {
	p, err := c.ledger.Get(ctx, res.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("reload payment %s: %w", res.PaymentID, err)
	}
	res.Status = p.Status
	res.Matched = p.Status == models.StatusCompleted
	return res, nil
}

// ReconcileResult summarizes a bounded pass over recent positions.
type ReconcileResult struct {
	From      uint64         `json:"from"`
	To        uint64         `json:"to"`
	Blocks    int            `json:"blocks"`
	Transfers int            `json:"transfers"`
	Outcomes  map[string]int `json:"outcomes"`
}

// Reconcile matches every tracked address against the last depth positions.
// It does not touch the watermark.
func (c *Coordinator) Reconcile(ctx context.Context, depth uint64) (*ReconcileResult, error) {
	if depth == 0 {
		depth = c.cfg.ForceCheckDepth
	}
	c.expireOverdue(ctx)

	head, err := c.rpc.HeadPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("head position: %w", err)
	}
	res := &ReconcileResult{Outcomes: make(map[string]int)}
	res.From, res.To = window(head, depth)

	watch, err := c.ledger.TrackedAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked addresses: %w", err)
	}
	if len(watch) == 0 {
		return res, nil
	}

	stats, err := c.reader.Scan(ctx, head, res.From, res.To, watch, func(t models.ObservedTransfer) error {
		res.Transfers++
		outcome, err := c.matcher.Match(ctx, t)
		if err != nil {
			return err
		}
		res.Outcomes[string(outcome)]++
		return nil
	})
	res.Blocks = stats.Blocks
	telemetry.ScannedBlocks.WithLabelValues(c.cfg.Chain, "reconcile").Add(float64(stats.Blocks))
	if err != nil {
		return res, fmt.Errorf("reconcile %d-%d: %w", res.From, res.To, err)
	}
	return res, nil
}

// ReconcilePayment is ForceCheck with an explicit window depth.
func (c *Coordinator) ReconcilePayment(ctx context.Context, paymentID string, depth uint64) (*models.ForceCheckResult, error) {
	if depth == 0 {
		depth = c.cfg.ForceCheckDepth
	}
	return c.forceCheck(ctx, paymentID, depth)
}

// PaymentStatus returns the request, expiring it first when it is pending
// past its deadline.
func (c *Coordinator) PaymentStatus(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	p, err := c.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if p.Status != models.StatusPending || !p.ExpiredAt(now) {
		return p, nil
	}

	ok, err := c.ledger.MarkExpired(ctx, paymentID, now)
	if err != nil {
		return nil, fmt.Errorf("expire %s: %w", paymentID, err)
	}
	if !ok {
		// lost a race with another transition
		return c.ledger.Get(ctx, paymentID)
	}
	p.Status = models.StatusExpired
	p.UpdatedAt = now
	publishTransition(ctx, c.publisher, c.logger, *p, models.StatusPending, now)
	return p, nil
}

func (c *Coordinator) Status(ctx context.Context) (*models.ScanStatus, error) {
	mark, has, err := c.watermarks.Get(ctx, c.cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	head, err := c.rpc.HeadPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("head position: %w", err)
	}
	return &models.ScanStatus{Chain: c.cfg.Chain, Watermark: mark, HasMark: has, Head: head}, nil
}

// window returns the last depth positions ending at head.
func window(head, depth uint64) (uint64, uint64) {
	if depth == 0 || depth > head {
		return 0, head
	}
	return head - depth + 1, head
}
