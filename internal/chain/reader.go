package chain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

var (
	// ErrMalformed marks ledger data that could not be decoded. A malformed
	// entry inside a block is skipped; a malformed block fails the range.
	ErrMalformed = errors.New("malformed ledger data")

	// ErrStop may be returned by a visit function to end a scan early.
	ErrStop = errors.New("stop scan")
)

// ScanStats counts what one Scan call saw. FirstDeferred is the lowest
// position holding a transfer that was not deep enough yet; it is only
// meaningful when Deferred > 0.
type ScanStats struct {
	Blocks        int
	Candidates    int
	Deferred      int
	FirstDeferred uint64
	Malformed     int
	Reverted      int
	Surfaced      int
}

// Reader turns ledger blocks into confirmed transfers to watched addresses.
// It keeps no state between calls; scanning the same range twice re-reads
// it from the node.
type Reader struct {
	rpc              interfaces.LedgerRPC
	minConfirmations uint64
	logger           *zap.Logger
}

func NewReader(rpc interfaces.LedgerRPC, minConfirmations uint64, logger *zap.Logger) *Reader {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Reader{rpc: rpc, minConfirmations: minConfirmations, logger: logger}
}

func (r *Reader) MinConfirmations() uint64 {
	return r.minConfirmations
}

// Scan walks [from, to] in order and calls visit for every transfer to an
// address in watch that is at least MinConfirmations deep below head.
// Shallow transfers are counted in stats.Deferred and left for a later pass.
//
// Node failures end the scan with an error and the range must be retried.
// That covers a block that cannot be fetched or decoded, and a listed
// transfer whose receipt the node cannot return yet. Errors returned by
// visit do not stop the walk; the first one is returned once the range is
// done. Returning ErrStop from visit ends the walk without error.
func (r *Reader) Scan(ctx context.Context, head, from, to uint64, watch models.AddressSet, visit func(models.ObservedTransfer) error) (ScanStats, error) {
	var stats ScanStats
	if from > to {
		return stats, nil
	}

	var visitErr error
	for pos := from; pos <= to; pos++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		block, err := r.rpc.Block(ctx, pos)
		if err != nil {
			return stats, fmt.Errorf("fetch block %d: %w", pos, err)
		}
		stats.Blocks++

		for _, tx := range block.Transactions {
			if tx.Malformed != "" || tx.Ref == "" || tx.To == "" || tx.Value == nil {
				stats.Malformed++
				r.logger.Warn("Skipping malformed transaction",
					zap.Uint64("position", pos),
					zap.String("tx_ref", tx.Ref),
					zap.String("reason", tx.Malformed),
				)
				continue
			}
			if !watch.Contains(tx.To) {
				continue
			}
			stats.Candidates++

			depth := depthAt(head, block.Position)
			if depth < r.minConfirmations {
				if stats.Deferred == 0 {
					stats.FirstDeferred = pos
				}
				stats.Deferred++
				r.logger.Debug("Deferring shallow transaction",
					zap.String("tx_ref", tx.Ref),
					zap.Uint64("confirmations", depth),
				)
				continue
			}

			if tx.NeedsReceipt {
				succeeded, err := r.succeeded(ctx, tx.Ref)
				if err != nil {
					return stats, err
				}
				if !succeeded {
					stats.Reverted++
					r.logger.Info("Ignoring reverted transaction", zap.String("tx_ref", tx.Ref))
					continue
				}
			}
			stats.Surfaced++

			transfer := models.ObservedTransfer{
				Position:      block.Position,
				BlockHash:     block.Hash,
				Ref:           tx.Ref,
				From:          tx.From,
				To:            tx.To,
				Amount:        tx.Value,
				Confirmations: depth,
			}
			if err := visit(transfer); err != nil {
				if errors.Is(err, ErrStop) {
					return stats, visitErr
				}
				if visitErr == nil {
					visitErr = err
				}
			}
		}

		if pos == to {
			break
		}
	}
	return stats, visitErr
}

// succeeded reports the execution status of a transfer already seen in a
// fetched block. Not-found and undecodable answers are node lag, not a
// verdict, so they come back as errors.
func (r *Reader) succeeded(ctx context.Context, ref string) (bool, error) {
	detail, err := r.rpc.Transaction(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("fetch receipt %s: %w", ref, err)
	}
	return detail.Succeeded, nil
}

func depthAt(head, position uint64) uint64 {
	if head < position {
		return 0
	}
	return head - position + 1
}
