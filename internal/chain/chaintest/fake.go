// Package chaintest provides an in-memory ledger for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type entry struct {
	tx        models.RawTransaction
	position  uint64
	succeeded bool
}

// Ledger is a scriptable LedgerRPC. Positions start at 1; Head is the
// highest position added.
type Ledger struct {
	mu      sync.Mutex
	head    uint64
	blocks  map[uint64]*models.Block
	txs     map[string]entry
	failing map[uint64]int
	lagging map[string]int
	headErr int

	BlockCalls map[uint64]int
}

func NewLedger() *Ledger {
	return &Ledger{
		blocks:     make(map[uint64]*models.Block),
		txs:        make(map[string]entry),
		failing:    make(map[uint64]int),
		lagging:    make(map[string]int),
		BlockCalls: make(map[uint64]int),
	}
}

// SetHead extends the chain with empty blocks up to head.
func (l *Ledger) SetHead(head uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pos := l.head + 1; pos <= head; pos++ {
		l.ensure(pos)
	}
	if head > l.head {
		l.head = head
	}
}

// AddTransfer places a successful transfer in the block at position.
func (l *Ledger) AddTransfer(position uint64, ref, to string, value int64) {
	l.Add(position, models.RawTransaction{Ref: ref, From: "0xsender", To: to, Value: big.NewInt(value)}, true)
}

// Add places tx in the block at position. Transfers are account-model: the
// reader has to look up their receipt, which reports succeeded.
func (l *Ledger) Add(position uint64, tx models.RawTransaction, succeeded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx.NeedsReceipt = true
	b := l.ensure(position)
	b.Transactions = append(b.Transactions, tx)
	if tx.Ref != "" {
		l.txs[tx.Ref] = entry{tx: tx, position: position, succeeded: succeeded}
	}
	if position > l.head {
		for pos := l.head + 1; pos < position; pos++ {
			l.ensure(pos)
		}
		l.head = position
	}
}

// FailBlock makes the next n fetches of position return a transient error.
func (l *Ledger) FailBlock(position uint64, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing[position] += n
}

// LagTransaction makes the next n lookups of ref answer not found, the way a
// node behind a load balancer does before it has indexed a block.
func (l *Ledger) LagTransaction(ref string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lagging[ref] += n
}

// FailHead makes the next n head lookups fail.
func (l *Ledger) FailHead(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headErr += n
}

func (l *Ledger) ensure(pos uint64) *models.Block {
	b, ok := l.blocks[pos]
	if !ok {
		b = &models.Block{Position: pos, Hash: fmt.Sprintf("0xblock%d", pos)}
		l.blocks[pos] = b
	}
	return b
}

func (l *Ledger) HeadPosition(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.headErr > 0 {
		l.headErr--
		return 0, fmt.Errorf("head: connection refused")
	}
	return l.head, nil
}

func (l *Ledger) Block(ctx context.Context, position uint64) (*models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BlockCalls[position]++
	if l.failing[position] > 0 {
		l.failing[position]--
		return nil, fmt.Errorf("block %d: i/o timeout", position)
	}
	b, ok := l.blocks[position]
	if !ok || position > l.head {
		return nil, fmt.Errorf("block %d: %w", position, models.ErrNotFound)
	}
	cp := *b
	cp.Transactions = append([]models.RawTransaction(nil), b.Transactions...)
	return &cp, nil
}

func (l *Ledger) Transaction(ctx context.Context, ref string) (*models.TransactionDetail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lagging[ref] > 0 {
		l.lagging[ref]--
		return nil, fmt.Errorf("transaction %s: %w", ref, models.ErrNotFound)
	}
	e, ok := l.txs[ref]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", ref, models.ErrNotFound)
	}
	var confirmations uint64
	if l.head >= e.position {
		confirmations = l.head - e.position + 1
	}
	return &models.TransactionDetail{
		Ref:           ref,
		From:          e.tx.From,
		To:            e.tx.To,
		Value:         e.tx.Value,
		Position:      e.position,
		Confirmations: confirmations,
		Succeeded:     e.succeeded,
	}, nil
}

func (l *Ledger) NormalizeAddress(addr string) string {
	return models.NormalizeHexAddress(addr)
}

func (l *Ledger) Close() {}

func (l *Ledger) Calls(position uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.BlockCalls[position]
}
