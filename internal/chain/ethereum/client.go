// Package ethereum reads account-model ledgers over the standard JSON-RPC API.
package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// Client implements interfaces.LedgerRPC against an Ethereum-compatible node.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	timeout time.Duration
}

func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{rpc: rc, eth: ethclient.NewClient(rc), timeout: timeout}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return models.NormalizeHexAddress(addr)
}

func (c *Client) HeadPosition(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return head, nil
}

type rpcBlock struct {
	Number       *hexutil.Uint64   `json:"number"`
	Hash         string            `json:"hash"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash        string          `json:"hash"`
	From        string          `json:"from"`
	To          *string         `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

type rpcReceipt struct {
	Status      *hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

// Block fetches the block at position with full transaction objects. Each
// transaction is decoded on its own so one bad entry does not lose the block.
func (c *Client) Block(ctx context.Context, position uint64) (*models.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(position), true); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", position, err)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("block %d: %w", position, models.ErrNotFound)
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("block %d: %v: %w", position, err, chain.ErrMalformed)
	}
	if rb.Number != nil && uint64(*rb.Number) != position {
		return nil, fmt.Errorf("block %d: node returned %d: %w", position, uint64(*rb.Number), chain.ErrMalformed)
	}

	block := &models.Block{Position: position, Hash: rb.Hash}
	for _, rawTx := range rb.Transactions {
		var tx rpcTransaction
		if err := json.Unmarshal(rawTx, &tx); err != nil {
			block.Transactions = append(block.Transactions, models.RawTransaction{
				Ref:       refHint(rawTx),
				Malformed: err.Error(),
			})
			continue
		}
		if tx.To == nil {
			// contract creation
			continue
		}
		if tx.Value == nil {
			block.Transactions = append(block.Transactions, models.RawTransaction{Ref: tx.Hash, Malformed: "missing value"})
			continue
		}
		block.Transactions = append(block.Transactions, models.RawTransaction{
			Ref:          strings.ToLower(tx.Hash),
			From:         c.NormalizeAddress(tx.From),
			To:           c.NormalizeAddress(*tx.To),
			Value:        tx.Value.ToInt(),
			NeedsReceipt: true,
		})
	}
	return block, nil
}

// Transaction reports the transfer's depth and receipt status. A transaction
// the node has not mined or has no receipt for yet is reported as not found.
func (c *Client) Transaction(ctx context.Context, ref string) (*models.TransactionDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionByHash", ref); err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash %s: %w", ref, err)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("transaction %s: %w", ref, models.ErrNotFound)
	}
	var tx rpcTransaction
	if err := json.Unmarshal(raw, &tx); err != nil || tx.Value == nil {
		return nil, fmt.Errorf("transaction %s: %w", ref, chain.ErrMalformed)
	}

	detail := &models.TransactionDetail{
		Ref:   strings.ToLower(tx.Hash),
		From:  c.NormalizeAddress(tx.From),
		Value: tx.Value.ToInt(),
	}
	if tx.To != nil {
		detail.To = c.NormalizeAddress(*tx.To)
	}
	if tx.BlockNumber == nil {
		return nil, fmt.Errorf("transaction %s not mined: %w", ref, models.ErrNotFound)
	}
	detail.Position = uint64(*tx.BlockNumber)

	var receipt *rpcReceipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", ref); err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt %s: %w", ref, err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt %s: %w", ref, models.ErrNotFound)
	}
	detail.Succeeded = receipt.Status == nil || uint64(*receipt.Status) == 1

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_blockNumber: %w", err)
	}
	if head >= detail.Position {
		detail.Confirmations = head - detail.Position + 1
	}
	return detail, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func refHint(raw json.RawMessage) string {
	var partial struct {
		Hash string `json:"hash"`
	}
	_ = json.Unmarshal(raw, &partial)
	return partial.Hash
}
