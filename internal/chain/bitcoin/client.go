// Package bitcoin reads UTXO ledgers from a bitcoind-compatible JSON-RPC node.
// Each transaction output is one transfer, referenced as "<txid>:<vout>".
package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type Config struct {
	Host     string
	User     string
	Password string
	Network  string
	Timeout  time.Duration
}

// Client implements interfaces.LedgerRPC on top of btcd's rpcclient.
type Client struct {
	rpc     *rpcclient.Client
	params  *chaincfg.Params
	timeout time.Duration
}

func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", name)
}

func New(cfg Config) (*Client, error) {
	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	disableTLS := true
	switch {
	case strings.HasPrefix(host, "https://"):
		host = strings.TrimPrefix(host, "https://")
		disableTLS = false
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}

	rc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         strings.TrimSuffix(host, "/"),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   disableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoin rpc client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{rpc: rc, params: params, timeout: timeout}, nil
}

func (c *Client) Close() {
	c.rpc.Shutdown()
}

func (c *Client) NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	decoded, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return addr
	}
	return decoded.EncodeAddress()
}

// call bounds a blocking rpcclient call by ctx and the client timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Client) HeadPosition(ctx context.Context) (uint64, error) {
	count, err := call(ctx, c.timeout, c.rpc.GetBlockCount)
	if err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	if count < 0 {
		return 0, fmt.Errorf("getblockcount returned %d: %w", count, chain.ErrMalformed)
	}
	return uint64(count), nil
}

// Block fetches the block at height with decoded transactions and emits one
// RawTransaction per output that pays an address. Outputs without an address
// (OP_RETURN, bare multisig) are not transfers and are dropped.
func (c *Client) Block(ctx context.Context, position uint64) (*models.Block, error) {
	hash, err := call(ctx, c.timeout, func() (*chainhash.Hash, error) {
		return c.rpc.GetBlockHash(int64(position))
	})
	if err != nil {
		if isRPCCode(err, btcjson.ErrRPCOutOfRange) || isRPCCode(err, btcjson.ErrRPCInvalidParameter) {
			return nil, fmt.Errorf("block %d: %w", position, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getblockhash %d: %w", position, err)
	}

	verbose, err := call(ctx, c.timeout, func() (*btcjson.GetBlockVerboseTxResult, error) {
		return c.rpc.GetBlockVerboseTx(hash)
	})
	if err != nil {
		return nil, fmt.Errorf("getblock %s: %w", hash, err)
	}
	if verbose.Height != int64(position) {
		return nil, fmt.Errorf("block %d: node returned height %d: %w", position, verbose.Height, chain.ErrMalformed)
	}

	block := &models.Block{Position: position, Hash: verbose.Hash}
	for _, tx := range verbose.Tx {
		for _, out := range tx.Vout {
			if outputAddress(out) == "" {
				continue
			}
			block.Transactions = append(block.Transactions, c.output(tx, out))
		}
	}
	return block, nil
}

func (c *Client) output(tx btcjson.TxRawResult, out btcjson.Vout) models.RawTransaction {
	raw := models.RawTransaction{Ref: outputRef(tx.Txid, out.N)}
	addr := outputAddress(out)
	if addr == "" {
		raw.Malformed = "output has no address"
		return raw
	}
	amount, err := btcutil.NewAmount(out.Value)
	if err != nil || amount < 0 {
		raw.Malformed = fmt.Sprintf("invalid output value %v", out.Value)
		return raw
	}
	raw.To = c.NormalizeAddress(addr)
	raw.Value = big.NewInt(int64(amount))
	return raw
}

// Transaction resolves "<txid>:<vout>" to the output and its depth. Scans do
// not call it, since block outputs carry everything they need; it relies on
// getrawtransaction, which needs -txindex for transactions outside the
// mempool.
func (c *Client) Transaction(ctx context.Context, ref string) (*models.TransactionDetail, error) {
	txid, n, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %v: %w", ref, err, chain.ErrMalformed)
	}

	tx, err := call(ctx, c.timeout, func() (*btcjson.TxRawResult, error) {
		return c.rpc.GetRawTransactionVerbose(hash)
	})
	if err != nil {
		if isRPCCode(err, btcjson.ErrRPCNoTxInfo) || isRPCCode(err, btcjson.ErrRPCInvalidAddressOrKey) {
			return nil, fmt.Errorf("transaction %s: %w", ref, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}
	if int(n) >= len(tx.Vout) {
		return nil, fmt.Errorf("transaction %s: no output %d: %w", ref, n, chain.ErrMalformed)
	}

	raw := c.output(*tx, tx.Vout[n])
	if raw.Malformed != "" {
		return nil, fmt.Errorf("transaction %s: %s: %w", ref, raw.Malformed, chain.ErrMalformed)
	}

	detail := &models.TransactionDetail{
		Ref:           ref,
		To:            raw.To,
		Value:         raw.Value,
		Confirmations: tx.Confirmations,
		Succeeded:     true,
	}
	if tx.Confirmations > 0 {
		head, err := c.HeadPosition(ctx)
		if err != nil {
			return nil, err
		}
		if head+1 >= tx.Confirmations {
			detail.Position = head + 1 - tx.Confirmations
		}
	}
	return detail, nil
}

func outputRef(txid string, n uint32) string {
	return txid + ":" + strconv.FormatUint(uint64(n), 10)
}

func parseRef(ref string) (string, uint32, error) {
	i := strings.LastIndexByte(ref, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("transfer ref %q: %w", ref, chain.ErrMalformed)
	}
	n, err := strconv.ParseUint(ref[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("transfer ref %q: %w", ref, chain.ErrMalformed)
	}
	return ref[:i], uint32(n), nil
}

func outputAddress(out btcjson.Vout) string {
	if out.ScriptPubKey.Address != "" {
		return out.ScriptPubKey.Address
	}
	if len(out.ScriptPubKey.Addresses) == 1 {
		return out.ScriptPubKey.Addresses[0]
	}
	return ""
}

func isRPCCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
