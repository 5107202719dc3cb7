package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from canned results keyed by method.
func fakeNode(t *testing.T, results map[string]func(params []json.RawMessage) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fn, ok := results[req.Method]
		if !ok {
			w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + fn(req.Params) + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialFake(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.URL, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func constant(v string) func([]json.RawMessage) string {
	return func([]json.RawMessage) string { return v }
}

const blockJSON = `{
  "number": "0x10",
  "hash": "0xabc",
  "transactions": [
    {"hash": "0xT1", "from": "0x1111111111111111111111111111111111111111", "to": "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "value": "0xf1b30", "blockNumber": "0x10"},
    {"hash": "0xt2", "from": "0x1111111111111111111111111111111111111111", "to": null, "value": "0x0", "blockNumber": "0x10"},
    {"hash": "0xt3", "from": "0x1111111111111111111111111111111111111111", "to": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "value": "not-hex", "blockNumber": "0x10"}
  ]
}`

func TestClientHeadPosition(t *testing.T) {
	c := dialFake(t, fakeNode(t, map[string]func([]json.RawMessage) string{
		"eth_blockNumber": constant(`"0x1a"`),
	}))
	head, err := c.HeadPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(26), head)
}

func TestClientBlock(t *testing.T) {
	c := dialFake(t, fakeNode(t, map[string]func([]json.RawMessage) string{
		"eth_getBlockByNumber": func(params []json.RawMessage) string {
			if string(params[0]) == `"0x10"` {
				return blockJSON
			}
			return "null"
		},
	}))

	block, err := c.Block(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", block.Hash)
	require.Len(t, block.Transactions, 2, "contract creation is dropped")

	tx := block.Transactions[0]
	assert.Equal(t, "0xt1", tx.Ref)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tx.To)
	assert.Equal(t, int64(990000), tx.Value.Int64())
	assert.Empty(t, tx.Malformed)
	assert.True(t, tx.NeedsReceipt, "inclusion does not prove execution")

	bad := block.Transactions[1]
	assert.Equal(t, "0xt3", bad.Ref)
	assert.NotEmpty(t, bad.Malformed)

	_, err = c.Block(context.Background(), 99)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClientBlockMalformed(t *testing.T) {
	c := dialFake(t, fakeNode(t, map[string]func([]json.RawMessage) string{
		"eth_getBlockByNumber": constant(`{"number": "0x11", "hash": "0xabc", "transactions": []}`),
	}))
	_, err := c.Block(context.Background(), 16)
	assert.ErrorIs(t, err, chain.ErrMalformed)
}

func TestClientTransaction(t *testing.T) {
	c := dialFake(t, fakeNode(t, map[string]func([]json.RawMessage) string{
		"eth_blockNumber": constant(`"0x12"`),
		"eth_getTransactionByHash": func(params []json.RawMessage) string {
			switch string(params[0]) {
			case `"0xt1"`:
				return `{"hash": "0xt1", "from": "0x1111111111111111111111111111111111111111", "to": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "value": "0x64", "blockNumber": "0x10"}`
			case `"0xpending"`:
				return `{"hash": "0xpending", "from": "0x1111111111111111111111111111111111111111", "to": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "value": "0x64", "blockNumber": null}`
			case `"0xnoreceipt"`:
				return `{"hash": "0xnoreceipt", "from": "0x1111111111111111111111111111111111111111", "to": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "value": "0x64", "blockNumber": "0x11"}`
			}
			return "null"
		},
		"eth_getTransactionReceipt": func(params []json.RawMessage) string {
			if string(params[0]) == `"0xnoreceipt"` {
				return "null"
			}
			return `{"status": "0x1", "blockNumber": "0x10"}`
		},
	}))

	detail, err := c.Transaction(context.Background(), "0xt1")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), detail.Position)
	assert.Equal(t, uint64(3), detail.Confirmations)
	assert.True(t, detail.Succeeded)
	assert.Equal(t, int64(100), detail.Value.Int64())

	_, err = c.Transaction(context.Background(), "0xpending")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.Transaction(context.Background(), "0xnoreceipt")
	assert.ErrorIs(t, err, models.ErrNotFound, "a lagging receipt is not a failed transaction")

	_, err = c.Transaction(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClientTransportErrorIsNotMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Block(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, chain.ErrMalformed)
}

func TestNormalizeAddress(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", c.NormalizeAddress(" 0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA "))
	assert.Equal(t, "0xaaa", c.NormalizeAddress("0xAAA"))
}
