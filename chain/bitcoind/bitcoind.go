// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bitcoind implements chain.Backend against the JSON-RPC interface
// of a Bitcoin Core node. UTXOs are found with scantxoutset, so the node
// needs neither a wallet nor a transaction index for syncing.
package bitcoind

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
)

// Config configures a bitcoind client.
type Config struct {
	// Host is the host:port of the RPC server.
	Host string

	// User and Pass are the RPC credentials.
	User string
	Pass string
}

// Client is a bitcoind RPC client.
type Client struct {
	client *rpcclient.Client
}

// A compile-time assertion to ensure Client implements chain.Backend.
var _ chain.Backend = (*Client)(nil)

// New returns a client for the given node. Bitcoin Core only speaks HTTP
// POST without TLS.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("bitcoind: missing host")
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoind: %w", err)
	}

	return &Client{client: client}, nil
}

// receive waits for a future result or the context.
func receive[T any](ctx context.Context, recv func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	done := make(chan result, 1)
	go func() {
		value, err := recv()
		done <- result{value, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// BestHeight returns the height of the chain tip.
func (c *Client) BestHeight(ctx context.Context) (int32, error) {
	count, err := receive(ctx, c.client.GetBlockCountAsync().Receive)
	if err != nil {
		return 0, fmt.Errorf("bitcoind: getblockcount: %w", err)
	}

	return int32(count), nil
}

// scanObject is a scantxoutset scan object.
type scanObject struct {
	Desc string `json:"desc"`
}

// scanUnspent is an element of the scantxoutset result.
type scanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int32   `json:"height"`
}

// scanResult is the scantxoutset result.
type scanResult struct {
	Success  bool          `json:"success"`
	Height   int32         `json:"height"`
	Unspents []scanUnspent `json:"unspents"`
}

// Sync scans the UTXO set of the node for the scripts. Only confirmed
// outputs are visible, and a script counts as used while it holds one.
func (c *Client) Sync(ctx context.Context,
	scripts [][]byte) (*chain.Snapshot, error) {

	objects := make([]scanObject, 0, len(scripts))
	byHex := make(map[string][]byte, len(scripts))
	for _, script := range scripts {
		scriptHex := hex.EncodeToString(script)
		byHex[scriptHex] = script
		objects = append(objects, scanObject{
			Desc: "raw(" + scriptHex + ")",
		})
	}

	action, err := json.Marshal("start")
	if err != nil {
		return nil, err
	}
	scanObjects, err := json.Marshal(objects)
	if err != nil {
		return nil, err
	}

	raw, err := receive(ctx, c.client.RawRequestAsync(
		"scantxoutset", []json.RawMessage{action, scanObjects},
	).Receive)
	if err != nil {
		return nil, fmt.Errorf("bitcoind: scantxoutset: %w", err)
	}

	var res scanResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bitcoind: scantxoutset result: %w", err)
	}
	if !res.Success {
		return nil, errors.New("bitcoind: scantxoutset did not complete")
	}

	// Older nodes do not report the scan height.
	tip := res.Height
	if tip == 0 {
		tip, err = c.BestHeight(ctx)
		if err != nil {
			return nil, err
		}
	}

	snap := chain.NewSnapshot(tip)
	for _, u := range res.Unspents {
		script, ok := byHex[u.ScriptPubKey]
		if !ok {
			return nil, fmt.Errorf("bitcoind: unexpected script %s",
				u.ScriptPubKey)
		}

		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("bitcoind: utxo txid: %w", err)
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("bitcoind: utxo amount: %w", err)
		}

		snap.AddUtxo(chain.Utxo{
			OutPoint: wire.OutPoint{Hash: *txid, Index: u.Vout},
			Value:    amount,
			PkScript: script,
			Height:   u.Height,
		})
	}

	log.Debugf("Scanned %d scripts at height %d: %d utxos", len(scripts),
		tip, len(snap.Utxos))

	return snap, nil
}

// FetchTx returns a transaction by id. Transactions that are neither in the
// mempool nor indexed are reported as not found.
func (c *Client) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := receive(
		ctx, c.client.GetRawTransactionAsync(&txid).Receive,
	)
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) &&
		rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey {

		return nil, fmt.Errorf("%w: %v: %s", chain.ErrTxNotFound, txid,
			rpcErr.Message)
	}
	if err != nil {
		return nil, fmt.Errorf("bitcoind: getrawtransaction: %w", err)
	}

	return tx.MsgTx(), nil
}

// Broadcast submits a transaction to the node mempool.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid, err := receive(
		ctx, c.client.SendRawTransactionAsync(tx, false).Receive,
	)
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return chainhash.Hash{}, fmt.Errorf("%w: %s",
			chain.ErrBroadcastRejected, rpcErr.Message)
	}
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("bitcoind: "+
			"sendrawtransaction: %w", err)
	}

	return *txid, nil
}

// Close shuts the RPC client down.
func (c *Client) Close() error {
	c.client.Shutdown()
	c.client.WaitForShutdown()

	return nil
}
