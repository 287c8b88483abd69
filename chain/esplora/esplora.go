// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package esplora implements chain.Backend on top of the Esplora REST API.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency is the number of scripts queried in parallel.
	DefaultConcurrency = 4

	// DefaultRequestsPerSecond paces requests to public servers.
	DefaultRequestsPerSecond = 20

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds the body read from the server.
	maxResponseSize = 16 << 20
)

// Config configures an Esplora client.
type Config struct {
	// URL is the API base, such as https://blockstream.info/testnet/api.
	URL string

	// Concurrency is the number of scripts queried in parallel.
	Concurrency int

	// RequestsPerSecond caps the request rate. Zero disables pacing.
	RequestsPerSecond int

	// Timeout bounds a single request.
	Timeout time.Duration
}

// Client is an Esplora REST client.
type Client struct {
	base        string
	concurrency int
	http        *http.Client
	limiter     ratelimit.Limiter
}

// A compile-time assertion to ensure Client implements chain.Backend.
var _ chain.Backend = (*Client)(nil)

// New returns a client for the given server.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("esplora: missing url")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	return &Client{
		base:        strings.TrimRight(cfg.URL, "/"),
		concurrency: cfg.Concurrency,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     limiter,
	}, nil
}

// statusError is returned for non-2xx responses.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("esplora: http %d: %s", e.code, e.body)
}

// do performs a request and returns the body.
func (c *Client) do(ctx context.Context, method, path string,
	body io.Reader) ([]byte, error) {

	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{
			code: resp.StatusCode,
			body: strings.TrimSpace(string(data)),
		}
	}

	log.Tracef("%s %s: %d bytes", method, path, len(data))

	return data, nil
}

// getJSON decodes a GET response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// BestHeight returns the height of the chain tip.
func (c *Client) BestHeight(ctx context.Context) (int32, error) {
	data, err := c.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("esplora: tip height: %w", err)
	}

	return int32(height), nil
}

// txoStats is the chain or mempool part of a script summary.
type txoStats struct {
	TxCount      int64 `json:"tx_count"`
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

// scriptSummary is the /scripthash/:hash response.
type scriptSummary struct {
	ChainStats   txoStats `json:"chain_stats"`
	MempoolStats txoStats `json:"mempool_stats"`
}

// utxoEntry is an element of the /scripthash/:hash/utxo response.
type utxoEntry struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int32 `json:"block_height"`
	} `json:"status"`
}

// syncScript queries one script.
func (c *Client) syncScript(ctx context.Context, script []byte) (bool,
	[]chain.Utxo, error) {

	hash := chain.ScriptHash(script)

	var summary scriptSummary
	if err := c.getJSON(ctx, "/scripthash/"+hash, &summary); err != nil {
		return false, nil, err
	}

	used := summary.ChainStats.TxCount+summary.MempoolStats.TxCount > 0
	balance := summary.ChainStats.FundedTxoSum -
		summary.ChainStats.SpentTxoSum +
		summary.MempoolStats.FundedTxoSum -
		summary.MempoolStats.SpentTxoSum
	if !used || balance <= 0 {
		return used, nil, nil
	}

	var entries []utxoEntry
	err := c.getJSON(ctx, "/scripthash/"+hash+"/utxo", &entries)
	if err != nil {
		return used, nil, err
	}

	utxos := make([]chain.Utxo, 0, len(entries))
	for _, e := range entries {
		txid, err := chainhash.NewHashFromStr(e.Txid)
		if err != nil {
			return used, nil, fmt.Errorf("esplora: utxo txid: %w", err)
		}

		var height int32
		if e.Status.Confirmed {
			height = e.Status.BlockHeight
		}

		utxos = append(utxos, chain.Utxo{
			OutPoint: wire.OutPoint{Hash: *txid, Index: e.Vout},
			Value:    btcutil.Amount(e.Value),
			PkScript: script,
			Height:   height,
		})
	}

	return used, utxos, nil
}

// Sync queries every script with bounded concurrency.
func (c *Client) Sync(ctx context.Context,
	scripts [][]byte) (*chain.Snapshot, error) {

	tip, err := c.BestHeight(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		snap = chain.NewSnapshot(tip)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, script := range scripts {
		g.Go(func() error {
			used, utxos, err := c.syncScript(gctx, script)
			if err != nil {
				return fmt.Errorf("script %x: %w", script, err)
			}

			mu.Lock()
			defer mu.Unlock()

			if used {
				snap.MarkUsed(script)
			}
			for _, u := range utxos {
				snap.AddUtxo(u)
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debugf("Queried %d scripts at height %d: %d used, %d utxos",
		len(scripts), tip, len(snap.Used), len(snap.Utxos))

	return snap, nil
}

// FetchTx returns a transaction by id.
func (c *Client) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	data, err := c.do(ctx, http.MethodGet, "/tx/"+txid.String()+"/hex", nil)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("esplora: tx hex: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("esplora: decode tx: %w", err)
	}

	return &tx, nil
}

// Broadcast posts a transaction.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return chainhash.Hash{}, err
	}

	data, err := c.do(
		ctx, http.MethodPost, "/tx",
		strings.NewReader(hex.EncodeToString(raw.Bytes())),
	)
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return chainhash.Hash{}, fmt.Errorf("%w: %s",
			chain.ErrBroadcastRejected, statusErr.body)
	}
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(strings.TrimSpace(string(data)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("esplora: broadcast "+
			"response: %w", err)
	}

	return *txid, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
