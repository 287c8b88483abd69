// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements chain.Backend with the Electrum protocol:
// newline delimited JSON-RPC over TCP or TLS, optionally through a SOCKS5
// proxy.
package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"golang.org/x/net/proxy"
)

const (
	// ProtocolVersion is the protocol version negotiated with the server.
	ProtocolVersion = "1.4"

	// DefaultTimeout bounds a dial and a single request.
	DefaultTimeout = 30 * time.Second

	// DefaultRetries is the number of attempts for a request.
	DefaultRetries = 3

	// retryBackoff is the wait before the first retry.
	retryBackoff = 500 * time.Millisecond

	// maxLineSize bounds a single response line.
	maxLineSize = 32 << 20
)

// Config configures an Electrum client.
type Config struct {
	// Server is the host:port of the server.
	Server string

	// TLS enables a TLS connection.
	TLS bool

	// SkipVerify disables certificate verification, for servers with
	// self-signed certificates.
	SkipVerify bool

	// Proxy is the host:port of an optional SOCKS5 proxy.
	Proxy string

	// Timeout bounds a dial and a single request.
	Timeout time.Duration

	// Retries is the number of attempts for a request. Only transport
	// errors are retried.
	Retries int

	// UserAgent is sent in server.version.
	UserAgent string
}

// RPCError is an error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum: rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is an Electrum client. Requests are serialized on one connection
// which is re-established after a transport failure.
type Client struct {
	cfg Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// A compile-time assertion to ensure Client implements chain.Backend.
var _ chain.Backend = (*Client)(nil)

// New returns a client for the given server. The connection is made lazily
// by the first request.
func New(cfg Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, errors.New("electrum: missing server")
	}
	if _, _, err := net.SplitHostPort(cfg.Server); err != nil {
		return nil, fmt.Errorf("electrum: server: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "descwallet"
	}

	return &Client{cfg: cfg}, nil
}

// dial opens a connection to the server, through the proxy if one is set.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.Proxy != "" {
		var socks proxy.Dialer
		socks, err = proxy.SOCKS5("tcp", c.cfg.Proxy, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("electrum: proxy: %w", err)
		}

		ctxDialer, ok := socks.(proxy.ContextDialer)
		if ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", c.cfg.Server)
		} else {
			conn, err = socks.Dial("tcp", c.cfg.Server)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Server)
	}
	if err != nil {
		return nil, err
	}

	if !c.cfg.TLS {
		return conn, nil
	}

	host, _, _ := net.SplitHostPort(c.cfg.Server)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: c.cfg.SkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("electrum: tls handshake: %w", err)
	}

	return tlsConn, nil
}

// connect makes sure a negotiated connection exists. The caller must hold
// mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64<<10)

	var version []string
	err = c.roundTrip(
		ctx, "server.version",
		[]any{c.cfg.UserAgent, ProtocolVersion}, &version,
	)
	if err != nil {
		c.disconnect()
		return fmt.Errorf("electrum: negotiate version: %w", err)
	}

	log.Infof("Connected to electrum server %s (%v)", c.cfg.Server,
		version)

	return nil
}

// disconnect drops the connection. The caller must hold mu.
func (c *Client) disconnect() {
	if c.conn == nil {
		return
	}

	if err := c.conn.Close(); err != nil {
		log.Debugf("Closing connection to %s: %v", c.cfg.Server, err)
	}
	c.conn = nil
	c.reader = nil
}

// roundTrip writes one request and reads lines until its response arrives.
// Notifications and stale responses are skipped. The caller must hold mu.
func (c *Client) roundTrip(ctx context.Context, method string, params []any,
	result any) error {

	c.nextID++
	id := c.nextID

	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(request{
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := c.conn.Write(payload); err != nil {
		return err
	}

	for {
		line, err := c.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = readLongLine(c.reader, line)
		}
		if err != nil {
			return err
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("electrum: decode response: %w", err)
		}
		if resp.ID == nil || *resp.ID != id {
			log.Tracef("Skipping message %s", bytes.TrimSpace(line))
			continue
		}

		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}

		return json.Unmarshal(resp.Result, result)
	}
}

// readLongLine finishes reading a line longer than the reader buffer.
func readLongLine(r *bufio.Reader, prefix []byte) ([]byte, error) {
	line := append([]byte(nil), prefix...)
	for len(line) < maxLineSize {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		return line, err
	}

	return nil, errors.New("electrum: response line too long")
}

// call performs a request, retrying transport failures on a new connection.
// Server errors are returned as *RPCError without retrying.
func (c *Client) call(ctx context.Context, method string, params []any,
	result any) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	var rpcErr *RPCError
	err := chain.Retry(ctx, method, c.cfg.Retries, retryBackoff,
		func(ctx context.Context) error {
			if err := c.connect(ctx); err != nil {
				return err
			}

			err := c.roundTrip(ctx, method, params, result)
			if errors.As(err, &rpcErr) {
				return nil
			}
			if err != nil {
				c.disconnect()
			}

			return err
		},
	)
	if err != nil {
		return fmt.Errorf("electrum: %w", err)
	}
	if rpcErr != nil {
		return rpcErr
	}

	return nil
}

// headerNotification is the result of blockchain.headers.subscribe.
type headerNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// BestHeight returns the height of the chain tip.
func (c *Client) BestHeight(ctx context.Context) (int32, error) {
	var header headerNotification
	err := c.call(ctx, "blockchain.headers.subscribe", nil, &header)
	if err != nil {
		return 0, err
	}

	return header.Height, nil
}

// historyEntry is an element of blockchain.scripthash.get_history.
type historyEntry struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
}

// unspentEntry is an element of blockchain.scripthash.listunspent.
type unspentEntry struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int32  `json:"height"`
	Value  int64  `json:"value"`
}

// Sync queries the history and unspent outputs of every script.
func (c *Client) Sync(ctx context.Context,
	scripts [][]byte) (*chain.Snapshot, error) {

	tip, err := c.BestHeight(ctx)
	if err != nil {
		return nil, err
	}

	snap := chain.NewSnapshot(tip)
	for _, script := range scripts {
		hash := chain.ScriptHash(script)

		var history []historyEntry
		err := c.call(
			ctx, "blockchain.scripthash.get_history",
			[]any{hash}, &history,
		)
		if err != nil {
			return nil, fmt.Errorf("script %x: %w", script, err)
		}
		if len(history) == 0 {
			continue
		}
		snap.MarkUsed(script)

		var unspent []unspentEntry
		err = c.call(
			ctx, "blockchain.scripthash.listunspent",
			[]any{hash}, &unspent,
		)
		if err != nil {
			return nil, fmt.Errorf("script %x: %w", script, err)
		}

		for _, u := range unspent {
			txid, err := chainhash.NewHashFromStr(u.TxHash)
			if err != nil {
				return nil, fmt.Errorf("electrum: utxo txid: %w",
					err)
			}

			// Mempool entries are reported with height 0, or -1
			// when they have unconfirmed parents.
			height := max(u.Height, 0)

			snap.AddUtxo(chain.Utxo{
				OutPoint: wire.OutPoint{Hash: *txid, Index: u.TxPos},
				Value:    btcutil.Amount(u.Value),
				PkScript: script,
				Height:   height,
			})
		}
	}

	log.Debugf("Queried %d scripts at height %d: %d used, %d utxos",
		len(scripts), tip, len(snap.Used), len(snap.Utxos))

	return snap, nil
}

// FetchTx returns a transaction by id.
func (c *Client) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	var txHex string
	err := c.call(
		ctx, "blockchain.transaction.get", []any{txid.String()}, &txHex,
	)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return nil, fmt.Errorf("%w: %v: %s", chain.ErrTxNotFound, txid,
			rpcErr.Message)
	}
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("electrum: tx hex: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("electrum: decode tx: %w", err)
	}

	return &tx, nil
}

// Broadcast submits a transaction.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return chainhash.Hash{}, err
	}

	var txidStr string
	err := c.call(
		ctx, "blockchain.transaction.broadcast",
		[]any{hex.EncodeToString(raw.Bytes())}, &txidStr,
	)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return chainhash.Hash{}, fmt.Errorf("%w: %s",
			chain.ErrBroadcastRejected, rpcErr.Message)
	}
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("electrum: broadcast "+
			"response: %w", err)
	}

	return *txid, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnect()

	return nil
}
