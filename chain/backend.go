// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the capability interface the wallet uses to talk to
// a blockchain data source, and the types a sync returns. Concrete clients
// live in the esplora, electrum and bitcoind sub-packages.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTxNotFound is returned by FetchTx when the backend does not know
	// the transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBroadcastRejected is returned when the backend refused a
	// transaction.
	ErrBroadcastRejected = errors.New("transaction rejected")
)

// Backend is the chain data source of a wallet.
type Backend interface {
	// Sync returns every unspent output paying to one of scripts, and
	// which scripts have ever been used.
	Sync(ctx context.Context, scripts [][]byte) (*Snapshot, error)

	// Broadcast submits a fully signed transaction.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// BestHeight returns the height of the chain tip.
	BestHeight(ctx context.Context) (int32, error)

	// FetchTx returns a transaction by id.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// Close releases connections held by the backend.
	Close() error
}

// Utxo is an unspent output reported by a backend.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Height is the confirmation height, 0 while in the mempool.
	Height int32
}

// Snapshot is the result of a sync.
type Snapshot struct {
	// TipHeight is the chain height the snapshot was taken at.
	TipHeight int32

	// Utxos are the unspent outputs of the queried scripts.
	Utxos []Utxo

	// Used holds, as string keys, the scripts that appear in any
	// transaction, spent or not.
	Used map[string]struct{}
}

// NewSnapshot returns an empty snapshot at the given height.
func NewSnapshot(tipHeight int32) *Snapshot {
	return &Snapshot{
		TipHeight: tipHeight,
		Used:      make(map[string]struct{}),
	}
}

// MarkUsed records that script has history.
func (s *Snapshot) MarkUsed(script []byte) {
	s.Used[string(script)] = struct{}{}
}

// IsUsed reports whether script has history.
func (s *Snapshot) IsUsed(script []byte) bool {
	_, ok := s.Used[string(script)]
	return ok
}

// AddUtxo appends a UTXO and marks its script used.
func (s *Snapshot) AddUtxo(u Utxo) {
	s.Utxos = append(s.Utxos, u)
	s.MarkUsed(u.PkScript)
}

// ScriptHash returns the script hash Esplora and Electrum servers index
// outputs by: the SHA256 of the pkScript, byte-reversed and hex encoded.
func ScriptHash(pkScript []byte) string {
	sum := sha256.Sum256(pkScript)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}

	return hex.EncodeToString(sum[:])
}
