// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package db defines the persistence interface of the descriptor wallet and
// its SQLite implementation. The walletdb implementation lives in the kvdb
// sub-package.
package db

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// Store is the top-level interface that combines all the more granular
// sub-interfaces. This is the single entry point for all wallet database
// operations. Every wallet name is an isolated namespace.
type Store interface {
	WalletStore
	UTXOStore
	TxStore

	// Close releases the underlying database.
	Close() error
}

// WalletStore defines the methods for wallet-level operations.
type WalletStore interface {
	CreateWallet(ctx context.Context, params CreateWalletParams) error
	GetWallet(ctx context.Context, name string) (WalletInfo, error)
	ListWallets(ctx context.Context) ([]WalletInfo, error)

	// ReserveIndex returns the next unused index of the keychain and
	// advances it.
	ReserveIndex(ctx context.Context, name string,
		keychain Keychain) (uint32, error)
}

// UTXOStore defines the database actions for managing the UTXO set.
type UTXOStore interface {
	// ReplaceUtxos atomically swaps the UTXO set of a wallet and records
	// the sync height.
	ReplaceUtxos(ctx context.Context, params ReplaceUtxosParams) error
	ListUtxos(ctx context.Context, name string) ([]UtxoInfo, error)

	LockOutpoint(ctx context.Context, name string, op wire.OutPoint) error
	UnlockOutpoint(ctx context.Context, name string, op wire.OutPoint) error
	ListLockedOutpoints(ctx context.Context,
		name string) ([]wire.OutPoint, error)
}

// TxStore defines the database actions for the broadcast history.
type TxStore interface {
	PutBroadcast(ctx context.Context, name string, info BroadcastInfo) error
	ListBroadcasts(ctx context.Context, name string) ([]BroadcastInfo, error)
}
