// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNotFound is returned when a requested item is not found in the
	// database.
	ErrNotFound = errors.New("item not found")

	// ErrWalletExists is returned when creating a wallet whose name is
	// already taken.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrNilDB is returned when a store is created without a database
	// handle.
	ErrNilDB = errors.New("nil database")
)

// ============================================================================
// Data Types & Method Parameters
// ============================================================================

// Keychain selects one of the two descriptors of a wallet.
type Keychain uint8

const (
	// KeychainExternal is the receive descriptor.
	KeychainExternal Keychain = iota

	// KeychainInternal is the change descriptor.
	KeychainInternal
)

// String returns the keychain name.
func (k Keychain) String() string {
	switch k {
	case KeychainExternal:
		return "external"

	case KeychainInternal:
		return "internal"

	default:
		return "unknown"
	}
}

// CreateWalletParams holds the parameters for creating a wallet.
type CreateWalletParams struct {
	// Name is the unique wallet name.
	Name string

	// ExternalDescriptor is the receive descriptor with checksum.
	ExternalDescriptor string

	// InternalDescriptor is the change descriptor with checksum.
	InternalDescriptor string

	// Network is the chaincfg network name the wallet belongs to.
	Network string
}

// WalletInfo is the persisted state of a wallet.
type WalletInfo struct {
	Name               string
	ExternalDescriptor string
	InternalDescriptor string
	Network            string

	// NextExternalIndex and NextInternalIndex are the next unused
	// derivation indexes of each keychain.
	NextExternalIndex uint32
	NextInternalIndex uint32

	// SyncHeight is the tip height of the last successful sync.
	SyncHeight int32
}

// NextIndex returns the next unused index of the keychain.
func (w WalletInfo) NextIndex(k Keychain) uint32 {
	if k == KeychainInternal {
		return w.NextInternalIndex
	}

	return w.NextExternalIndex
}

// UtxoInfo is a stored unspent output.
type UtxoInfo struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// Keychain and Index locate the descriptor that controls the output.
	Keychain Keychain
	Index    uint32

	// Height is the confirmation height, 0 when unconfirmed.
	Height int32

	// PrevTx is the serialized funding transaction, empty when unknown.
	PrevTx []byte
}

// ReplaceUtxosParams holds the result of a sync.
type ReplaceUtxosParams struct {
	// WalletName is the wallet being updated.
	WalletName string

	// Utxos is the complete new UTXO set.
	Utxos []UtxoInfo

	// SyncHeight is the tip height the set was observed at.
	SyncHeight int32

	// NextExternalIndex and NextInternalIndex move the keychain indexes
	// past the highest used index. Indexes never move backwards.
	NextExternalIndex uint32
	NextInternalIndex uint32
}

// BroadcastInfo records a transaction accepted by the chain backend.
type BroadcastInfo struct {
	Txid      chainhash.Hash
	RawTx     []byte
	Timestamp time.Time
}
