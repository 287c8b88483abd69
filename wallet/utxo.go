// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/policy"
	"github.com/btcsuite/descwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Keychain selects the receive or the change descriptor of a wallet.
type Keychain uint8

const (
	// KeychainExternal is the receive descriptor.
	KeychainExternal Keychain = iota

	// KeychainInternal is the change descriptor.
	KeychainInternal
)

// String returns the keychain name.
func (k Keychain) String() string {
	return db.Keychain(k).String()
}

// Utxo is an unspent output controlled by one of the wallet descriptors.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Keychain and Index locate the descriptor derivation that controls
	// the output.
	Keychain Keychain
	Index    uint32

	// Height is the confirmation height, 0 while unconfirmed.
	Height int32

	// Spendable is false while the output is locked by the user or its
	// relative timelock has not matured.
	Spendable bool

	// PrevTx is the funding transaction when the backend supplied it.
	PrevTx fn.Option[*wire.MsgTx]

	// WitnessSize is the serialized witness size expected for spending
	// this output through the selected satisfaction path.
	WitnessSize uint64
}

// TxOut returns the output being spent.
func (u Utxo) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Value), u.PkScript)
}

// Confirmations returns the number of confirmations at the given tip.
func (u Utxo) Confirmations(tipHeight int32) int32 {
	if u.Height <= 0 || tipHeight < u.Height {
		return 0
	}

	return tipHeight - u.Height + 1
}

// UtxoSnapshot is an immutable point-in-time view of the wallet UTXO set.
type UtxoSnapshot struct {
	// Utxos is sorted by outpoint.
	Utxos []Utxo

	// TipHeight is the chain height the set was observed at.
	TipHeight int32
}

// Balance sums the snapshot into confirmed, unconfirmed and locked totals.
// Locked outputs are counted only in Locked.
func (s *UtxoSnapshot) Balance() Balances {
	var b Balances
	for _, u := range s.Utxos {
		switch {
		case !u.Spendable:
			b.Locked += u.Value

		case u.Height > 0:
			b.Confirmed += u.Value

		default:
			b.Unconfirmed += u.Value
		}
	}

	return b
}

// Balances is the wallet balance split by confirmation status.
type Balances struct {
	Confirmed   btcutil.Amount `json:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed"`
	Locked      btcutil.Amount `json:"locked"`
}

// Total returns the sum of every bucket.
func (b Balances) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed + b.Locked
}

// utxoFromRecord converts a stored record. Spendability and witness size
// are filled in by the caller.
func utxoFromRecord(info db.UtxoInfo) (Utxo, error) {
	utxo := Utxo{
		OutPoint:  info.OutPoint,
		Value:     info.Amount,
		PkScript:  info.PkScript,
		Keychain:  Keychain(info.Keychain),
		Index:     info.Index,
		Height:    info.Height,
		Spendable: true,
		PrevTx:    fn.None[*wire.MsgTx](),
	}

	if len(info.PrevTx) > 0 {
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(info.PrevTx)); err != nil {
			return Utxo{}, err
		}
		utxo.PrevTx = fn.Some(&tx)
	}

	return utxo, nil
}

// matured reports whether the output satisfies the relative lock older at
// the given tip. Block times are not tracked, so a time based lock only
// requires the output to be confirmed.
func matured(u Utxo, older uint32, tipHeight int32) bool {
	if older == 0 {
		return true
	}

	if older&policy.SequenceLockTimeIsSeconds != 0 {
		return u.Height > 0
	}

	return uint32(u.Confirmations(tipHeight)) >= older&0xffff
}
