// Copyright (c) 2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/policy"
)

var (
	// ErrAssembly is returned when the descriptor of a selected input
	// cannot be resolved, which means the wallet state is inconsistent.
	ErrAssembly = errors.New("psbt assembly failed")

	// ErrInvalidPsbt is returned when a PSBT cannot be decoded or does
	// not belong to this wallet.
	ErrInvalidPsbt = errors.New("invalid psbt")
)

// DescriptorLookup resolves the descriptor derivation controlling a UTXO.
type DescriptorLookup func(u Utxo) (*policy.DerivedDescriptor, error)

// derivations returns the BIP32 derivation records of every key of d.
func derivations(d *policy.DerivedDescriptor) []*psbt.Bip32Derivation {
	keys := d.Keys()

	records := make([]*psbt.Bip32Derivation, 0, len(keys))
	for _, key := range keys {
		records = append(records, &psbt.Bip32Derivation{
			PubKey:               key.PubKey.SerializeCompressed(),
			MasterKeyFingerprint: key.Fingerprint,
			Bip32Path:            append([]uint32(nil), key.Path...),
		})
	}

	return records
}

// addInputInfo adds the UTXO, script and BIP32 derivation info for a segwit
// v0 PSBT input.
func addInputInfo(in *psbt.PInput, u Utxo, d *policy.DerivedDescriptor) {
	// As a fix for CVE-2020-14199 the full non-witness UTXO is included
	// for segwit v0 whenever it is known.
	u.PrevTx.WhenSome(func(tx *wire.MsgTx) {
		in.NonWitnessUtxo = tx
	})

	in.WitnessUtxo = u.TxOut()
	in.WitnessScript = d.WitnessScript
	in.SighashType = txscript.SigHashAll
	in.Bip32Derivation = derivations(d)
}

// createOutputInfo creates the derivation info for a change output.
func createOutputInfo(d *policy.DerivedDescriptor) psbt.POutput {
	return psbt.POutput{
		WitnessScript:   d.WitnessScript,
		Bip32Derivation: derivations(d),
	}
}

// AssemblePsbt builds the unsigned PSBT for a balanced plan. It attaches
// what an external signer needs for every input and the change output, but
// never touches private keys.
func AssemblePsbt(plan *TxPlan, sel *SelectionResult,
	lookup DescriptorLookup) (*psbt.Packet, error) {

	if len(sel.Utxos) != len(plan.Inputs) {
		return nil, fmt.Errorf("%w: plan has %d inputs, selection %d",
			ErrAssembly, len(plan.Inputs), len(sel.Utxos))
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = plan.LockTime

	sequence := plan.Sequence
	if sequence == 0 {
		sequence = wire.MaxTxInSequenceNum
	}

	for _, u := range sel.Utxos {
		op := u.OutPoint
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: op,
			Sequence:         sequence,
		})
	}
	for _, out := range plan.TxOuts() {
		tx.AddTxOut(out)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	for i, u := range sel.Utxos {
		derived, err := lookup(u)
		if err != nil {
			return nil, fmt.Errorf("%w: input %v: %w", ErrAssembly,
				u.OutPoint, err)
		}

		if !bytes.Equal(derived.PkScript, u.PkScript) {
			return nil, fmt.Errorf("%w: input %v script %x does not "+
				"match descriptor %s/%d script %x", ErrAssembly,
				u.OutPoint, u.PkScript, u.Keychain, u.Index,
				derived.PkScript)
		}

		addInputInfo(&packet.Inputs[i], u, derived)
	}

	var changeOut *wire.TxOut
	plan.Change.WhenSome(func(c ChangeOutput) {
		idx := len(plan.Recipients)
		changeOut = tx.TxOut[idx]

		if c.Derived != nil {
			packet.Outputs[idx] = createOutputInfo(c.Derived)
		}
	})

	// Inputs and outputs are sorted per BIP69, which moves the change.
	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, fmt.Errorf("cannot sort psbt: %w", err)
	}

	changeIndex := findChangeIndex(changeOut, packet)
	log.Debugf("Assembled psbt %v with %d inputs, %d outputs, change "+
		"index %d", packet.UnsignedTx.TxHash(),
		len(packet.UnsignedTx.TxIn), len(packet.UnsignedTx.TxOut),
		changeIndex)

	return packet, nil
}

// findChangeIndex finds the index of the change output after the PSBT has
// been sorted, or -1 without change.
func findChangeIndex(changeOutput *wire.TxOut, packet *psbt.Packet) int {
	if changeOutput == nil {
		return -1
	}

	for i, txOut := range packet.UnsignedTx.TxOut {
		if psbt.TxOutsEqual(changeOutput, txOut) {
			return i
		}
	}

	return -1
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		switch {
		case in.WitnessUtxo != nil:
			fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)

		case in.NonWitnessUtxo != nil:
			prevIndex := txIn.PreviousOutPoint.Index
			if int(prevIndex) >= len(in.NonWitnessUtxo.TxOut) {
				continue
			}
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)
		}
	}

	return fetcher
}

// DecodePsbt parses a base64 PSBT.
func DecodePsbt(b64 string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(b64)), true,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPsbt, err)
	}

	return packet, nil
}

// EncodePsbt serializes a PSBT as base64.
func EncodePsbt(packet *psbt.Packet) (string, error) {
	return packet.B64Encode()
}

// Extract returns the network serialization of a finalized packet.
func Extract(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := requireState(
		"extract", StateOf(packet, false), PsbtFinalized,
	); err != nil {
		return nil, err
	}

	return psbt.Extract(packet)
}
