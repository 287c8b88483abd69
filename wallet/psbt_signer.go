// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/descwallet/policy"
)

var (
	// ErrNoSigningKey is returned when signing with a key ring that holds
	// no private key.
	ErrNoSigningKey = errors.New("no private key available for signing")
)

// KeyRing signs PSBT inputs with the extended private keys of the wallet
// descriptors. Keys are matched against the BIP32 derivation records of
// each input by origin fingerprint and path.
type KeyRing struct {
	keys []*policy.KeyExpr
}

// NewKeyRing returns a key ring over the private keys among keys.
func NewKeyRing(keys ...*policy.KeyExpr) *KeyRing {
	ring := &KeyRing{}
	for _, k := range keys {
		if k.IsPrivate() {
			ring.keys = append(ring.keys, k)
		}
	}

	return ring
}

// Len returns the number of private keys in the ring.
func (r *KeyRing) Len() int {
	return len(r.keys)
}

// hasPrefix reports whether path starts with prefix.
func hasPrefix(path, prefix []uint32) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}

	return true
}

// privKeyFor derives the private key of a derivation record. It returns nil
// when no key of the ring produced it.
func (r *KeyRing) privKeyFor(d *psbt.Bip32Derivation) (*btcec.PrivateKey,
	error) {

	for _, key := range r.keys {
		fp, err := key.OriginFingerprint()
		if err != nil {
			return nil, err
		}
		if fp != d.MasterKeyFingerprint ||
			!hasPrefix(d.Bip32Path, key.OriginPath) {

			continue
		}

		child := key.Extended
		for _, step := range d.Bip32Path[len(key.OriginPath):] {
			child, err = child.Derive(step)
			if err != nil {
				return nil, fmt.Errorf("derive %s: %w",
					policy.FormatPath(d.Bip32Path), err)
			}
		}

		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}

		// Fingerprint collisions are possible, so the derived key
		// has to match the record.
		if !bytes.Equal(priv.PubKey().SerializeCompressed(), d.PubKey) {
			continue
		}

		return priv, nil
	}

	return nil, nil
}

// SignPsbt adds a partial signature for every input key the ring controls
// and returns how many signatures were added. Finalized inputs and keys
// that already signed are skipped.
func (r *KeyRing) SignPsbt(packet *psbt.Packet) (int, error) {
	if len(r.keys) == 0 {
		return 0, ErrNoSigningKey
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return 0, err
	}

	fetcher := PsbtPrevOutputFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	signed := 0
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.FinalScriptWitness) > 0 || in.WitnessUtxo == nil {
			continue
		}

		hashType := in.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}

		// The witness script is the script code for p2wsh. For
		// p2wpkh the signature hash builds it from the witness
		// program.
		subScript := in.WitnessScript
		if subScript == nil {
			subScript = in.WitnessUtxo.PkScript
		}

		for _, d := range in.Bip32Derivation {
			if hasPartialSig(in.PartialSigs, d.PubKey) {
				continue
			}

			priv, err := r.privKeyFor(d)
			if err != nil {
				return signed, err
			}
			if priv == nil {
				continue
			}

			sig, err := txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, i,
				in.WitnessUtxo.Value, subScript, hashType, priv,
			)
			if err != nil {
				return signed, fmt.Errorf("sign input %d: %w",
					i, err)
			}

			outcome, err := updater.Sign(
				i, sig, d.PubKey, nil, in.WitnessScript,
			)
			if err != nil {
				return signed, fmt.Errorf("add signature to "+
					"input %d: %w", i, err)
			}
			if outcome != psbt.SignSuccesful {
				return signed, fmt.Errorf("add signature to "+
					"input %d: outcome %d", i, outcome)
			}

			signed++
		}
	}

	log.Debugf("Added %d signatures to psbt %v", signed,
		packet.UnsignedTx.TxHash())

	return signed, nil
}
