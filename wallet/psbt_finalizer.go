// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/policy"
)

var (
	// ErrNotFinalizable is returned when the partial signatures and
	// timelocks of an input do not cover any satisfaction path yet.
	ErrNotFinalizable = errors.New("psbt input cannot be finalized yet")

	// ErrPsbtMismatch is returned when combining packets that do not
	// spend the same unsigned transaction.
	ErrPsbtMismatch = errors.New("psbts have different unsigned txs")
)

// InputLookup resolves the descriptor derivation of a PSBT input.
type InputLookup func(in *psbt.PInput) (*policy.DerivedDescriptor, error)

// inputSatisfier exposes the partial signatures and timelocks of one PSBT
// input to the policy satisfier.
type inputSatisfier struct {
	packet *psbt.Packet
	index  int
}

// A compile-time assertion to ensure that inputSatisfier implements the
// policy.Satisfier interface.
var _ policy.Satisfier = (*inputSatisfier)(nil)

// Signature returns the partial signature made by pubKey.
func (s *inputSatisfier) Signature(pubKey []byte) ([]byte, bool) {
	for _, sig := range s.packet.Inputs[s.index].PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return sig.Signature, true
		}
	}

	return nil, false
}

// CheckOlder reports whether the input sequence satisfies older(seq).
func (s *inputSatisfier) CheckOlder(seq uint32) bool {
	tx := s.packet.UnsignedTx
	if tx.Version < 2 {
		return false
	}

	return policy.LockSatisfied(seq, tx.TxIn[s.index].Sequence, true)
}

// CheckAfter reports whether the tx lock time satisfies after(lockTime).
func (s *inputSatisfier) CheckAfter(lockTime uint32) bool {
	tx := s.packet.UnsignedTx
	if tx.TxIn[s.index].Sequence == wire.MaxTxInSequenceNum {
		return false
	}

	return policy.LockSatisfied(lockTime, tx.LockTime, false)
}

// serializeWitness encodes a witness stack the way it appears in a PSBT
// final script witness field.
func serializeWitness(witness wire.TxWitness) ([]byte, error) {
	var b bytes.Buffer
	if err := wire.WriteVarInt(&b, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&b, 0, item); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// FinalizeInput builds the final witness of one input from its partial
// signatures. The input is left untouched when no satisfaction path is
// covered yet.
func FinalizeInput(packet *psbt.Packet, index int, lookup InputLookup) error {
	if index < 0 || index >= len(packet.Inputs) {
		return fmt.Errorf("input %d out of range", index)
	}

	in := &packet.Inputs[index]
	if len(in.FinalScriptWitness) > 0 {
		return nil
	}

	derived, err := lookup(in)
	if err != nil {
		return fmt.Errorf("input %d: %w", index, err)
	}

	witness, err := derived.Satisfy(&inputSatisfier{
		packet: packet,
		index:  index,
	})
	if errors.Is(err, policy.ErrNotSatisfiable) {
		return fmt.Errorf("%w: input %d has %d of the required "+
			"signatures or timelocks", ErrNotFinalizable, index,
			len(in.PartialSigs))
	}
	if err != nil {
		return err
	}

	serialized, err := serializeWitness(witness)
	if err != nil {
		return err
	}

	// A finalized input only keeps the UTXO and the final witness.
	final := psbt.NewPsbtInput(in.NonWitnessUtxo, in.WitnessUtxo)
	final.FinalScriptWitness = serialized
	final.Unknowns = in.Unknowns
	packet.Inputs[index] = *final

	log.Debugf("Finalized input %d of %v with %d witness items", index,
		packet.UnsignedTx.TxHash(), len(witness))

	return nil
}

// Finalize finalizes every input. It finalizes as many inputs as possible
// and returns ErrNotFinalizable if any is left.
func Finalize(packet *psbt.Packet, lookup InputLookup) error {
	var firstErr error
	for i := range packet.Inputs {
		err := FinalizeInput(packet, i, lookup)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	return packet.SanityCheck()
}

// Combine merges the signatures and metadata of packets that spend the
// same unsigned transaction into a copy of the first one.
func Combine(packets ...*psbt.Packet) (*psbt.Packet, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: nothing to combine", ErrInvalidPsbt)
	}

	combined, err := copyPacket(packets[0])
	if err != nil {
		return nil, err
	}

	txid := combined.UnsignedTx.TxHash()
	for _, p := range packets[1:] {
		if p.UnsignedTx.TxHash() != txid {
			return nil, fmt.Errorf("%w: %v and %v", ErrPsbtMismatch,
				txid, p.UnsignedTx.TxHash())
		}

		// The combined packet must not share memory with the inputs.
		other, err := copyPacket(p)
		if err != nil {
			return nil, err
		}

		for i := range combined.Inputs {
			mergeInput(&combined.Inputs[i], &other.Inputs[i])
		}
		for i := range combined.Outputs {
			mergeOutput(&combined.Outputs[i], &other.Outputs[i])
		}
	}

	return combined, nil
}

// copyPacket deep copies a packet through its serialization.
func copyPacket(p *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(&buf, false)
}

func mergeInput(dst, src *psbt.PInput) {
	if len(dst.FinalScriptWitness) > 0 {
		return
	}
	if len(src.FinalScriptWitness) > 0 {
		*dst = *src
		return
	}

	if dst.NonWitnessUtxo == nil {
		dst.NonWitnessUtxo = src.NonWitnessUtxo
	}
	if dst.WitnessUtxo == nil {
		dst.WitnessUtxo = src.WitnessUtxo
	}
	if dst.WitnessScript == nil {
		dst.WitnessScript = src.WitnessScript
	}
	if dst.SighashType == 0 {
		dst.SighashType = src.SighashType
	}

	for _, sig := range src.PartialSigs {
		if !hasPartialSig(dst.PartialSigs, sig.PubKey) {
			dst.PartialSigs = append(dst.PartialSigs, sig)
		}
	}
	dst.Bip32Derivation = mergeDerivations(
		dst.Bip32Derivation, src.Bip32Derivation,
	)
}

func mergeOutput(dst, src *psbt.POutput) {
	if dst.WitnessScript == nil {
		dst.WitnessScript = src.WitnessScript
	}
	dst.Bip32Derivation = mergeDerivations(
		dst.Bip32Derivation, src.Bip32Derivation,
	)
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

func mergeDerivations(dst,
	src []*psbt.Bip32Derivation) []*psbt.Bip32Derivation {

	for _, d := range src {
		found := false
		for _, existing := range dst {
			if bytes.Equal(existing.PubKey, d.PubKey) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, d)
		}
	}

	return dst
}
