// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// baseTxSize is the size of the version and lock time fields.
	baseTxSize = 4 + 4

	// witnessHeaderSize is the size of the segwit marker and flag bytes.
	// They are witness data and therefore count once.
	witnessHeaderSize = 2

	// InputSize is the non-witness size of an input spending a segwit
	// output: outpoint (32+4), empty sigScript length (1), sequence (4).
	InputSize = 32 + 4 + 1 + 4

	// MaxSignatureSize is the largest DER encoded ECDSA signature plus the
	// sighash flag byte.
	MaxSignatureSize = 72 + 1

	// PubKeySize is the size of a compressed public key.
	PubKeySize = 33

	// P2WPKHWitnessSize is the witness size of a p2wpkh spend:
	//   - number_of_witness_elements: 1 byte
	//   - signature_length: 1 byte
	//   - signature: 73 bytes
	//   - pubkey_length: 1 byte
	//   - pubkey: 33 bytes
	P2WPKHWitnessSize = 1 + 1 + MaxSignatureSize + 1 + PubKeySize
)

// TxWeightEstimator accumulates the sizes of the inputs and outputs of a
// transaction under construction and reports its weight. The zero value is
// an empty transaction.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint64
	outputCount      uint64
	inputSize        uint64
	inputWitnessSize uint64
	outputSize       uint64
}

// AddWitnessInput accounts for an input spending a segwit output whose
// serialized witness, including its element count, is witnessSize bytes.
func (e *TxWeightEstimator) AddWitnessInput(witnessSize uint64) *TxWeightEstimator {
	e.inputSize += InputSize
	e.inputWitnessSize += witnessSize
	e.inputCount++
	e.hasWitness = true

	return e
}

// AddP2WPKHInput accounts for a p2wpkh input.
func (e *TxWeightEstimator) AddP2WPKHInput() *TxWeightEstimator {
	return e.AddWitnessInput(P2WPKHWitnessSize)
}

// AddOutput accounts for an output paying to pkScript.
func (e *TxWeightEstimator) AddOutput(pkScript []byte) *TxWeightEstimator {
	return e.AddOutputOfSize(len(pkScript))
}

// AddOutputOfSize accounts for an output whose pkScript is scriptLen bytes.
func (e *TxWeightEstimator) AddOutputOfSize(scriptLen int) *TxWeightEstimator {
	e.outputSize += OutputSize(scriptLen)
	e.outputCount++

	return e
}

// InputCount returns the number of inputs added so far.
func (e *TxWeightEstimator) InputCount() uint64 {
	return e.inputCount
}

// Weight returns the estimated weight of the transaction.
func (e *TxWeightEstimator) Weight() WeightUnit {
	base := baseTxSize +
		uint64(wire.VarIntSerializeSize(e.inputCount)) + e.inputSize +
		uint64(wire.VarIntSerializeSize(e.outputCount)) + e.outputSize

	weight := base * blockchain.WitnessScaleFactor
	if e.hasWitness {
		weight += witnessHeaderSize + e.inputWitnessSize
	}

	return NewWeightUnit(weight)
}

// VSize returns the estimated virtual size of the transaction.
func (e *TxWeightEstimator) VSize() VByte {
	return e.Weight().ToVB()
}

// OutputSize returns the serialized size of an output whose pkScript is
// scriptLen bytes: value (8), script length varint and the script.
func OutputSize(scriptLen int) uint64 {
	return 8 + uint64(wire.VarIntSerializeSize(uint64(scriptLen))) +
		uint64(scriptLen)
}

// OutputWeight returns the weight of an output whose pkScript is scriptLen
// bytes.
func OutputWeight(scriptLen int) WeightUnit {
	return NewWeightUnit(OutputSize(scriptLen) * blockchain.WitnessScaleFactor)
}

// WitnessSize returns the serialized size of a witness stack made of the
// given element lengths, including the leading element count.
func WitnessSize(elemLens ...int) uint64 {
	size := uint64(wire.VarIntSerializeSize(uint64(len(elemLens))))
	for _, l := range elemLens {
		size += uint64(wire.VarIntSerializeSize(uint64(l))) + uint64(l)
	}

	return size
}
