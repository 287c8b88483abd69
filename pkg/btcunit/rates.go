// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides fee-rate and transaction size units whose
// arithmetic is exact. Fees are always derived from integer satoshi amounts
// and integer weights, never from floating point values.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places used when a
	// fee rate is printed.
	floatStringPrecision = 3
)

// feeRate is the canonical representation of every fee rate in this
// package: an exact rational number of satoshis per kilo-weight-unit.
type feeRate struct {
	satsPerKWU *big.Rat
}

// newFeeRate returns the rate fee/wu expressed in sat/kwu. A zero weight
// yields the zero rate.
func newFeeRate(fee btcutil.Amount, wu uint64) feeRate {
	if wu == 0 {
		return feeRate{satsPerKWU: new(big.Rat)}
	}

	return feeRate{satsPerKWU: big.NewRat(
		int64(fee)*kilo, clampInt64(wu),
	)}
}

// feeFor returns the exact rational fee owed for the given weight.
func (f feeRate) feeFor(w WeightUnit) *big.Rat {
	if f.satsPerKWU == nil {
		return new(big.Rat)
	}

	return new(big.Rat).Mul(f.satsPerKWU, big.NewRat(clampInt64(w.wu), kilo))
}

// FeeForWeight returns the fee for the weight, rounded down.
func (f feeRate) FeeForWeight(w WeightUnit) btcutil.Amount {
	fee := f.feeFor(w)

	return btcutil.Amount(new(big.Int).Quo(fee.Num(), fee.Denom()).Int64())
}

// FeeForWeightRoundUp returns the fee for the weight, rounded up to the next
// whole satoshi.
func (f feeRate) FeeForWeightRoundUp(w WeightUnit) btcutil.Amount {
	fee := f.feeFor(w)

	// ceil(n/d) == (n + d - 1) / d for positive n and d.
	n := new(big.Int).Add(fee.Num(), fee.Denom())
	n.Sub(n, big.NewInt(1))
	n.Quo(n, fee.Denom())

	return btcutil.Amount(n.Int64())
}

// FeeForVByte returns the fee for the virtual size, rounded up.
func (f feeRate) FeeForVByte(vb VByte) btcutil.Amount {
	return f.FeeForWeightRoundUp(vb.ToWU())
}

// IsZero reports whether the rate is zero.
func (f feeRate) IsZero() bool {
	return f.satsPerKWU == nil || f.satsPerKWU.Sign() == 0
}

func (f feeRate) cmp(other feeRate) int {
	a, b := f.satsPerKWU, other.satsPerKWU
	if a == nil {
		a = new(big.Rat)
	}
	if b == nil {
		b = new(big.Rat)
	}

	return a.Cmp(b)
}

// SatPerVByte is a fee rate expressed in sat/vbyte. It is the unit users
// specify on the command line.
type SatPerVByte struct {
	feeRate
}

// NewSatPerVByte creates a fee rate of the given number of sat/vbyte.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte returns the fee rate paid by fee over the given vsize.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	return SatPerVByte{newFeeRate(fee, vb.wu)}
}

// ToSatPerKWeight converts the rate to sat/kw.
func (s SatPerVByte) ToSatPerKWeight() SatPerKWeight {
	return SatPerKWeight{s.feeRate}
}

// FeePerKVByte returns the rate as an amount per 1000 vbytes, the unit
// used by relay policy.
func (s SatPerVByte) FeePerKVByte() btcutil.Amount {
	return s.FeeForVByte(NewVByte(kilo))
}

// Equal returns true if both rates are the same.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.cmp(other.feeRate) == 0
}

// GreaterThan returns true if s is strictly higher than other.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.cmp(other.feeRate) > 0
}

// LessThan returns true if s is strictly lower than other.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.cmp(other.feeRate) < 0
}

// String returns the rate in sat/vb.
func (s SatPerVByte) String() string {
	if s.satsPerKWU == nil {
		return "0.000 sat/vb"
	}

	r := new(big.Rat).Mul(
		s.satsPerKWU, big.NewRat(blockchain.WitnessScaleFactor, kilo),
	)

	return r.FloatString(floatStringPrecision) + " sat/vb"
}

// SatPerKWeight is a fee rate expressed in sat/kw.
type SatPerKWeight struct {
	feeRate
}

// NewSatPerKWeight creates a fee rate of the given number of sat/kw.
func NewSatPerKWeight(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight{newFeeRate(rate, kilo)}
}

// ToSatPerVByte converts the rate to sat/vbyte.
func (s SatPerKWeight) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{s.feeRate}
}

// Equal returns true if both rates are the same.
func (s SatPerKWeight) Equal(other SatPerKWeight) bool {
	return s.cmp(other.feeRate) == 0
}

// String returns the rate in sat/kw.
func (s SatPerKWeight) String() string {
	if s.satsPerKWU == nil {
		return "0.000 sat/kw"
	}

	return s.satsPerKWU.FloatString(floatStringPrecision) + " sat/kw"
}

// clampInt64 converts u to int64, capping at math.MaxInt64. Weights are
// bounded by consensus so the cap is never reached in practice.
func clampInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
