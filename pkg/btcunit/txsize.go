package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit expresses a transaction size in weight units. The weight of a
// transaction is `base size * 3 + total size` as defined by BIP141.
type WeightUnit struct {
	wu uint64
}

// NewWeightUnit creates a WeightUnit from a raw weight.
func NewWeightUnit(wu uint64) WeightUnit {
	return WeightUnit{wu: wu}
}

// WU returns the raw weight.
func (w WeightUnit) WU() uint64 {
	return w.wu
}

// Add returns the sum of both weights.
func (w WeightUnit) Add(other WeightUnit) WeightUnit {
	return WeightUnit{wu: w.wu + other.wu}
}

// ToVB converts the weight to virtual bytes. The fractional part is kept, so
// converting back with ToWU yields the same weight.
func (w WeightUnit) ToVB() VByte {
	return VByte(w)
}

// String returns the string representation of the weight.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte expresses a transaction size in virtual bytes, a quarter of a weight
// unit. Internally the size is kept in weight units.
type VByte struct {
	wu uint64
}

// NewVByte creates a VByte from a number of virtual bytes.
func NewVByte(vb uint64) VByte {
	return VByte{wu: vb * blockchain.WitnessScaleFactor}
}

// ToWU converts the size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(v)
}

// VBytes returns the virtual size rounded up, as relay policy does.
func (v VByte) VBytes() uint64 {
	return (v.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// String returns the string representation of the virtual size.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.VBytes())
}
