// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

const (
	// maxPlanPaths bounds the number of satisfaction paths enumerated for
	// a single script.
	maxPlanPaths = 1024

	// maxSigSize is the size assumed for every signature when sizing a
	// witness: a 72 byte high-S DER signature plus the sighash byte.
	maxSigSize = 73
)

// SatisfactionPath is one minimal combination of keys and timelocks able to
// spend a descriptor.
type SatisfactionPath struct {
	// Index is the rank of the path, 0 being the cheapest.
	Index int `json:"index"`

	// Keys are the names of the keys that must sign.
	Keys []string `json:"keys"`

	// Older is the relative timelock the input must carry, 0 if none.
	Older uint32 `json:"older,omitempty"`

	// After is the absolute timelock the tx must carry, 0 if none.
	After uint32 `json:"after,omitempty"`

	// WitnessSize is the serialized size of the full witness, including
	// the witness script when there is one.
	WitnessSize uint64 `json:"witness_size"`
}

// SatisfactionPlan lists the satisfaction paths of a descriptor ranked by
// witness size. It is computed once and never mutated.
type SatisfactionPlan struct {
	paths []SatisfactionPath
}

// Paths returns a copy of the ranked paths.
func (p *SatisfactionPlan) Paths() []SatisfactionPath {
	paths := make([]SatisfactionPath, len(p.paths))
	for i, path := range p.paths {
		path.Keys = append([]string(nil), path.Keys...)
		paths[i] = path
	}

	return paths
}

// Path returns the path of the given rank.
func (p *SatisfactionPlan) Path(i int) (SatisfactionPath, error) {
	if i < 0 || i >= len(p.paths) {
		return SatisfactionPath{}, fmt.Errorf("policy path %d out of "+
			"range [0,%d)", i, len(p.paths))
	}

	return p.paths[i], nil
}

// Best returns the cheapest path.
func (p *SatisfactionPlan) Best() SatisfactionPath {
	return p.paths[0]
}

// MaxWitnessSize returns the largest witness size of any path, which is an
// upper bound for the cost of spending.
func (p *SatisfactionPlan) MaxWitnessSize() uint64 {
	var size uint64
	for _, path := range p.paths {
		if path.WitnessSize > size {
			size = path.WitnessSize
		}
	}

	return size
}

// assetSet is a candidate path while enumerating. Keys are indices into the
// descriptor key order, sorted ascending.
type assetSet struct {
	keys  []int
	older uint32
	after uint32
}

// merge combines two sets that must both be met. It fails when the sets mix
// height and time based locks, which no single tx can satisfy.
func (a assetSet) merge(b assetSet) (assetSet, bool) {
	older, ok := mergeLock(a.older, b.older, isTimeOlder)
	if !ok {
		return assetSet{}, false
	}

	after, ok := mergeLock(a.after, b.after, isTimeAfter)
	if !ok {
		return assetSet{}, false
	}

	return assetSet{
		keys: unionSorted(a.keys, b.keys), older: older, after: after,
	}, true
}

func isTimeOlder(v uint32) bool {
	return v&SequenceLockTimeIsSeconds != 0
}

func isTimeAfter(v uint32) bool {
	return v >= LockTimeThreshold
}

// sameKind reports whether two locks can be compared. An absent lock
// compares with anything.
func sameKind(a, b uint32, isTime func(uint32) bool) bool {
	return a == 0 || b == 0 || isTime(a) == isTime(b)
}

func mergeLock(a, b uint32, isTime func(uint32) bool) (uint32, bool) {
	switch {
	case a == 0:
		return b, true
	case b == 0:
		return a, true
	case isTime(a) != isTime(b):
		return 0, false
	case a > b:
		return a, true
	default:
		return b, true
	}
}

// covers reports whether a needs no more than b.
func (a assetSet) covers(b assetSet) bool {
	if !sameKind(a.older, b.older, isTimeOlder) ||
		!sameKind(a.after, b.after, isTimeAfter) {

		return false
	}

	if a.older > b.older || a.after > b.after {
		return false
	}

	i := 0
	for _, k := range b.keys {
		if i < len(a.keys) && a.keys[i] == k {
			i++
		}
	}

	return i == len(a.keys)
}

func unionSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}

	return out
}

// enumerate returns every combination of assets that satisfies m, in a
// deterministic order.
func (m *Miniscript) enumerate(keyIndex map[string]int) ([]assetSet, error) {
	switch m.frag {
	case fragFalse:
		return nil, nil

	case fragPk:
		return []assetSet{{keys: []int{keyIndex[m.keys[0]]}}}, nil

	case fragMulti:
		children := make([][]assetSet, len(m.keys))
		for i, name := range m.keys {
			children[i] = []assetSet{{keys: []int{keyIndex[name]}}}
		}

		return thresholdSets(m.k, children)

	case fragOlder:
		return []assetSet{{older: m.value}}, nil

	case fragAfter:
		return []assetSet{{after: m.value}}, nil

	case fragAndV:
		x, err := m.subs[0].enumerate(keyIndex)
		if err != nil {
			return nil, err
		}
		y, err := m.subs[1].enumerate(keyIndex)
		if err != nil {
			return nil, err
		}

		return crossSets(x, y)

	case fragOrD, fragOrI:
		x, err := m.subs[0].enumerate(keyIndex)
		if err != nil {
			return nil, err
		}
		z, err := m.subs[1].enumerate(keyIndex)
		if err != nil {
			return nil, err
		}
		if len(x)+len(z) > maxPlanPaths {
			return nil, errTooManyPaths()
		}

		return append(x, z...), nil

	case fragThresh:
		children := make([][]assetSet, len(m.subs))
		for i, sub := range m.subs {
			sets, err := sub.enumerate(keyIndex)
			if err != nil {
				return nil, err
			}
			children[i] = sets
		}

		return thresholdSets(m.k, children)

	default:
		// Wrappers do not change what is required. l:X also has an
		// unsatisfiable 0 branch which contributes nothing.
		return m.subs[0].enumerate(keyIndex)
	}
}

func errTooManyPaths() error {
	return fmt.Errorf("%w: more than %d satisfaction paths",
		ErrInvalidPolicy, maxPlanPaths)
}

func crossSets(x, y []assetSet) ([]assetSet, error) {
	var out []assetSet
	for _, a := range x {
		for _, b := range y {
			merged, ok := a.merge(b)
			if !ok {
				continue
			}
			out = append(out, merged)
			if len(out) > maxPlanPaths {
				return nil, errTooManyPaths()
			}
		}
	}

	return out, nil
}

// thresholdSets returns the sets satisfying k of the children, walking the
// k-combinations in lexicographic order.
func thresholdSets(k int, children [][]assetSet) ([]assetSet, error) {
	var (
		out  []assetSet
		pick func(start, left int, acc []assetSet) error
	)

	pick = func(start, left int, acc []assetSet) error {
		if left == 0 {
			out = append(out, acc...)
			if len(out) > maxPlanPaths {
				return errTooManyPaths()
			}

			return nil
		}

		for i := start; i <= len(children)-left; i++ {
			next, err := crossSets(acc, children[i])
			if err != nil {
				return err
			}
			if len(next) == 0 {
				continue
			}
			if err := pick(i+1, left-1, next); err != nil {
				return err
			}
		}

		return nil
	}

	if err := pick(0, k, []assetSet{{}}); err != nil {
		return nil, err
	}

	return out, nil
}

// minimize drops duplicate sets and sets that demand strictly more than
// another set.
func minimize(sets []assetSet) []assetSet {
	out := make([]assetSet, 0, len(sets))
	for i, s := range sets {
		dominated := false
		for j, other := range sets {
			if i == j || !other.covers(s) {
				continue
			}

			// Equal sets keep the first occurrence.
			if s.covers(other) && i < j {
				continue
			}
			dominated = true

			break
		}
		if !dominated {
			out = append(out, s)
		}
	}

	return out
}

// planAssets are the assets of a single path, with placeholder signatures of
// maximal size.
type planAssets struct {
	keys  map[string]struct{}
	set   assetSet
	dummy []byte
}

func (p *planAssets) signature(name string) ([]byte, bool) {
	_, ok := p.keys[name]
	return p.dummy, ok
}

func (p *planAssets) older(seq uint32) bool {
	return p.set.older != 0 && LockSatisfied(seq, p.set.older, true)
}

func (p *planAssets) after(lockTime uint32) bool {
	return p.set.after != 0 && LockSatisfied(lockTime, p.set.after, false)
}

// LockSatisfied reports whether the lock value actual meets the required
// value. Both must be of the same kind, heights or times, and actual must be
// at least required. relative selects BIP68 sequence semantics instead of
// nLockTime semantics.
func LockSatisfied(required, actual uint32, relative bool) bool {
	if relative {
		const typeMask = SequenceLockTimeIsSeconds
		const valueMask = 0x0000ffff

		// Relative locks are not enforced on an input with the
		// disable flag set, so OP_CSV fails.
		if actual&SequenceLockTimeDisabled != 0 {
			return false
		}

		required &= typeMask | valueMask
		actual &= typeMask | valueMask

		if required&typeMask != actual&typeMask {
			return false
		}

		return actual&valueMask >= required&valueMask
	}

	if (required < LockTimeThreshold) != (actual < LockTimeThreshold) {
		return false
	}

	return actual >= required
}

// buildPlan computes the ranked satisfaction plan of a script. scriptLen is
// the witness script length, or 0 for key-only descriptors.
func buildPlan(m *Miniscript, keyOrder []string,
	scriptLen int) (*SatisfactionPlan, error) {

	keyIndex := make(map[string]int, len(keyOrder))
	for i, name := range keyOrder {
		keyIndex[name] = i
	}

	sets, err := m.enumerate(keyIndex)
	if err != nil {
		return nil, err
	}

	sets = minimize(sets)
	if len(sets) == 0 {
		return nil, ErrUnsatisfiablePolicy
	}

	dummySig := make([]byte, maxSigSize)
	paths := make([]SatisfactionPath, 0, len(sets))
	for _, set := range sets {
		names := make([]string, len(set.keys))
		keys := make(map[string]struct{}, len(set.keys))
		for i, idx := range set.keys {
			names[i] = keyOrder[idx]
			keys[keyOrder[idx]] = struct{}{}
		}

		sat, _ := m.satisfy(&planAssets{
			keys: keys, set: set, dummy: dummySig,
		})
		if !sat.ok {
			log.Debugf("Skipping path %v: no witness", names)
			continue
		}

		size := witnessSize(sat, scriptLen)
		paths = append(paths, SatisfactionPath{
			Keys:        names,
			Older:       set.older,
			After:       set.after,
			WitnessSize: size,
		})
	}
	if len(paths) == 0 {
		return nil, ErrUnsatisfiablePolicy
	}

	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].WitnessSize < paths[j].WitnessSize
	})
	for i := range paths {
		paths[i].Index = i
	}

	return &SatisfactionPlan{paths: paths}, nil
}

// witnessSize is the serialized size of a witness made of the satisfaction
// stack plus the witness script.
func witnessSize(sat satisfaction, scriptLen int) uint64 {
	items := uint64(len(sat.stack))
	size := sat.size()
	if scriptLen > 0 {
		items++
		size += uint64(wire.VarIntSerializeSize(uint64(scriptLen))) + uint64(scriptLen)
	}

	return uint64(wire.VarIntSerializeSize(items)) + size
}
