// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNotSatisfiable is returned when the available signatures and
	// timelocks do not meet any spending path of a script.
	ErrNotSatisfiable = errors.New("not enough data to satisfy script")
)

// Satisfier supplies the signatures and timelock facts needed to build a
// witness for a derived descriptor.
type Satisfier interface {
	// Signature returns a signature, including the sighash byte, made by
	// the given compressed public key.
	Signature(pubKey []byte) ([]byte, bool)

	// CheckOlder reports whether the spending input satisfies older(seq).
	CheckOlder(seq uint32) bool

	// CheckAfter reports whether the spending tx satisfies after(lock).
	CheckAfter(lockTime uint32) bool
}

// assets is the name based view of a Satisfier used while walking the
// miniscript tree.
type assets interface {
	signature(name string) ([]byte, bool)
	older(seq uint32) bool
	after(lockTime uint32) bool
}

// satisfaction is a witness stack, bottom first, or the absence of one.
type satisfaction struct {
	stack [][]byte
	ok    bool
}

var (
	unavailable = satisfaction{}
	emptyStack  = satisfaction{ok: true}
	pushZero    = satisfaction{stack: [][]byte{{}}, ok: true}
	pushOne     = satisfaction{stack: [][]byte{{1}}, ok: true}
)

// size is the serialized size of the stack elements, without the element
// count.
func (s satisfaction) size() uint64 {
	var size uint64
	for _, elem := range s.stack {
		size += uint64(wire.VarIntSerializeSize(uint64(len(elem)))) +
			uint64(len(elem))
	}

	return size
}

// then returns the stack with s deeper and top on top of it.
func (s satisfaction) then(top satisfaction) satisfaction {
	if !s.ok || !top.ok {
		return unavailable
	}

	stack := make([][]byte, 0, len(s.stack)+len(top.stack))
	stack = append(stack, s.stack...)
	stack = append(stack, top.stack...)

	return satisfaction{stack: stack, ok: true}
}

// cheaper returns the smaller of two satisfactions, preferring a on ties.
func cheaper(a, b satisfaction) satisfaction {
	switch {
	case !a.ok:
		return b
	case !b.ok:
		return a
	case b.size() < a.size():
		return b
	default:
		return a
	}
}

// satisfy returns the cheapest satisfaction and dissatisfaction of m given
// the available assets.
func (m *Miniscript) satisfy(a assets) (satisfaction, satisfaction) {
	switch m.frag {
	case fragFalse:
		return unavailable, emptyStack

	case fragPk:
		sig, ok := a.signature(m.keys[0])
		if !ok {
			return unavailable, pushZero
		}

		return satisfaction{stack: [][]byte{sig}, ok: true}, pushZero

	case fragMulti:
		// The extra element is consumed by the CHECKMULTISIG bug.
		sat := satisfaction{stack: [][]byte{{}}, ok: true}
		for _, name := range m.keys {
			if len(sat.stack) == m.k+1 {
				break
			}
			if sig, ok := a.signature(name); ok {
				sat.stack = append(sat.stack, sig)
			}
		}
		if len(sat.stack) != m.k+1 {
			sat = unavailable
		}

		dissat := satisfaction{stack: make([][]byte, m.k+1), ok: true}
		for i := range dissat.stack {
			dissat.stack[i] = []byte{}
		}

		return sat, dissat

	case fragOlder:
		if a.older(m.value) {
			return emptyStack, unavailable
		}

		return unavailable, unavailable

	case fragAfter:
		if a.after(m.value) {
			return emptyStack, unavailable
		}

		return unavailable, unavailable

	case fragAndV:
		satX, _ := m.subs[0].satisfy(a)
		satY, _ := m.subs[1].satisfy(a)

		return satY.then(satX), unavailable

	case fragOrD:
		satX, dissatX := m.subs[0].satisfy(a)
		satZ, dissatZ := m.subs[1].satisfy(a)

		return cheaper(satX, satZ.then(dissatX)), dissatZ.then(dissatX)

	case fragOrI:
		satX, dissatX := m.subs[0].satisfy(a)
		satZ, dissatZ := m.subs[1].satisfy(a)

		return cheaper(satX.then(pushOne), satZ.then(pushZero)),
			cheaper(dissatX.then(pushOne), dissatZ.then(pushZero))

	case fragThresh:
		return m.satisfyThresh(a)

	case wrapA, wrapS, wrapN:
		return m.subs[0].satisfy(a)

	case wrapV:
		sat, _ := m.subs[0].satisfy(a)
		return sat, unavailable

	case wrapL:
		sat, dissat := m.subs[0].satisfy(a)

		return sat.then(pushZero),
			cheaper(pushOne, dissat.then(pushZero))
	}

	return unavailable, unavailable
}

// satisfyThresh picks the k cheapest sub-satisfactions and dissatisfies the
// rest. The first sub is executed first, so its data ends up on top.
func (m *Miniscript) satisfyThresh(a assets) (satisfaction, satisfaction) {
	n := len(m.subs)
	sats := make([]satisfaction, n)
	dissats := make([]satisfaction, n)
	for i, sub := range m.subs {
		sats[i], dissats[i] = sub.satisfy(a)
	}

	dissat := emptyStack
	for i := n - 1; i >= 0; i-- {
		dissat = dissat.then(dissats[i])
	}

	// Subs that cannot be dissatisfied must be satisfied. The others are
	// ordered by the extra cost of satisfying them.
	order := make([]int, 0, n)
	chosen := make([]bool, n)
	var forced int
	for i := 0; i < n; i++ {
		if !dissats[i].ok {
			if !sats[i].ok {
				return unavailable, dissat
			}
			chosen[i] = true
			forced++

			continue
		}
		if sats[i].ok {
			order = append(order, i)
		}
	}
	if forced > m.k || forced+len(order) < m.k {
		return unavailable, dissat
	}

	sort.SliceStable(order, func(x, y int) bool {
		i, j := order[x], order[y]
		costI := int64(sats[i].size()) - int64(dissats[i].size())
		costJ := int64(sats[j].size()) - int64(dissats[j].size())

		return costI < costJ
	})
	for _, i := range order[:m.k-forced] {
		chosen[i] = true
	}

	sat := emptyStack
	for i := n - 1; i >= 0; i-- {
		if chosen[i] {
			sat = sat.then(sats[i])
		} else {
			sat = sat.then(dissats[i])
		}
	}

	return sat, dissat
}
