// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrInvalidMiniscript is returned when fragments are combined in a
	// way that violates the miniscript type system.
	ErrInvalidMiniscript = errors.New("invalid miniscript")
)

const (
	// maxMultiKeys is the maximum number of keys of a multi fragment.
	maxMultiKeys = 20
)

// fragment identifies a miniscript fragment or wrapper.
type fragment uint8

const (
	fragFalse fragment = iota
	fragPk
	fragMulti
	fragOlder
	fragAfter
	fragAndV
	fragOrD
	fragOrI
	fragThresh
	wrapA
	wrapS
	wrapV
	wrapN
	wrapL
)

// wrapperLetters maps wrappers to their letter in the textual form.
var wrapperLetters = map[fragment]byte{
	wrapA: 'a',
	wrapS: 's',
	wrapV: 'v',
	wrapN: 'n',
	wrapL: 'l',
}

// basicType is the miniscript basic type of an expression.
type basicType uint8

const (
	// typeB pushes a nonzero value on satisfaction and an exact 0 on
	// dissatisfaction.
	typeB basicType = iota + 1

	// typeV continues without pushing anything on satisfaction and
	// cannot be dissatisfied.
	typeV

	// typeW is like typeB but takes its input from one below the top of
	// the stack.
	typeW
)

func (t basicType) String() string {
	switch t {
	case typeB:
		return "B"
	case typeV:
		return "V"
	case typeW:
		return "W"
	default:
		return "?"
	}
}

// properties are the miniscript type modifiers used by the fragments this
// package emits.
type properties struct {
	// z: consumes exactly 0 stack elements.
	z bool

	// o: consumes exactly 1 stack element.
	o bool

	// n: the top stack element is nonzero when satisfied.
	n bool

	// d: a dissatisfaction exists.
	d bool

	// u: pushes exactly 1 on satisfaction.
	u bool
}

// Miniscript is an immutable, type checked miniscript expression. Keys are
// referenced by name and bound to concrete public keys when the script is
// emitted.
type Miniscript struct {
	frag  fragment
	keys  []string
	k     int
	value uint32
	subs  []*Miniscript
	typ   basicType
	props properties
}

func newFalse() *Miniscript {
	return &Miniscript{
		frag: fragFalse, typ: typeB,
		props: properties{z: true, d: true, u: true},
	}
}

func newPk(key string) *Miniscript {
	return &Miniscript{
		frag: fragPk, keys: []string{key}, typ: typeB,
		props: properties{o: true, n: true, d: true, u: true},
	}
}

func newMulti(k int, keys []string) (*Miniscript, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: multi without keys",
			ErrInvalidMiniscript)
	}
	if len(keys) > maxMultiKeys {
		return nil, fmt.Errorf("%w: multi with %d keys",
			ErrScriptTooLarge, len(keys))
	}
	if k <= 0 || k > len(keys) {
		return nil, fmt.Errorf("%w: multi(%d) over %d keys",
			ErrInvalidThreshold, k, len(keys))
	}

	return &Miniscript{
		frag: fragMulti, k: k, keys: append([]string(nil), keys...),
		typ: typeB, props: properties{n: true, d: true, u: true},
	}, nil
}

func newTimelock(frag fragment, value uint32) (*Miniscript, error) {
	if value == 0 || value >= maxLockValue {
		return nil, fmt.Errorf("%w: timelock %d out of range",
			ErrInvalidMiniscript, value)
	}

	return &Miniscript{
		frag: frag, value: value, typ: typeB,
		props: properties{z: true},
	}, nil
}

func newAndV(x, y *Miniscript) (*Miniscript, error) {
	if x.typ != typeV || (y.typ != typeB && y.typ != typeV) {
		return nil, fmt.Errorf("%w: and_v(%v,%v)", ErrInvalidMiniscript,
			x.typ, y.typ)
	}

	return &Miniscript{
		frag: fragAndV, subs: []*Miniscript{x, y}, typ: y.typ,
		props: properties{
			z: x.props.z && y.props.z,
			o: (x.props.z && y.props.o) || (x.props.o && y.props.z),
			n: x.props.n || (x.props.z && y.props.n),
			u: y.props.u,
		},
	}, nil
}

func newOrD(x, z *Miniscript) (*Miniscript, error) {
	if x.typ != typeB || !x.props.d || !x.props.u || z.typ != typeB {
		return nil, fmt.Errorf("%w: or_d needs Bdu and B",
			ErrInvalidMiniscript)
	}

	return &Miniscript{
		frag: fragOrD, subs: []*Miniscript{x, z}, typ: typeB,
		props: properties{
			z: x.props.z && z.props.z,
			o: x.props.o && z.props.z,
			d: z.props.d,
			u: z.props.u,
		},
	}, nil
}

func newOrI(x, z *Miniscript) (*Miniscript, error) {
	if x.typ != z.typ || x.typ == typeW {
		return nil, fmt.Errorf("%w: or_i(%v,%v)", ErrInvalidMiniscript,
			x.typ, z.typ)
	}

	return &Miniscript{
		frag: fragOrI, subs: []*Miniscript{x, z}, typ: x.typ,
		props: properties{
			o: x.props.z && z.props.z,
			d: x.props.d || z.props.d,
			u: x.props.u && z.props.u,
		},
	}, nil
}

func newThresh(k int, subs []*Miniscript) (*Miniscript, error) {
	if k <= 0 || k > len(subs) {
		return nil, fmt.Errorf("%w: thresh(%d) over %d subs",
			ErrInvalidThreshold, k, len(subs))
	}

	var (
		allZ   = true
		zCount int
		oCount int
	)
	for i, sub := range subs {
		want := typeW
		if i == 0 {
			want = typeB
		}
		if sub.typ != want || !sub.props.d || !sub.props.u {
			return nil, fmt.Errorf("%w: thresh argument %d must be "+
				"%vdu", ErrInvalidMiniscript, i, want)
		}

		allZ = allZ && sub.props.z
		if sub.props.z {
			zCount++
		}
		if sub.props.o {
			oCount++
		}
	}

	return &Miniscript{
		frag: fragThresh, k: k, subs: subs, typ: typeB,
		props: properties{
			z: allZ,
			o: zCount == len(subs)-1 && oCount == 1,
			d: true,
			u: true,
		},
	}, nil
}

// wrap applies a single wrapper to x.
func wrap(w fragment, x *Miniscript) (*Miniscript, error) {
	m := &Miniscript{frag: w, subs: []*Miniscript{x}}

	if x.typ != typeB {
		return nil, fmt.Errorf("%w: %c: wrapper needs B, got %v",
			ErrInvalidMiniscript, wrapperLetters[w], x.typ)
	}

	switch w {
	case wrapA:
		m.typ = typeW
		m.props = properties{d: x.props.d, u: x.props.u}

	case wrapS:
		if !x.props.o {
			return nil, fmt.Errorf("%w: s: wrapper needs o",
				ErrInvalidMiniscript)
		}
		m.typ = typeW
		m.props = properties{d: x.props.d, u: x.props.u}

	case wrapV:
		m.typ = typeV
		m.props = properties{z: x.props.z, o: x.props.o, n: x.props.n}

	case wrapN:
		m.typ = typeB
		m.props = x.props
		m.props.u = true

	case wrapL:
		// l:X is or_i(0,X).
		m.typ = typeB
		m.props = properties{o: x.props.z, d: true, u: x.props.u}

	default:
		return nil, fmt.Errorf("%w: unknown wrapper", ErrInvalidMiniscript)
	}

	return m, nil
}

// isWrapper reports whether the expression is a wrapper around a single
// sub-expression.
func (m *Miniscript) isWrapper() bool {
	_, ok := wrapperLetters[m.frag]
	return ok
}

// String returns the miniscript with key names as written.
func (m *Miniscript) String() string {
	return m.format(func(name string) string { return name })
}

// format renders the expression, mapping each key name through keyStr.
func (m *Miniscript) format(keyStr func(string) string) string {
	if m.isWrapper() {
		var letters []byte
		inner := m
		for inner.isWrapper() {
			letters = append(letters, wrapperLetters[inner.frag])
			inner = inner.subs[0]
		}

		return string(letters) + ":" + inner.format(keyStr)
	}

	switch m.frag {
	case fragFalse:
		return "0"

	case fragPk:
		return "pk(" + keyStr(m.keys[0]) + ")"

	case fragMulti:
		parts := []string{strconv.Itoa(m.k)}
		for _, key := range m.keys {
			parts = append(parts, keyStr(key))
		}

		return "multi(" + strings.Join(parts, ",") + ")"

	case fragOlder:
		return "older(" + strconv.FormatUint(uint64(m.value), 10) + ")"

	case fragAfter:
		return "after(" + strconv.FormatUint(uint64(m.value), 10) + ")"

	case fragThresh:
		parts := []string{strconv.Itoa(m.k)}
		for _, sub := range m.subs {
			parts = append(parts, sub.format(keyStr))
		}

		return "thresh(" + strings.Join(parts, ",") + ")"
	}

	name := map[fragment]string{
		fragAndV: "and_v",
		fragOrD:  "or_d",
		fragOrI:  "or_i",
	}[m.frag]

	return name + "(" + m.subs[0].format(keyStr) + "," +
		m.subs[1].format(keyStr) + ")"
}

// keyNames returns the key names in script order.
func (m *Miniscript) keyNames() []string {
	names := append([]string(nil), m.keys...)
	for _, sub := range m.subs {
		names = append(names, sub.keyNames()...)
	}

	return names
}

// Script emits the script, looking up each key's serialized compressed
// public key by name.
func (m *Miniscript) Script(pubKey func(name string) ([]byte, error)) ([]byte,
	error) {

	b := txscript.NewScriptBuilder()
	if err := m.emit(b, pubKey, false); err != nil {
		return nil, err
	}

	return b.Script()
}

// scriptLen returns the length of the emitted script. Every key is a 33 byte
// compressed key so the length does not depend on the concrete keys.
func (m *Miniscript) scriptLen() (int, error) {
	dummy := make([]byte, btcec.PubKeyBytesLenCompressed)
	script, err := m.Script(func(string) ([]byte, error) {
		return dummy, nil
	})
	if err != nil {
		return 0, err
	}

	return len(script), nil
}

// canCollapseVerify reports whether the last opcode of the expression has a
// VERIFY form that a v: wrapper can use instead of appending OP_VERIFY.
func (m *Miniscript) canCollapseVerify() bool {
	switch m.frag {
	case fragPk, fragMulti, fragThresh:
		return true

	case fragAndV:
		return m.subs[1].canCollapseVerify()

	case wrapS:
		return m.subs[0].canCollapseVerify()
	}

	return false
}

func (m *Miniscript) emit(b *txscript.ScriptBuilder,
	pubKey func(string) ([]byte, error), verify bool) error {

	switch m.frag {
	case fragFalse:
		b.AddOp(txscript.OP_0)

	case fragPk:
		key, err := pubKey(m.keys[0])
		if err != nil {
			return err
		}
		b.AddData(key)
		if verify {
			b.AddOp(txscript.OP_CHECKSIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKSIG)
		}

	case fragMulti:
		b.AddInt64(int64(m.k))
		for _, name := range m.keys {
			key, err := pubKey(name)
			if err != nil {
				return err
			}
			b.AddData(key)
		}
		b.AddInt64(int64(len(m.keys)))
		if verify {
			b.AddOp(txscript.OP_CHECKMULTISIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKMULTISIG)
		}

	case fragOlder:
		b.AddInt64(int64(m.value))
		b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	case fragAfter:
		b.AddInt64(int64(m.value))
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	case fragAndV:
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}

		return m.subs[1].emit(b, pubKey, verify)

	case fragOrD:
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_IFDUP)
		b.AddOp(txscript.OP_NOTIF)
		if err := m.subs[1].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case fragOrI:
		b.AddOp(txscript.OP_IF)
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		if err := m.subs[1].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case fragThresh:
		for i, sub := range m.subs {
			if err := sub.emit(b, pubKey, false); err != nil {
				return err
			}
			if i > 0 {
				b.AddOp(txscript.OP_ADD)
			}
		}
		b.AddInt64(int64(m.k))
		if verify {
			b.AddOp(txscript.OP_EQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_EQUAL)
		}

	case wrapA:
		b.AddOp(txscript.OP_TOALTSTACK)
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_FROMALTSTACK)

	case wrapS:
		b.AddOp(txscript.OP_SWAP)

		return m.subs[0].emit(b, pubKey, verify)

	case wrapV:
		sub := m.subs[0]
		if sub.canCollapseVerify() {
			return sub.emit(b, pubKey, true)
		}
		if err := sub.emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_VERIFY)

	case wrapN:
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_0NOTEQUAL)

	case wrapL:
		b.AddOp(txscript.OP_IF)
		b.AddOp(txscript.OP_0)
		b.AddOp(txscript.OP_ELSE)
		if err := m.subs[0].emit(b, pubKey, false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	default:
		return fmt.Errorf("%w: unknown fragment %d", ErrInvalidMiniscript,
			m.frag)
	}

	return nil
}
