// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidDescriptor is returned when a descriptor string cannot be
	// parsed.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// DescriptorKind is the output type of a descriptor.
type DescriptorKind uint8

const (
	// KindWsh is a P2WSH output wrapping a miniscript.
	KindWsh DescriptorKind = iota

	// KindWpkh is a single key P2WPKH output.
	KindWpkh
)

// String returns the descriptor function name of the kind.
func (k DescriptorKind) String() string {
	switch k {
	case KindWsh:
		return "wsh"
	case KindWpkh:
		return "wpkh"
	default:
		return "unknown"
	}
}

// Descriptor is a compiled or parsed output descriptor together with its
// satisfaction plan. It is immutable.
type Descriptor struct {
	kind DescriptorKind

	// ms is nil for wpkh descriptors.
	ms *Miniscript

	// keyOrder lists the key names in first-seen order.
	keyOrder []string
	keys     map[string]*KeyExpr

	plan *SatisfactionPlan
}

func newWshDescriptor(ms *Miniscript, keyOrder []string,
	keys map[string]*KeyExpr) (*Descriptor, error) {

	if ms.typ != typeB {
		return nil, fmt.Errorf("%w: top level must be B, got %v",
			ErrInvalidMiniscript, ms.typ)
	}

	for _, name := range ms.keyNames() {
		if _, ok := keys[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvableKey, name)
		}
	}

	scriptLen, err := ms.scriptLen()
	if err != nil {
		return nil, err
	}
	if scriptLen > MaxWitnessScriptSize {
		return nil, fmt.Errorf("%w: witness script is %d bytes, max %d",
			ErrScriptTooLarge, scriptLen, MaxWitnessScriptSize)
	}

	plan, err := buildPlan(ms, keyOrder, scriptLen)
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		kind:     KindWsh,
		ms:       ms,
		keyOrder: keyOrder,
		keys:     keys,
		plan:     plan,
	}, nil
}

// NewWpkhDescriptor returns the single key wpkh() descriptor of key.
func NewWpkhDescriptor(key *KeyExpr) *Descriptor {
	name := key.String()

	return &Descriptor{
		kind:     KindWpkh,
		keyOrder: []string{name},
		keys:     map[string]*KeyExpr{name: key},
		plan: &SatisfactionPlan{paths: []SatisfactionPath{{
			Keys:        []string{name},
			WitnessSize: P2WPKHWitnessSize,
		}}},
	}
}

// P2WPKHWitnessSize is the witness size of a P2WPKH spend: the item count,
// a maximal signature and a compressed public key.
const P2WPKHWitnessSize = 1 + 1 + maxSigSize + 1 + 33

// ParseDescriptor parses a wsh() or wpkh() descriptor. A trailing checksum
// is verified when present.
func ParseDescriptor(s string) (*Descriptor, error) {
	body, err := splitChecksum(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	name, args, err := splitCall(body, ErrInvalidDescriptor)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: %s takes one argument",
			ErrInvalidDescriptor, name)
	}

	switch name {
	case "wpkh":
		key, err := ParseKeyExpr(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}

		return NewWpkhDescriptor(key), nil

	case "wsh":
		p := &msParser{keys: make(map[string]*KeyExpr)}
		ms, err := p.parse(args[0])
		if err != nil {
			return nil, err
		}

		return newWshDescriptor(ms, p.order, p.keys)

	default:
		return nil, fmt.Errorf("%w: unsupported descriptor %q",
			ErrInvalidDescriptor, name)
	}
}

// msParser parses the miniscript inside wsh(), collecting the key
// expressions it references.
type msParser struct {
	keys  map[string]*KeyExpr
	order []string
}

func (p *msParser) key(s string) (string, error) {
	key, err := ParseKeyExpr(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	name := key.String()
	if _, ok := p.keys[name]; ok {
		return "", fmt.Errorf("%w: duplicate key %s",
			ErrInvalidDescriptor, name)
	}
	p.keys[name] = key
	p.order = append(p.order, name)

	return name, nil
}

func (p *msParser) parse(s string) (*Miniscript, error) {
	if s == "0" {
		return newFalse(), nil
	}

	colon := strings.IndexByte(s, ':')
	paren := strings.IndexByte(s, '(')
	if colon > 0 && (paren < 0 || colon < paren) {
		inner, err := p.parse(s[colon+1:])
		if err != nil {
			return nil, err
		}

		letters := s[:colon]
		for i := len(letters) - 1; i >= 0; i-- {
			w, ok := wrapperByLetter(letters[i])
			if !ok {
				return nil, fmt.Errorf("%w: unknown wrapper %q",
					ErrInvalidDescriptor, letters[i])
			}

			inner, err = wrap(w, inner)
			if err != nil {
				return nil, err
			}
		}

		return inner, nil
	}

	name, args, err := splitCall(s, ErrInvalidDescriptor)
	if err != nil {
		return nil, err
	}

	switch name {
	case "pk":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: pk takes one key",
				ErrInvalidDescriptor)
		}

		key, err := p.key(args[0])
		if err != nil {
			return nil, err
		}

		return newPk(key), nil

	case "multi", "thresh":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: %s needs k and arguments",
				ErrInvalidDescriptor, name)
		}

		k, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: threshold %q",
				ErrInvalidDescriptor, args[0])
		}

		if name == "multi" {
			keys := make([]string, 0, len(args)-1)
			for _, arg := range args[1:] {
				key, err := p.key(arg)
				if err != nil {
					return nil, err
				}
				keys = append(keys, key)
			}

			return newMulti(k, keys)
		}

		subs := make([]*Miniscript, 0, len(args)-1)
		for _, arg := range args[1:] {
			sub, err := p.parse(arg)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}

		return newThresh(k, subs)

	case "older", "after":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one value",
				ErrInvalidDescriptor, name)
		}

		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %q",
				ErrInvalidDescriptor, name, args[0])
		}
		if name == "older" {
			return newTimelock(fragOlder, uint32(v))
		}

		return newTimelock(fragAfter, uint32(v))

	case "and_v", "or_d", "or_i":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes two arguments",
				ErrInvalidDescriptor, name)
		}

		x, err := p.parse(args[0])
		if err != nil {
			return nil, err
		}
		y, err := p.parse(args[1])
		if err != nil {
			return nil, err
		}

		switch name {
		case "and_v":
			return newAndV(x, y)
		case "or_d":
			return newOrD(x, y)
		default:
			return newOrI(x, y)
		}
	}

	return nil, fmt.Errorf("%w: unsupported fragment %q",
		ErrInvalidDescriptor, name)
}

func wrapperByLetter(c byte) (fragment, bool) {
	for w, letter := range wrapperLetters {
		if letter == c {
			return w, true
		}
	}

	return 0, false
}

// Kind returns the output type of the descriptor.
func (d *Descriptor) Kind() DescriptorKind {
	return d.kind
}

// Plan returns the satisfaction plan.
func (d *Descriptor) Plan() *SatisfactionPlan {
	return d.plan
}

// KeyNames returns the key names in first-seen order.
func (d *Descriptor) KeyNames() []string {
	return append([]string(nil), d.keyOrder...)
}

// Key returns the key expression bound to name.
func (d *Descriptor) Key(name string) (*KeyExpr, bool) {
	key, ok := d.keys[name]
	return key, ok
}

// Miniscript returns the miniscript with key names in place of the keys, or
// the empty string for wpkh descriptors.
func (d *Descriptor) Miniscript() string {
	if d.ms == nil {
		return ""
	}

	return d.ms.String()
}

// HasWildcard returns true if any key ends in a /* wildcard.
func (d *Descriptor) HasWildcard() bool {
	for _, key := range d.keys {
		if key.Wildcard {
			return true
		}
	}

	return false
}

// IsPrivate returns true if any key carries private key material.
func (d *Descriptor) IsPrivate() bool {
	for _, key := range d.keys {
		if key.IsPrivate() {
			return true
		}
	}

	return false
}

// PrivateKeys returns the keys that carry private material, in key order.
func (d *Descriptor) PrivateKeys() []*KeyExpr {
	var keys []*KeyExpr
	for _, name := range d.keyOrder {
		if d.keys[name].IsPrivate() {
			keys = append(keys, d.keys[name])
		}
	}

	return keys
}

// Public returns a copy of the descriptor with all private material
// removed. The plan is shared since it does not depend on key material.
func (d *Descriptor) Public() (*Descriptor, error) {
	keys := make(map[string]*KeyExpr, len(d.keys))
	for name, key := range d.keys {
		pub, err := key.Public()
		if err != nil {
			return nil, err
		}
		keys[name] = pub
	}

	return &Descriptor{
		kind:     d.kind,
		ms:       d.ms,
		keyOrder: d.keyOrder,
		keys:     keys,
		plan:     d.plan,
	}, nil
}

// body returns the descriptor without checksum.
func (d *Descriptor) body() string {
	if d.kind == KindWpkh {
		return "wpkh(" + d.keys[d.keyOrder[0]].String() + ")"
	}

	return "wsh(" + d.ms.format(func(name string) string {
		return d.keys[name].String()
	}) + ")"
}

// String returns the descriptor with its checksum.
func (d *Descriptor) String() string {
	body := d.body()

	// Key expressions only render characters of the checksum charset.
	withSum, err := AddChecksum(body)
	if err != nil {
		return body
	}

	return withSum
}

// DerivedDescriptor is a descriptor evaluated at one wildcard index.
type DerivedDescriptor struct {
	// Index is the wildcard index.
	Index uint32

	// PkScript is the output script.
	PkScript []byte

	// WitnessScript is the P2WSH witness script, nil for wpkh.
	WitnessScript []byte

	desc *Descriptor
	keys map[string]*DerivedKey
}

// Derive evaluates every key at index and builds the scripts.
func (d *Descriptor) Derive(index uint32) (*DerivedDescriptor, error) {
	keys := make(map[string]*DerivedKey, len(d.keys))
	for _, name := range d.keyOrder {
		key, err := d.keys[name].Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive key %s: %w", name, err)
		}
		keys[name] = key
	}

	derived := &DerivedDescriptor{Index: index, desc: d, keys: keys}

	if d.kind == KindWpkh {
		pub := keys[d.keyOrder[0]].PubKey.SerializeCompressed()
		pkScript, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(pub)).
			Script()
		if err != nil {
			return nil, err
		}
		derived.PkScript = pkScript

		return derived, nil
	}

	witnessScript, err := d.ms.Script(func(name string) ([]byte, error) {
		key, ok := keys[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvableKey, name)
		}

		return key.PubKey.SerializeCompressed(), nil
	})
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return nil, err
	}

	derived.WitnessScript = witnessScript
	derived.PkScript = pkScript

	return derived, nil
}

// Descriptor returns the descriptor this was derived from.
func (d *DerivedDescriptor) Descriptor() *Descriptor {
	return d.desc
}

// Address returns the segwit address of the output script.
func (d *DerivedDescriptor) Address(
	params *chaincfg.Params) (btcutil.Address, error) {

	if d.desc.kind == KindWpkh {
		return btcutil.NewAddressWitnessPubKeyHash(d.PkScript[2:], params)
	}

	return btcutil.NewAddressWitnessScriptHash(d.PkScript[2:], params)
}

// Keys returns the derived keys in key order.
func (d *DerivedDescriptor) Keys() []*DerivedKey {
	keys := make([]*DerivedKey, 0, len(d.keys))
	for _, name := range d.desc.keyOrder {
		keys = append(keys, d.keys[name])
	}

	return keys
}

// nameAssets adapts a Satisfier to the name based lookups used by the
// miniscript tree.
type nameAssets struct {
	keys map[string]*DerivedKey
	s    Satisfier
}

func (n *nameAssets) signature(name string) ([]byte, bool) {
	key, ok := n.keys[name]
	if !ok {
		return nil, false
	}

	return n.s.Signature(key.PubKey.SerializeCompressed())
}

func (n *nameAssets) older(seq uint32) bool {
	return n.s.CheckOlder(seq)
}

func (n *nameAssets) after(lockTime uint32) bool {
	return n.s.CheckAfter(lockTime)
}

// Satisfy builds the cheapest witness the satisfier can provide.
func (d *DerivedDescriptor) Satisfy(s Satisfier) (wire.TxWitness, error) {
	if d.desc.kind == KindWpkh {
		pub := d.keys[d.desc.keyOrder[0]].PubKey.SerializeCompressed()
		sig, ok := s.Signature(pub)
		if !ok {
			return nil, ErrNotSatisfiable
		}

		return wire.TxWitness{sig, pub}, nil
	}

	sat, _ := d.desc.ms.satisfy(&nameAssets{keys: d.keys, s: s})
	if !sat.ok {
		return nil, ErrNotSatisfiable
	}

	witness := make(wire.TxWitness, 0, len(sat.stack)+1)
	witness = append(witness, sat.stack...)
	witness = append(witness, d.WitnessScript)

	return witness, nil
}
