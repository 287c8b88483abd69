// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrScriptTooLarge is returned when a compiled script exceeds the
	// standardness limits for P2WSH.
	ErrScriptTooLarge = errors.New("script too large")
)

const (
	// MaxWitnessScriptSize is the largest standard P2WSH witness script.
	MaxWitnessScriptSize = 3600
)

// Compile lowers a policy into a wsh() miniscript descriptor. Every key
// identifier of the policy is resolved through keys. The result only
// depends on the inputs, so compiling the same policy twice yields the same
// descriptor string.
func Compile(node Node, keys KeySource) (*Descriptor, error) {
	if err := validate(node); err != nil {
		return nil, err
	}

	if err := checkDuplicateKeys(node); err != nil {
		return nil, err
	}

	ids := keyIDs(node)
	resolved := make(map[string]*KeyExpr, len(ids))
	exprs := make(map[string]string, len(ids))
	for _, id := range ids {
		key, err := keys.ResolveKey(id)
		if err != nil {
			if errors.Is(err, ErrUnresolvableKey) {
				return nil, err
			}

			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableKey,
				id, err)
		}
		if key == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvableKey, id)
		}

		// Two aliases of the same key would make the script reuse it.
		str := key.String()
		if other, ok := exprs[str]; ok {
			return nil, fmt.Errorf("%w: %s and %s are the same key",
				ErrInvalidPolicy, other, id)
		}
		exprs[str] = id
		resolved[id] = key
	}

	ms, err := lower(node)
	if err != nil {
		return nil, err
	}

	desc, err := newWshDescriptor(ms, ids, resolved)
	if err != nil {
		return nil, err
	}

	log.Debugf("Compiled %v into %v", node, ms)

	return desc, nil
}

// checkDuplicateKeys rejects policies that use the same key identifier in
// more than one leaf.
func checkDuplicateKeys(node Node) error {
	seen := make(map[string]struct{})

	var walk func(Node) error
	walk = func(n Node) error {
		switch n := n.(type) {
		case Key:
			if _, ok := seen[n.ID]; ok {
				return fmt.Errorf("%w: key %s used twice",
					ErrInvalidPolicy, n.ID)
			}
			seen[n.ID] = struct{}{}

		case And:
			for _, c := range n.Children {
				if err := walk(c); err != nil {
					return err
				}
			}

		case Or:
			for _, b := range n.Branches {
				if err := walk(b.Node); err != nil {
					return err
				}
			}

		case Threshold:
			for _, c := range n.Children {
				if err := walk(c); err != nil {
					return err
				}
			}
		}

		return nil
	}

	return walk(node)
}

// lower translates a validated policy node into miniscript.
func lower(n Node) (*Miniscript, error) {
	switch n := n.(type) {
	case Key:
		return newPk(n.ID), nil

	case Older:
		return newTimelock(fragOlder, n.Sequence)

	case After:
		return newTimelock(fragAfter, n.LockTime)

	case And:
		return lowerAnd(n.Children)

	case Or:
		return lowerOr(n.Branches)

	case Threshold:
		return lowerThresh(n)
	}

	return nil, fmt.Errorf("%w: unknown node %T", ErrInvalidPolicy, n)
}

func isTimelock(n Node) bool {
	switch n.(type) {
	case Older, After:
		return true
	}

	return false
}

// lowerAnd chains the children with and_v, timelocks last.
func lowerAnd(children []Node) (*Miniscript, error) {
	ordered := make([]Node, 0, len(children))
	for _, c := range children {
		if !isTimelock(c) {
			ordered = append(ordered, c)
		}
	}
	for _, c := range children {
		if isTimelock(c) {
			ordered = append(ordered, c)
		}
	}

	acc, err := lower(ordered[len(ordered)-1])
	if err != nil {
		return nil, err
	}

	for i := len(ordered) - 2; i >= 0; i-- {
		x, err := lower(ordered[i])
		if err != nil {
			return nil, err
		}

		v, err := wrap(wrapV, x)
		if err != nil {
			return nil, err
		}

		acc, err = newAndV(v, acc)
		if err != nil {
			return nil, err
		}
	}

	return acc, nil
}

// lowerOr chains the branches, most likely first, so that the cheapest
// witness serves the most likely branch.
func lowerOr(branches []Branch) (*Miniscript, error) {
	ordered := append([]Branch(nil), branches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Weight > ordered[j].Weight
	})

	acc, err := lower(ordered[len(ordered)-1].Node)
	if err != nil {
		return nil, err
	}

	for i := len(ordered) - 2; i >= 0; i-- {
		x, err := lower(ordered[i].Node)
		if err != nil {
			return nil, err
		}

		if x.typ == typeB && x.props.d && x.props.u {
			acc, err = newOrD(x, acc)
		} else {
			acc, err = newOrI(x, acc)
		}
		if err != nil {
			return nil, err
		}
	}

	return acc, nil
}

func lowerThresh(t Threshold) (*Miniscript, error) {
	n := len(t.Children)
	if n == 1 {
		return lower(t.Children[0])
	}

	ids := make([]string, 0, n)
	for _, c := range t.Children {
		if key, ok := c.(Key); ok {
			ids = append(ids, key.ID)
		}
	}

	switch {
	case len(ids) == n && n <= maxMultiKeys:
		return newMulti(t.K, ids)

	case t.K == n:
		return lowerAnd(t.Children)

	case t.K == 1:
		branches := make([]Branch, n)
		for i, c := range t.Children {
			branches[i] = Branch{Weight: 1, Node: c}
		}

		return lowerOr(branches)
	}

	subs := make([]*Miniscript, n)
	for i, c := range t.Children {
		x, err := lower(c)
		if err != nil {
			return nil, err
		}

		if !x.props.d {
			if x, err = wrap(wrapL, x); err != nil {
				return nil, err
			}
		}
		if !x.props.u {
			if x, err = wrap(wrapN, x); err != nil {
				return nil, err
			}
		}

		if i > 0 {
			w := wrapA
			if x.props.o {
				w = wrapS
			}
			if x, err = wrap(w, x); err != nil {
				return nil, err
			}
		}
		subs[i] = x
	}

	return newThresh(t.K, subs)
}
