// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package policy compiles spending policies into segwit v0 miniscript
// descriptors and computes, for each descriptor, the ranked set of key and
// timelock combinations able to spend it.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPolicy is returned when a policy string or tree is
	// malformed.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidThreshold is returned when a threshold requires zero
	// children or more children than it has.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrUnsatisfiablePolicy is returned when no combination of keys and
	// timelocks can ever satisfy the policy.
	ErrUnsatisfiablePolicy = errors.New("unsatisfiable policy")
)

const (
	// maxLockValue is the exclusive upper bound of older/after values.
	maxLockValue = 1 << 31

	// LockTimeThreshold is the nLockTime value below which an absolute
	// lock is interpreted as a block height.
	LockTimeThreshold = 500_000_000

	// SequenceLockTimeIsSeconds is the BIP68 flag that marks a relative
	// lock as time based.
	SequenceLockTimeIsSeconds = 1 << 22

	// SequenceLockTimeDisabled is the BIP68 flag that turns off relative
	// lock enforcement for an input.
	SequenceLockTimeDisabled = 1 << 31
)

// Node is a node of a parsed policy. The tree is immutable once built.
type Node interface {
	// String returns the policy language form of the node.
	String() string

	isNode()
}

// Key requires a signature by the identified key.
type Key struct {
	ID string
}

// Older requires a relative timelock, BIP68 encoded.
type Older struct {
	Sequence uint32
}

// After requires an absolute timelock: a height below LockTimeThreshold and
// a unix timestamp otherwise.
type After struct {
	LockTime uint32
}

// And requires all children.
type And struct {
	Children []Node
}

// Branch is a child of an Or node with its relative probability weight.
type Branch struct {
	Weight uint32
	Node   Node
}

// Or requires any one of its branches.
type Or struct {
	Branches []Branch
}

// Threshold requires K of its children.
type Threshold struct {
	K        int
	Children []Node
}

func (Key) isNode()       {}
func (Older) isNode()     {}
func (After) isNode()     {}
func (And) isNode()       {}
func (Or) isNode()        {}
func (Threshold) isNode() {}

// String implements Node.
func (k Key) String() string {
	return "pk(" + k.ID + ")"
}

// String implements Node.
func (o Older) String() string {
	return "older(" + strconv.FormatUint(uint64(o.Sequence), 10) + ")"
}

// String implements Node.
func (a After) String() string {
	return "after(" + strconv.FormatUint(uint64(a.LockTime), 10) + ")"
}

// String implements Node.
func (a And) String() string {
	parts := make([]string, len(a.Children))
	for i, c := range a.Children {
		parts[i] = c.String()
	}

	return "and(" + strings.Join(parts, ",") + ")"
}

// String implements Node.
func (o Or) String() string {
	parts := make([]string, len(o.Branches))
	for i, b := range o.Branches {
		parts[i] = b.Node.String()
		if b.Weight != 1 {
			parts[i] = strconv.FormatUint(uint64(b.Weight), 10) + "@" +
				parts[i]
		}
	}

	return "or(" + strings.Join(parts, ",") + ")"
}

// String implements Node.
func (t Threshold) String() string {
	parts := make([]string, 0, len(t.Children)+1)
	parts = append(parts, strconv.Itoa(t.K))
	for _, c := range t.Children {
		parts = append(parts, c.String())
	}

	return "thresh(" + strings.Join(parts, ",") + ")"
}

// Parse parses a policy written in the miniscript policy language, e.g.
// "or(99@pk(A),and(pk(B),older(144)))".
func Parse(s string) (Node, error) {
	node, err := parseNode(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	return node, nil
}

func parseNode(s string) (Node, error) {
	name, args, err := splitCall(s, ErrInvalidPolicy)
	if err != nil {
		return nil, err
	}

	switch name {
	case "pk":
		if len(args) != 1 || args[0] == "" {
			return nil, fmt.Errorf("%w: pk takes one key", ErrInvalidPolicy)
		}

		return Key{ID: args[0]}, nil

	case "older", "after":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one value",
				ErrInvalidPolicy, name)
		}

		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %q", ErrInvalidPolicy,
				name, args[0])
		}
		if name == "older" {
			return Older{Sequence: uint32(v)}, nil
		}

		return After{LockTime: uint32(v)}, nil

	case "and":
		children, err := parseChildren(args)
		if err != nil {
			return nil, err
		}

		return And{Children: children}, nil

	case "or":
		branches := make([]Branch, 0, len(args))
		for _, arg := range args {
			weight := uint64(1)
			if at := strings.IndexByte(arg, '@'); at > 0 &&
				!strings.ContainsAny(arg[:at], "([") {

				weight, err = strconv.ParseUint(arg[:at], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: weight %q",
						ErrInvalidPolicy, arg[:at])
				}
				arg = arg[at+1:]
			}

			child, err := parseNode(arg)
			if err != nil {
				return nil, err
			}
			branches = append(branches, Branch{
				Weight: uint32(weight), Node: child,
			})
		}

		return Or{Branches: branches}, nil

	case "thresh":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: thresh needs k and children",
				ErrInvalidPolicy)
		}

		k, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: threshold %q", ErrInvalidPolicy,
				args[0])
		}

		children, err := parseChildren(args[1:])
		if err != nil {
			return nil, err
		}

		return Threshold{K: k, Children: children}, nil

	default:
		return nil, fmt.Errorf("%w: unknown fragment %q", ErrInvalidPolicy,
			name)
	}
}

func parseChildren(args []string) ([]Node, error) {
	children := make([]Node, 0, len(args))
	for _, arg := range args {
		child, err := parseNode(arg)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return children, nil
}

// splitCall splits "name(a,b(c,d))" into its name and top level arguments.
// Syntax errors wrap errKind.
func splitCall(s string, errKind error) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("%w: expected name(...) in %q",
			errKind, s)
	}

	name := s[:open]
	body := s[open+1 : len(s)-1]

	var (
		args  []string
		depth int
		start int
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '(', '[':
			depth++

		case ')', ']':
			depth--
			if depth < 0 {
				return "", nil, fmt.Errorf("%w: unbalanced "+
					"parentheses in %q", errKind, s)
			}

		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return "", nil, fmt.Errorf("%w: unbalanced parentheses in %q",
			errKind, s)
	}
	args = append(args, strings.TrimSpace(body[start:]))

	return name, args, nil
}

// validate checks the structural constraints of the tree in post-order.
func validate(n Node) error {
	switch n := n.(type) {
	case Key:
		if n.ID == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidPolicy)
		}

	case Older:
		if n.Sequence == 0 || n.Sequence >= maxLockValue {
			return fmt.Errorf("%w: older(%d) out of range",
				ErrInvalidPolicy, n.Sequence)
		}

	case After:
		if n.LockTime == 0 || n.LockTime >= maxLockValue {
			return fmt.Errorf("%w: after(%d) out of range",
				ErrInvalidPolicy, n.LockTime)
		}

	case And:
		if len(n.Children) < 2 {
			return fmt.Errorf("%w: and needs two children",
				ErrInvalidPolicy)
		}
		for _, c := range n.Children {
			if err := validate(c); err != nil {
				return err
			}
		}

	case Or:
		if len(n.Branches) < 2 {
			return fmt.Errorf("%w: or needs two children",
				ErrInvalidPolicy)
		}
		for _, b := range n.Branches {
			if b.Weight == 0 {
				return fmt.Errorf("%w: zero weight in or",
					ErrInvalidPolicy)
			}
			if err := validate(b.Node); err != nil {
				return err
			}
		}

	case Threshold:
		for _, c := range n.Children {
			if err := validate(c); err != nil {
				return err
			}
		}
		if n.K <= 0 || n.K > len(n.Children) {
			return fmt.Errorf("%w: thresh(%d) over %d children",
				ErrInvalidThreshold, n.K, len(n.Children))
		}

	case nil:
		return fmt.Errorf("%w: nil node", ErrInvalidPolicy)

	default:
		return fmt.Errorf("%w: unknown node %T", ErrInvalidPolicy, n)
	}

	return nil
}

// keyIDs returns the key identifiers of the tree in first-seen order.
func keyIDs(n Node) []string {
	var (
		ids  []string
		seen = make(map[string]struct{})
		walk func(Node)
	)

	walk = func(n Node) {
		switch n := n.(type) {
		case Key:
			if _, ok := seen[n.ID]; !ok {
				seen[n.ID] = struct{}{}
				ids = append(ids, n.ID)
			}

		case And:
			for _, c := range n.Children {
				walk(c)
			}

		case Or:
			for _, b := range n.Branches {
				walk(b.Node)
			}

		case Threshold:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(n)

	return ids
}
