package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParse checks that valid policies parse and print back unchanged.
func TestParse(t *testing.T) {
	t.Parallel()

	tests := []string{
		"pk(A)",
		"older(144)",
		"after(500000001)",
		"and(pk(A),older(144))",
		"or(99@pk(A),and(pk(B),older(144)))",
		"thresh(2,pk(A),pk(B),pk(C))",
		"or(pk(A),thresh(1,pk(B),after(100)))",
		"pk([d34db33f/84'/1'/0']tpubD6NzVbkrYhZ4Wc5Vz3jmpT5dwnNdLCjoqAXYuLyXmuVQt5CPz4nJgq6o9pmnxfqCTFq4y3SShbRCMUq5zvcNyQPAA8KYUeZuXX2yiF3d9JW/0/*)",
	}

	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			t.Parallel()

			node, err := Parse(p)
			require.NoError(t, err)
			require.Equal(t, p, node.String())
		})
	}
}

// TestParseTree checks the structure of a parsed policy.
func TestParseTree(t *testing.T) {
	t.Parallel()

	node, err := Parse(" or(99@pk(A), and(pk(B),older(144))) ")
	require.NoError(t, err)

	want := Or{Branches: []Branch{
		{Weight: 99, Node: Key{ID: "A"}},
		{Weight: 1, Node: And{Children: []Node{
			Key{ID: "B"}, Older{Sequence: 144},
		}}},
	}}
	require.Equal(t, want, node)
	require.Equal(t, []string{"A", "B"}, keyIDs(node))
}

// TestParseErrors checks that malformed policies are rejected.
func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy string
	}{
		{name: "empty", policy: ""},
		{name: "empty key", policy: "pk()"},
		{name: "unknown fragment", policy: "sha256(abc)"},
		{name: "unbalanced", policy: "and(pk(A),pk(B)"},
		{name: "bad value", policy: "older(x)"},
		{name: "value overflow", policy: "after(4294967296)"},
		{name: "bad weight", policy: "or(x@pk(A),pk(B))"},
		{name: "bad threshold", policy: "thresh(k,pk(A))"},
		{name: "bare word", policy: "A"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.policy)
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

// TestValidate checks the structural rules applied before compilation.
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		node Node
		err  error
	}{
		{
			name: "valid",
			node: And{Children: []Node{Key{ID: "A"}, After{LockTime: 10}}},
		},
		{
			name: "single child and",
			node: And{Children: []Node{Key{ID: "A"}}},
			err:  ErrInvalidPolicy,
		},
		{
			name: "single branch or",
			node: Or{Branches: []Branch{{Weight: 1, Node: Key{ID: "A"}}}},
			err:  ErrInvalidPolicy,
		},
		{
			name: "threshold above children",
			node: Threshold{K: 2, Children: []Node{Key{ID: "A"}}},
			err:  ErrInvalidThreshold,
		},
		{
			name: "timelock out of range",
			node: Older{Sequence: 1 << 31},
			err:  ErrInvalidPolicy,
		},
		{
			name: "nil",
			node: nil,
			err:  ErrInvalidPolicy,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := validate(tc.node)
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}
