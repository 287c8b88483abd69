package policy

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// stubSatisfier returns fixed signatures per public key and fixed timelock
// answers.
type stubSatisfier struct {
	sigs  map[string][]byte
	older bool
	after bool
}

func (s *stubSatisfier) Signature(pubKey []byte) ([]byte, bool) {
	sig, ok := s.sigs[hex.EncodeToString(pubKey)]
	return sig, ok
}

func (s *stubSatisfier) CheckOlder(uint32) bool {
	return s.older
}

func (s *stubSatisfier) CheckAfter(uint32) bool {
	return s.after
}

// fakeSig returns a recognizable 72 byte signature.
func fakeSig(b byte) []byte {
	return bytes.Repeat([]byte{b}, 72)
}

// TestDescriptorChecksum checks the BIP380 checksum.
func TestDescriptorChecksum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		sum  string
	}{
		{body: "raw(deadbeef)", sum: "89f8spxm"},
		{body: "wpkh(" + pubKeyA + ")", sum: "ucxz0gak"},
	}

	for _, tc := range tests {
		sum, err := DescriptorChecksum(tc.body)
		require.NoError(t, err)
		require.Equal(t, tc.sum, sum)
	}

	_, err := DescriptorChecksum("wpkh(é)")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

// TestParseDescriptorRoundTrip checks that compiled descriptors parse back
// into the same string and plan sizes.
func TestParseDescriptorRoundTrip(t *testing.T) {
	t.Parallel()

	policies := []string{
		"pk(A)",
		"thresh(2,pk(A),pk(B),pk(C))",
		"or(99@pk(A),and(pk(B),older(144)))",
		"thresh(2,pk(A),pk(B),older(144))",
		"or(pk(A),9@and(pk(B),after(100)))",
	}

	for _, p := range policies {
		t.Run(p, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			node, err := Parse(p)
			require.NoError(t, err)
			compiled, err := Compile(node, testKeys(t))
			require.NoError(t, err)

			// Act.
			parsed, err := ParseDescriptor(compiled.String())

			// Assert.
			require.NoError(t, err)
			require.Equal(t, compiled.String(), parsed.String())

			want, err := compiled.Derive(0)
			require.NoError(t, err)
			got, err := parsed.Derive(0)
			require.NoError(t, err)
			require.Equal(t, want.WitnessScript, got.WitnessScript)

			wantPaths := compiled.Plan().Paths()
			gotPaths := parsed.Plan().Paths()
			require.Len(t, gotPaths, len(wantPaths))
			for i := range wantPaths {
				require.Equal(t, wantPaths[i].WitnessSize,
					gotPaths[i].WitnessSize)
			}
		})
	}
}

// TestParseDescriptorErrors checks rejected descriptors.
func TestParseDescriptorErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		desc string
		err  error
	}{
		{
			name: "bad checksum",
			desc: "wpkh(" + pubKeyA + ")#aaaaaaaa",
			err:  ErrChecksum,
		},
		{
			name: "short checksum",
			desc: "wpkh(" + pubKeyA + ")#abc",
			err:  ErrChecksum,
		},
		{
			name: "unsupported top level",
			desc: "sh(pk(" + pubKeyA + "))",
			err:  ErrInvalidDescriptor,
		},
		{
			name: "unknown fragment",
			desc: "wsh(and_b(pk(" + pubKeyA + "),s:pk(" + pubKeyB + ")))",
			err:  ErrInvalidDescriptor,
		},
		{
			name: "duplicate key",
			desc: "wsh(multi(1," + pubKeyA + "," + pubKeyA + "))",
			err:  ErrInvalidDescriptor,
		},
		{
			name: "type error",
			desc: "wsh(or_d(older(10),pk(" + pubKeyA + ")))",
			err:  ErrInvalidMiniscript,
		},
		{
			name: "unknown wrapper",
			desc: "wsh(x:pk(" + pubKeyA + "))",
			err:  ErrInvalidDescriptor,
		},
		{
			name: "bad key",
			desc: "wpkh(02ff)",
			err:  ErrInvalidDescriptor,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseDescriptor(tc.desc)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestWpkhDescriptor checks the single key descriptor.
func TestWpkhDescriptor(t *testing.T) {
	t.Parallel()

	desc, err := ParseDescriptor("wpkh(" + pubKeyA + ")#ucxz0gak")
	require.NoError(t, err)
	require.Equal(t, KindWpkh, desc.Kind())
	require.Equal(t, "wpkh("+pubKeyA+")#ucxz0gak", desc.String())
	require.EqualValues(t, 109, desc.Plan().Best().WitnessSize)

	derived, err := desc.Derive(0)
	require.NoError(t, err)
	require.Len(t, derived.PkScript, 22)
	require.Nil(t, derived.WitnessScript)

	addr, err := derived.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr.String(), "bcrt1q"))

	sig := fakeSig(0x30)
	witness, err := derived.Satisfy(&stubSatisfier{
		sigs: map[string][]byte{pubKeyA: sig},
	})
	require.NoError(t, err)
	require.Len(t, witness, 2)
	require.Equal(t, sig, witness[0])
	require.Equal(t, pubKeyA, hex.EncodeToString(witness[1]))

	_, err = derived.Satisfy(&stubSatisfier{})
	require.ErrorIs(t, err, ErrNotSatisfiable)
}

// TestDerivedDescriptorSatisfy checks witness construction for script
// descriptors.
func TestDerivedDescriptorSatisfy(t *testing.T) {
	t.Parallel()

	sigA, sigB, sigC := fakeSig(0xaa), fakeSig(0xbb), fakeSig(0xcc)

	tests := []struct {
		name      string
		policy    string
		satisfier *stubSatisfier
		stack     [][]byte
		err       error
	}{
		{
			name:   "multisig with the first and last key",
			policy: "thresh(2,pk(A),pk(B),pk(C))",
			satisfier: &stubSatisfier{sigs: map[string][]byte{
				pubKeyA: sigA, pubKeyC: sigC,
			}},
			stack: [][]byte{{}, sigA, sigC},
		},
		{
			name:   "multisig missing a signature",
			policy: "thresh(2,pk(A),pk(B),pk(C))",
			satisfier: &stubSatisfier{sigs: map[string][]byte{
				pubKeyB: sigB,
			}},
			err: ErrNotSatisfiable,
		},
		{
			name:   "timelocked branch",
			policy: "or(pk(A),and(pk(B),older(144)))",
			satisfier: &stubSatisfier{
				sigs:  map[string][]byte{pubKeyB: sigB},
				older: true,
			},
			stack: [][]byte{sigB, {}},
		},
		{
			name:   "timelock not met",
			policy: "or(pk(A),and(pk(B),older(144)))",
			satisfier: &stubSatisfier{
				sigs: map[string][]byte{pubKeyB: sigB},
			},
			err: ErrNotSatisfiable,
		},
		{
			name:   "primary branch",
			policy: "or(pk(A),and(pk(B),older(144)))",
			satisfier: &stubSatisfier{
				sigs: map[string][]byte{
					pubKeyA: sigA, pubKeyB: sigB,
				},
				older: true,
			},
			stack: [][]byte{sigA},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			node, err := Parse(tc.policy)
			require.NoError(t, err)
			desc, err := Compile(node, testKeys(t))
			require.NoError(t, err)
			derived, err := desc.Derive(0)
			require.NoError(t, err)

			// Act.
			witness, err := derived.Satisfy(tc.satisfier)

			// Assert.
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, witness, len(tc.stack)+1)
			for i, elem := range tc.stack {
				require.Equal(t, elem, []byte(witness[i]))
			}
			require.Equal(t, derived.WitnessScript,
				[]byte(witness[len(witness)-1]))
		})
	}
}

// TestDescriptorPublic checks that private keys are stripped while the
// scripts stay the same.
func TestDescriptorPublic(t *testing.T) {
	t.Parallel()

	master := testMaster(t, 0x04)
	desc, err := ParseDescriptor("wsh(and_v(v:pk(" + master.String() +
		"/0/*),older(10)))")
	require.NoError(t, err)
	require.True(t, desc.IsPrivate())
	require.Len(t, desc.PrivateKeys(), 1)

	pub, err := desc.Public()
	require.NoError(t, err)
	require.False(t, pub.IsPrivate())
	require.Contains(t, pub.String(), "tpub")
	require.NotContains(t, pub.String(), "tprv")

	privDerived, err := desc.Derive(4)
	require.NoError(t, err)
	pubDerived, err := pub.Derive(4)
	require.NoError(t, err)
	require.Equal(t, privDerived.PkScript, pubDerived.PkScript)
}
