package wallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/policy"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// psbtFixture is an unsigned 2-of-3 multisig spend of one 60k UTXO paying
// 50k to a foreign P2WSH output.
type psbtFixture struct {
	external *policy.Descriptor
	internal *policy.Descriptor
	utxo     Utxo
	plan     *TxPlan
	packet   *psbt.Packet
}

func newPsbtFixture(t *testing.T) *psbtFixture {
	t.Helper()

	external := testMultisig(t, 0, 1, 2, 3)
	internal := testMultisig(t, 1, 1, 2, 3)

	derived, err := external.Derive(0)
	require.NoError(t, err)
	funding := fundingTx(derived.PkScript, 60_000)

	utxo := Utxo{
		OutPoint:    wire.OutPoint{Hash: funding.TxHash()},
		Value:       60_000,
		PkScript:    derived.PkScript,
		Keychain:    KeychainExternal,
		Height:      10,
		Spendable:   true,
		PrevTx:      fn.Some(funding),
		WitnessSize: external.Plan().Best().WitnessSize,
	}

	sel, err := SelectCoins(selectionRequest(50_000), []Utxo{utxo})
	require.NoError(t, err)

	change := ChangeSource{
		ScriptSize: len(derived.PkScript),
		NewChange: func() (*ChangeOutput, error) {
			d, err := internal.Derive(0)
			if err != nil {
				return nil, err
			}

			return &ChangeOutput{PkScript: d.PkScript, Derived: d}, nil
		},
	}
	recipients := []Recipient{{PkScript: p2wshScript(0xee), Amount: 50_000}}

	plan, err := Balance(sel, recipients, feeRate5, change)
	require.NoError(t, err)

	packet, err := AssemblePsbt(plan, sel, func(u Utxo) (
		*policy.DerivedDescriptor, error) {

		return external.Derive(u.Index)
	})
	require.NoError(t, err)

	return &psbtFixture{
		external: external,
		internal: internal,
		utxo:     utxo,
		plan:     plan,
		packet:   packet,
	}
}

// lookup resolves every input to the external descriptor at index 0.
func (f *psbtFixture) lookup(*psbt.PInput) (*policy.DerivedDescriptor, error) {
	return f.external.Derive(0)
}

// ring returns a key ring over the external keys at the given positions.
func (f *psbtFixture) ring(positions ...int) *KeyRing {
	keys := f.external.PrivateKeys()

	selected := make([]*policy.KeyExpr, 0, len(positions))
	for _, p := range positions {
		selected = append(selected, keys[p])
	}

	return NewKeyRing(selected...)
}

// clonePacket returns a deep copy of a packet.
func clonePacket(t *testing.T, packet *psbt.Packet) *psbt.Packet {
	t.Helper()

	b64, err := EncodePsbt(packet)
	require.NoError(t, err)
	clone, err := DecodePsbt(b64)
	require.NoError(t, err)

	return clone
}

// verifyTx runs the script engine over every input of tx.
func verifyTx(t *testing.T, tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) {
	t.Helper()

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(
			prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, prev.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

// TestAssemblePsbt checks the metadata attached to inputs and outputs.
func TestAssemblePsbt(t *testing.T) {
	t.Parallel()

	// Arrange / Act.
	f := newPsbtFixture(t)
	packet := f.packet

	// Assert: Version 2, final sequence, no lock time.
	tx := packet.UnsignedTx
	require.Equal(t, int32(2), tx.Version)
	require.Zero(t, tx.LockTime)
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, wire.MaxTxInSequenceNum, tx.TxIn[0].Sequence)
	require.Equal(t, PsbtUnsigned, StateOf(packet, false))

	in := packet.Inputs[0]
	require.NotNil(t, in.NonWitnessUtxo)
	require.Equal(t, int64(60_000), in.WitnessUtxo.Value)
	require.NotEmpty(t, in.WitnessScript)
	require.Len(t, in.Bip32Derivation, 3)
	require.Equal(t, txscript.SigHashAll, in.SighashType)

	// The change output carries its derivation, the recipient does not.
	require.Len(t, tx.TxOut, 2)
	amounts := make(map[int64]int, 2)
	for i, out := range tx.TxOut {
		amounts[out.Value] = i
	}
	require.Contains(t, amounts, int64(50_000))
	require.Contains(t, amounts, int64(8_992))
	require.Len(t, packet.Outputs[amounts[8_992]].Bip32Derivation, 3)
	require.Empty(t, packet.Outputs[amounts[50_000]].Bip32Derivation)
}

// TestAssemblePsbtScriptMismatch checks that a lookup returning another
// script is reported as an assembly error.
func TestAssemblePsbtScriptMismatch(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newPsbtFixture(t)
	sel := &SelectionResult{Utxos: f.plan.Inputs}

	// Act.
	_, err := AssemblePsbt(f.plan, sel, func(u Utxo) (
		*policy.DerivedDescriptor, error) {

		return f.external.Derive(u.Index + 1)
	})

	// Assert.
	require.ErrorIs(t, err, ErrAssembly)
}

// TestPsbtRoundTrip signs, finalizes, encodes and re-parses a packet and
// checks the extracted transaction against the script engine.
func TestPsbtRoundTrip(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newPsbtFixture(t)
	packet := f.packet
	unsigned := packet.UnsignedTx.Copy()

	// Act: Sign with A and C.
	signed, err := f.ring(0, 2).SignPsbt(packet)
	require.NoError(t, err)
	require.Equal(t, 2, signed)
	require.Equal(t, PsbtPartiallySigned, StateOf(packet, false))

	// Signing again adds nothing.
	signed, err = f.ring(0, 2).SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, signed)

	require.NoError(t, Finalize(packet, f.lookup))
	require.Equal(t, PsbtFinalized, StateOf(packet, false))

	b64, err := EncodePsbt(packet)
	require.NoError(t, err)
	parsed, err := DecodePsbt(b64)
	require.NoError(t, err)

	tx, err := Extract(parsed)
	require.NoError(t, err)

	// Assert: Same inputs, outputs and amounts as the unsigned tx.
	require.Equal(t, unsigned.TxHash(), tx.TxHash())
	require.Len(t, tx.TxIn, len(unsigned.TxIn))
	for i := range tx.TxOut {
		require.Equal(t, unsigned.TxOut[i].Value, tx.TxOut[i].Value)
		require.True(t, bytes.Equal(unsigned.TxOut[i].PkScript,
			tx.TxOut[i].PkScript))
	}

	verifyTx(t, tx, map[wire.OutPoint]*wire.TxOut{
		f.utxo.OutPoint: f.utxo.TxOut(),
	})

	// The fee actually paid is the planned one.
	var out int64
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	require.Equal(t, f.plan.Fee, btcutil.Amount(60_000-out))
}

// TestCombinePsbt checks that signatures made by separate signers merge
// into a finalizable packet.
func TestCombinePsbt(t *testing.T) {
	t.Parallel()

	// Arrange: Two cosigners sign their own copy.
	f := newPsbtFixture(t)
	first := clonePacket(t, f.packet)
	second := clonePacket(t, f.packet)

	_, err := f.ring(0).SignPsbt(first)
	require.NoError(t, err)
	_, err = f.ring(1).SignPsbt(second)
	require.NoError(t, err)

	// A single signature is not enough.
	require.ErrorIs(t, Finalize(clonePacket(t, first), f.lookup),
		ErrNotFinalizable)

	// Act.
	combined, err := Combine(first, second)
	require.NoError(t, err)

	// Assert.
	require.Len(t, combined.Inputs[0].PartialSigs, 2)
	require.NoError(t, Finalize(combined, f.lookup))

	tx, err := Extract(combined)
	require.NoError(t, err)
	verifyTx(t, tx, map[wire.OutPoint]*wire.TxOut{
		f.utxo.OutPoint: f.utxo.TxOut(),
	})
}

// TestCombinePsbtIsolated checks that the combined packet does not alias
// the packets it was built from.
func TestCombinePsbtIsolated(t *testing.T) {
	t.Parallel()

	// Arrange: The second packet is already finalized.
	f := newPsbtFixture(t)
	first := clonePacket(t, f.packet)
	second := clonePacket(t, f.packet)
	for i := 0; i < 2; i++ {
		_, err := f.ring(i).SignPsbt(second)
		require.NoError(t, err)
	}
	require.NoError(t, Finalize(second, f.lookup))
	witness := append([]byte(nil), second.Inputs[0].FinalScriptWitness...)

	// Act.
	combined, err := Combine(first, second)
	require.NoError(t, err)
	combined.Inputs[0].FinalScriptWitness[0] ^= 0xff
	combined.Inputs[0].WitnessUtxo.Value = 1

	// Assert: The caller's packets are untouched.
	require.Equal(t, witness, second.Inputs[0].FinalScriptWitness)
	require.Equal(t, int64(60_000), second.Inputs[0].WitnessUtxo.Value)
	require.Empty(t, first.Inputs[0].FinalScriptWitness)
}

// TestFinalizeRelativeTimelock checks that a time based older() path is only
// finalized when the input sequence actually enforces it.
func TestFinalizeRelativeTimelock(t *testing.T) {
	t.Parallel()

	const older = policy.SequenceLockTimeIsSeconds | 10

	key, err := policy.ParseKeyExpr(testAccountKey(t, 1, 0, false))
	require.NoError(t, err)
	node, err := policy.Parse("and(pk(A),older(4194314))")
	require.NoError(t, err)
	desc, err := policy.Compile(node, policy.KeyMap{"A": key})
	require.NoError(t, err)
	derived, err := desc.Derive(0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		sequence uint32
		wantErr  error
	}{
		{"rbf sequence", wire.MaxTxInSequenceNum - 2, ErrNotFinalizable},
		{"final sequence", wire.MaxTxInSequenceNum, ErrNotFinalizable},
		{"blocks instead of seconds", 10, ErrNotFinalizable},
		{"seconds too short", policy.SequenceLockTimeIsSeconds | 9,
			ErrNotFinalizable},
		{"seconds reached", older, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: A packet carrying the key's signature.
			packet, err := psbt.New(
				[]*wire.OutPoint{{Hash: chainhash.Hash{0x01}}},
				[]*wire.TxOut{wire.NewTxOut(1_000,
					p2wshScript(0xee))},
				2, 0, []uint32{tc.sequence},
			)
			require.NoError(t, err)

			in := &packet.Inputs[0]
			in.WitnessUtxo = wire.NewTxOut(2_000, derived.PkScript)
			in.WitnessScript = derived.WitnessScript
			in.PartialSigs = []*psbt.PartialSig{{
				PubKey: derived.Keys()[0].PubKey.
					SerializeCompressed(),
				Signature: bytes.Repeat([]byte{0x30}, 71),
			}}

			// Act.
			err = FinalizeInput(packet, 0,
				func(*psbt.PInput) (*policy.DerivedDescriptor,
					error) {

					return derived, nil
				})

			// Assert.
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Empty(t, packet.Inputs[0].FinalScriptWitness)

				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, packet.Inputs[0].FinalScriptWitness)
		})
	}
}

// TestCombinePsbtMismatch checks that unrelated packets are refused.
func TestCombinePsbtMismatch(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newPsbtFixture(t)
	other := clonePacket(t, f.packet)
	other.UnsignedTx.LockTime = 100

	// Act.
	_, err := Combine(f.packet, other)

	// Assert.
	require.ErrorIs(t, err, ErrPsbtMismatch)
}

// TestPsbtStateErrors checks the operations that are forbidden before the
// packet is complete, or without keys.
func TestPsbtStateErrors(t *testing.T) {
	t.Parallel()

	f := newPsbtFixture(t)

	_, err := Extract(f.packet)
	require.ErrorIs(t, err, ErrStateForbidden)

	_, err = NewKeyRing().SignPsbt(f.packet)
	require.ErrorIs(t, err, ErrNoSigningKey)

	_, err = DecodePsbt("bm90IGEgcHNidA==")
	require.ErrorIs(t, err, ErrInvalidPsbt)
}
