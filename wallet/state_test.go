package wallet

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newStateTestPacket(t *testing.T) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{1}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(1_000, []byte{0x00, 0x14}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	return packet
}

// TestStateOf verifies the PSBT state derived from packet content.
func TestStateOf(t *testing.T) {
	t.Parallel()

	// Arrange: An unsigned packet.
	packet := newStateTestPacket(t)
	require.Equal(t, PsbtUnsigned, StateOf(packet, false))

	// Act: Add a partial signature.
	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    []byte{0x02},
		Signature: []byte{0x30},
	}}

	// Assert: The packet is partially signed.
	require.Equal(t, PsbtPartiallySigned, StateOf(packet, false))

	// Act: Finalize the only input.
	packet.Inputs[0].PartialSigs = nil
	packet.Inputs[0].FinalScriptWitness = []byte{0x01, 0x00}

	// Assert: Finalized, and broadcast once the backend accepted it.
	require.Equal(t, PsbtFinalized, StateOf(packet, false))
	require.Equal(t, PsbtBroadcast, StateOf(packet, true))
}

// TestRequireState checks the allowed transitions.
func TestRequireState(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		state   PsbtState
		allowed []PsbtState
		wantErr bool
	}{
		{
			name:    "sign unsigned",
			state:   PsbtUnsigned,
			allowed: []PsbtState{PsbtUnsigned, PsbtPartiallySigned},
		},
		{
			name:    "broadcast partially signed",
			state:   PsbtPartiallySigned,
			allowed: []PsbtState{PsbtFinalized},
			wantErr: true,
		},
		{
			name:    "broadcast finalized",
			state:   PsbtFinalized,
			allowed: []PsbtState{PsbtFinalized},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := requireState("test", tc.state, tc.allowed...)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrStateForbidden)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestPsbtStateString verifies the String method of PsbtState.
func TestPsbtStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unsigned", PsbtUnsigned.String())
	require.Equal(t, "partially_signed", PsbtPartiallySigned.String())
	require.Equal(t, "finalized", PsbtFinalized.String())
	require.Equal(t, "broadcast", PsbtBroadcast.String())
	require.Equal(t, "unknown psbt state", PsbtState(42).String())
}

// TestWalletStateLifecycle verifies closing and the single sync slot.
func TestWalletStateLifecycle(t *testing.T) {
	t.Parallel()

	var s walletState
	require.NoError(t, s.validateOpen())
	require.Equal(t, "status=open, syncing=false", s.String())

	// Only one of many concurrent callers gets the sync slot.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if s.startSync() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	s.endSync()
	require.True(t, s.startSync())
	s.endSync()

	require.NoError(t, s.toClosed())
	require.ErrorIs(t, s.validateOpen(), ErrWalletClosed)
	require.ErrorIs(t, s.toClosed(), ErrStateForbidden)
}
