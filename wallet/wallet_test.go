package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/policy"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errSyncFail = errors.New("sync fail")

// testGapLimit keeps the number of derived scripts small.
const testGapLimit = 3

// walletFixture is an open wallet over 2-of-3 multisig descriptors whose
// keys are all private.
type walletFixture struct {
	w        *Wallet
	cfg      Config
	backend  *mockBackend
	external *policy.Descriptor
	internal *policy.Descriptor
}

func newWalletFixture(t *testing.T, dbBackend string) *walletFixture {
	t.Helper()

	external := testMultisig(t, 0, 1, 2, 3)
	internal := testMultisig(t, 1, 1, 2, 3)
	backend := &mockBackend{}
	backend.On("Close").Return(nil).Maybe()

	cfg := Config{
		Name:               "test",
		DataDir:            t.TempDir(),
		DBBackend:          dbBackend,
		ChainParams:        &chainParams,
		ExternalDescriptor: external.String(),
		InternalDescriptor: internal.String(),
		Backend:            backend,
		GapLimit:           testGapLimit,
	}

	w, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close()
	})

	return &walletFixture{
		w:        w,
		cfg:      cfg,
		backend:  backend,
		external: external,
		internal: internal,
	}
}

// fund makes the next sync report one confirmed UTXO at external index 0
// and returns its funding transaction.
func (f *walletFixture) fund(t *testing.T, value btcutil.Amount) *wire.MsgTx {
	t.Helper()

	derived, err := f.external.Derive(0)
	require.NoError(t, err)
	funding := fundingTx(derived.PkScript, value)

	snap := chain.NewSnapshot(110)
	snap.AddUtxo(chain.Utxo{
		OutPoint: wire.OutPoint{Hash: funding.TxHash()},
		Value:    value,
		PkScript: derived.PkScript,
		Height:   100,
	})

	// The used index widens the window by one script, which the second
	// query reports as unused.
	f.backend.On("Sync", mock.Anything, mock.Anything).
		Return(snap, nil).Once()
	f.backend.On("Sync", mock.Anything, mock.Anything).
		Return(chain.NewSnapshot(110), nil).Once()
	f.backend.On("FetchTx", mock.Anything, funding.TxHash()).
		Return(funding, nil).Once()

	return funding
}

// TestOpen checks wallet creation, reopening and descriptor checks against
// both store backends.
func TestOpen(t *testing.T) {
	t.Parallel()

	for _, dbBackend := range []string{DBBackendBolt, DBBackendSQLite} {
		t.Run(dbBackend, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			external := testMultisig(t, 0, 1, 2, 3)
			internal := testMultisig(t, 1, 1, 2, 3)
			cfg := Config{
				Name:               "alice",
				DataDir:            t.TempDir(),
				DBBackend:          dbBackend,
				ChainParams:        &chainParams,
				ExternalDescriptor: external.String(),
				InternalDescriptor: internal.String(),
			}

			// Arrange: Create the wallet.
			w, err := Open(ctx, cfg)
			require.NoError(t, err)
			wantExt, wantInt, err := w.PublicDescriptors()
			require.NoError(t, err)
			require.NoError(t, w.Close())

			// Act / Assert: The same descriptors reopen it.
			w, err = Open(ctx, cfg)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			// No descriptors opens it watch-only.
			watchOnly := cfg
			watchOnly.ExternalDescriptor = ""
			watchOnly.InternalDescriptor = ""
			w, err = Open(ctx, watchOnly)
			require.NoError(t, err)
			gotExt, gotInt, err := w.PublicDescriptors()
			require.NoError(t, err)
			require.Equal(t, wantExt, gotExt)
			require.Equal(t, wantInt, gotInt)
			require.Empty(t, w.external.PrivateKeys())
			require.NoError(t, w.Close())

			// Swapped descriptors are refused.
			swapped := cfg
			swapped.ExternalDescriptor = internal.String()
			swapped.InternalDescriptor = external.String()
			_, err = Open(ctx, swapped)
			require.ErrorIs(t, err, ErrDescriptorMismatch)

			// So is another network.
			otherNet := watchOnly
			otherNet.ChainParams = &chaincfg.MainNetParams
			_, err = Open(ctx, otherNet)
			require.ErrorIs(t, err, ErrWrongNetwork)

			// A new wallet needs descriptors.
			unknown := watchOnly
			unknown.Name = "bob"
			_, err = Open(ctx, unknown)
			require.ErrorIs(t, err, ErrMissingDescriptor)
		})
	}
}

// TestOpenInvalidConfig checks the configuration errors.
func TestOpenInvalidConfig(t *testing.T) {
	t.Parallel()

	seed := bytes.Repeat([]byte{0x09}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	xpub, err := master.Neuter()
	require.NoError(t, err)
	mainnetXpub := xpub.String()

	testCases := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{
			name:    "empty name",
			modify:  func(c *Config) { c.Name = "" },
			wantErr: ErrInvalidWalletName,
		},
		{
			name:    "path in name",
			modify:  func(c *Config) { c.Name = "../x" },
			wantErr: ErrInvalidWalletName,
		},
		{
			name:    "unknown db backend",
			modify:  func(c *Config) { c.DBBackend = "postgres" },
			wantErr: ErrUnknownDBBackend,
		},
		{
			name: "mainnet key on regtest",
			modify: func(c *Config) {
				c.ExternalDescriptor = "wpkh(" + mainnetXpub +
					"/0/*)"
			},
			wantErr: ErrWrongNetwork,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			cfg := Config{
				Name:               "test",
				DataDir:            t.TempDir(),
				ChainParams:        &chainParams,
				ExternalDescriptor: testMultisig(t, 0).String(),
			}
			tc.modify(&cfg)

			// Act.
			_, err := Open(context.Background(), cfg)

			// Assert.
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

// TestNewAddress checks that each call reserves the next external index.
func TestNewAddress(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)
	ctx := context.Background()

	for index := uint32(0); index < 3; index++ {
		derived, err := f.external.Derive(index)
		require.NoError(t, err)
		want, err := derived.Address(&chainParams)
		require.NoError(t, err)

		// Act.
		info, err := f.w.NewAddress(ctx, KeychainExternal)

		// Assert.
		require.NoError(t, err)
		require.Equal(t, index, info.Index)
		require.Equal(t, want.String(), info.Address.String())
	}
}

// TestSyncCreateSignBroadcast runs the online flow end to end against a
// mocked backend.
func TestSyncCreateSignBroadcast(t *testing.T) {
	t.Parallel()

	for _, dbBackend := range []string{DBBackendBolt, DBBackendSQLite} {
		t.Run(dbBackend, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			f := newWalletFixture(t, dbBackend)
			ctx := context.Background()
			funding := f.fund(t, 60_000)

			// Act: Sync.
			res, err := f.w.Sync(ctx)

			// Assert.
			require.NoError(t, err)
			require.Equal(t, int32(110), res.TipHeight)
			require.Equal(t, 1, res.Utxos)
			require.Equal(t, uint32(1), res.NextExternalIndex)

			balance, err := f.w.Balance(ctx)
			require.NoError(t, err)
			require.Equal(t, btcutil.Amount(60_000), balance.Confirmed)
			require.Zero(t, balance.Unconfirmed)

			utxos, err := f.w.ListUnspent(ctx)
			require.NoError(t, err)
			require.Len(t, utxos, 1)
			require.True(t, utxos[0].PrevTx.IsSome())
			require.Equal(t, int32(11), utxos[0].Confirmations(110))

			// Act: Create a 50k payment.
			created, err := f.w.CreateTx(ctx, TxRequest{
				Recipients: []Recipient{{
					PkScript: p2wshScript(0xee),
					Amount:   50_000,
				}},
				FeeRate: feeRate5,
			})

			// Assert: The reference fee, with change.
			require.NoError(t, err)
			require.Equal(t, btcutil.Amount(1_008), created.Fee)
			require.Len(t, created.Packet.UnsignedTx.TxOut, 2)
			require.NotNil(t, created.Packet.Inputs[0].NonWitnessUtxo)

			// Act: Sign with every key, which also finalizes.
			signRes, err := f.w.SignPsbt(ctx, created.Packet)
			require.NoError(t, err)
			require.Equal(t, 3, signRes.Signatures)
			require.Equal(t, PsbtFinalized, signRes.State)

			broadcastID := chainhash.Hash{0xab}
			f.backend.On("Broadcast", mock.Anything, mock.Anything).
				Return(broadcastID, nil).Once()

			tx, err := f.w.Broadcast(ctx, created.Packet)
			require.NoError(t, err)

			// Assert: The tx is valid, recorded, and its input is no
			// longer listed.
			verifyTx(t, tx, map[wire.OutPoint]*wire.TxOut{
				{Hash: funding.TxHash()}: funding.TxOut[0],
			})

			history, err := f.w.ListBroadcasts(ctx)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, broadcastID, history[0].Txid)

			utxos, err = f.w.ListUnspent(ctx)
			require.NoError(t, err)
			require.Empty(t, utxos)

			f.backend.AssertExpectations(t)
		})
	}
}

// TestCreateTxWithoutSnapshot checks the errors of a wallet that never
// synced.
func TestCreateTxWithoutSnapshot(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)
	ctx := context.Background()

	// Act.
	_, err := f.w.CreateTx(ctx, TxRequest{
		Recipients: []Recipient{{
			PkScript: p2wshScript(0xee), Amount: 1_000,
		}},
		FeeRate: feeRate5,
	})

	// Assert.
	require.ErrorIs(t, err, ErrNoSnapshot)

	balance, err := f.w.Balance(ctx)
	require.NoError(t, err)
	require.Zero(t, balance.Total())
}

// TestSyncFailureKeepsSnapshot checks that a failed sync leaves the
// previous UTXO set in place.
func TestSyncFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)
	ctx := context.Background()
	f.fund(t, 60_000)
	_, err := f.w.Sync(ctx)
	require.NoError(t, err)

	f.backend.On("Sync", mock.Anything, mock.Anything).
		Return(nil, errSyncFail).Once()

	// Act.
	_, err = f.w.Sync(ctx)

	// Assert.
	require.ErrorIs(t, err, errSyncFail)
	utxos, err := f.w.ListUnspent(ctx)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
}

// TestSyncWithoutBackend checks that an offline wallet refuses online
// operations.
func TestSyncWithoutBackend(t *testing.T) {
	t.Parallel()

	// Arrange.
	cfg := Config{
		Name:               "offline",
		DataDir:            t.TempDir(),
		ChainParams:        &chainParams,
		ExternalDescriptor: testMultisig(t, 0).String(),
	}
	w, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer w.Close()

	// Act.
	_, err = w.Sync(context.Background())

	// Assert.
	require.ErrorIs(t, err, ErrNoBackend)
	require.ErrorIs(t, w.BroadcastTx(context.Background(), wire.NewMsgTx(2)),
		ErrNoBackend)
}

// TestLockOutpoint checks that a locked UTXO is counted apart and never
// selected.
func TestLockOutpoint(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)
	ctx := context.Background()
	funding := f.fund(t, 60_000)
	_, err := f.w.Sync(ctx)
	require.NoError(t, err)

	op := wire.OutPoint{Hash: funding.TxHash()}
	req := TxRequest{
		Recipients: []Recipient{{
			PkScript: p2wshScript(0xee), Amount: 10_000,
		}},
		FeeRate: feeRate5,
	}

	// Act.
	require.NoError(t, f.w.LockOutpoint(ctx, op))

	// Assert.
	balance, err := f.w.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(60_000), balance.Locked)
	require.Zero(t, balance.Confirmed)

	_, err = f.w.CreateTx(ctx, req)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, f.w.UnlockOutpoint(ctx, op))
	_, err = f.w.CreateTx(ctx, req)
	require.NoError(t, err)
}

// TestPolicies checks that both keychains report their paths.
func TestPolicies(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)

	// Act.
	policies, err := f.w.Policies()

	// Assert.
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.Equal(t, "external", policies[0].Keychain)
	require.Equal(t, "internal", policies[1].Keychain)
	for _, p := range policies {
		require.Len(t, p.Paths, 3)
		require.NotContains(t, p.Descriptor, "prv")
	}
}

// TestTxLocks checks lock time and sequence for the chosen paths.
func TestTxLocks(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		paths        []policy.SatisfactionPath
		rbf          bool
		wantLockTime uint32
		wantSequence uint32
	}{
		{
			name:         "no timelock",
			paths:        []policy.SatisfactionPath{{}},
			wantSequence: wire.MaxTxInSequenceNum,
		},
		{
			name:         "rbf",
			paths:        []policy.SatisfactionPath{{}},
			rbf:          true,
			wantSequence: wire.MaxTxInSequenceNum - 2,
		},
		{
			name:         "relative timelock",
			paths:        []policy.SatisfactionPath{{Older: 144}},
			rbf:          true,
			wantSequence: 144,
		},
		{
			name:         "absolute timelock",
			paths:        []policy.SatisfactionPath{{After: 800_000}},
			wantLockTime: 800_000,
			wantSequence: wire.MaxTxInSequenceNum - 1,
		},
		{
			name: "largest of two keychains",
			paths: []policy.SatisfactionPath{
				{After: 100}, {After: 200},
			},
			rbf:          true,
			wantLockTime: 200,
			wantSequence: wire.MaxTxInSequenceNum - 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			lockTime, sequence := txLocks(tc.paths, tc.rbf)
			require.Equal(t, tc.wantLockTime, lockTime)
			require.Equal(t, tc.wantSequence, sequence)
		})
	}
}

// TestWalletClosed checks that a closed wallet refuses every command.
func TestWalletClosed(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newWalletFixture(t, DBBackendBolt)

	// Act.
	require.NoError(t, f.w.Close())

	// Assert.
	_, err := f.w.NewAddress(context.Background(), KeychainExternal)
	require.ErrorIs(t, err, ErrWalletClosed)
	require.ErrorIs(t, f.w.Close(), ErrStateForbidden)
}
