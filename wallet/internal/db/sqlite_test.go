package db

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a SQLite store in a temporary directory.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func createTestWallet(t *testing.T, store Store, name string) {
	t.Helper()

	err := store.CreateWallet(context.Background(), CreateWalletParams{
		Name:               name,
		ExternalDescriptor: "wpkh(ext)",
		InternalDescriptor: "wpkh(int)",
		Network:            "regtest",
	})
	require.NoError(t, err)
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

// TestNewSQLiteStoreNilDB checks that a nil handle is rejected.
func TestNewSQLiteStoreNilDB(t *testing.T) {
	t.Parallel()

	_, err := NewSQLiteStore(nil)
	require.ErrorIs(t, err, ErrNilDB)
}

// TestSQLiteWalletLifecycle checks wallet creation, lookup, listing and
// index reservation.
func TestSQLiteWalletLifecycle(t *testing.T) {
	t.Parallel()

	// Arrange: Create two wallets.
	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "beta")
	createTestWallet(t, store, "alpha")

	// Act: Reserve external indexes and one internal index.
	first, err := store.ReserveIndex(ctx, "alpha", KeychainExternal)
	require.NoError(t, err)
	second, err := store.ReserveIndex(ctx, "alpha", KeychainExternal)
	require.NoError(t, err)
	change, err := store.ReserveIndex(ctx, "alpha", KeychainInternal)
	require.NoError(t, err)

	// Assert: Indexes are sequential per keychain and wallets are listed
	// by name.
	require.Equal(t, uint32(0), first)
	require.Equal(t, uint32(1), second)
	require.Equal(t, uint32(0), change)

	info, err := store.GetWallet(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "wpkh(ext)", info.ExternalDescriptor)
	require.Equal(t, "regtest", info.Network)
	require.Equal(t, uint32(2), info.NextIndex(KeychainExternal))
	require.Equal(t, uint32(1), info.NextIndex(KeychainInternal))

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	require.Equal(t, "alpha", wallets[0].Name)
	require.Equal(t, "beta", wallets[1].Name)
}

// TestSQLiteWalletErrors checks duplicate and unknown wallet names.
func TestSQLiteWalletErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	err := store.CreateWallet(ctx, CreateWalletParams{Name: "main"})
	require.ErrorIs(t, err, ErrWalletExists)

	_, err = store.GetWallet(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, IsErrorCode(err, ErrWalletNotFound))

	_, err = store.ReserveIndex(ctx, "missing", KeychainExternal)
	require.ErrorIs(t, err, ErrNotFound)

	err = store.ReplaceUtxos(ctx, ReplaceUtxosParams{WalletName: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

// TestSQLiteReplaceUtxos checks that a sync replaces the whole set and never
// moves keychain indexes backwards.
func TestSQLiteReplaceUtxos(t *testing.T) {
	t.Parallel()

	// Arrange: A wallet with one stored UTXO set.
	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	first := []UtxoInfo{{
		OutPoint: testOutPoint(1, 0),
		Amount:   btcutil.Amount(60_000),
		PkScript: []byte{0x00, 0x20},
		Keychain: KeychainExternal,
		Index:    4,
		Height:   100,
		PrevTx:   []byte{0xde, 0xad},
	}}
	err := store.ReplaceUtxos(ctx, ReplaceUtxosParams{
		WalletName:        "main",
		Utxos:             first,
		SyncHeight:        120,
		NextExternalIndex: 5,
	})
	require.NoError(t, err)

	// Act: Replace it with a different set and lower indexes.
	second := []UtxoInfo{
		{
			OutPoint: testOutPoint(3, 1),
			Amount:   btcutil.Amount(20_000),
			PkScript: []byte{0x00, 0x14},
			Keychain: KeychainInternal,
			Index:    0,
		},
		{
			OutPoint: testOutPoint(2, 7),
			Amount:   btcutil.Amount(10_000),
			PkScript: []byte{0x00, 0x14},
			Keychain: KeychainExternal,
			Index:    1,
			Height:   121,
		},
	}
	err = store.ReplaceUtxos(ctx, ReplaceUtxosParams{
		WalletName:        "main",
		Utxos:             second,
		SyncHeight:        130,
		NextExternalIndex: 2,
		NextInternalIndex: 1,
	})
	require.NoError(t, err)

	// Assert: Only the new set remains, ordered by outpoint.
	utxos, err := store.ListUtxos(ctx, "main")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, testOutPoint(2, 7), utxos[0].OutPoint)
	require.Equal(t, int32(121), utxos[0].Height)
	require.Nil(t, utxos[0].PrevTx)
	require.Equal(t, testOutPoint(3, 1), utxos[1].OutPoint)
	require.Equal(t, KeychainInternal, utxos[1].Keychain)

	info, err := store.GetWallet(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, int32(130), info.SyncHeight)
	require.Equal(t, uint32(5), info.NextExternalIndex)
	require.Equal(t, uint32(1), info.NextInternalIndex)
}

// TestSQLiteLockedOutpoints checks locking and unlocking outpoints.
func TestSQLiteLockedOutpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	op := testOutPoint(9, 2)
	require.NoError(t, store.LockOutpoint(ctx, "main", op))
	require.NoError(t, store.LockOutpoint(ctx, "main", op))

	locked, err := store.ListLockedOutpoints(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{op}, locked)

	require.NoError(t, store.UnlockOutpoint(ctx, "main", op))
	locked, err = store.ListLockedOutpoints(ctx, "main")
	require.NoError(t, err)
	require.Empty(t, locked)

	err = store.LockOutpoint(ctx, "missing", op)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestSQLiteBroadcasts checks the broadcast history.
func TestSQLiteBroadcasts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	older := BroadcastInfo{
		Txid:      chainhash.Hash{2},
		RawTx:     []byte{0x02},
		Timestamp: time.Unix(1_700_000_000, 0),
	}
	newer := BroadcastInfo{
		Txid:      chainhash.Hash{1},
		RawTx:     []byte{0x01},
		Timestamp: time.Unix(1_700_000_100, 0),
	}
	require.NoError(t, store.PutBroadcast(ctx, "main", newer))
	require.NoError(t, store.PutBroadcast(ctx, "main", older))

	infos, err := store.ListBroadcasts(ctx, "main")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, older.Txid, infos[0].Txid)
	require.True(t, older.Timestamp.Equal(infos[0].Timestamp))
	require.Equal(t, newer.RawTx, infos[1].RawTx)
}
