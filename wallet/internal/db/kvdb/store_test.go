package kvdb

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/wallet/internal/db"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a temporary bdb walletdb for kvdb store tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir(), DefaultDBTimeout)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func createTestWallet(t *testing.T, store *Store, name string) {
	t.Helper()

	err := store.CreateWallet(context.Background(), db.CreateWalletParams{
		Name:               name,
		ExternalDescriptor: "wpkh(ext)",
		InternalDescriptor: "wpkh(int)",
		Network:            "regtest",
	})
	require.NoError(t, err)
}

// TestReopen checks that wallets survive closing and reopening the file.
func TestReopen(t *testing.T) {
	t.Parallel()

	// Arrange: Create a wallet and close the database.
	dir := t.TempDir()
	store, err := Open(dir, DefaultDBTimeout)
	require.NoError(t, err)
	createTestWallet(t, store, "main")
	require.NoError(t, store.Close())

	// Act: Reopen the same directory.
	store, err = Open(dir, DefaultDBTimeout)
	require.NoError(t, err)
	defer store.Close()

	// Assert: The wallet is still there.
	info, err := store.GetWallet(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, "wpkh(int)", info.InternalDescriptor)
}

// TestWalletLifecycle checks wallet creation, listing and index
// reservation.
func TestWalletLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "beta")
	createTestWallet(t, store, "alpha")

	err := store.CreateWallet(ctx, db.CreateWalletParams{Name: "alpha"})
	require.ErrorIs(t, err, db.ErrWalletExists)

	for want := uint32(0); want < 3; want++ {
		got, err := store.ReserveIndex(ctx, "alpha", db.KeychainInternal)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	require.Equal(t, "alpha", wallets[0].Name)
	require.Equal(t, uint32(3), wallets[0].NextInternalIndex)
	require.Equal(t, uint32(0), wallets[0].NextExternalIndex)

	_, err = store.GetWallet(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

// TestReplaceUtxos checks the TLV round trip of stored UTXOs and that a sync
// replaces the previous set.
func TestReplaceUtxos(t *testing.T) {
	t.Parallel()

	// Arrange: A wallet and two successive UTXO sets.
	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	stale := db.UtxoInfo{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{7}, Index: 0},
		Amount:   btcutil.Amount(1_000),
		PkScript: []byte{0x00, 0x14},
	}
	fresh := []db.UtxoInfo{
		{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 256},
			Amount:   btcutil.Amount(60_000),
			PkScript: []byte{0x00, 0x20, 0xaa},
			Keychain: db.KeychainInternal,
			Index:    3,
			Height:   812_000,
			PrevTx:   []byte{0x01, 0x02, 0x03},
		},
		{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 2},
			Amount:   btcutil.Amount(40_000),
			PkScript: []byte{0x00, 0x14, 0xbb},
			Keychain: db.KeychainExternal,
			Index:    9,
		},
	}

	err := store.ReplaceUtxos(ctx, db.ReplaceUtxosParams{
		WalletName:        "main",
		Utxos:             []db.UtxoInfo{stale},
		SyncHeight:        10,
		NextExternalIndex: 12,
	})
	require.NoError(t, err)

	// Act: Sync again with the fresh set.
	err = store.ReplaceUtxos(ctx, db.ReplaceUtxosParams{
		WalletName:        "main",
		Utxos:             fresh,
		SyncHeight:        812_005,
		NextExternalIndex: 10,
		NextInternalIndex: 4,
	})
	require.NoError(t, err)

	// Assert: Entries come back in outpoint order with every field.
	utxos, err := store.ListUtxos(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, []db.UtxoInfo{fresh[1], fresh[0]}, utxos)

	info, err := store.GetWallet(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, int32(812_005), info.SyncHeight)
	require.Equal(t, uint32(12), info.NextExternalIndex)
	require.Equal(t, uint32(4), info.NextInternalIndex)
}

// TestLockedOutpoints checks locking and unlocking outpoints.
func TestLockedOutpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	op := wire.OutPoint{Hash: chainhash.Hash{5}, Index: 1}
	require.NoError(t, store.LockOutpoint(ctx, "main", op))

	locked, err := store.ListLockedOutpoints(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{op}, locked)

	require.NoError(t, store.UnlockOutpoint(ctx, "main", op))
	locked, err = store.ListLockedOutpoints(ctx, "main")
	require.NoError(t, err)
	require.Empty(t, locked)
}

// TestBroadcasts checks that the history is time ordered and that a txid
// broadcast twice keeps one entry.
func TestBroadcasts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	createTestWallet(t, store, "main")

	txid := chainhash.Hash{4}
	first := db.BroadcastInfo{
		Txid:      txid,
		RawTx:     []byte{0x01},
		Timestamp: time.Unix(1_700_000_000, 0),
	}
	other := db.BroadcastInfo{
		Txid:      chainhash.Hash{9},
		RawTx:     []byte{0x09},
		Timestamp: time.Unix(1_700_000_050, 0),
	}
	again := first
	again.Timestamp = time.Unix(1_700_000_100, 0)

	require.NoError(t, store.PutBroadcast(ctx, "main", first))
	require.NoError(t, store.PutBroadcast(ctx, "main", other))
	require.NoError(t, store.PutBroadcast(ctx, "main", again))

	infos, err := store.ListBroadcasts(ctx, "main")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, other.Txid, infos[0].Txid)
	require.Equal(t, txid, infos[1].Txid)
	require.True(t, again.Timestamp.Equal(infos[1].Timestamp))
}

// TestDeserializeUtxoCorrupt checks that garbage values are reported as
// corrupt records.
func TestDeserializeUtxoCorrupt(t *testing.T) {
	t.Parallel()

	_, err := deserializeUtxo(wire.OutPoint{}, []byte{0x00, 0x08, 0x01})
	require.True(t, db.IsErrorCode(err, db.ErrCorruptRecord))

	_, err = readOutPointKey([]byte{0x01})
	require.True(t, db.IsErrorCode(err, db.ErrCorruptRecord))
}
