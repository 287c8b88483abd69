// Package kvdb provides a walletdb (kvdb) backed implementation of the
// wallet/internal/db Store interface.
package kvdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/descwallet/wallet/internal/db"

	// Registers the "bdb" walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// dbDriver is the walletdb driver used for the key-value backend.
	dbDriver = "bdb"

	// dbFileName is the bbolt file created in the wallet data directory.
	dbFileName = "wallet.db"

	// DefaultDBTimeout is how long opening the file waits for the file
	// lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// namespaceKey is the top-level bucket holding every wallet.
	namespaceKey = []byte("descwallet")

	metaBucketName       = []byte("meta")
	utxoBucketName       = []byte("utxos")
	lockedBucketName     = []byte("locked")
	broadcastsBucketName = []byte("broadcasts")

	extDescKey    = []byte("external-descriptor")
	intDescKey    = []byte("internal-descriptor")
	networkKey    = []byte("network")
	nextExtKey    = []byte("next-external-index")
	nextIntKey    = []byte("next-internal-index")
	syncHeightKey = []byte("sync-height")

	errMissingNamespace = errors.New("missing descwallet namespace")
)

// Store is the kvdb (walletdb) implementation of the db.Store interface.
// Each wallet lives in its own nested bucket under the namespace bucket.
type Store struct {
	db walletdb.DB
}

// A compile-time assertion to ensure that Store implements the db.Store
// interface.
var _ db.Store = (*Store)(nil)

// NewStore wraps an open walletdb and creates the namespace bucket if it
// does not exist yet.
func NewStore(dbConn walletdb.DB) (*Store, error) {
	if dbConn == nil {
		return nil, db.ErrNilDB
	}

	err := walletdb.Update(dbConn, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(namespaceKey)
		return err
	})
	if err != nil {
		return nil, db.NewError(db.ErrDatabase, "create namespace", err)
	}

	return &Store{db: dbConn}, nil
}

// Open opens the wallet.db file in dir, creating it when missing.
func Open(dir string, timeout time.Duration) (*Store, error) {
	dbPath := filepath.Join(dir, dbFileName)

	dbConn, err := walletdb.Open(dbDriver, dbPath, true, timeout, false)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		log.Infof("Creating key-value database at %s", dbPath)

		dbConn, err = walletdb.Create(
			dbDriver, dbPath, true, timeout, false,
		)
	}
	if err != nil {
		return nil, db.NewError(db.ErrDatabase, "open walletdb", err)
	}

	store, err := NewStore(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return b[:]
}

func readUint32(meta walletdb.ReadBucket, key []byte) (uint32, error) {
	v := meta.Get(key)
	if len(v) != 4 {
		return 0, db.NewError(db.ErrCorruptRecord,
			fmt.Sprintf("meta %s", key), nil)
	}

	return binary.BigEndian.Uint32(v), nil
}

// walletBucket returns the read bucket of the named wallet.
func walletBucket(tx walletdb.ReadTx, name string) (walletdb.ReadBucket,
	error) {

	ns := tx.ReadBucket(namespaceKey)
	if ns == nil {
		return nil, errMissingNamespace
	}

	bucket := ns.NestedReadBucket([]byte(name))
	if bucket == nil {
		return nil, db.WalletNotFoundError(name)
	}

	return bucket, nil
}

// walletBucketRW returns the read-write bucket of the named wallet.
func walletBucketRW(tx walletdb.ReadWriteTx,
	name string) (walletdb.ReadWriteBucket, error) {

	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		return nil, errMissingNamespace
	}

	bucket := ns.NestedReadWriteBucket([]byte(name))
	if bucket == nil {
		return nil, db.WalletNotFoundError(name)
	}

	return bucket, nil
}

// ============================================================================
// WalletStore Implementation
// ============================================================================

// CreateWallet creates the nested bucket tree of a new wallet.
func (s *Store) CreateWallet(ctx context.Context,
	params db.CreateWalletParams) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if ns == nil {
			return errMissingNamespace
		}

		if ns.NestedReadWriteBucket([]byte(params.Name)) != nil {
			return fmt.Errorf("%w: %s", db.ErrWalletExists,
				params.Name)
		}

		bucket, err := ns.CreateBucket([]byte(params.Name))
		if err != nil {
			return err
		}

		meta, err := bucket.CreateBucket(metaBucketName)
		if err != nil {
			return err
		}

		puts := []struct {
			key   []byte
			value []byte
		}{
			{extDescKey, []byte(params.ExternalDescriptor)},
			{intDescKey, []byte(params.InternalDescriptor)},
			{networkKey, []byte(params.Network)},
			{nextExtKey, uint32Bytes(0)},
			{nextIntKey, uint32Bytes(0)},
			{syncHeightKey, uint32Bytes(0)},
		}
		for _, p := range puts {
			if err := meta.Put(p.key, p.value); err != nil {
				return err
			}
		}

		for _, name := range [][]byte{
			utxoBucketName, lockedBucketName, broadcastsBucketName,
		} {
			if _, err := bucket.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

func readWalletInfo(name string, bucket walletdb.ReadBucket) (db.WalletInfo,
	error) {

	meta := bucket.NestedReadBucket(metaBucketName)
	if meta == nil {
		return db.WalletInfo{}, db.NewError(db.ErrCorruptRecord,
			fmt.Sprintf("wallet %q has no meta bucket", name), nil)
	}

	info := db.WalletInfo{
		Name:               name,
		ExternalDescriptor: string(meta.Get(extDescKey)),
		InternalDescriptor: string(meta.Get(intDescKey)),
		Network:            string(meta.Get(networkKey)),
	}

	var err error
	if info.NextExternalIndex, err = readUint32(meta, nextExtKey); err != nil {
		return db.WalletInfo{}, err
	}
	if info.NextInternalIndex, err = readUint32(meta, nextIntKey); err != nil {
		return db.WalletInfo{}, err
	}

	height, err := readUint32(meta, syncHeightKey)
	if err != nil {
		return db.WalletInfo{}, err
	}
	info.SyncHeight = int32(height)

	return info, nil
}

// GetWallet returns the stored state of a wallet.
func (s *Store) GetWallet(ctx context.Context,
	name string) (db.WalletInfo, error) {

	if err := ctx.Err(); err != nil {
		return db.WalletInfo{}, err
	}

	var info db.WalletInfo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket, err := walletBucket(tx, name)
		if err != nil {
			return err
		}

		info, err = readWalletInfo(name, bucket)

		return err
	})

	return info, err
}

// ListWallets returns every wallet ordered by name.
func (s *Store) ListWallets(ctx context.Context) ([]db.WalletInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var wallets []db.WalletInfo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if ns == nil {
			return errMissingNamespace
		}

		// Keys are iterated in byte order, which is name order.
		return ns.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}

			info, err := readWalletInfo(
				string(k), ns.NestedReadBucket(k),
			)
			if err != nil {
				return err
			}
			wallets = append(wallets, info)

			return nil
		})
	})

	return wallets, err
}

// ReserveIndex returns the next unused index of the keychain and advances
// it.
func (s *Store) ReserveIndex(ctx context.Context, name string,
	keychain db.Keychain) (uint32, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := nextExtKey
	if keychain == db.KeychainInternal {
		key = nextIntKey
	}

	var index uint32
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := walletBucketRW(tx, name)
		if err != nil {
			return err
		}

		meta := bucket.NestedReadWriteBucket(metaBucketName)
		index, err = readUint32(meta, key)
		if err != nil {
			return err
		}

		return meta.Put(key, uint32Bytes(index+1))
	})

	return index, err
}

// ============================================================================
// UTXOStore Implementation
// ============================================================================

// ReplaceUtxos swaps the UTXO set of a wallet in one transaction.
func (s *Store) ReplaceUtxos(ctx context.Context,
	params db.ReplaceUtxosParams) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := walletBucketRW(tx, params.WalletName)
		if err != nil {
			return err
		}

		if err := bucket.DeleteNestedBucket(utxoBucketName); err != nil {
			return err
		}
		utxos, err := bucket.CreateBucket(utxoBucketName)
		if err != nil {
			return err
		}

		for _, utxo := range params.Utxos {
			v, err := serializeUtxo(utxo)
			if err != nil {
				return err
			}

			err = utxos.Put(outPointKey(utxo.OutPoint), v)
			if err != nil {
				return err
			}
		}

		meta := bucket.NestedReadWriteBucket(metaBucketName)
		err = meta.Put(syncHeightKey, uint32Bytes(uint32(params.SyncHeight)))
		if err != nil {
			return err
		}

		advance := func(key []byte, next uint32) error {
			current, err := readUint32(meta, key)
			if err != nil {
				return err
			}
			if next <= current {
				return nil
			}

			return meta.Put(key, uint32Bytes(next))
		}
		if err := advance(nextExtKey, params.NextExternalIndex); err != nil {
			return err
		}

		return advance(nextIntKey, params.NextInternalIndex)
	})
}

// ListUtxos returns the stored UTXO set ordered by outpoint.
func (s *Store) ListUtxos(ctx context.Context,
	name string) ([]db.UtxoInfo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var utxos []db.UtxoInfo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket, err := walletBucket(tx, name)
		if err != nil {
			return err
		}

		return bucket.NestedReadBucket(utxoBucketName).ForEach(
			func(k, v []byte) error {
				op, err := readOutPointKey(k)
				if err != nil {
					return err
				}

				info, err := deserializeUtxo(op, v)
				if err != nil {
					return err
				}
				utxos = append(utxos, info)

				return nil
			},
		)
	})

	return utxos, err
}

// LockOutpoint excludes an outpoint from coin selection.
func (s *Store) LockOutpoint(ctx context.Context, name string,
	op wire.OutPoint) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := walletBucketRW(tx, name)
		if err != nil {
			return err
		}

		return bucket.NestedReadWriteBucket(lockedBucketName).Put(
			outPointKey(op), []byte{},
		)
	})
}

// UnlockOutpoint makes a locked outpoint selectable again.
func (s *Store) UnlockOutpoint(ctx context.Context, name string,
	op wire.OutPoint) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := walletBucketRW(tx, name)
		if err != nil {
			return err
		}

		return bucket.NestedReadWriteBucket(lockedBucketName).Delete(
			outPointKey(op),
		)
	})
}

// ListLockedOutpoints returns the locked outpoints of a wallet.
func (s *Store) ListLockedOutpoints(ctx context.Context,
	name string) ([]wire.OutPoint, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ops []wire.OutPoint
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket, err := walletBucket(tx, name)
		if err != nil {
			return err
		}

		return bucket.NestedReadBucket(lockedBucketName).ForEach(
			func(k, _ []byte) error {
				op, err := readOutPointKey(k)
				if err != nil {
					return err
				}
				ops = append(ops, op)

				return nil
			},
		)
	})

	return ops, err
}

// ============================================================================
// TxStore Implementation
// ============================================================================

// broadcastKey orders the broadcast history by time, then txid.
func broadcastKey(info db.BroadcastInfo) []byte {
	k := make([]byte, 8+chainhash.HashSize)
	binary.BigEndian.PutUint64(k, uint64(info.Timestamp.Unix()))
	copy(k[8:], info.Txid[:])

	return k
}

// PutBroadcast records a broadcast transaction. A txid broadcast again
// replaces its earlier entry.
func (s *Store) PutBroadcast(ctx context.Context, name string,
	info db.BroadcastInfo) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := walletBucketRW(tx, name)
		if err != nil {
			return err
		}

		broadcasts := bucket.NestedReadWriteBucket(broadcastsBucketName)

		var stale [][]byte
		err = broadcasts.ForEach(func(k, _ []byte) error {
			if bytes.Equal(k[8:], info.Txid[:]) {
				stale = append(stale, append([]byte{}, k...))
			}

			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := broadcasts.Delete(k); err != nil {
				return err
			}
		}

		return broadcasts.Put(broadcastKey(info), info.RawTx)
	})
}

// ListBroadcasts returns the broadcast history, oldest first.
func (s *Store) ListBroadcasts(ctx context.Context,
	name string) ([]db.BroadcastInfo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []db.BroadcastInfo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket, err := walletBucket(tx, name)
		if err != nil {
			return err
		}

		return bucket.NestedReadBucket(broadcastsBucketName).ForEach(
			func(k, v []byte) error {
				if len(k) != 8+chainhash.HashSize {
					return db.NewError(db.ErrCorruptRecord,
						"broadcast key", nil)
				}

				info := db.BroadcastInfo{
					RawTx: append([]byte{}, v...),
					Timestamp: time.Unix(
						int64(binary.BigEndian.Uint64(k)), 0,
					),
				}
				copy(info.Txid[:], k[8:])
				infos = append(infos, info)

				return nil
			},
		)
	})

	return infos, err
}
