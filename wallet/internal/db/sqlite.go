// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

const (
	// sqliteFileName is the database file created in the wallet data
	// directory.
	sqliteFileName = "wallet.sqlite"

	// busyTimeoutMs makes SQLite retry acquiring locks instead of
	// returning SQLITE_BUSY immediately.
	busyTimeoutMs = 5000
)

// SQLiteStore is the SQLite implementation of the Store interface.
type SQLiteStore struct {
	db *sql.DB
}

// A compile-time check to ensure that SQLiteStore implements the Store
// interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an open database whose migrations were applied.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens or creates the SQLite database in dir and applies
// pending migrations.
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	dsn := filepath.Join(dir, sqliteFileName) +
		"?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		fmt.Sprintf("&_pragma=busy_timeout=%d", busyTimeoutMs)

	dbConn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewError(ErrDatabase, "open sqlite database", err)
	}

	if err := ApplySQLiteMigrations(dbConn); err != nil {
		_ = dbConn.Close()
		return nil, NewError(ErrDatabase, "apply migrations", err)
	}

	return NewSQLiteStore(dbConn)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execInTx runs fn inside a transaction, committing on success and rolling
// back on error.
func execInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(ErrDatabase, "begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return NewError(ErrDatabase, "commit transaction", err)
	}

	return nil
}

// ============================================================================
// WalletStore Implementation
// ============================================================================

// CreateWallet inserts a new wallet row.
func (s *SQLiteStore) CreateWallet(ctx context.Context,
	params CreateWalletParams) error {

	return execInTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM wallets WHERE name = ?",
			params.Name).Scan(&exists)
		if err != nil {
			return NewError(ErrDatabase, "query wallet", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrWalletExists, params.Name)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallets (
				name, external_descriptor, internal_descriptor,
				network
			) VALUES (?, ?, ?, ?)`,
			params.Name, params.ExternalDescriptor,
			params.InternalDescriptor, params.Network,
		)
		if err != nil {
			return NewError(ErrDatabase, "insert wallet", err)
		}

		return nil
	})
}

const walletColumns = `name, external_descriptor, internal_descriptor,
	network, next_external_index, next_internal_index, sync_height`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (WalletInfo, error) {
	var (
		info          WalletInfo
		nextExt       int64
		nextInt       int64
		syncHeightRaw int64
	)

	err := row.Scan(
		&info.Name, &info.ExternalDescriptor, &info.InternalDescriptor,
		&info.Network, &nextExt, &nextInt, &syncHeightRaw,
	)
	if err != nil {
		return WalletInfo{}, err
	}

	if info.NextExternalIndex, err = castInt[uint32](nextExt); err != nil {
		return WalletInfo{}, err
	}
	if info.NextInternalIndex, err = castInt[uint32](nextInt); err != nil {
		return WalletInfo{}, err
	}
	if info.SyncHeight, err = castInt[int32](syncHeightRaw); err != nil {
		return WalletInfo{}, err
	}

	return info, nil
}

// GetWallet returns the stored state of a wallet.
func (s *SQLiteStore) GetWallet(ctx context.Context,
	name string) (WalletInfo, error) {

	row := s.db.QueryRowContext(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE name = ?", name)

	info, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WalletInfo{}, WalletNotFoundError(name)
	}
	if err != nil {
		return WalletInfo{}, NewError(ErrDatabase, "get wallet", err)
	}

	return info, nil
}

// ListWallets returns every wallet ordered by name.
func (s *SQLiteStore) ListWallets(ctx context.Context) ([]WalletInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+walletColumns+" FROM wallets ORDER BY name")
	if err != nil {
		return nil, NewError(ErrDatabase, "list wallets", err)
	}
	defer rows.Close()

	var wallets []WalletInfo
	for rows.Next() {
		info, err := scanWallet(rows)
		if err != nil {
			return nil, NewError(ErrDatabase, "scan wallet", err)
		}
		wallets = append(wallets, info)
	}

	return wallets, rows.Err()
}

// ReserveIndex returns the next unused index of the keychain and advances
// it.
func (s *SQLiteStore) ReserveIndex(ctx context.Context, name string,
	keychain Keychain) (uint32, error) {

	column := "next_external_index"
	if keychain == KeychainInternal {
		column = "next_internal_index"
	}

	var index uint32
	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw int64
		err := tx.QueryRowContext(ctx,
			"SELECT "+column+" FROM wallets WHERE name = ?",
			name).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return WalletNotFoundError(name)
		}
		if err != nil {
			return NewError(ErrDatabase, "read index", err)
		}

		index, err = castInt[uint32](raw)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE wallets SET "+column+" = ? WHERE name = ?",
			raw+1, name)
		if err != nil {
			return NewError(ErrDatabase, "advance index", err)
		}

		return nil
	})

	return index, err
}

// ============================================================================
// UTXOStore Implementation
// ============================================================================

// ReplaceUtxos swaps the UTXO set of a wallet in one transaction.
func (s *SQLiteStore) ReplaceUtxos(ctx context.Context,
	params ReplaceUtxosParams) error {

	return execInTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET
				sync_height = ?,
				next_external_index = MAX(next_external_index, ?),
				next_internal_index = MAX(next_internal_index, ?)
			WHERE name = ?`,
			params.SyncHeight, params.NextExternalIndex,
			params.NextInternalIndex, params.WalletName,
		)
		if err != nil {
			return NewError(ErrDatabase, "update sync height", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return NewError(ErrDatabase, "update sync height", err)
		}
		if n == 0 {
			return WalletNotFoundError(params.WalletName)
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM utxos WHERE wallet = ?", params.WalletName)
		if err != nil {
			return NewError(ErrDatabase, "clear utxos", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO utxos (
				wallet, txid, vout, amount, pk_script, keychain,
				derivation_index, height, prev_tx
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return NewError(ErrDatabase, "prepare insert", err)
		}
		defer stmt.Close()

		for _, utxo := range params.Utxos {
			var prevTx any
			if len(utxo.PrevTx) > 0 {
				prevTx = utxo.PrevTx
			}

			_, err := stmt.ExecContext(ctx, params.WalletName,
				utxo.OutPoint.Hash[:], utxo.OutPoint.Index,
				int64(utxo.Amount), utxo.PkScript,
				uint8(utxo.Keychain), utxo.Index, utxo.Height,
				prevTx,
			)
			if err != nil {
				return NewError(ErrDatabase, fmt.Sprintf(
					"insert utxo %v", utxo.OutPoint), err)
			}
		}

		return nil
	})
}

// ListUtxos returns the stored UTXO set ordered by outpoint.
func (s *SQLiteStore) ListUtxos(ctx context.Context,
	name string) ([]UtxoInfo, error) {

	if _, err := s.GetWallet(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, vout, amount, pk_script, keychain,
			derivation_index, height, prev_tx
		FROM utxos WHERE wallet = ?
		ORDER BY txid, vout`, name)
	if err != nil {
		return nil, NewError(ErrDatabase, "list utxos", err)
	}
	defer rows.Close()

	var utxos []UtxoInfo
	for rows.Next() {
		var (
			txid                        []byte
			vout, amount, keychain, idx int64
			height                      int64
			prevTx                      []byte
			utxo                        UtxoInfo
		)
		err := rows.Scan(&txid, &vout, &amount, &utxo.PkScript,
			&keychain, &idx, &height, &prevTx)
		if err != nil {
			return nil, NewError(ErrDatabase, "scan utxo", err)
		}

		op, err := outPointFromColumns(txid, vout)
		if err != nil {
			return nil, err
		}
		utxo.OutPoint = op
		utxo.Amount = btcutil.Amount(amount)
		utxo.PrevTx = prevTx

		kc, err := castInt[uint8](keychain)
		if err != nil {
			return nil, err
		}
		utxo.Keychain = Keychain(kc)

		if utxo.Index, err = castInt[uint32](idx); err != nil {
			return nil, err
		}
		if utxo.Height, err = castInt[int32](height); err != nil {
			return nil, err
		}

		utxos = append(utxos, utxo)
	}

	return utxos, rows.Err()
}

func outPointFromColumns(txid []byte, vout int64) (wire.OutPoint, error) {
	hash, err := chainhash.NewHash(txid)
	if err != nil {
		return wire.OutPoint{}, NewError(ErrCorruptRecord,
			"decode txid", err)
	}

	index, err := castInt[uint32](vout)
	if err != nil {
		return wire.OutPoint{}, err
	}

	return wire.OutPoint{Hash: *hash, Index: index}, nil
}

// LockOutpoint excludes an outpoint from coin selection.
func (s *SQLiteStore) LockOutpoint(ctx context.Context, name string,
	op wire.OutPoint) error {

	if _, err := s.GetWallet(ctx, name); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO locked_outpoints (wallet, txid, vout)
		VALUES (?, ?, ?)`, name, op.Hash[:], op.Index)
	if err != nil {
		return NewError(ErrDatabase, "lock outpoint", err)
	}

	return nil
}

// UnlockOutpoint makes a locked outpoint selectable again.
func (s *SQLiteStore) UnlockOutpoint(ctx context.Context, name string,
	op wire.OutPoint) error {

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM locked_outpoints
		WHERE wallet = ? AND txid = ? AND vout = ?`,
		name, op.Hash[:], op.Index)
	if err != nil {
		return NewError(ErrDatabase, "unlock outpoint", err)
	}

	return nil
}

// ListLockedOutpoints returns the locked outpoints of a wallet.
func (s *SQLiteStore) ListLockedOutpoints(ctx context.Context,
	name string) ([]wire.OutPoint, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, vout FROM locked_outpoints
		WHERE wallet = ? ORDER BY txid, vout`, name)
	if err != nil {
		return nil, NewError(ErrDatabase, "list locked outpoints", err)
	}
	defer rows.Close()

	var ops []wire.OutPoint
	for rows.Next() {
		var (
			txid []byte
			vout int64
		)
		if err := rows.Scan(&txid, &vout); err != nil {
			return nil, NewError(ErrDatabase, "scan outpoint", err)
		}

		op, err := outPointFromColumns(txid, vout)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// ============================================================================
// TxStore Implementation
// ============================================================================

// PutBroadcast records a broadcast transaction.
func (s *SQLiteStore) PutBroadcast(ctx context.Context, name string,
	info BroadcastInfo) error {

	if _, err := s.GetWallet(ctx, name); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO broadcasts (
			wallet, txid, raw_tx, broadcast_at
		) VALUES (?, ?, ?, ?)`,
		name, info.Txid[:], info.RawTx, info.Timestamp.Unix(),
	)
	if err != nil {
		return NewError(ErrDatabase, "insert broadcast", err)
	}

	return nil
}

// ListBroadcasts returns the broadcast history, oldest first.
func (s *SQLiteStore) ListBroadcasts(ctx context.Context,
	name string) ([]BroadcastInfo, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, raw_tx, broadcast_at FROM broadcasts
		WHERE wallet = ? ORDER BY broadcast_at, txid`, name)
	if err != nil {
		return nil, NewError(ErrDatabase, "list broadcasts", err)
	}
	defer rows.Close()

	var infos []BroadcastInfo
	for rows.Next() {
		var (
			txid []byte
			info BroadcastInfo
			ts   int64
		)
		if err := rows.Scan(&txid, &info.RawTx, &ts); err != nil {
			return nil, NewError(ErrDatabase, "scan broadcast", err)
		}

		hash, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, NewError(ErrCorruptRecord, "decode txid", err)
		}
		info.Txid = *hash
		info.Timestamp = time.Unix(ts, 0)

		infos = append(infos, info)
	}

	return infos, rows.Err()
}
