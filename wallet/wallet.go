// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet provides a descriptor wallet that derives addresses from a
// pair of output descriptors, tracks their UTXOs through a chain backend and
// builds, signs and finalizes PSBTs spending them.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/policy"
	"github.com/btcsuite/descwallet/wallet/internal/db"
	"github.com/btcsuite/descwallet/wallet/internal/db/kvdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DBBackendBolt selects the walletdb (bbolt) store.
	DBBackendBolt = "bdb"

	// DBBackendSQLite selects the SQLite store.
	DBBackendSQLite = "sqlite"

	// DefaultGapLimit is the number of consecutive unused scripts scanned
	// past the last used one of each keychain.
	DefaultGapLimit = 20

	// syncKey is the singleflight key shared by concurrent syncs.
	syncKey = "sync"
)

var (
	// ErrNoBackend is returned by online operations when the wallet has
	// no chain backend.
	ErrNoBackend = errors.New("no chain backend configured")

	// ErrMissingDescriptor is returned when a new wallet is created
	// without an external descriptor.
	ErrMissingDescriptor = errors.New("missing descriptor")

	// ErrDescriptorMismatch is returned when the descriptors passed to
	// Open differ from the ones the wallet was created with.
	ErrDescriptorMismatch = errors.New("descriptor does not match the " +
		"stored wallet")

	// ErrWrongNetwork is returned when a wallet or a key belongs to a
	// different network than the configured one.
	ErrWrongNetwork = errors.New("wrong network")

	// ErrInvalidWalletName is returned for names that are empty or
	// contain characters other than letters, digits, '-' and '_'.
	ErrInvalidWalletName = errors.New("invalid wallet name")

	// ErrUnknownDBBackend is returned for an unsupported DBBackend.
	ErrUnknownDBBackend = errors.New("unknown database backend")

	walletNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Config holds what is needed to open a wallet.
type Config struct {
	// Name identifies the wallet inside the store.
	Name string

	// DataDir is the directory holding the database file.
	DataDir string

	// DBBackend is DBBackendBolt or DBBackendSQLite.
	DBBackend string

	// DBTimeout bounds how long opening the bbolt file waits for its
	// lock.
	DBTimeout time.Duration

	// ChainParams is the network of the wallet.
	ChainParams *chaincfg.Params

	// ExternalDescriptor is the receive descriptor. It may carry private
	// keys, which are kept in memory only. It can be left empty to open
	// an existing wallet watch-only.
	ExternalDescriptor string

	// InternalDescriptor is the change descriptor. Empty means change is
	// derived from the external descriptor.
	InternalDescriptor string

	// Backend is the chain data source. Nil makes the wallet offline.
	Backend chain.Backend

	// GapLimit overrides DefaultGapLimit when non-zero.
	GapLimit uint32
}

// Wallet is a descriptor wallet. Its methods are safe for concurrent use;
// commands are serialized by an internal mutex.
type Wallet struct {
	cfg   Config
	store db.Store

	external *policy.Descriptor
	internal *policy.Descriptor

	// mu serializes commands.
	mu sync.Mutex

	state     walletState
	syncGroup singleflight.Group
}

// openStore opens the configured database backend.
func openStore(cfg *Config) (db.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	switch cfg.DBBackend {
	case DBBackendBolt, "":
		timeout := cfg.DBTimeout
		if timeout == 0 {
			timeout = kvdb.DefaultDBTimeout
		}

		return kvdb.Open(cfg.DataDir, timeout)

	case DBBackendSQLite:
		return db.OpenSQLiteStore(cfg.DataDir)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDBBackend,
			cfg.DBBackend)
	}
}

// parseDescriptor parses a descriptor and checks that every extended key
// belongs to params.
func parseDescriptor(s string, params *chaincfg.Params) (*policy.Descriptor,
	error) {

	desc, err := policy.ParseDescriptor(s)
	if err != nil {
		return nil, err
	}

	for _, name := range desc.KeyNames() {
		key, _ := desc.Key(name)
		if key.Extended != nil && !key.Extended.IsForNet(params) {
			return nil, fmt.Errorf("%w: key %s is not for %s",
				ErrWrongNetwork, name, params.Name)
		}
	}

	return desc, nil
}

// publicString returns the descriptor string without private keys.
func publicString(desc *policy.Descriptor) (string, error) {
	pub, err := desc.Public()
	if err != nil {
		return "", err
	}

	return pub.String(), nil
}

// Open opens the named wallet, creating it when it does not exist yet. The
// store only ever holds the public form of the descriptors.
func Open(ctx context.Context, cfg Config) (*Wallet, error) {
	if !walletNameRe.MatchString(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWalletName, cfg.Name)
	}
	if cfg.ChainParams == nil {
		return nil, errors.New("missing chain params")
	}
	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}

	store, err := openStore(&cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBBackend, err)
	}

	w, err := open(ctx, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return w, nil
}

// open loads or creates the wallet in an already opened store.
func open(ctx context.Context, cfg Config, store db.Store) (*Wallet, error) {
	w := &Wallet{cfg: cfg, store: store}

	var err error
	if cfg.ExternalDescriptor != "" {
		w.external, err = parseDescriptor(
			cfg.ExternalDescriptor, cfg.ChainParams,
		)
		if err != nil {
			return nil, fmt.Errorf("external descriptor: %w", err)
		}

		w.internal = w.external
		if cfg.InternalDescriptor != "" &&
			cfg.InternalDescriptor != cfg.ExternalDescriptor {

			w.internal, err = parseDescriptor(
				cfg.InternalDescriptor, cfg.ChainParams,
			)
			if err != nil {
				return nil, fmt.Errorf("internal descriptor: %w",
					err)
			}
		}
	}

	info, err := store.GetWallet(ctx, cfg.Name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if w.external == nil {
			return nil, fmt.Errorf("%w: wallet %q does not exist "+
				"yet", ErrMissingDescriptor, cfg.Name)
		}

		if err := w.create(ctx); err != nil {
			return nil, err
		}

		return w, nil

	case err != nil:
		return nil, err
	}

	if info.Network != cfg.ChainParams.Name {
		return nil, fmt.Errorf("%w: wallet %q is a %s wallet",
			ErrWrongNetwork, cfg.Name, info.Network)
	}

	// Without descriptors the wallet is opened watch-only from the
	// stored public descriptors.
	if w.external == nil {
		w.external, err = parseDescriptor(
			info.ExternalDescriptor, cfg.ChainParams,
		)
		if err != nil {
			return nil, fmt.Errorf("stored external descriptor: %w",
				err)
		}

		// A wallet created without a change descriptor keeps sharing
		// the external one.
		w.internal = w.external
		if info.InternalDescriptor != info.ExternalDescriptor {
			w.internal, err = parseDescriptor(
				info.InternalDescriptor, cfg.ChainParams,
			)
			if err != nil {
				return nil, fmt.Errorf("stored internal "+
					"descriptor: %w", err)
			}
		}

		return w, nil
	}

	for _, c := range []struct {
		desc   *policy.Descriptor
		stored string
	}{
		{w.external, info.ExternalDescriptor},
		{w.internal, info.InternalDescriptor},
	} {
		pub, err := publicString(c.desc)
		if err != nil {
			return nil, err
		}
		if pub != c.stored {
			return nil, fmt.Errorf("%w: %s != %s",
				ErrDescriptorMismatch, pub, c.stored)
		}
	}

	log.Debugf("Opened wallet %q: next external index %d, next internal "+
		"index %d, sync height %d", cfg.Name, info.NextExternalIndex,
		info.NextInternalIndex, info.SyncHeight)

	return w, nil
}

// create persists a new wallet.
func (w *Wallet) create(ctx context.Context) error {
	external, err := publicString(w.external)
	if err != nil {
		return err
	}
	internal, err := publicString(w.internal)
	if err != nil {
		return err
	}

	err = w.store.CreateWallet(ctx, db.CreateWalletParams{
		Name:               w.cfg.Name,
		ExternalDescriptor: external,
		InternalDescriptor: internal,
		Network:            w.cfg.ChainParams.Name,
	})
	if err != nil {
		return err
	}

	log.Infof("Created wallet %q on %s", w.cfg.Name, w.cfg.ChainParams.Name)

	return nil
}

// Close closes the store and the backend.
func (w *Wallet) Close() error {
	if err := w.state.toClosed(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var backendErr error
	if w.cfg.Backend != nil {
		backendErr = w.cfg.Backend.Close()
	}

	return errors.Join(w.store.Close(), backendErr)
}

// ChainParams returns the network of the wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}

// descriptor returns the descriptor of a keychain.
func (w *Wallet) descriptor(k Keychain) *policy.Descriptor {
	if k == KeychainInternal {
		return w.internal
	}

	return w.external
}

// AddressInfo is a derived address.
type AddressInfo struct {
	Address  btcutil.Address
	Keychain Keychain
	Index    uint32
}

// NewAddress reserves the next index of the keychain and returns its
// address. Descriptors without a wildcard always return the same address.
func (w *Wallet) NewAddress(ctx context.Context,
	k Keychain) (*AddressInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	index, err := w.store.ReserveIndex(ctx, w.cfg.Name, db.Keychain(k))
	if err != nil {
		return nil, err
	}

	derived, err := w.descriptor(k).Derive(index)
	if err != nil {
		return nil, err
	}

	addr, err := derived.Address(w.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	log.Debugf("New %v address %v at index %d", k, addr, index)

	return &AddressInfo{Address: addr, Keychain: k, Index: index}, nil
}

// spendPath returns the satisfaction path used to spend outputs of the
// keychain. Without an explicit choice the cheapest path is used.
func (w *Wallet) spendPath(k Keychain,
	path fn.Option[int]) (policy.SatisfactionPath, error) {

	plan := w.descriptor(k).Plan()
	if path.IsNone() {
		return plan.Best(), nil
	}

	sp, err := plan.Path(path.UnsafeFromSome())
	if err != nil {
		return policy.SatisfactionPath{}, fmt.Errorf("%v descriptor: %w",
			k, err)
	}

	return sp, nil
}

// loadSnapshot builds the UTXO snapshot of the last successful sync. Each
// UTXO is sized and checked for maturity against the given policy path.
func (w *Wallet) loadSnapshot(ctx context.Context,
	path fn.Option[int]) (*UtxoSnapshot, error) {

	info, err := w.store.GetWallet(ctx, w.cfg.Name)
	if err != nil {
		return nil, err
	}
	if info.SyncHeight == 0 {
		return nil, ErrNoSnapshot
	}

	records, err := w.store.ListUtxos(ctx, w.cfg.Name)
	if err != nil {
		return nil, err
	}
	lockedOps, err := w.store.ListLockedOutpoints(ctx, w.cfg.Name)
	if err != nil {
		return nil, err
	}
	locked := fn.NewSet(lockedOps...)

	snapshot := &UtxoSnapshot{
		Utxos:     make([]Utxo, 0, len(records)),
		TipHeight: info.SyncHeight,
	}
	for _, record := range records {
		u, err := utxoFromRecord(record)
		if err != nil {
			return nil, fmt.Errorf("utxo %v: %w", record.OutPoint, err)
		}

		sp, err := w.spendPath(u.Keychain, path)
		if err != nil {
			return nil, err
		}

		u.WitnessSize = sp.WitnessSize
		u.Spendable = !locked.Contains(u.OutPoint) &&
			matured(u, sp.Older, info.SyncHeight)

		snapshot.Utxos = append(snapshot.Utxos, u)
	}

	slices.SortFunc(snapshot.Utxos, func(a, b Utxo) int {
		return compareOutPoints(a.OutPoint, b.OutPoint)
	})

	return snapshot, nil
}

// currentSnapshot returns the snapshot for read-only commands, which report
// an empty wallet before the first sync.
func (w *Wallet) currentSnapshot(ctx context.Context) (*UtxoSnapshot, error) {
	snapshot, err := w.loadSnapshot(ctx, fn.None[int]())
	if errors.Is(err, ErrNoSnapshot) {
		return &UtxoSnapshot{}, nil
	}

	return snapshot, err
}

// ListUnspent returns the wallet UTXOs sorted by outpoint.
func (w *Wallet) ListUnspent(ctx context.Context) ([]Utxo, error) {
	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot, err := w.currentSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	return snapshot.Utxos, nil
}

// Balance returns the wallet balance.
func (w *Wallet) Balance(ctx context.Context) (Balances, error) {
	if err := w.state.validateOpen(); err != nil {
		return Balances{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot, err := w.currentSnapshot(ctx)
	if err != nil {
		return Balances{}, err
	}

	return snapshot.Balance(), nil
}

// LockOutpoint excludes an outpoint from automatic coin selection.
func (w *Wallet) LockOutpoint(ctx context.Context, op wire.OutPoint) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.LockOutpoint(ctx, w.cfg.Name, op)
}

// UnlockOutpoint makes a locked outpoint selectable again.
func (w *Wallet) UnlockOutpoint(ctx context.Context, op wire.OutPoint) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.UnlockOutpoint(ctx, w.cfg.Name, op)
}

// ListLockedOutpoints returns the locked outpoints.
func (w *Wallet) ListLockedOutpoints(ctx context.Context) ([]wire.OutPoint,
	error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.ListLockedOutpoints(ctx, w.cfg.Name)
}

// TxRequest describes a transaction to create.
type TxRequest struct {
	// Recipients are the outputs to pay. A single drain recipient turns
	// the request into a send-all.
	Recipients []Recipient

	// FeeRate is the fee rate to pay.
	FeeRate btcunit.SatPerVByte

	// Include lists outpoints that must be spent. Exclude lists outpoints
	// that must not be.
	Include []wire.OutPoint
	Exclude []wire.OutPoint

	// Strategy orders candidates. Nil means largest first.
	Strategy CoinSelectionStrategy

	// PolicyPath selects the satisfaction path, by rank, used to spend
	// every input. None uses the cheapest path.
	PolicyPath fn.Option[int]

	// EnableRBF signals replaceability on every input.
	EnableRBF bool
}

// CreateTxResult is an unsigned PSBT and what it pays.
type CreateTxResult struct {
	Packet *psbt.Packet
	Fee    btcutil.Amount
	Plan   *TxPlan
}

// txLocks returns the lock time and the input sequence for spending
// through paths.
func txLocks(paths []policy.SatisfactionPath, rbf bool) (uint32, uint32) {
	var lockTime, older uint32
	for _, p := range paths {
		lockTime = max(lockTime, p.After)
		older = max(older, p.Older)
	}

	switch {
	case older != 0:
		return lockTime, older

	case rbf:
		return lockTime, wire.MaxTxInSequenceNum - 2

	case lockTime != 0:
		// A final sequence would disable the lock time.
		return lockTime, wire.MaxTxInSequenceNum - 1

	default:
		return 0, wire.MaxTxInSequenceNum
	}
}

// CreateTx selects coins, balances the outputs and returns an unsigned
// PSBT. A change index is consumed only when change is created.
func (w *Wallet) CreateTx(ctx context.Context,
	req TxRequest) (*CreateTxResult, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}
	if err := w.awaitSync(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot, err := w.loadSnapshot(ctx, req.PolicyPath)
	if err != nil {
		return nil, err
	}

	selReq := SelectionRequest{
		FeeRate:  req.FeeRate,
		Include:  req.Include,
		Exclude:  req.Exclude,
		Strategy: req.Strategy,
	}
	for _, r := range req.Recipients {
		selReq.OutputScripts = append(selReq.OutputScripts, r.PkScript)
		if r.Drain {
			selReq.SendAll = true
			continue
		}
		selReq.Target += r.Amount
	}

	sel, err := SelectCoins(selReq, snapshot.Utxos)
	if err != nil {
		return nil, err
	}

	change, err := w.changeSource(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := Balance(sel, req.Recipients, req.FeeRate, change)
	if err != nil {
		return nil, err
	}

	paths := make([]policy.SatisfactionPath, 0, 2)
	for _, k := range []Keychain{KeychainExternal, KeychainInternal} {
		spent := slices.ContainsFunc(sel.Utxos, func(u Utxo) bool {
			return u.Keychain == k
		})
		if !spent {
			continue
		}

		sp, err := w.spendPath(k, req.PolicyPath)
		if err != nil {
			return nil, err
		}
		paths = append(paths, sp)
	}
	plan.LockTime, plan.Sequence = txLocks(paths, req.EnableRBF)

	packet, err := AssemblePsbt(plan, sel, w.lookupUtxo)
	if err != nil {
		return nil, err
	}

	return &CreateTxResult{Packet: packet, Fee: plan.Fee, Plan: plan}, nil
}

// changeSource returns the change source of the wallet. Every index of a
// descriptor yields a script of the same size, so index 0 gives the size of
// any change script.
func (w *Wallet) changeSource(ctx context.Context) (ChangeSource, error) {
	keychain := w.changeKeychain()
	desc := w.descriptor(keychain)

	sample, err := desc.Derive(0)
	if err != nil {
		return ChangeSource{}, err
	}

	return ChangeSource{
		ScriptSize: len(sample.PkScript),
		NewChange: func() (*ChangeOutput, error) {
			index, err := w.store.ReserveIndex(
				ctx, w.cfg.Name, db.Keychain(keychain),
			)
			if err != nil {
				return nil, err
			}

			derived, err := desc.Derive(index)
			if err != nil {
				return nil, err
			}

			return &ChangeOutput{
				PkScript: derived.PkScript,
				Index:    index,
				Derived:  derived,
			}, nil
		},
	}, nil
}

// lookupUtxo derives the descriptor controlling a wallet UTXO.
func (w *Wallet) lookupUtxo(u Utxo) (*policy.DerivedDescriptor, error) {
	return w.descriptor(u.Keychain).Derive(u.Index)
}

// lookupInput finds the descriptor derivation of a PSBT input from its
// BIP32 derivation records.
func (w *Wallet) lookupInput(in *psbt.PInput) (*policy.DerivedDescriptor,
	error) {

	if in.WitnessUtxo == nil {
		return nil, fmt.Errorf("%w: input has no witness utxo",
			ErrInvalidPsbt)
	}

	indexes := make([]uint32, 0, len(in.Bip32Derivation)+1)
	for _, d := range in.Bip32Derivation {
		if len(d.Bip32Path) > 0 {
			indexes = append(indexes, d.Bip32Path[len(d.Bip32Path)-1])
		}
	}
	indexes = append(indexes, 0)

	for _, k := range []Keychain{KeychainExternal, KeychainInternal} {
		for _, index := range indexes {
			derived, err := w.descriptor(k).Derive(index)
			if err != nil {
				continue
			}
			if string(derived.PkScript) ==
				string(in.WitnessUtxo.PkScript) {

				return derived, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: script %x is not controlled by this "+
		"wallet", ErrInvalidPsbt, in.WitnessUtxo.PkScript)
}

// SignResult reports what SignPsbt did.
type SignResult struct {
	// Signatures is the number of partial signatures added.
	Signatures int

	// State is the state of the packet afterwards.
	State PsbtState
}

// SignPsbt adds the signatures of the private keys in the wallet
// descriptors, then finalizes every input that became satisfiable.
func (w *Wallet) SignPsbt(ctx context.Context,
	packet *psbt.Packet) (*SignResult, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}
	if err := requireState(
		"sign", StateOf(packet, false), PsbtUnsigned,
		PsbtPartiallySigned,
	); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	keys := append(w.external.PrivateKeys(), w.internal.PrivateKeys()...)
	signed, err := NewKeyRing(keys...).SignPsbt(packet)
	if err != nil {
		return nil, err
	}

	err = Finalize(packet, w.lookupInput)
	if err != nil && !errors.Is(err, ErrNotFinalizable) {
		return nil, err
	}

	return &SignResult{
		Signatures: signed,
		State:      StateOf(packet, false),
	}, nil
}

// FinalizePsbt finalizes every input of the packet.
func (w *Wallet) FinalizePsbt(ctx context.Context, packet *psbt.Packet) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return Finalize(packet, w.lookupInput)
}

// Broadcast submits a finalized packet and returns the extracted
// transaction.
func (w *Wallet) Broadcast(ctx context.Context,
	packet *psbt.Packet) (*wire.MsgTx, error) {

	tx, err := Extract(packet)
	if err != nil {
		return nil, err
	}

	return tx, w.BroadcastTx(ctx, tx)
}

// BroadcastTx submits a signed transaction. Outputs it spends are dropped
// from the stored UTXO set so they are not selected again before the next
// sync.
func (w *Wallet) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}
	if w.cfg.Backend == nil {
		return ErrNoBackend
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	txid, err := w.cfg.Backend.Broadcast(ctx, tx)
	if err != nil {
		return fmt.Errorf("broadcast %v: %w", tx.TxHash(), err)
	}

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return err
	}
	err = w.store.PutBroadcast(ctx, w.cfg.Name, db.BroadcastInfo{
		Txid:      txid,
		RawTx:     raw.Bytes(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	log.Infof("Broadcast tx %v", txid)

	return w.dropSpent(ctx, tx)
}

// dropSpent removes the outputs spent by tx from the stored UTXO set.
func (w *Wallet) dropSpent(ctx context.Context, tx *wire.MsgTx) error {
	info, err := w.store.GetWallet(ctx, w.cfg.Name)
	if err != nil {
		return err
	}
	if info.SyncHeight == 0 {
		return nil
	}

	records, err := w.store.ListUtxos(ctx, w.cfg.Name)
	if err != nil {
		return err
	}

	spent := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		spent[in.PreviousOutPoint] = struct{}{}
	}

	kept := records[:0]
	for _, r := range records {
		if _, ok := spent[r.OutPoint]; !ok {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return nil
	}

	return w.store.ReplaceUtxos(ctx, db.ReplaceUtxosParams{
		WalletName:        w.cfg.Name,
		Utxos:             kept,
		SyncHeight:        info.SyncHeight,
		NextExternalIndex: info.NextExternalIndex,
		NextInternalIndex: info.NextInternalIndex,
	})
}

// ListBroadcasts returns the broadcast history, oldest first.
func (w *Wallet) ListBroadcasts(ctx context.Context) ([]db.BroadcastInfo,
	error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.ListBroadcasts(ctx, w.cfg.Name)
}

// KeychainPolicy describes the descriptor of one keychain.
type KeychainPolicy struct {
	Keychain   string                    `json:"keychain"`
	Descriptor string                    `json:"descriptor"`
	Miniscript string                    `json:"miniscript,omitempty"`
	Paths      []policy.SatisfactionPath `json:"paths"`
}

// Policies returns the spending paths of both descriptors, for use with
// TxRequest.PolicyPath.
func (w *Wallet) Policies() ([]KeychainPolicy, error) {
	policies := make([]KeychainPolicy, 0, 2)
	for _, k := range []Keychain{KeychainExternal, KeychainInternal} {
		desc := w.descriptor(k)
		pub, err := publicString(desc)
		if err != nil {
			return nil, err
		}

		policies = append(policies, KeychainPolicy{
			Keychain:   k.String(),
			Descriptor: pub,
			Miniscript: desc.Miniscript(),
			Paths:      desc.Plan().Paths(),
		})
	}

	return policies, nil
}

// PublicDescriptors returns the external and internal descriptors without
// private keys.
func (w *Wallet) PublicDescriptors() (string, string, error) {
	external, err := publicString(w.external)
	if err != nil {
		return "", "", err
	}
	internal, err := publicString(w.internal)
	if err != nil {
		return "", "", err
	}

	return external, internal, nil
}
