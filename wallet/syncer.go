package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/wallet/internal/db"
	"github.com/davecgh/go-spew/spew"
)

// maxScanRounds bounds how often the scan window is extended in one sync.
const maxScanRounds = 100

// SyncResult summarizes a successful sync.
type SyncResult struct {
	TipHeight         int32  `json:"tip_height"`
	Utxos             int    `json:"utxos"`
	NextExternalIndex uint32 `json:"next_external_index"`
	NextInternalIndex uint32 `json:"next_internal_index"`
}

// scriptRef locates a derived script.
type scriptRef struct {
	keychain Keychain
	index    uint32
}

// scanState tracks the derived scripts of one sync.
type scanState struct {
	refs    map[string]scriptRef
	derived map[Keychain]uint32
}

// keychains returns the keychains with their own descriptor. When change
// shares the receive descriptor only the external keychain is scanned.
func (w *Wallet) keychains() []Keychain {
	if w.internal == w.external {
		return []Keychain{KeychainExternal}
	}

	return []Keychain{KeychainExternal, KeychainInternal}
}

// changeKeychain returns the keychain change indexes are reserved from.
func (w *Wallet) changeKeychain() Keychain {
	if w.internal == w.external {
		return KeychainExternal
	}

	return KeychainInternal
}

// deriveUpTo derives the scripts of k below limit that were not derived yet
// and returns them.
func (w *Wallet) deriveUpTo(s *scanState, k Keychain,
	limit uint32) ([][]byte, error) {

	desc := w.descriptor(k)
	if !desc.HasWildcard() {
		limit = 1
	}

	var scripts [][]byte
	for index := s.derived[k]; index < limit; index++ {
		derived, err := desc.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive %v/%d: %w", k, index, err)
		}

		s.refs[string(derived.PkScript)] = scriptRef{k, index}
		scripts = append(scripts, derived.PkScript)
	}
	if limit > s.derived[k] {
		s.derived[k] = limit
	}

	return scripts, nil
}

// Sync scans the chain backend for the wallet scripts and replaces the
// stored UTXO set. Concurrent callers share one in-flight sync. On failure
// the previous snapshot is left untouched.
func (w *Wallet) Sync(ctx context.Context) (*SyncResult, error) {
	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}
	if w.cfg.Backend == nil {
		return nil, ErrNoBackend
	}

	res, err, shared := w.syncGroup.Do(syncKey, func() (any, error) {
		return w.sync(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Tracef("Joined in-flight sync")
	}

	result, ok := res.(*SyncResult)
	if !ok {
		return nil, fmt.Errorf("unexpected sync result %T", res)
	}

	return result, nil
}

// awaitSync waits for an in-flight sync so commands see its result. A
// failed sync is not an error for the caller, which then uses the previous
// snapshot.
func (w *Wallet) awaitSync(ctx context.Context) error {
	if !w.state.syncing.Load() {
		return nil
	}

	log.Debugf("Waiting for in-flight sync")

	_, err := w.Sync(ctx)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return err

	default:
		log.Warnf("Sync failed, using previous snapshot: %v", err)
		return nil
	}
}

func (w *Wallet) sync(ctx context.Context) (*SyncResult, error) {
	w.state.startSync()
	defer w.state.endSync()

	info, err := w.store.GetWallet(ctx, w.cfg.Name)
	if err != nil {
		return nil, err
	}

	scan := &scanState{
		refs:    make(map[string]scriptRef),
		derived: make(map[Keychain]uint32),
	}
	next := map[Keychain]uint32{
		KeychainExternal: info.NextExternalIndex,
		KeychainInternal: info.NextInternalIndex,
	}

	var (
		utxos []chain.Utxo
		tip   int32
	)
	for round := 0; ; round++ {
		if round == maxScanRounds {
			return nil, fmt.Errorf("scan window did not settle after "+
				"%d rounds", maxScanRounds)
		}

		var scripts [][]byte
		for _, k := range w.keychains() {
			newScripts, err := w.deriveUpTo(
				scan, k, next[k]+w.cfg.GapLimit,
			)
			if err != nil {
				return nil, err
			}
			scripts = append(scripts, newScripts...)
		}
		if len(scripts) == 0 {
			break
		}

		log.Debugf("Sync round %d: querying %d scripts", round,
			len(scripts))

		snap, err := w.cfg.Backend.Sync(ctx, scripts)
		if err != nil {
			return nil, fmt.Errorf("sync: %w", err)
		}
		utxos = append(utxos, snap.Utxos...)
		tip = max(tip, snap.TipHeight)

		// Any used script moves the next index past it, which widens
		// the window for the next round.
		for _, script := range scripts {
			if !snap.IsUsed(script) {
				continue
			}

			ref := scan.refs[string(script)]
			next[ref.keychain] = max(next[ref.keychain], ref.index+1)
		}
	}

	records, err := w.utxoRecords(ctx, scan, utxos)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err = w.store.ReplaceUtxos(ctx, db.ReplaceUtxosParams{
		WalletName:        w.cfg.Name,
		Utxos:             records,
		SyncHeight:        tip,
		NextExternalIndex: next[KeychainExternal],
		NextInternalIndex: next[KeychainInternal],
	})
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		TipHeight:         tip,
		Utxos:             len(records),
		NextExternalIndex: next[KeychainExternal],
		NextInternalIndex: next[KeychainInternal],
	}
	log.Infof("Synced wallet %q to height %d: %d utxos", w.cfg.Name, tip,
		len(records))
	log.Tracef("Sync result: %v", newLogClosure(func() string {
		return spew.Sdump(result)
	}))

	return result, nil
}

// utxoRecords converts backend UTXOs into store records. Funding
// transactions already stored are reused, the others are fetched once per
// txid. A failed fetch only loses the non-witness UTXO of the input.
func (w *Wallet) utxoRecords(ctx context.Context, scan *scanState,
	utxos []chain.Utxo) ([]db.UtxoInfo, error) {

	stored, err := w.store.ListUtxos(ctx, w.cfg.Name)
	if err != nil {
		return nil, err
	}
	prevTxs := make(map[chainhash.Hash][]byte, len(stored))
	for _, s := range stored {
		if len(s.PrevTx) > 0 {
			prevTxs[s.OutPoint.Hash] = s.PrevTx
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(utxos))
	records := make([]db.UtxoInfo, 0, len(utxos))
	for _, u := range utxos {
		if _, ok := seen[u.OutPoint]; ok {
			continue
		}
		seen[u.OutPoint] = struct{}{}

		ref, ok := scan.refs[string(u.PkScript)]
		if !ok {
			return nil, fmt.Errorf("backend returned utxo %v for "+
				"unknown script %x", u.OutPoint, u.PkScript)
		}

		txid := u.OutPoint.Hash
		if _, ok := prevTxs[txid]; !ok {
			prevTxs[txid] = w.fetchTx(ctx, txid)
		}

		records = append(records, db.UtxoInfo{
			OutPoint: u.OutPoint,
			Amount:   u.Value,
			PkScript: u.PkScript,
			Keychain: db.Keychain(ref.keychain),
			Index:    ref.index,
			Height:   u.Height,
			PrevTx:   prevTxs[txid],
		})
	}

	return records, nil
}

// fetchTx returns the serialized transaction, or nil if the backend could
// not provide it.
func (w *Wallet) fetchTx(ctx context.Context, txid chainhash.Hash) []byte {
	tx, err := w.cfg.Backend.FetchTx(ctx, txid)
	if err != nil {
		log.Warnf("Unable to fetch funding tx %v: %v", txid, err)
		return nil
	}

	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		log.Warnf("Unable to serialize funding tx %v: %v", txid, err)
		return nil
	}

	return b.Bytes()
}
