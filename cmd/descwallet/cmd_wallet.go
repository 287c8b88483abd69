// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jedib0t/go-pretty/table"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	errSendAllRecipients = errors.New("--send-all needs exactly one " +
		"--to address")
	errNoRecipients = errors.New("at least one --to recipient is required")
)

// parseOutPoint parses "txid:vout".
func parseOutPoint(s string) (wire.OutPoint, error) {
	txidStr, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q, "+
			"expected txid:vout", s)
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s,
			err)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s,
			err)
	}

	return wire.OutPoint{Hash: *txid, Index: uint32(vout)}, nil
}

func parseOutPoints(list []string) ([]wire.OutPoint, error) {
	ops := make([]wire.OutPoint, 0, len(list))
	for _, s := range list {
		op, err := parseOutPoint(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// parseRecipient parses "address:sats". With drain set the amount may be
// left out.
func parseRecipient(s string, params *chaincfg.Params,
	drain bool) (wallet.Recipient, error) {

	addrStr, amountStr, hasAmount := s, "", false
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		addrStr, amountStr, hasAmount = s[:i], s[i+1:], true
	}

	addr, err := btcutil.DecodeAddress(addrStr, params)
	if err != nil {
		return wallet.Recipient{}, fmt.Errorf("invalid address %q: %w",
			addrStr, err)
	}
	if !addr.IsForNet(params) {
		return wallet.Recipient{}, fmt.Errorf("address %s is not for "+
			"%s", addrStr, params.Name)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wallet.Recipient{}, err
	}

	if drain {
		return wallet.Recipient{PkScript: pkScript, Drain: true}, nil
	}
	if !hasAmount {
		return wallet.Recipient{}, fmt.Errorf("recipient %q has no "+
			"amount, expected address:sats", s)
	}

	sats, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil || sats <= 0 {
		return wallet.Recipient{}, fmt.Errorf("invalid amount %q",
			amountStr)
	}

	return wallet.Recipient{
		PkScript: pkScript,
		Amount:   btcutil.Amount(sats),
	}, nil
}

// parseFeeRate parses a decimal sat/vB fee rate such as "2" or "1.5".
func parseFeeRate(s string) (btcunit.SatPerVByte, error) {
	rate, ok := new(big.Rat).SetString(s)
	if !ok || rate.Sign() <= 0 {
		return btcunit.SatPerVByte{}, fmt.Errorf("invalid fee rate %q",
			s)
	}
	if !rate.Num().IsInt64() || !rate.Denom().IsUint64() {
		return btcunit.SatPerVByte{}, fmt.Errorf("fee rate %q out of "+
			"range", s)
	}

	return btcunit.CalcSatPerVByte(
		btcutil.Amount(rate.Num().Int64()),
		btcunit.NewVByte(rate.Denom().Uint64()),
	), nil
}

// coinSelector maps a --coinselect choice to a strategy.
func coinSelector(name string) (wallet.CoinSelectionStrategy, error) {
	switch name {
	case "", "largest":
		return wallet.CoinSelectionLargest, nil

	case "oldest":
		return wallet.CoinSelectionOldest, nil

	case "random":
		return wallet.NewRandomCoinSelector(time.Now().UnixNano()), nil

	default:
		return nil, fmt.Errorf("unknown coin selection strategy %q",
			name)
	}
}

type getNewAddressCmd struct {
	Change bool `long:"change" description:"Derive from the change descriptor"`

	app *app
}

// Execute implements flags.Commander.
func (c *getNewAddressCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	keychain := wallet.KeychainExternal
	if c.Change {
		keychain = wallet.KeychainInternal
	}

	info, err := w.NewAddress(c.app.ctx, keychain)
	if err != nil {
		return err
	}

	return c.app.printJSON(map[string]any{
		"address":  info.Address.EncodeAddress(),
		"keychain": info.Keychain.String(),
		"index":    info.Index,
	})
}

// utxoJSON is the listunspent output of one UTXO.
type utxoJSON struct {
	OutPoint  string `json:"outpoint"`
	Value     int64  `json:"value"`
	Keychain  string `json:"keychain"`
	Index     uint32 `json:"index"`
	Height    int32  `json:"height"`
	Spendable bool   `json:"spendable"`
}

type listUnspentCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *listUnspentCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	utxos, err := w.ListUnspent(c.app.ctx)
	if err != nil {
		return err
	}

	list := make([]utxoJSON, 0, len(utxos))
	for _, u := range utxos {
		list = append(list, utxoJSON{
			OutPoint:  u.OutPoint.String(),
			Value:     int64(u.Value),
			Keychain:  u.Keychain.String(),
			Index:     u.Index,
			Height:    u.Height,
			Spendable: u.Spendable,
		})
	}

	return c.app.printList(list, table.Row{
		"Outpoint", "Value", "Keychain", "Index", "Height", "Spendable",
	}, func() []table.Row {
		rows := make([]table.Row, 0, len(list))
		for _, u := range list {
			rows = append(rows, table.Row{
				u.OutPoint, u.Value, u.Keychain, u.Index,
				u.Height, u.Spendable,
			})
		}

		return rows
	})
}

type getBalanceCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *getBalanceCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	balance, err := w.Balance(c.app.ctx)
	if err != nil {
		return err
	}

	return c.app.printJSON(map[string]any{
		"confirmed":   int64(balance.Confirmed),
		"unconfirmed": int64(balance.Unconfirmed),
		"locked":      int64(balance.Locked),
		"total":       int64(balance.Total()),
	})
}

type syncCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *syncCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	result, err := w.Sync(c.app.ctx)
	if err != nil {
		return err
	}

	return c.app.printJSON(result)
}

type createTxCmd struct {
	To          []string `long:"to" description:"Recipient as address:sats, may be repeated"`
	FeeRate     string   `long:"feerate" default:"1" description:"Fee rate in sat/vB"`
	Utxos       []string `long:"utxo" description:"Outpoint (txid:vout) that must be spent, may be repeated"`
	Unspendable []string `long:"unspendable" description:"Outpoint (txid:vout) that must not be spent, may be repeated"`
	PolicyPath  *int     `long:"policy-path" description:"Satisfaction path index to spend with, as listed by policies"`
	RBF         bool     `long:"rbf" description:"Signal replaceability"`
	SendAll     bool     `long:"send-all" description:"Send all spendable funds to the single --to address"`
	CoinSelect  string   `long:"coinselect" choice:"largest" choice:"oldest" choice:"random" default:"largest" description:"Coin selection strategy"`

	app *app
}

// request builds the wallet request from the options.
func (c *createTxCmd) request(params *chaincfg.Params) (wallet.TxRequest,
	error) {

	var req wallet.TxRequest

	switch {
	case c.SendAll && len(c.To) != 1:
		return req, errSendAllRecipients

	case len(c.To) == 0:
		return req, errNoRecipients
	}

	for _, to := range c.To {
		r, err := parseRecipient(to, params, c.SendAll)
		if err != nil {
			return req, err
		}
		req.Recipients = append(req.Recipients, r)
	}

	feeRate, err := parseFeeRate(c.FeeRate)
	if err != nil {
		return req, err
	}
	req.FeeRate = feeRate

	if req.Include, err = parseOutPoints(c.Utxos); err != nil {
		return req, err
	}
	if req.Exclude, err = parseOutPoints(c.Unspendable); err != nil {
		return req, err
	}

	if req.Strategy, err = coinSelector(c.CoinSelect); err != nil {
		return req, err
	}

	if c.PolicyPath != nil {
		req.PolicyPath = fn.Some(*c.PolicyPath)
	}
	req.EnableRBF = c.RBF

	return req, nil
}

// Execute implements flags.Commander.
func (c *createTxCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	req, err := c.request(w.ChainParams())
	if err != nil {
		return err
	}

	result, err := w.CreateTx(c.app.ctx, req)
	if err != nil {
		return err
	}

	encoded, err := wallet.EncodePsbt(result.Packet)
	if err != nil {
		return err
	}

	inputs := make([]string, 0, len(result.Plan.Inputs))
	for _, u := range result.Plan.Inputs {
		inputs = append(inputs, u.OutPoint.String())
	}

	return c.app.printJSON(map[string]any{
		"psbt":       encoded,
		"txid":       result.Packet.UnsignedTx.TxHash().String(),
		"fee":        int64(result.Fee),
		"inputs":     inputs,
		"has_change": result.Plan.Change.IsSome(),
	})
}

type lockUnspentCmd struct {
	Utxos  []string `long:"utxo" required:"true" description:"Outpoint (txid:vout), may be repeated"`
	Unlock bool     `long:"unlock" description:"Unlock instead of lock"`

	app *app
}

// Execute implements flags.Commander.
func (c *lockUnspentCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	ops, err := parseOutPoints(c.Utxos)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if c.Unlock {
			err = w.UnlockOutpoint(c.app.ctx, op)
		} else {
			err = w.LockOutpoint(c.app.ctx, op)
		}
		if err != nil {
			return err
		}
	}

	return c.app.printJSON(map[string]any{
		"locked": !c.Unlock,
		"utxos":  c.Utxos,
	})
}

type listLockUnspentCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *listLockUnspentCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	ops, err := w.ListLockedOutpoints(c.app.ctx)
	if err != nil {
		return err
	}

	list := make([]string, 0, len(ops))
	for _, op := range ops {
		list = append(list, op.String())
	}

	return c.app.printList(list, table.Row{"Outpoint"},
		func() []table.Row {
			rows := make([]table.Row, 0, len(list))
			for _, op := range list {
				rows = append(rows, table.Row{op})
			}

			return rows
		},
	)
}

type listBroadcastsCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *listBroadcastsCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	history, err := w.ListBroadcasts(c.app.ctx)
	if err != nil {
		return err
	}

	type broadcastJSON struct {
		Txid      string `json:"txid"`
		Timestamp string `json:"timestamp"`
		Size      int    `json:"size"`
	}
	list := make([]broadcastJSON, 0, len(history))
	for _, b := range history {
		list = append(list, broadcastJSON{
			Txid:      b.Txid.String(),
			Timestamp: b.Timestamp.UTC().Format(time.RFC3339),
			Size:      len(b.RawTx),
		})
	}

	return c.app.printList(list, table.Row{"Txid", "Time", "Size"},
		func() []table.Row {
			rows := make([]table.Row, 0, len(list))
			for _, b := range list {
				rows = append(rows, table.Row{
					b.Txid, b.Timestamp, b.Size,
				})
			}

			return rows
		},
	)
}

type policiesCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *policiesCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	policies, err := w.Policies()
	if err != nil {
		return err
	}

	return c.app.printList(policies, table.Row{
		"Keychain", "Path", "Keys", "Older", "After", "Witness size",
	}, func() []table.Row {
		var rows []table.Row
		for _, p := range policies {
			for _, path := range p.Paths {
				rows = append(rows, table.Row{
					p.Keychain, path.Index,
					strings.Join(path.Keys, ","),
					path.Older, path.After,
					path.WitnessSize,
				})
			}
		}

		return rows
	})
}

type publicDescriptorCmd struct {
	app *app
}

// Execute implements flags.Commander.
func (c *publicDescriptorCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	external, internal, err := w.PublicDescriptors()
	if err != nil {
		return err
	}

	return c.app.printJSON(map[string]string{
		"external": external,
		"internal": internal,
	})
}
