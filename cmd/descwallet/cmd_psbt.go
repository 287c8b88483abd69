// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/wallet"
)

// psbtJSON is the output of the commands that return a packet.
type psbtJSON struct {
	Psbt        string `json:"psbt"`
	State       string `json:"state"`
	IsFinalized bool   `json:"is_finalized"`
	Signatures  *int   `json:"signatures,omitempty"`
}

func newPsbtJSON(packet *psbt.Packet) (*psbtJSON, error) {
	encoded, err := wallet.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	state := wallet.StateOf(packet, false)

	return &psbtJSON{
		Psbt:        encoded,
		State:       state.String(),
		IsFinalized: state == wallet.PsbtFinalized,
	}, nil
}

type signPsbtCmd struct {
	Psbt string `long:"psbt" required:"true" description:"Base64 PSBT to sign"`

	app *app
}

// Execute implements flags.Commander.
func (c *signPsbtCmd) Execute(_ []string) error {
	packet, err := wallet.DecodePsbt(c.Psbt)
	if err != nil {
		return err
	}

	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	result, err := w.SignPsbt(c.app.ctx, packet)
	if err != nil {
		return err
	}

	out, err := newPsbtJSON(packet)
	if err != nil {
		return err
	}
	out.Signatures = &result.Signatures

	return c.app.printJSON(out)
}

type finalizePsbtCmd struct {
	Psbt string `long:"psbt" required:"true" description:"Base64 PSBT to finalize"`

	app *app
}

// Execute implements flags.Commander.
func (c *finalizePsbtCmd) Execute(_ []string) error {
	packet, err := wallet.DecodePsbt(c.Psbt)
	if err != nil {
		return err
	}

	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	if err := w.FinalizePsbt(c.app.ctx, packet); err != nil {
		return err
	}

	out, err := newPsbtJSON(packet)
	if err != nil {
		return err
	}

	return c.app.printJSON(out)
}

type combinePsbtCmd struct {
	Psbts []string `long:"psbt" required:"true" description:"Base64 PSBT, repeat for every packet to combine"`

	app *app
}

// Execute implements flags.Commander.
func (c *combinePsbtCmd) Execute(_ []string) error {
	packets := make([]*psbt.Packet, 0, len(c.Psbts))
	for _, s := range c.Psbts {
		packet, err := wallet.DecodePsbt(s)
		if err != nil {
			return err
		}
		packets = append(packets, packet)
	}

	combined, err := wallet.Combine(packets...)
	if err != nil {
		return err
	}

	out, err := newPsbtJSON(combined)
	if err != nil {
		return err
	}

	return c.app.printJSON(out)
}

type extractPsbtCmd struct {
	Psbt string `long:"psbt" required:"true" description:"Base64 finalized PSBT"`

	app *app
}

// Execute implements flags.Commander.
func (c *extractPsbtCmd) Execute(_ []string) error {
	packet, err := wallet.DecodePsbt(c.Psbt)
	if err != nil {
		return err
	}

	tx, err := wallet.Extract(packet)
	if err != nil {
		return err
	}

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return err
	}

	return c.app.printJSON(map[string]string{
		"txid":   tx.TxHash().String(),
		"raw_tx": hex.EncodeToString(raw.Bytes()),
	})
}

type broadcastCmd struct {
	Psbt string `long:"psbt" description:"Base64 finalized PSBT to broadcast"`
	Tx   string `long:"tx" description:"Hex encoded signed transaction to broadcast"`

	app *app
}

// decodeTx parses a hex encoded transaction.
func decodeTx(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid tx: %w", err)
	}

	return &tx, nil
}

// Execute implements flags.Commander.
func (c *broadcastCmd) Execute(_ []string) error {
	if (c.Psbt == "") == (c.Tx == "") {
		return errors.New("exactly one of --psbt and --tx is required")
	}

	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	var tx *wire.MsgTx
	if c.Psbt != "" {
		packet, err := wallet.DecodePsbt(c.Psbt)
		if err != nil {
			return err
		}

		tx, err = w.Broadcast(c.app.ctx, packet)
		if err != nil {
			return err
		}
	} else {
		tx, err = decodeTx(c.Tx)
		if err != nil {
			return err
		}

		if err := w.BroadcastTx(c.app.ctx, tx); err != nil {
			return err
		}
	}

	return c.app.printJSON(map[string]string{
		"txid": tx.TxHash().String(),
	})
}
