// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/policy"
	"github.com/tyler-smith/go-bip39"
)

// masterKeyJSON is the output of key generate and key restore.
type masterKeyJSON struct {
	Mnemonic    string `json:"mnemonic,omitempty"`
	Xprv        string `json:"xprv"`
	Fingerprint string `json:"fingerprint"`
}

// keyFingerprint returns the hex BIP32 fingerprint of an extended key as it
// appears in key origins.
func keyFingerprint(key *hdkeychain.ExtendedKey) (string, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(
		btcutil.Hash160(pub.SerializeCompressed())[:4],
	), nil
}

// masterFromMnemonic derives the BIP32 master key of a BIP39 mnemonic.
func masterFromMnemonic(mnemonic, password string,
	params *chaincfg.Params) (*masterKeyJSON, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, password)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}

	fp, err := keyFingerprint(master)
	if err != nil {
		return nil, err
	}

	return &masterKeyJSON{
		Mnemonic:    mnemonic,
		Xprv:        master.String(),
		Fingerprint: fp,
	}, nil
}

type keyGenerateCmd struct {
	Words    int    `short:"e" long:"words" choice:"12" choice:"24" default:"12" description:"Number of mnemonic words"`
	Password string `short:"p" long:"password" default-mask:"-" description:"Optional BIP39 passphrase"`

	app *app
}

// Execute implements flags.Commander.
func (c *keyGenerateCmd) Execute(_ []string) error {
	bits := 128
	if c.Words == 24 {
		bits = 256
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return err
	}

	out, err := masterFromMnemonic(mnemonic, c.Password, c.app.params)
	if err != nil {
		return err
	}

	return c.app.printJSON(out)
}

type keyRestoreCmd struct {
	Mnemonic string `short:"m" long:"mnemonic" required:"true" description:"BIP39 mnemonic words, quoted"`
	Password string `short:"p" long:"password" default-mask:"-" description:"Optional BIP39 passphrase"`

	app *app
}

// Execute implements flags.Commander.
func (c *keyRestoreCmd) Execute(_ []string) error {
	mnemonic := strings.Join(strings.Fields(c.Mnemonic), " ")

	out, err := masterFromMnemonic(mnemonic, c.Password, c.app.params)
	if err != nil {
		return err
	}
	out.Mnemonic = ""

	return c.app.printJSON(out)
}

// derivedKeyJSON is the output of key derive. Both keys carry their origin
// and a wildcard so they can be used in descriptors directly.
type derivedKeyJSON struct {
	Xpub string `json:"xpub"`
	Xprv string `json:"xprv"`
}

// deriveKey derives the key at path below master.
func deriveKey(master *hdkeychain.ExtendedKey,
	path []uint32) (*derivedKeyJSON, error) {

	if !master.IsPrivate() {
		return nil, errors.New("key derive needs an extended private " +
			"key")
	}

	fp, err := keyFingerprint(master)
	if err != nil {
		return nil, err
	}

	child := master
	for _, step := range path {
		child, err = child.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w",
				policy.FormatPath(path), err)
		}
	}

	pub, err := child.Neuter()
	if err != nil {
		return nil, err
	}

	origin := "[" + fp + strings.TrimPrefix(policy.FormatPath(path), "m") +
		"]"

	return &derivedKeyJSON{
		Xpub: origin + pub.String() + "/*",
		Xprv: origin + child.String() + "/*",
	}, nil
}

type keyDeriveCmd struct {
	Xprv string `short:"x" long:"xprv" required:"true" description:"Extended private key to derive from"`
	Path string `long:"path" required:"true" description:"Derivation path such as m/84'/1'/0'/0"`

	app *app
}

// Execute implements flags.Commander.
func (c *keyDeriveCmd) Execute(_ []string) error {
	master, err := hdkeychain.NewKeyFromString(c.Xprv)
	if err != nil {
		return fmt.Errorf("invalid xprv: %w", err)
	}
	if !master.IsForNet(c.app.params) {
		return fmt.Errorf("xprv is not for %s", c.app.params.Name)
	}

	path, err := policy.ParsePath(c.Path)
	if err != nil {
		return err
	}

	out, err := deriveKey(master, path)
	if err != nil {
		return err
	}

	return c.app.printJSON(out)
}
