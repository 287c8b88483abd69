package main

import (
	flags "github.com/jessevdk/go-flags"
)

// command describes one CLI command.
type command struct {
	name  string
	short string
	long  string
	data  any
}

// policyGroupCmd and keyGroupCmd only hold subcommands.
type policyGroupCmd struct{}

type keyGroupCmd struct{}

func walletCommands(a *app) []command {
	return []command{{
		name:  "getnewaddress",
		short: "Reveal the next unused address",
		long: "Reveal the next address of the receive descriptor, or " +
			"of the change descriptor with --change.",
		data: &getNewAddressCmd{app: a},
	}, {
		name:  "listunspent",
		short: "List the unspent outputs of the wallet",
		long:  "List the unspent outputs recorded by the last sync.",
		data:  &listUnspentCmd{app: a},
	}, {
		name:  "getbalance",
		short: "Show the wallet balance",
		long: "Show the confirmed and unconfirmed balance recorded " +
			"by the last sync.",
		data: &getBalanceCmd{app: a},
	}, {
		name:  "sync",
		short: "Sync the wallet with the chain backend",
		long: "Scan the chain backend for the wallet scripts and " +
			"replace the stored unspent outputs.",
		data: &syncCmd{app: a},
	}, {
		name:  "createtx",
		short: "Create an unsigned PSBT",
		long: "Select coins, add change and return an unsigned PSBT " +
			"paying the given recipients.",
		data: &createTxCmd{app: a},
	}, {
		name:  "signpsbt",
		short: "Sign a PSBT with the wallet keys",
		long:  "Add the signatures of the private keys of the wallet.",
		data:  &signPsbtCmd{app: a},
	}, {
		name:  "finalizepsbt",
		short: "Finalize a signed PSBT",
		long: "Build the final witnesses of a PSBT whose signatures " +
			"and timelocks satisfy a spending path.",
		data: &finalizePsbtCmd{app: a},
	}, {
		name:  "combinepsbt",
		short: "Combine PSBTs of the same transaction",
		long: "Merge the signatures of PSBTs that spend the same " +
			"unsigned transaction.",
		data: &combinePsbtCmd{app: a},
	}, {
		name:  "extractpsbt",
		short: "Extract the transaction of a finalized PSBT",
		long:  "Print the raw network transaction of a finalized PSBT.",
		data:  &extractPsbtCmd{app: a},
	}, {
		name:  "broadcast",
		short: "Broadcast a transaction",
		long: "Broadcast a finalized PSBT or a raw transaction " +
			"through the chain backend.",
		data: &broadcastCmd{app: a},
	}, {
		name:  "policies",
		short: "Show the spending policy of the wallet",
		long: "Show the spending paths of the receive descriptor " +
			"with their path indexes.",
		data: &policiesCmd{app: a},
	}, {
		name:  "publicdescriptor",
		short: "Show the public descriptors of the wallet",
		long:  "Show the receive and change descriptors without keys.",
		data:  &publicDescriptorCmd{app: a},
	}, {
		name:  "lockunspent",
		short: "Lock or unlock unspent outputs",
		long: "Lock outputs so coin selection leaves them alone, or " +
			"unlock them with --unlock.",
		data: &lockUnspentCmd{app: a},
	}, {
		name:  "listlockunspent",
		short: "List locked unspent outputs",
		long:  "List the outputs locked by lockunspent.",
		data:  &listLockUnspentCmd{app: a},
	}, {
		name:  "listbroadcasts",
		short: "List transactions broadcast by the wallet",
		long:  "List the transactions broadcast from this wallet.",
		data:  &listBroadcastsCmd{app: a},
	}}
}

// addCommands registers every command on parser. The repl command is only
// offered at the top level.
func addCommands(parser *flags.Parser, a *app, withRepl bool) error {
	for _, c := range walletCommands(a) {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			return err
		}
	}

	policyGroup, err := parser.AddCommand(
		"policy", "Spending policy tools",
		"Compile spending policies into descriptors.",
		&policyGroupCmd{},
	)
	if err != nil {
		return err
	}
	_, err = policyGroup.AddCommand(
		"compile", "Compile a policy into a descriptor",
		"Compile a policy such as or(pk(A),and(pk(B),older(144))) "+
			"into a wsh descriptor. Key aliases are given with "+
			"-k alias=key.",
		&policyCompileCmd{app: a},
	)
	if err != nil {
		return err
	}

	keyGroup, err := parser.AddCommand(
		"key", "Key management tools",
		"Generate, restore and derive extended keys.", &keyGroupCmd{},
	)
	if err != nil {
		return err
	}
	keyCommands := []command{{
		name:  "generate",
		short: "Generate a new mnemonic and master key",
		long:  "Generate a BIP39 mnemonic and its master extended key.",
		data:  &keyGenerateCmd{app: a},
	}, {
		name:  "restore",
		short: "Restore a master key from a mnemonic",
		long:  "Restore the master extended key of a BIP39 mnemonic.",
		data:  &keyRestoreCmd{app: a},
	}, {
		name:  "derive",
		short: "Derive a key at a path",
		long: "Derive the extended keys at a path and print them " +
			"with their origin, ready for a descriptor.",
		data: &keyDeriveCmd{app: a},
	}}
	for _, c := range keyCommands {
		_, err := keyGroup.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			return err
		}
	}

	if !withRepl {
		return nil
	}

	_, err = parser.AddCommand(
		"repl", "Start an interactive session",
		"Open the wallet once and read commands from the terminal. "+
			"The wallet is synced in the background every "+
			"--syncinterval. Type exit to quit.",
		&replCmd{app: a},
	)

	return err
}
