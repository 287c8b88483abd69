package main

import (
	"context"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

// app is the state shared by all commands of one invocation. In the REPL it
// lives for the whole session, so the wallet is opened only once.
type app struct {
	ctx context.Context
	cfg *config
	out io.Writer

	// params is set by setup.
	params *chaincfg.Params

	// wallet is opened by the first command that needs it.
	wallet *wallet.Wallet

	// ready is true between setup and shutdown.
	ready bool
}

func newApp(ctx context.Context, cfg *config, out io.Writer) *app {
	return &app{ctx: ctx, cfg: cfg, out: out}
}

// execute is the go-flags command handler. The first command sets up
// logging and the network, and releases everything when it returns.
func (a *app) execute(cmd flags.Commander, args []string) error {
	if cmd == nil {
		return nil
	}

	if !a.ready {
		if err := a.setup(); err != nil {
			return err
		}
		defer a.shutdown()
	}

	return cmd.Execute(args)
}

// setup validates the config and initializes logging.
func (a *app) setup() error {
	params, err := a.cfg.validate()
	if err != nil {
		return err
	}

	if err := initLogRotator(a.cfg.logFile(params)); err != nil {
		return err
	}
	if err := parseAndSetDebugLevels(a.cfg.DebugLevel); err != nil {
		closeLogRotator()
		return err
	}

	if params.Name == chaincfg.MainNetParams.Name {
		log.Warnf("This is experimental software and not currently " +
			"recommended for use on Bitcoin mainnet, proceed with " +
			"caution.")
	}
	log.Debugf("Network: %s, data dir: %s", params.Name,
		a.cfg.dataDir(params))

	a.params = params
	a.ready = true

	return nil
}

// shutdown closes the wallet and the log file.
func (a *app) shutdown() {
	if a.wallet != nil {
		if err := a.wallet.Close(); err != nil {
			log.Errorf("Unable to close wallet: %v", err)
		}
		a.wallet = nil
	}

	a.ready = false
	closeLogRotator()
}

// openWallet returns the open wallet, opening it on first use.
func (a *app) openWallet() (*wallet.Wallet, error) {
	if a.wallet != nil {
		return a.wallet, nil
	}

	backend, err := a.cfg.newBackend()
	if err != nil {
		return nil, err
	}

	w, err := wallet.Open(a.ctx, wallet.Config{
		Name:               a.cfg.Wallet,
		DataDir:            a.cfg.dataDir(a.params),
		DBBackend:          a.cfg.DBBackend,
		DBTimeout:          a.cfg.DBTimeout,
		ChainParams:        a.params,
		ExternalDescriptor: a.cfg.Descriptor,
		InternalDescriptor: a.cfg.ChangeDescriptor,
		Backend:            backend,
		GapLimit:           a.cfg.GapLimit,
	})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}

		return nil, err
	}

	a.wallet = w

	return w, nil
}
