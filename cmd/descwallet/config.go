// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/chain/bitcoind"
	"github.com/btcsuite/descwallet/chain/electrum"
	"github.com/btcsuite/descwallet/chain/esplora"
	"github.com/btcsuite/descwallet/wallet"
)

const (
	defaultConfigFilename = "descwallet.conf"
	defaultLogFilename    = "descwallet.log"
	defaultLogDirname     = "logs"
	defaultWalletName     = "default"
	defaultNetwork        = "testnet"
	defaultLogLevel       = "info"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("descwallet", false)
	defaultConfigFile = filepath.Join(
		defaultAppDataDir, defaultConfigFilename,
	)
	defaultLogDir = filepath.Join(defaultAppDataDir, defaultLogDirname)

	// errMultipleBackends is returned when more than one chain backend is
	// configured.
	errMultipleBackends = errors.New("only one of --esplora, --electrum " +
		"and --bitcoind can be set")
)

// backendConfig selects and configures the chain backend. Without any server
// the wallet runs offline.
type backendConfig struct {
	Esplora            string        `long:"esplora" env:"DESCWALLET_ESPLORA" description:"Esplora API base URL"`
	EsploraConcurrency int           `long:"esplora-concurrency" default:"4" description:"Number of scripts queried in parallel from Esplora"`
	EsploraRate        int           `long:"esplora-rps" default:"20" description:"Maximum Esplora requests per second, 0 for no limit"`
	Electrum           string        `long:"electrum" env:"DESCWALLET_ELECTRUM" description:"Electrum server as host:port"`
	ElectrumTLS        bool          `long:"electrum-tls" description:"Connect to the Electrum server over TLS"`
	ElectrumSkipVerify bool          `long:"electrum-skipverify" description:"Do not verify the Electrum server certificate"`
	Proxy              string        `long:"proxy" env:"DESCWALLET_PROXY" description:"SOCKS5 proxy (host:port) for Electrum connections"`
	Retries            int           `long:"retries" default:"3" description:"Attempts per Electrum request"`
	Timeout            time.Duration `long:"timeout" default:"30s" description:"Timeout of a single backend request"`
	Bitcoind           string        `long:"bitcoind" env:"DESCWALLET_BITCOIND" description:"bitcoind RPC server as host:port"`
	BitcoindUser       string        `long:"bitcoind-user" env:"DESCWALLET_BITCOIND_USER" description:"bitcoind RPC username"`
	BitcoindPass       string        `long:"bitcoind-pass" env:"DESCWALLET_BITCOIND_PASS" default-mask:"-" description:"bitcoind RPC password"`
}

// config defines the global options.
type config struct {
	ConfigFile       string        `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir       string        `short:"A" long:"appdata" description:"Application data directory for wallet databases"`
	LogDir           string        `long:"logdir" description:"Directory to log output"`
	Network          string        `short:"n" long:"network" choice:"bitcoin" choice:"testnet" choice:"signet" choice:"regtest" description:"Bitcoin network"`
	DebugLevel       string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	Wallet           string        `short:"w" long:"wallet" description:"Name of the wallet inside the database"`
	DBBackend        string        `long:"dbbackend" choice:"bdb" choice:"sqlite" description:"Wallet database backend"`
	DBTimeout        time.Duration `long:"dbtimeout" default:"60s" description:"Timeout for acquiring the bdb database lock"`
	Descriptor       string        `long:"descriptor" env:"DESCWALLET_DESCRIPTOR" description:"External (receive) descriptor, required when creating a wallet"`
	ChangeDescriptor string        `long:"change-descriptor" env:"DESCWALLET_CHANGE_DESCRIPTOR" description:"Internal (change) descriptor"`
	GapLimit         uint32        `long:"gaplimit" default:"20" description:"Unused scripts scanned past the last used one"`
	SyncInterval     time.Duration `long:"syncinterval" default:"1m" description:"Background sync interval in the REPL, 0 to disable"`
	Table            bool          `long:"table" description:"Render lists as tables instead of JSON"`

	Backend backendConfig `group:"Chain backend options"`
}

// defaultConfig returns a config with every default that is not expressed in
// struct tags.
func defaultConfig() config {
	return config{
		ConfigFile: defaultConfigFile,
		AppDataDir: defaultAppDataDir,
		LogDir:     defaultLogDir,
		Network:    defaultNetwork,
		DebugLevel: defaultLogLevel,
		Wallet:     defaultWalletName,
		DBBackend:  wallet.DBBackendBolt,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// validate normalizes paths and checks option combinations. It returns the
// chain parameters of the selected network.
func (c *config) validate() (*chaincfg.Params, error) {
	params, err := networkParams(c.Network)
	if err != nil {
		return nil, err
	}

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)
	c.LogDir = cleanAndExpandPath(c.LogDir)

	servers := 0
	for _, s := range []string{
		c.Backend.Esplora, c.Backend.Electrum, c.Backend.Bitcoind,
	} {
		if s != "" {
			servers++
		}
	}
	if servers > 1 {
		return nil, errMultipleBackends
	}

	return params, nil
}

// dataDir returns the per network directory of the wallet databases.
func (c *config) dataDir(params *chaincfg.Params) string {
	return filepath.Join(c.AppDataDir, params.Name)
}

// logFile returns the per network log file.
func (c *config) logFile(params *chaincfg.Params) string {
	return filepath.Join(c.LogDir, params.Name, defaultLogFilename)
}

// hasBackend reports whether a chain backend is configured.
func (c *config) hasBackend() bool {
	return c.Backend.Esplora != "" || c.Backend.Electrum != "" ||
		c.Backend.Bitcoind != ""
}

// newBackend returns the configured chain backend, or nil when none is set.
func (c *config) newBackend() (chain.Backend, error) {
	b := c.Backend
	switch {
	case b.Esplora != "":
		log.Debugf("Using esplora backend %s", b.Esplora)

		client, err := esplora.New(esplora.Config{
			URL:               b.Esplora,
			Concurrency:       b.EsploraConcurrency,
			RequestsPerSecond: b.EsploraRate,
			Timeout:           b.Timeout,
		})
		if err != nil {
			return nil, err
		}

		return client, nil

	case b.Electrum != "":
		log.Debugf("Using electrum backend %s", b.Electrum)

		client, err := electrum.New(electrum.Config{
			Server:     b.Electrum,
			TLS:        b.ElectrumTLS,
			SkipVerify: b.ElectrumSkipVerify,
			Proxy:      b.Proxy,
			Timeout:    b.Timeout,
			Retries:    b.Retries,
		})
		if err != nil {
			return nil, err
		}

		return client, nil

	case b.Bitcoind != "":
		log.Debugf("Using bitcoind backend %s", b.Bitcoind)

		client, err := bitcoind.New(bitcoind.Config{
			Host: b.Bitcoind,
			User: b.BitcoindUser,
			Pass: b.BitcoindPass,
		})
		if err != nil {
			return nil, err
		}

		return client, nil

	default:
		return nil, nil
	}
}
