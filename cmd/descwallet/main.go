// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// descwallet is a command line descriptor wallet. Each invocation runs one
// wallet command, or the repl command starts an interactive session running
// the same commands against one open wallet.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)

	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	var flagsErr *flags.Error
	switch {
	case err == nil:

	case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
		fmt.Fprintln(os.Stdout, flagsErr.Message)

	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses the command line and executes the selected command. Results are
// written to out.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func run(ctx context.Context, args []string, out io.Writer) error {
	// Pre-parse the command line options to pick up an alternative config
	// file. Commands and their options are unknown at this point.
	preCfg := defaultConfig()
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return err
	}

	cfg := preCfg
	a := newApp(ctx, &cfg, out)

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if err := addCommands(parser, a, true); err != nil {
		return err
	}

	// Next, load any additional configuration options from the file. A
	// missing file is only reported when it was asked for explicitly.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return err
		}
		if configFile != defaultConfigFile {
			return err
		}
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence, then run the command.
	parser.CommandHandler = a.execute
	_, err = parser.ParseArgs(args)

	return err
}
