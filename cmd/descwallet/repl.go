// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/descwallet/wallet"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/term"
)

const replPrompt = ">> "

// errUnterminatedQuote is returned for a line with an open quote.
var errUnterminatedQuote = errors.New("unterminated quote")

// splitLine splits a REPL line into arguments. Arguments are separated by
// whitespace. Text in double or single quotes is taken literally, so quoted
// whitespace stays inside the argument.
func splitLine(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inArg   bool
		quote   rune
	)
	for _, r := range line {
		switch {
		case quote != 0 && r == quote:
			quote = 0

		case quote != 0:
			current.WriteRune(r)

		case r == '"' || r == '\'':
			quote = r
			inArg = true

		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}

		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: %c", errUnterminatedQuote, quote)
	}
	if inArg {
		args = append(args, current.String())
	}

	return args, nil
}

// lineReader reads one REPL line at a time.
type lineReader interface {
	ReadLine() (string, error)
}

// scanReader reads lines from a non-terminal input.
type scanReader struct {
	scanner *bufio.Scanner
}

// ReadLine implements lineReader.
func (s *scanReader) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return s.scanner.Text(), nil
}

// interruptReader turns Ctrl-C into Ctrl-U. In raw mode Ctrl-C arrives as a
// byte instead of a signal, and the terminal would treat it like EOF. With
// this mapping it discards the current line and the session continues.
type interruptReader struct {
	r io.Reader
}

func (i interruptReader) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	for j := range p[:n] {
		if p[j] == 0x03 {
			p[j] = 0x15
		}
	}

	return n, err
}

type replCmd struct {
	app *app
}

// backgroundSync syncs the wallet on every tick until quit is closed.
func backgroundSync(ctx context.Context, w *wallet.Wallet,
	interval time.Duration, quit <-chan struct{}) {

	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if _, err := w.Sync(ctx); err != nil {
				log.Warnf("Background sync failed: %v", err)
			}

		case <-quit:
			return

		case <-ctx.Done():
			return
		}
	}
}

// runLine parses and runs one REPL line against the open session.
func (c *replCmd) runLine(args []string) error {
	parser := flags.NewNamedParser("", flags.HelpFlag|flags.PassDoubleDash)
	if err := addCommands(parser, c.app, false); err != nil {
		return err
	}
	parser.CommandHandler = c.app.execute

	_, err := parser.ParseArgs(args)

	return err
}

// loop reads lines until exit or EOF.
func (c *replCmd) loop(r lineReader) error {
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args, err := splitLine(line)
		if err != nil {
			fmt.Fprintln(c.app.out, err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return nil
		}

		err = c.runLine(args)
		var flagsErr *flags.Error
		switch {
		case err == nil:

		case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
			fmt.Fprintln(c.app.out, flagsErr.Message)

		default:
			fmt.Fprintln(c.app.out, err)
		}
	}
}

// Execute implements flags.Commander.
func (c *replCmd) Execute(_ []string) error {
	w, err := c.app.openWallet()
	if err != nil {
		return err
	}

	if c.app.cfg.hasBackend() && c.app.cfg.SyncInterval > 0 {
		quit := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			backgroundSync(
				c.app.ctx, w, c.app.cfg.SyncInterval, quit,
			)
		}()
		defer func() {
			close(quit)
			wg.Wait()
		}()
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return c.loop(&scanReader{scanner: bufio.NewScanner(os.Stdin)})
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer func() {
		if err := term.Restore(fd, oldState); err != nil {
			log.Errorf("Unable to restore terminal: %v", err)
		}
	}()

	terminal := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{interruptReader{os.Stdin}, os.Stdout}, replPrompt)

	// The terminal translates newlines for raw mode.
	out := c.app.out
	c.app.out = terminal
	defer func() { c.app.out = out }()

	return c.loop(terminal)
}
