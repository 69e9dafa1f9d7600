// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/backend/filesystem"
	"github.com/decred/stakecert/stakecertd/chain"
	flags "github.com/jessevdk/go-flags"
)

var defaultHomeDir = dcrutil.AppDataDir("stakecertd", false)

type options struct {
	Source      string   `long:"source" description:"Store directory, the stakecertd data directory by default"`
	Chains      []string `long:"chain" description:"Only check this chain, may be repeated"`
	Dump        bool     `long:"dump" description:"Dump the store instead of checking it"`
	JSON        bool     `long:"json" description:"Dump a JSON journal that --restore can replay"`
	Restore     bool     `long:"restore" description:"Replay a JSON journal from stdin, --destination is required"`
	Destination string   `long:"destination" description:"Restore destination"`
	Verbose     bool     `short:"v" long:"verbose" description:"Print more information during run"`
}

func run(opts *options, stdin io.Reader, stdout io.Writer) error {
	if opts.Restore {
		if opts.Destination == "" {
			return errors.New("--destination must be set")
		}
		fs, err := filesystem.New(opts.Destination)
		if err != nil {
			return err
		}
		defer fs.Close()
		return fs.Restore(stdin, opts.Verbose, stdout)
	}

	root := opts.Source
	if root == "" {
		root = filepath.Join(defaultHomeDir, "data")
	}
	fs, err := filesystem.NewReadOnly(root)
	if err != nil {
		return err
	}
	defer fs.Close()

	if opts.Dump {
		if !opts.JSON {
			fmt.Fprintf(stdout, "=== Root: %v\n", root)
		}
		return fs.Dump(stdout, !opts.JSON)
	}

	fmt.Fprintf(stdout, "=== Root: %v\n", root)
	fsck := &backend.FsckOptions{
		Verbose: opts.Verbose,
		Out:     stdout,
	}
	for _, c := range opts.Chains {
		id := chain.ID(c)
		if !id.Valid() {
			return fmt.Errorf("invalid chain: %v", c)
		}
		fsck.Chains = append(fsck.Chains, id)
	}
	return fs.Fsck(fsck)
}

func _main() error {
	var opts options
	_, err := flags.Parse(&opts)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return err
	}
	return run(&opts, os.Stdin, os.Stdout)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
