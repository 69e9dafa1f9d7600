// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "stakecert.conf"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("stakecert", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration file options for stakecert.  Command line
// flags take precedence.
type config struct {
	Host       string `long:"host" description:"Daemon host"`
	Chain      string `long:"chain" description:"Chain to query, the daemon default chain when empty"`
	NoTLS      bool   `long:"notls" description:"Talk plain HTTP to the daemon"`
	SkipVerify bool   `long:"skipverify" description:"Do not verify the daemon certificate"`
}

// loadConfig parses the config file if there is one.
func loadConfig(path string) (*config, error) {
	var cfg config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	err := flags.IniParse(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", path, err)
	}
	return &cfg, nil
}
