// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/aggregator/bls"
	"github.com/decred/stakecert/stakecertd/backend/filesystem"
	"github.com/decred/stakecert/stakecertd/backend/memory"
	"github.com/decred/stakecert/stakecertd/backend/postgres"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain/cardano"
	"github.com/decred/stakecert/stakecertd/chain/ethereum"
	"github.com/decred/stakecert/stakecertd/router"
	"github.com/decred/stakecert/stakecertd/scheduler"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("SCRT")
	certLog = backendLog.Logger("CERT")
	schdLog = backendLog.Logger("SCHD")
	rtrLog  = backendLog.Logger("RTR")
	fsbeLog = backendLog.Logger("FSBE")
	pgbeLog = backendLog.Logger("PGBE")
	membLog = backendLog.Logger("MEMB")
	ethoLog = backendLog.Logger("ETHO")
	adaoLog = backendLog.Logger("ADAO")
	blsaLog = backendLog.Logger("BLSA")
)

// Initialize package-global logger variables.
func init() {
	certifier.UseLogger(certLog)
	scheduler.UseLogger(schdLog)
	router.UseLogger(rtrLog)
	filesystem.UseLogger(fsbeLog)
	postgres.UseLogger(pgbeLog)
	memory.UseLogger(membLog)
	ethereum.UseLogger(ethoLog)
	cardano.UseLogger(adaoLog)
	bls.UseLogger(blsaLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"SCRT": log,
	"CERT": certLog,
	"SCHD": schdLog,
	"RTR":  rtrLog,
	"FSBE": fsbeLog,
	"PGBE": pgbeLog,
	"MEMB": membLog,
	"ETHO": ethoLog,
	"ADAO": adaoLog,
	"BLSA": blsaLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
