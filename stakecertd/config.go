// Copyright (c) 2013-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	v1 "github.com/decred/stakecert/api/v1"
	"github.com/decred/stakecert/util"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "stakecertd.conf"
	defaultChainsFilename = "chains.yaml"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "stakecertd.log"
	defaultBackend        = "filesystem"
	defaultPostgresUser   = "stakecertd"
	defaultPostgresDB     = "mainnet"
	defaultQuorumNum      = 2
	defaultQuorumDen      = 3
	defaultShutdown       = 10 * time.Second
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("stakecertd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultChainsFile = filepath.Join(defaultHomeDir, defaultChainsFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultHTTPSKey   = filepath.Join(defaultHomeDir, "https.key")
	defaultHTTPSCert  = filepath.Join(defaultHomeDir, "https.cert")
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)

	backends = map[string]struct{}{
		"filesystem": {},
		"postgres":   {},
		"memory":     {},
	}
)

// config defines the configuration options for stakecertd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir          string        `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion      bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile       string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir          string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir           string        `long:"logdir" description:"Directory to log output."`
	DebugLevel       string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners        []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 49252)"`
	HTTPSCert        string        `long:"httpscert" description:"File containing the https certificate file"`
	HTTPSKey         string        `long:"httpskey" description:"File containing the https certificate key"`
	DisableTLS       bool          `long:"notls" description:"Serve plain HTTP, for use behind a TLS terminating proxy"`
	ChainsFile       string        `long:"chainsfile" description:"YAML file declaring the certified chains"`
	QuorumNum        uint64        `long:"quorumnum" description:"Numerator of the stake fraction that certifies a message"`
	QuorumDen        uint64        `long:"quorumden" description:"Denominator of the stake fraction that certifies a message"`
	DisableMetrics   bool          `long:"nometrics" description:"Do not serve prometheus metrics on /metrics"`
	ShutdownTimeout  time.Duration `long:"shutdowntimeout" description:"Time allowed for in flight requests on shutdown"`
	Backend          string        `long:"backend" description:"Sets the store type 'filesystem'/'postgres'/'memory'"`
	PostgresHost     string        `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string        `long:"postgresuser" description:"Postgres user"`
	PostgresDB       string        `long:"postgresdb" description:"Postgres database prefix, the database is <prefix>_stakecert"`
	PostgresRootCert string        `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string        `long:"postgrescert" description:"File containing the stakecertd client certificate for postgres"`
	PostgresKey      string        `long:"postgreskey" description:"File containing the stakecertd client certificate key for postgres"`
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	for i, addr := range addrs {
		addrs[i] = normalizeAddress(addr, defaultPort)
	}

	return removeDuplicateAddresses(addrs)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in stakecertd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:         defaultHomeDir,
		ConfigFile:      defaultConfigFile,
		DebugLevel:      defaultLogLevel,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		HTTPSKey:        defaultHTTPSKey,
		HTTPSCert:       defaultHTTPSCert,
		ChainsFile:      defaultChainsFile,
		QuorumNum:       defaultQuorumNum,
		QuorumDen:       defaultQuorumDen,
		ShutdownTimeout: defaultShutdown,
		Backend:         defaultBackend,
		PostgresUser:    defaultPostgresUser,
		PostgresDB:      defaultPostgresDB,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Update the home directory for stakecertd if specified.  Since the
	// home directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(util.CleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.HTTPSKey == defaultHTTPSKey {
			cfg.HTTPSKey = filepath.Join(cfg.HomeDir, "https.key")
		} else {
			cfg.HTTPSKey = preCfg.HTTPSKey
		}
		if preCfg.HTTPSCert == defaultHTTPSCert {
			cfg.HTTPSCert = filepath.Join(cfg.HomeDir, "https.cert")
		} else {
			cfg.HTTPSCert = preCfg.HTTPSCert
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
		if preCfg.ChainsFile == defaultChainsFile {
			cfg.ChainsFile = filepath.Join(cfg.HomeDir,
				defaultChainsFilename)
		} else {
			cfg.ChainsFile = preCfg.ChainsFile
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	if !(preCfg.ConfigFile == defaultConfigFile && !util.FileExists(cfg.ConfigFile)) {
		err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
		if err != nil {
			var e *os.PathError
			if !errors.As(err, &e) {
				fmt.Fprintf(os.Stderr, "Error parsing config "+
					"file: %v\n", err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = util.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = util.CleanAndExpandPath(cfg.LogDir)
	cfg.ChainsFile = util.CleanAndExpandPath(cfg.ChainsFile)
	cfg.HTTPSKey = util.CleanAndExpandPath(cfg.HTTPSKey)
	cfg.HTTPSCert = util.CleanAndExpandPath(cfg.HTTPSCert)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if _, ok := backends[cfg.Backend]; !ok {
		err := fmt.Errorf("%s: invalid backend %q", funcName,
			cfg.Backend)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.Backend == "postgres" {
		if cfg.PostgresHost == "" || cfg.PostgresRootCert == "" ||
			cfg.PostgresCert == "" || cfg.PostgresKey == "" {
			err := fmt.Errorf("%s: postgres backend requires "+
				"postgreshost, postgresrootcert, postgrescert and "+
				"postgreskey", funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.PostgresRootCert = util.CleanAndExpandPath(cfg.PostgresRootCert)
		cfg.PostgresCert = util.CleanAndExpandPath(cfg.PostgresCert)
		cfg.PostgresKey = util.CleanAndExpandPath(cfg.PostgresKey)
	}

	if cfg.QuorumNum == 0 || cfg.QuorumDen == 0 ||
		cfg.QuorumNum > cfg.QuorumDen {
		err := fmt.Errorf("%s: invalid quorum %v/%v", funcName,
			cfg.QuorumNum, cfg.QuorumDen)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Add the default listener if none were specified.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", v1.DefaultMainnetPort),
		}
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners,
		v1.DefaultMainnetPort)

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
