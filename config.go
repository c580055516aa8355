package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Carcophan/Jabit/node"
	"github.com/Carcophan/Jabit/pow"
	"github.com/Carcophan/Jabit/wire"
	"github.com/btcsuite/btcutil"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFilename = "bmnode.conf"
	defaultSeedFilename   = "seeds.yaml"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "bmnode.log"
	defaultSyncTimeout    = 2 * time.Minute
)

var (
	defaultHomeDir    = btcutil.AppDataDir("bmnode", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultSeedFile   = filepath.Join(defaultHomeDir, defaultSeedFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for bmnode.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile         string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir            string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir             string        `long:"logdir" description:"Directory to log output."`
	SeedFile           string        `long:"seedfile" description:"YAML file listing seed nodes"`
	Listen             string        `long:"listen" description:"Interface/port to listen for connections"`
	Streams            []uint64      `long:"stream" description:"Stream to serve -- may be specified multiple times"`
	MaxPeers           int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	TargetOutbound     int           `long:"targetoutbound" description:"Number of outbound connections to maintain"`
	UserAgentComments  []string      `long:"uacomment" description:"Comment to add to the user agent"`
	SimNet             bool          `long:"simnet" description:"Use the simulation test network"`
	NonceTrialsPerByte uint64        `long:"noncetrialsperbyte" description:"Proof of work demanded per byte of objects"`
	ExtraBytes         uint64        `long:"extrabytes" description:"Proof of work demanded for the object overhead"`
	SyncTimeout        time.Duration `long:"synctimeout" description:"Time allowed for a synchronization"`
	DebugLevel         string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	seeds []*wire.NetAddress
}

// seedFile is the layout of the seed nodes file.
type seedFile struct {
	Seeds []seedNode `yaml:"seeds"`
}

type seedNode struct {
	Host   string `yaml:"host"`
	Port   uint16 `yaml:"port"`
	Stream uint32 `yaml:"stream"`
}

// bmnet returns the network the node runs on.
func (cfg *config) bmnet() wire.BitmessageNet {
	if cfg.SimNet {
		return wire.SimNet
	}
	return wire.MainNet
}

// powParams returns the proof of work the node demands.
func (cfg *config) powParams() pow.Params {
	return pow.Params{
		NonceTrialsPerByte: cfg.NonceTrialsPerByte,
		ExtraBytes:         cfg.ExtraBytes,
	}
}

// netDataDir returns the data directory of the active network.
func (cfg *config) netDataDir() string {
	return filepath.Join(cfg.DataDir, strings.ToLower(cfg.bmnet().String()))
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadSeeds reads the seed nodes listed in path.  A missing file yields no
// seeds.
func loadSeeds(path string) ([]*wire.NetAddress, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seeds := make([]*wire.NetAddress, 0, len(file.Seeds))
	for _, seed := range file.Seeds {
		ip, err := resolveHost(seed.Host)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed.Host, err)
		}
		na := &wire.NetAddress{
			Timestamp: time.Unix(0, 0),
			Stream:    seed.Stream,
			Services:  wire.SFNodeNetwork,
			IP:        ip,
			Port:      seed.Port,
		}
		if na.Port == 0 {
			na.Port = node.DefaultPort
		}
		if na.Stream == 0 {
			na.Stream = uint32(wire.DefaultStream)
		}
		seeds = append(seeds, na)
	}
	return seeds, nil
}

// resolveHost returns the IP of host, looking it up if it is not an IP
// already.
func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return ips[0], nil
}

// parseAddress splits a host with optional port as given on the command
// line.
func parseAddress(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port given.
		return strings.Trim(addr, "[]"), node.DefaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, uint16(port), nil
}

// newConfigParser returns a new command line parser for cfg with the bmnode
// commands.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	parser := flags.NewParser(cfg, options)
	parser.AddCommand("start",
		"run the node",
		"The start command runs the node until it is interrupted",
		&startCmd)
	parser.AddCommand("sync",
		"synchronize with other nodes",
		"The sync command exchanges objects with the given nodes and "+
			"returns once every synchronization completed.\n\n"+
			"Examples:\n"+
			"> bmnode sync 192.0.2.1 [2001:db8::1]:8444\n",
		&syncCmd)
	parser.AddCommand("send",
		"send a custom command",
		"The send command sends a custom command to a node and prints the "+
			"response.\n\n"+
			"Examples:\n"+
			"> bmnode send 127.0.0.1:8444 status\n",
		&sendCmd)
	return parser
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// The last step happens when the returned parser parses the command line,
// which also runs the selected command.  Command line options always take
// precedence.
func loadConfig() (*config, *flags.Parser, error) {
	// Default config.
	cfg := config{
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		SeedFile:           defaultSeedFile,
		Listen:             net.JoinHostPort("", strconv.Itoa(node.DefaultPort)),
		Streams:            []uint64{wire.DefaultStream},
		TargetOutbound:     node.DefaultTargetOutbound,
		NonceTrialsPerByte: pow.DefaultNonceTrialsPerByte,
		ExtraBytes:         pow.DefaultExtraBytes,
		SyncTimeout:        defaultSyncTimeout,
		DebugLevel:         defaultLogLevel,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.  Commands are not run.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	preParser.SubcommandsOptional = true
	preParser.CommandHandler = func(flags.Commander, []string) error { return nil }
	if _, err := preParser.Parse(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
		}
		return nil, nil, err
	}

	// Load additional config from file.
	parser := newConfigParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(preCfg.ConfigFile))
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			return nil, nil, err
		}
	}

	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if err := cfg.finish(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		if command == nil {
			return nil
		}
		return command.Execute(args)
	}
	return &cfg, parser, nil
}

// finish validates the parsed options, initializes logging and loads the
// seed nodes.
func (cfg *config) finish() error {
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.SeedFile = cleanAndExpandPath(cfg.SeedFile)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	logFile := filepath.Join(cfg.LogDir, strings.ToLower(cfg.bmnet().String()),
		defaultLogFilename)
	if err := initLogRotator(logFile); err != nil {
		return err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return fmt.Errorf("loadConfig: %w", err)
	}

	if cfg.SyncTimeout <= 0 {
		return fmt.Errorf("loadConfig: the synctimeout option must be "+
			"positive -- parsed [%v]", cfg.SyncTimeout)
	}

	seeds, err := loadSeeds(cfg.SeedFile)
	if err != nil {
		return fmt.Errorf("loadConfig: %w", err)
	}
	cfg.seeds = seeds
	return nil
}
