package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/Carcophan/Jabit/bmcrypto"
)

// statusLogInterval is how often the running node logs its connections.
const statusLogInterval = 5 * time.Minute

// cfg is the configuration of the running command.  It is set by
// bmnodeMain before any command runs.
var cfg *config

// bmnodeMain is the real main function for bmnode.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func bmnodeMain() error {
	// Nothing works without the hash functions and the random source.
	if err := bmcrypto.SelfTest(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	// Load configuration.  The parser runs the selected command once the
	// command line options are applied and logging is initialized.
	tcfg, parser, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	_, err = parser.Parse()
	return err
}

// runNode runs the node until an interrupt signal is received.
func runNode() error {
	// Get a channel that will be closed when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := interruptListener()

	bmndLog.Infof("Version %s", version())

	// Create server and start it.
	server, closeDB, err := newServer(cfg)
	if err != nil {
		bmndLog.Errorf("Unable to create server: %v", err)
		return err
	}
	defer closeDB()

	if err := server.Start(); err != nil {
		bmndLog.Errorf("Unable to start server on %s: %v", cfg.Listen, err)
		return err
	}
	defer func() {
		bmndLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
	}()

	// Report the connections until the interrupt signal is received from
	// an OS signal.
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, st := range server.Status() {
				bmndLog.Infof("Stream %d: %d inbound, %d outbound "+
					"connections", st.Stream, st.Inbound, st.Outbound)
			}
		case <-interrupt:
			return nil
		}
	}
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit()
	if err := bmnodeMain(); err != nil {
		os.Exit(1)
	}
}
