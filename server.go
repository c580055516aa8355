package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Carcophan/Jabit/db"
	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/node"
	"github.com/Carcophan/Jabit/wire"
)

const (
	// defaultServices describes the default services that are supported by
	// the server.
	defaultServices = wire.SFNodeNetwork

	inventoryFilename = "inventory.db"
	nodesFilename     = "nodes.db"
)

// userAgentName is the user agent name and is used to help identify
// ourselves to other bitmessage peers.
var userAgentName = "bmnode"

// userAgent returns the user agent announced in version messages.
func userAgent(comments []string) string {
	ua := fmt.Sprintf("/%s:%s", userAgentName, version())
	if len(comments) > 0 {
		ua = fmt.Sprintf("%s(%s)", ua, strings.Join(comments, "; "))
	}
	return ua + "/"
}

// nodeConfig returns the node configuration for cfg using the given ports.
func nodeConfig(cfg *config, inv netsync.Inventory, registry node.NodeRegistry) *node.Config {
	return &node.Config{
		Net:            cfg.bmnet(),
		ListenAddr:     cfg.Listen,
		Streams:        cfg.Streams,
		Services:       defaultServices,
		UserAgent:      userAgent(cfg.UserAgentComments),
		Inventory:      inv,
		NodeRegistry:   registry,
		PowParams:      cfg.powParams(),
		MaxPeers:       cfg.MaxPeers,
		TargetOutbound: cfg.TargetOutbound,
	}
}

// newServer opens the databases of the active network and returns a node
// using them.  The returned function closes the databases and must be called
// once the node stopped.
func newServer(cfg *config) (*node.Server, func(), error) {
	dir := cfg.netDataDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}

	inv, err := db.OpenBoltInventory(filepath.Join(dir, inventoryFilename))
	if err != nil {
		return nil, nil, err
	}
	registry, err := db.OpenBoltNodeRegistry(filepath.Join(dir, nodesFilename),
		cfg.seeds...)
	if err != nil {
		inv.Close()
		return nil, nil, err
	}
	closeDB := func() {
		if err := registry.Close(); err != nil {
			bmdbLog.Errorf("Cannot close node registry: %v", err)
		}
		if err := inv.Close(); err != nil {
			bmdbLog.Errorf("Cannot close inventory: %v", err)
		}
	}

	s, err := node.New(nodeConfig(cfg, inv, registry))
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return s, closeDB, nil
}

// newSendServer returns a node that is only used to send custom commands.
func newSendServer(cfg *config) (*node.Server, error) {
	return node.New(nodeConfig(cfg, db.NewMemInventory(), nil))
}
