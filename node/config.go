package node

import (
	"time"

	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/pow"
	"github.com/Carcophan/Jabit/wire"
	"github.com/go-playground/validator/v10"
)

const (
	// DefaultPort is the port nodes listen on.
	DefaultPort = 8444

	// DefaultTargetOutbound is the number of outbound connections a node
	// tries to hold when a NodeRegistry is configured.
	DefaultTargetOutbound = 8

	defaultMaxPeers              = 125
	defaultConnectionTimeout     = 10 * time.Second
	defaultCustomResponseTimeout = 10 * time.Second
	defaultSyncRoundInterval     = time.Second
	defaultConnectInterval       = 30 * time.Second
	defaultCleanupInterval       = 5 * time.Minute
)

// Config configures a Server.  Zero durations and counts are replaced with
// defaults by New.
type Config struct {
	Net wire.BitmessageNet

	// ListenAddr is the host:port to accept connections on.
	ListenAddr string `validate:"required"`

	// Streams are the streams the node serves.
	Streams []uint64 `validate:"min=1,dive,min=1"`

	Services  wire.ServiceFlag
	UserAgent string `validate:"max=5000"`

	Inventory netsync.Inventory `validate:"required"`

	// NodeRegistry, AddressRepository and CustomCommandHandler are
	// optional.
	NodeRegistry         NodeRegistry
	AddressRepository    AddressRepository
	CustomCommandHandler CustomCommandHandler

	PowParams pow.Params

	MaxPeers       int `validate:"min=1"`
	TargetOutbound int `validate:"min=0,ltefield=MaxPeers"`

	ConnectionTimeout     time.Duration `validate:"min=0"`
	HandshakeTimeout      time.Duration `validate:"min=0"`
	CustomResponseTimeout time.Duration `validate:"min=0"`
	TrickleInterval       time.Duration `validate:"min=0"`
	SyncRoundInterval     time.Duration `validate:"min=0"`
	ConnectInterval       time.Duration `validate:"min=0"`
	CleanupInterval       time.Duration `validate:"min=0"`
	RequestTimeout        time.Duration `validate:"min=0"`
	MaxRequestsInFlight   int           `validate:"min=0"`
}

var validate = validator.New()

// withDefaults returns a copy of cfg with unset fields defaulted.
func (cfg Config) withDefaults() Config {
	if cfg.Net == 0 {
		cfg.Net = wire.MainNet
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = []uint64{wire.DefaultStream}
	}
	if cfg.Services == 0 {
		cfg.Services = wire.SFNodeNetwork
	}
	if cfg.PowParams == (pow.Params{}) {
		cfg.PowParams = pow.NetworkParams
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
		if cfg.TargetOutbound > cfg.MaxPeers {
			cfg.MaxPeers = cfg.TargetOutbound
		}
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.CustomResponseTimeout == 0 {
		cfg.CustomResponseTimeout = defaultCustomResponseTimeout
	}
	if cfg.SyncRoundInterval == 0 {
		cfg.SyncRoundInterval = defaultSyncRoundInterval
	}
	if cfg.ConnectInterval == 0 {
		cfg.ConnectInterval = defaultConnectInterval
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return cfg
}
