package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 3

	// MinProtocolVersion is the oldest protocol version a remote peer may
	// announce.  Version 3 introduced the object message and expiry based
	// proof of work, nothing older is spoken on the network anymore.
	MinProtocolVersion uint32 = 3

	// DefaultStream is the stream new nodes join.
	DefaultStream uint64 = 1
)

// ServiceFlag identifies services supported by a bitmessage peer.
type ServiceFlag uint64

const (
	// SFNodeNetwork is a flag used to indicate a peer is a full node which
	// stores and relays objects.
	SFNodeNetwork ServiceFlag = 1 << iota

	// SFNodeSSL indicates a peer can upgrade the connection to TLS.
	SFNodeSSL

	// SFNodePOW indicates a peer offers proof of work as a service.
	SFNodePOW

	// SFNodeDandelion indicates a peer supports the dandelion relay mode.
	SFNodeDandelion
)

// Map of service flags back to their constant names for pretty printing.
var sfStrings = map[ServiceFlag]string{
	SFNodeNetwork:   "SFNodeNetwork",
	SFNodeSSL:       "SFNodeSSL",
	SFNodePOW:       "SFNodePOW",
	SFNodeDandelion: "SFNodeDandelion",
}

// orderedSFStrings is an ordered list of service flags from highest to
// lowest.
var orderedSFStrings = []ServiceFlag{
	SFNodeNetwork,
	SFNodeSSL,
	SFNodePOW,
	SFNodeDandelion,
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	// No flags are set.
	if f == 0 {
		return "0x0"
	}

	// Add individual bit flags.
	s := ""
	for _, flag := range orderedSFStrings {
		if f&flag == flag {
			s += sfStrings[flag] + "|"
			f -= flag
		}
	}

	// Add any remaining flags which aren't accounted for as hex.
	s = strings.TrimRight(s, "|")
	if f != 0 {
		s += "|0x" + strconv.FormatUint(uint64(f), 16)
	}
	s = strings.TrimLeft(s, "|")
	return s
}

// BitmessageNet represents which network a message belongs to.  The value is
// sent as the magic bytes in front of every frame.
type BitmessageNet uint32

const (
	// MainNet represents the main bitmessage network.
	MainNet BitmessageNet = 0xe9beb4d9

	// SimNet represents a private network used by tests and local
	// simulations.  Nodes on different networks will not understand each
	// other's frames.
	SimNet BitmessageNet = 0x12141c16
)

// bnStrings is a map of networks back to their constant names for pretty
// printing.
var bnStrings = map[BitmessageNet]string{
	MainNet: "MainNet",
	SimNet:  "SimNet",
}

// String returns the BitmessageNet in human-readable form.
func (n BitmessageNet) String() string {
	if s, ok := bnStrings[n]; ok {
		return s
	}

	return fmt.Sprintf("Unknown BitmessageNet (%d)", uint32(n))
}
