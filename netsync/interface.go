package netsync

import (
	"errors"
	"time"

	"github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/pow"
	"github.com/Carcophan/Jabit/wire"
)

// ErrObjectNotFound is returned by an Inventory when it does not hold the
// requested object.
var ErrObjectNotFound = errors.New("object not found")

// Inventory stores the objects a node knows about.  Implementations must be
// safe for concurrent access.  Storing an object twice must be a no-op.
type Inventory interface {
	// Contains reports whether the object identified by iv is held.
	Contains(iv wire.InvVect) bool

	// Get returns the object identified by iv or ErrObjectNotFound.
	Get(iv wire.InvVect) (*wire.MsgObject, error)

	// Vectors returns the inventory vectors of all objects of the given
	// streams.
	Vectors(streams ...uint64) ([]wire.InvVect, error)

	// Store adds an object.  It returns false if the object was already
	// held.
	Store(msg *wire.MsgObject) (bool, error)
}

// PeerNotifier exposes methods to notify peers of status changes to
// objects.
type PeerNotifier interface {
	// RelayInventory advertises iv to every peer serving stream except
	// from.
	RelayInventory(iv wire.InvVect, stream uint64, from *peer.Peer)
}

// ObjectListener is notified about objects exchanged with a peer.
type ObjectListener interface {
	// OnObjectReceived is called for every new object accepted from p.
	OnObjectReceived(p *peer.Peer, msg *wire.MsgObject)

	// OnObjectSent is called for every object sent to p.
	OnObjectSent(p *peer.Peer, msg *wire.MsgObject)
}

// Config is a configuration struct used to initialize a new SyncManager.
type Config struct {
	PeerNotifier PeerNotifier
	Inventory    Inventory

	// Listener is optional.
	Listener ObjectListener

	// Streams are the streams objects are accepted for.
	Streams []uint64

	// PowParams are the proof of work parameters objects are checked
	// against.
	PowParams pow.Params

	MaxPeers int

	// MaxRequestsInFlight bounds the number of objects requested from a
	// single peer at any time.
	MaxRequestsInFlight int

	// MaxInvAdvertised bounds the number of vectors advertised to a new
	// peer.
	MaxInvAdvertised int

	// RequestTimeout is the time after which an unanswered request is
	// forgotten so the object can be fetched from another peer.
	RequestTimeout time.Duration

	// TimeSource returns the current time.  Defaults to time.Now.
	TimeSource func() time.Time
}
