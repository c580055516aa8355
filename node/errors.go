package node

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse is returned when a custom request was not answered in
	// time.
	ErrNoResponse = errors.New("no response")

	// ErrNotRunning is returned by operations that need a started node.
	ErrNotRunning = errors.New("node is not running")

	// ErrConnectionClosed is returned when a peer went away before a sync
	// task completed.
	ErrConnectionClosed = errors.New("connection closed")

	// errTagMismatch is the reason pubkeys whose keys do not belong to
	// their tag are dropped for.
	errTagMismatch = errors.New("keys do not match the address tag")

	// errBadSignature is the reason pubkeys not signed by their own
	// signing key are dropped for.
	errBadSignature = errors.New("invalid pubkey signature")
)

// NodeError describes a failed exchange with another node.
type NodeError struct {
	Op   string
	Addr string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *NodeError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}
