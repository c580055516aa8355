package wire

import (
	"errors"
	"fmt"
)

// Error kinds reported by the codec.  A *MessageError always wraps exactly
// one of them so callers can tell them apart with errors.Is.
var (
	// ErrFraming means the frame header could not be trusted: bad command
	// padding or no magic bytes within the search window.
	ErrFraming = errors.New("framing error")

	// ErrChecksum means the payload does not hash to the checksum in the
	// header.  The stream cannot be trusted afterwards.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrOversized means a length field exceeds what the protocol allows.
	ErrOversized = errors.New("payload too large")

	// ErrMalformed means the payload passed the checksum but does not parse.
	ErrMalformed = errors.New("malformed payload")
)

// MessageError describes an issue with a message.
// An example of some potential issues are messages from the wrong bitmessage
// network, invalid commands, mismatched checksums, and exceeding max payloads.
type MessageError struct {
	Func        string // Function name
	Kind        error  // One of the Err* kinds above
	Description string // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// Unwrap returns the error kind.
func (e *MessageError) Unwrap() error {
	return e.Kind
}

// messageError creates an error for the given function, kind and
// description.
func messageError(f string, kind error, desc string) *MessageError {
	return &MessageError{Func: f, Kind: kind, Description: desc}
}
