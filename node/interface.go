package node

import (
	"time"

	"github.com/Carcophan/Jabit/wire"
)

// NodeRegistry keeps track of the addresses of other nodes.  Implementations
// must be safe for concurrent access.
type NodeRegistry interface {
	// KnownAddresses returns addresses of nodes serving stream.
	KnownAddresses(stream uint64) []*wire.NetAddress

	// Offer reports newly learned node addresses.
	Offer(addrs ...*wire.NetAddress)
}

// AddressRepository gives access to the contacts of the local user.
// Implementations must be safe for concurrent access.
type AddressRepository interface {
	// FindContact returns the decrypter for the contact whose v4 pubkeys
	// carry tag.
	FindContact(tag []byte) (wire.Decrypter, bool)

	// StorePubkey stores the decrypted pubkey of a contact.
	StorePubkey(pubkey *wire.V4Pubkey) error
}

// CustomCommandHandler answers application defined commands.  A nil
// response means no answer is sent.
type CustomCommandHandler interface {
	HandleCustom(command string, data []byte) *wire.MsgCustom
}

// CustomCommandHandlerFunc is an adapter to allow the use of ordinary
// functions as CustomCommandHandler.
type CustomCommandHandlerFunc func(command string, data []byte) *wire.MsgCustom

// HandleCustom calls f(command, data).
func (f CustomCommandHandlerFunc) HandleCustom(command string, data []byte) *wire.MsgCustom {
	return f(command, data)
}

// inventoryCleaner is implemented by inventories that can drop expired
// objects.
type inventoryCleaner interface {
	Cleanup(now time.Time) (int, error)
}
