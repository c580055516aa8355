package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Carcophan/Jabit/bmcrypto"
)

const (
	// InvVectSize is the length of an inventory vector in bytes.
	InvVectSize = 32

	// MaxInvPerMsg is the maximum number of inventory vectors that can be
	// in a single inv or getdata message.
	MaxInvPerMsg = 50000
)

// InvVect identifies an object on the network.  It is the first 32 bytes of
// the double SHA-512 of the complete object message payload, nonce included.
// The zero value is never the hash of a valid object.
type InvVect [InvVectSize]byte

// NewInvVect returns the inventory vector of a serialized object.
func NewInvVect(object []byte) InvVect {
	var iv InvVect
	copy(iv[:], bmcrypto.DoubleSha512(object))
	return iv
}

// InvVectFromBytes copies b into an inventory vector.  b must be exactly
// InvVectSize bytes long.
func InvVectFromBytes(b []byte) (InvVect, error) {
	var iv InvVect
	if len(b) != InvVectSize {
		return iv, messageError("InvVectFromBytes", ErrMalformed,
			fmt.Sprintf("inventory vector must be %d bytes, got %d",
				InvVectSize, len(b)))
	}
	copy(iv[:], b)
	return iv, nil
}

// String returns the inventory vector as a hexadecimal string.
func (iv InvVect) String() string {
	return hex.EncodeToString(iv[:])
}

// Compare orders inventory vectors byte-wise.
func (iv InvVect) Compare(other InvVect) int {
	return bytes.Compare(iv[:], other[:])
}

func readInvVect(r io.Reader, iv *InvVect) error {
	_, err := io.ReadFull(r, iv[:])
	return err
}

func writeInvVect(w io.Writer, iv *InvVect) error {
	_, err := w.Write(iv[:])
	return err
}

func readInvList(r io.Reader, fn string) ([]InvVect, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}

	// Limit to max inventory vectors per message.
	if count > MaxInvPerMsg {
		str := fmt.Sprintf("too many invvect in message [%v]", count)
		return nil, messageError(fn, ErrOversized, str)
	}

	list := make([]InvVect, count)
	for i := range list {
		if err := readInvVect(r, &list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func writeInvList(w io.Writer, list []InvVect, fn string) error {
	if len(list) > MaxInvPerMsg {
		str := fmt.Sprintf("too many invvect in message [%v]", len(list))
		return messageError(fn, ErrOversized, str)
	}

	if err := WriteVarInt(w, uint64(len(list))); err != nil {
		return err
	}
	for i := range list {
		if err := writeInvVect(w, &list[i]); err != nil {
			return err
		}
	}
	return nil
}
