package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxVarIntPayload is the maximum payload size for a variable length
	// integer.
	MaxVarIntPayload = 9

	// MaxUserAgentLen is the maximum allowed length for the user agent
	// field in a version message.
	MaxUserAgentLen = 5000

	// MaxStreams is the maximum number of streams a version message may
	// announce.
	MaxStreams = 160000
)

// errNonCanonicalVarInt is the common format string used for non-canonically
// encoded variable length integer errors.
var errNonCanonicalVarInt = "non-canonical varint %x - discriminant %x must " +
	"encode a value greater than %x"

var bigEndian = binary.BigEndian

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return bigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return bigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return bigEndian.Uint64(b[:]), nil
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	bigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	bigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	bigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadVarInt reads a variable length integer from r and returns it as a
// uint64.  Encodings that use more bytes than necessary are rejected.
func ReadVarInt(r io.Reader) (uint64, error) {
	discriminant, err := readUint8(r)
	if err != nil {
		return 0, err
	}

	var rv uint64
	switch discriminant {
	case 0xff:
		sv, err := readUint64(r)
		if err != nil {
			return 0, err
		}
		rv = sv

		// The encoding is not canonical if the value could have been
		// encoded using fewer bytes.
		min := uint64(0x100000000)
		if rv < min {
			return 0, messageError("ReadVarInt", ErrMalformed, fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfe:
		sv, err := readUint32(r)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

		min := uint64(0x10000)
		if rv < min {
			return 0, messageError("ReadVarInt", ErrMalformed, fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	case 0xfd:
		sv, err := readUint16(r)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

		min := uint64(0xfd)
		if rv < min {
			return 0, messageError("ReadVarInt", ErrMalformed, fmt.Sprintf(
				errNonCanonicalVarInt, rv, discriminant, min))
		}

	default:
		rv = uint64(discriminant)
	}

	return rv, nil
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, val uint64) error {
	if val < 0xfd {
		return writeUint8(w, uint8(val))
	}

	if val <= 0xffff {
		if err := writeUint8(w, 0xfd); err != nil {
			return err
		}
		return writeUint16(w, uint16(val))
	}

	if val <= 0xffffffff {
		if err := writeUint8(w, 0xfe); err != nil {
			return err
		}
		return writeUint32(w, uint32(val))
	}

	if err := writeUint8(w, 0xff); err != nil {
		return err
	}
	return writeUint64(w, val)
}

// VarIntSerializeSize returns the number of bytes it would take to serialize
// val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	switch {
	case val < 0xfd:
		return 1
	case val <= 0xffff:
		return 3
	case val <= 0xffffffff:
		return 5
	}
	return 9
}

// ReadVarString reads a variable length string from r and returns it.  A
// length larger than maxLen is an ErrOversized error.
func ReadVarString(r io.Reader, maxLen uint64) (string, error) {
	b, err := ReadVarBytes(r, maxLen, "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteVarString serializes str to w as a variable length integer
// containing the length of the string followed by the bytes that represent
// the string itself.
func WriteVarString(w io.Writer, str string) error {
	return WriteVarBytes(w, []byte(str))
}

// ReadVarBytes reads a variable length byte array.  A byte array is encoded
// as a varint containing the length of the array followed by the bytes
// themselves.  An error is returned if the length is greater than the
// passed maxAllowed parameter which helps protect against memory exhaustion
// attacks and forced panics through malformed messages.  The fieldName
// parameter is only used for the error message so it provides more context in
// the error.
func ReadVarBytes(r io.Reader, maxAllowed uint64, fieldName string) ([]byte, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}

	// Prevent byte array larger than the max message size.  It would
	// be possible to cause memory exhaustion and panics without a sane
	// upper bound on this count.
	if count > maxAllowed {
		str := fmt.Sprintf("%s is larger than the max allowed size "+
			"[count %d, max %d]", fieldName, count, maxAllowed)
		return nil, messageError("ReadVarBytes", ErrOversized, str)
	}

	b := make([]byte, count)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteVarBytes serializes a variable length byte array to w as a varint
// containing the number of bytes, followed by the bytes themselves.
func WriteVarBytes(w io.Writer, bytes []byte) error {
	if err := WriteVarInt(w, uint64(len(bytes))); err != nil {
		return err
	}
	_, err := w.Write(bytes)
	return err
}

// ReadVarIntList reads a varint count followed by that many varints.
func ReadVarIntList(r io.Reader, maxAllowed uint64, fieldName string) ([]uint64, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > maxAllowed {
		str := fmt.Sprintf("too many %s [count %d, max %d]", fieldName,
			count, maxAllowed)
		return nil, messageError("ReadVarIntList", ErrOversized, str)
	}

	list := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		v, err := ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}

// WriteVarIntList writes the length of list as a varint followed by every
// element as a varint.
func WriteVarIntList(w io.Writer, list []uint64) error {
	if err := WriteVarInt(w, uint64(len(list))); err != nil {
		return err
	}
	for _, v := range list {
		if err := WriteVarInt(w, v); err != nil {
			return err
		}
	}
	return nil
}
