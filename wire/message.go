package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Carcophan/Jabit/bmcrypto"
)

// MessageHeaderSize is the number of bytes in a bitmessage message header.
// Bitmessage network (magic) 4 bytes + command 12 bytes + payload length 4
// bytes + checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common bitmessage
// message header.  Shorter commands must be zero padded.
const CommandSize = 12

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = 1600003

// Commands used in bitmessage message headers which describe the type of
// message.
const (
	CmdVersion = "version"
	CmdVerAck  = "verack"
	CmdAddr    = "addr"
	CmdInv     = "inv"
	CmdGetData = "getdata"
	CmdObject  = "object"
	CmdCustom  = "custom"
)

// Message is an interface that describes a bitmessage message.  A type that
// implements Message has complete control over the representation of its
// data and may therefore contain additional or fewer fields than those which
// are used directly in the protocol encoded message.
type Message interface {
	// Decode reads the message body from r.  length is the payload length
	// announced by the frame header.
	Decode(r io.Reader, length uint32) error
	Encode(w io.Writer) error
	Command() string
	MaxPayloadLength() uint32
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.  Commands this package does not know yield a MsgUnknown.
func makeEmptyMessage(command string) Message {
	switch command {
	case CmdVersion:
		return &MsgVersion{}
	case CmdVerAck:
		return &MsgVerAck{}
	case CmdAddr:
		return &MsgAddr{}
	case CmdInv:
		return &MsgInv{}
	case CmdGetData:
		return &MsgGetData{}
	case CmdObject:
		return &MsgObject{}
	case CmdCustom:
		return &MsgCustom{}
	}
	return &MsgUnknown{Cmd: command}
}

// messageHeader defines the header structure for all bitmessage protocol
// messages.
type messageHeader struct {
	command  string  // 12 bytes
	length   uint32  // 4 bytes
	checksum [4]byte // 4 bytes
}

// seekMagic consumes bytes from r until the magic of bmnet has been read.
// Garbage in front of the magic is skipped, up to MaxMessagePayload bytes.
// When the stream ends while searching, io.EOF is returned.
func seekMagic(r io.Reader, bmnet BitmessageNet) (int, error) {
	var b [1]byte
	var window uint32
	read := 0
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return read, err
		}
		read++
		window = window<<8 | uint32(b[0])
		if read >= 4 && window == uint32(bmnet) {
			return read, nil
		}
		if read > MaxMessagePayload+4 {
			return read, messageError("ReadMessage", ErrFraming,
				"no magic bytes found")
		}
	}
}

// readMessageHeader reads the part of a message header that follows the
// magic bytes.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	var headerBytes [MessageHeaderSize - 4]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}
	hr := bytes.NewReader(headerBytes[:])

	hdr := messageHeader{}
	var command [CommandSize]byte
	_, _ = io.ReadFull(hr, command[:])
	hdr.length, _ = readUint32(hr)
	_, _ = io.ReadFull(hr, hdr.checksum[:])

	cmd, err := parseCommand(command)
	if err != nil {
		return n, nil, err
	}
	hdr.command = cmd

	return n, &hdr, nil
}

// parseCommand strips the zero padding of a command.  Once padding starts
// every remaining byte must be zero, and the command itself has to be
// printable ASCII.
func parseCommand(command [CommandSize]byte) (string, error) {
	end := bytes.IndexByte(command[:], 0)
	if end == -1 {
		end = CommandSize
	}
	if end == 0 {
		return "", messageError("readMessageHeader", ErrFraming,
			"empty command")
	}
	for _, c := range command[end:] {
		if c != 0 {
			str := fmt.Sprintf("command %q is not zero padded", command[:])
			return "", messageError("readMessageHeader", ErrFraming, str)
		}
	}
	for _, c := range command[:end] {
		if c < 0x20 || c > 0x7e {
			str := fmt.Sprintf("command %q contains invalid characters",
				command[:end])
			return "", messageError("readMessageHeader", ErrFraming, str)
		}
	}
	return string(command[:end]), nil
}

// checksum returns the first four bytes of the SHA-512 of payload.
func checksum(payload []byte) [4]byte {
	var sum [4]byte
	copy(sum[:], bmcrypto.Sha512(payload))
	return sum
}

// WriteMessageN writes a bitmessage Message to w including the necessary
// header information and returns the number of bytes written.  This function
// is the same as WriteMessage except it also returns the number of bytes
// written.
func WriteMessageN(w io.Writer, msg Message, bmnet BitmessageNet) (int, error) {
	totalBytes := 0

	// Enforce max command size.
	var command [CommandSize]byte
	cmd := msg.Command()
	if len(cmd) == 0 || len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] has invalid length %d", cmd, len(cmd))
		return totalBytes, messageError("WriteMessage", ErrFraming, str)
	}
	copy(command[:], []byte(cmd))

	// Encode the message payload.
	var bw bytes.Buffer
	err := msg.Encode(&bw)
	if err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMessagePayload)
		return totalBytes, messageError("WriteMessage", ErrOversized, str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength()
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return totalBytes, messageError("WriteMessage", ErrOversized, str)
	}

	// Create header for the message.
	sum := checksum(payload)
	hw := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize+lenp))
	_ = writeUint32(hw, uint32(bmnet))
	hw.Write(command[:])
	_ = writeUint32(hw, uint32(lenp))
	hw.Write(sum[:])
	hw.Write(payload)

	// Write header and payload in one go so concurrent writers on an
	// unbuffered connection cannot interleave frames.
	n, err := w.Write(hw.Bytes())
	totalBytes += n
	return totalBytes, err
}

// WriteMessage writes a bitmessage Message to w including the necessary
// header information.
func WriteMessage(w io.Writer, msg Message, bmnet BitmessageNet) error {
	_, err := WriteMessageN(w, msg, bmnet)
	return err
}

// ReadMessageN reads, validates, and parses the next bitmessage Message from
// r for the provided bitmessage network.  It returns the number of bytes
// read in addition to the parsed Message and raw bytes which comprise the
// message.
//
// Bytes in front of the magic are skipped.  A stream that ends before the
// next magic yields io.EOF.  All other failures are *MessageError values
// whose kind tells whether the stream can still be trusted.
func ReadMessageN(r io.Reader, bmnet BitmessageNet) (int, Message, []byte, error) {
	totalBytes, err := seekMagic(r, bmnet)
	if err != nil {
		return totalBytes, nil, nil, err
	}

	n, hdr, err := readMessageHeader(r)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.length, MaxMessagePayload)
		return totalBytes, nil, nil, messageError("ReadMessage",
			ErrOversized, str)
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	n, err = io.ReadFull(r, payload)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	// Test checksum.
	if sum := checksum(payload); sum != hdr.checksum {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %x, but actual checksum is %x.",
			hdr.checksum, sum)
		return totalBytes, nil, nil, messageError("ReadMessage",
			ErrChecksum, str)
	}

	msg := makeEmptyMessage(hdr.command)

	// Check for maximum length based on the message type as a malicious
	// client could otherwise create a well-formed header and set the length
	// to max numbers in order to exhaust the machine's memory.
	mpl := msg.MaxPayloadLength()
	if hdr.length > mpl {
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for "+
			"messages of type [%v] is %v.", hdr.length, hdr.command, mpl)
		return totalBytes, nil, payload, messageError("ReadMessage",
			ErrOversized, str)
	}

	// Unmarshal message.
	pr := bytes.NewReader(payload)
	if err := msg.Decode(pr, hdr.length); err != nil {
		return totalBytes, nil, payload, asMalformed(hdr.command, err)
	}
	if pr.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after %s message",
			pr.Len(), hdr.command)
		return totalBytes, nil, payload, messageError("ReadMessage",
			ErrMalformed, str)
	}

	return totalBytes, msg, payload, nil
}

// ReadMessage reads, validates, and parses the next bitmessage Message from
// r for the provided bitmessage network.
func ReadMessage(r io.Reader, bmnet BitmessageNet) (Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, bmnet)
	return msg, buf, err
}

// asMalformed turns a decoding failure of a payload that passed the checksum
// into a *MessageError.  Running out of bytes inside a checked payload is a
// malformed payload, not the end of the stream.
func asMalformed(command string, err error) error {
	var msgErr *MessageError
	if errors.As(err, &msgErr) {
		return msgErr
	}
	str := fmt.Sprintf("cannot decode %s message: %v", command, err)
	return messageError("ReadMessage", ErrMalformed, str)
}
