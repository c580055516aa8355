package wire

import (
	"fmt"
	"io"
	"time"
)

// DefaultUserAgent for wire in the stack.
const DefaultUserAgent = "/bmnode:0.1.0/"

// MsgVersion implements the Message interface and represents a bitmessage
// version message.  It is used for a peer to advertise itself as soon as an
// outbound connection is made.  The remote peer then uses this information
// along with its own to negotiate.  The remote peer must then respond with a
// version message of its own containing the negotiated values followed by a
// verack message (MsgVerAck).
type MsgVersion struct {
	// Version of the protocol the node is using.
	ProtocolVersion int32

	// Bitfield which identifies the enabled services.
	Services ServiceFlag

	// Time the message was generated.  This is encoded as an int64 on the
	// wire.
	Timestamp time.Time

	// Address of the remote peer.
	AddrYou NetAddress

	// Address of the local peer.
	AddrMe NetAddress

	// Unique value associated with message that is used to detect self
	// connections.
	Nonce uint64

	// The user agent that generated message.  This is encoded as a varString
	// on the wire.
	UserAgent string

	// Streams the node is interested in.
	Streams []uint64
}

// HasService returns whether the specified service is supported by the peer
// that generated the message.
func (msg *MsgVersion) HasService(service ServiceFlag) bool {
	return msg.Services&service == service
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgVersion) Decode(r io.Reader, length uint32) error {
	version, err := readUint32(r)
	if err != nil {
		return err
	}
	services, err := readUint64(r)
	if err != nil {
		return err
	}
	ts, err := readUint64(r)
	if err != nil {
		return err
	}
	msg.ProtocolVersion = int32(version)
	msg.Services = ServiceFlag(services)
	msg.Timestamp = time.Unix(int64(ts), 0)

	if err := readNetAddress(r, &msg.AddrYou, true); err != nil {
		return err
	}
	if err := readNetAddress(r, &msg.AddrMe, true); err != nil {
		return err
	}

	msg.Nonce, err = readUint64(r)
	if err != nil {
		return err
	}

	msg.UserAgent, err = ReadVarString(r, MaxUserAgentLen)
	if err != nil {
		return err
	}

	msg.Streams, err = ReadVarIntList(r, MaxStreams, "streams")
	return err
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgVersion) Encode(w io.Writer) error {
	if len(msg.UserAgent) > MaxUserAgentLen {
		str := fmt.Sprintf("user agent too long [len %v, max %v]",
			len(msg.UserAgent), MaxUserAgentLen)
		return messageError("MsgVersion.Encode", ErrOversized, str)
	}
	if len(msg.Streams) > MaxStreams {
		str := fmt.Sprintf("too many streams [count %v, max %v]",
			len(msg.Streams), MaxStreams)
		return messageError("MsgVersion.Encode", ErrOversized, str)
	}

	if err := writeUint32(w, uint32(msg.ProtocolVersion)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(msg.Services)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(msg.Timestamp.Unix())); err != nil {
		return err
	}
	if err := writeNetAddress(w, &msg.AddrYou, true); err != nil {
		return err
	}
	if err := writeNetAddress(w, &msg.AddrMe, true); err != nil {
		return err
	}
	if err := writeUint64(w, msg.Nonce); err != nil {
		return err
	}
	if err := WriteVarString(w, msg.UserAgent); err != nil {
		return err
	}
	return WriteVarIntList(w, msg.Streams)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgVersion) Command() string {
	return CmdVersion
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgVersion) MaxPayloadLength() uint32 {
	// Protocol version 4 bytes + services 8 bytes + timestamp 8 bytes +
	// remote and local net addresses + nonce 8 bytes + length of user
	// agent (varInt) + max allowed useragent length + stream list.
	return 28 + (lightNetAddressSize * 2) + MaxVarIntPayload +
		MaxUserAgentLen + MaxVarIntPayload + MaxStreams*MaxVarIntPayload
}

// NewMsgVersion returns a new bitmessage version message that conforms to the
// Message interface using the passed parameters and defaults for the
// remaining fields.
func NewMsgVersion(me *NetAddress, you *NetAddress, nonce uint64,
	streams []uint64) *MsgVersion {

	// Limit the timestamp to one second precision since the protocol
	// doesn't support better.
	return &MsgVersion{
		ProtocolVersion: int32(ProtocolVersion),
		Services:        SFNodeNetwork,
		Timestamp:       time.Unix(time.Now().Unix(), 0),
		AddrYou:         *you,
		AddrMe:          *me,
		Nonce:           nonce,
		UserAgent:       DefaultUserAgent,
		Streams:         streams,
	}
}
