package wire

import (
	"fmt"
	"io"
)

// MaxCustomCommandLen is the longest custom command name accepted.
const MaxCustomCommandLen = 256

// MsgCustom is an application defined request or response exchanged
// outside of object sync.  It carries a command name and opaque data.  A node
// answers a custom message it receives before the handshake completes with
// exactly one custom message and then hangs up.
type MsgCustom struct {
	CustomCommand string
	Data          []byte
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgCustom) Decode(r io.Reader, length uint32) error {
	cmd, err := ReadVarString(r, MaxCustomCommandLen)
	if err != nil {
		return err
	}
	used := uint32(VarIntSerializeSize(uint64(len(cmd))) + len(cmd))
	if used > length {
		return messageError("MsgCustom.Decode", ErrMalformed,
			"custom command exceeds payload")
	}

	data := make([]byte, length-used)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	msg.CustomCommand = cmd
	msg.Data = data
	return nil
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgCustom) Encode(w io.Writer) error {
	if len(msg.CustomCommand) > MaxCustomCommandLen {
		str := fmt.Sprintf("custom command too long [len %v, max %v]",
			len(msg.CustomCommand), MaxCustomCommandLen)
		return messageError("MsgCustom.Encode", ErrOversized, str)
	}
	if err := WriteVarString(w, msg.CustomCommand); err != nil {
		return err
	}
	_, err := w.Write(msg.Data)
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgCustom) Command() string {
	return CmdCustom
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCustom) MaxPayloadLength() uint32 {
	return MaxMessagePayload
}

// NewMsgCustom returns a new custom message.
func NewMsgCustom(command string, data []byte) *MsgCustom {
	return &MsgCustom{CustomCommand: command, Data: data}
}

// MsgUnknown holds a message whose command this package does not know.  The
// payload is kept verbatim so callers can log or ignore it.
type MsgUnknown struct {
	Cmd     string
	Payload []byte
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgUnknown) Decode(r io.Reader, length uint32) error {
	msg.Payload = make([]byte, length)
	_, err := io.ReadFull(r, msg.Payload)
	return err
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgUnknown) Encode(w io.Writer) error {
	_, err := w.Write(msg.Payload)
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgUnknown) Command() string {
	return msg.Cmd
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgUnknown) MaxPayloadLength() uint32 {
	return MaxMessagePayload
}
