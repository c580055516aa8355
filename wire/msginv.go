package wire

import (
	"fmt"
	"io"
)

// MsgInv implements the Message interface and represents a bitmessage inv
// message.  It is used to advertise a peer's known objects.  Each message
// is limited to a maximum number of inventory vectors, which is currently
// 50,000.
//
// Use the AddInvVect function to build up the list of inventory vectors when
// sending an inv message to another peer.
type MsgInv struct {
	InvList []InvVect
}

// AddInvVect adds an inventory vector to the message.
func (msg *MsgInv) AddInvVect(iv InvVect) error {
	if len(msg.InvList)+1 > MaxInvPerMsg {
		str := fmt.Sprintf("too many invvect in message [max %v]",
			MaxInvPerMsg)
		return messageError("MsgInv.AddInvVect", ErrOversized, str)
	}

	msg.InvList = append(msg.InvList, iv)
	return nil
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgInv) Decode(r io.Reader, length uint32) error {
	list, err := readInvList(r, "MsgInv.Decode")
	if err != nil {
		return err
	}
	msg.InvList = list
	return nil
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgInv) Encode(w io.Writer) error {
	return writeInvList(w, msg.InvList, "MsgInv.Encode")
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgInv) Command() string {
	return CmdInv
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgInv) MaxPayloadLength() uint32 {
	// Num inventory vectors (varInt) + max allowed inventory vectors.
	return MaxVarIntPayload + (MaxInvPerMsg * InvVectSize)
}

// NewMsgInv returns a new bitmessage inv message that conforms to the Message
// interface.  See MsgInv for details.
func NewMsgInv() *MsgInv {
	return &MsgInv{}
}

// NewMsgInvSizeHint returns a new bitmessage inv message that conforms to
// the Message interface.  See MsgInv for details.  This function differs from
// NewMsgInv in that it allows a default allocation size for the backing
// array which houses the inventory vector list.
func NewMsgInvSizeHint(sizeHint uint) *MsgInv {
	// Limit the specified hint to the maximum allow per message.
	if sizeHint > MaxInvPerMsg {
		sizeHint = MaxInvPerMsg
	}

	return &MsgInv{
		InvList: make([]InvVect, 0, sizeHint),
	}
}
