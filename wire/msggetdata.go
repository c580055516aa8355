package wire

import (
	"fmt"
	"io"
)

// MsgGetData implements the Message interface and represents a bitmessage
// getdata message.  It is used to request objects from another peer.  Each
// requested object is identified by its inventory vector.  The remote peer
// answers with one object message per vector it still has.
//
// Each message is limited to a maximum number of inventory vectors, which is
// currently 50,000.  As a result, multiple messages must be used to request
// larger amounts of data.
type MsgGetData struct {
	InvList []InvVect
}

// AddInvVect adds an inventory vector to the message.
func (msg *MsgGetData) AddInvVect(iv InvVect) error {
	if len(msg.InvList)+1 > MaxInvPerMsg {
		str := fmt.Sprintf("too many invvect in message [max %v]",
			MaxInvPerMsg)
		return messageError("MsgGetData.AddInvVect", ErrOversized, str)
	}

	msg.InvList = append(msg.InvList, iv)
	return nil
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgGetData) Decode(r io.Reader, length uint32) error {
	list, err := readInvList(r, "MsgGetData.Decode")
	if err != nil {
		return err
	}
	msg.InvList = list
	return nil
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetData) Encode(w io.Writer) error {
	return writeInvList(w, msg.InvList, "MsgGetData.Encode")
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetData) Command() string {
	return CmdGetData
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetData) MaxPayloadLength() uint32 {
	// Num inventory vectors (varInt) + max allowed inventory vectors.
	return MaxVarIntPayload + (MaxInvPerMsg * InvVectSize)
}

// NewMsgGetData returns a new bitmessage getdata message that conforms to the
// Message interface.  See MsgGetData for details.
func NewMsgGetData() *MsgGetData {
	return &MsgGetData{}
}
