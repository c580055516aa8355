package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// MaxObjectPayloadLength is the largest object message accepted on the
// network, nonce included.
const MaxObjectPayloadLength = 1 << 18

// ObjectType is the type of an object as found in its header.
type ObjectType uint32

// Object types understood by this package.  Other values are valid on the
// wire and are carried as GenericPayload.
const (
	ObjectTypeGetPubkey ObjectType = iota
	ObjectTypePubkey
	ObjectTypeMsg
	ObjectTypeBroadcast
)

var otStrings = map[ObjectType]string{
	ObjectTypeGetPubkey: "getpubkey",
	ObjectTypePubkey:    "pubkey",
	ObjectTypeMsg:       "msg",
	ObjectTypeBroadcast: "broadcast",
}

// String returns the ObjectType in human-readable form.
func (t ObjectType) String() string {
	if s, ok := otStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ObjectType (%d)", uint32(t))
}

// Object is an object that has no proof of work yet.  It must not be
// advertised to anybody until it has been mined into a MsgObject.
type Object struct {
	ExpiresTime time.Time
	ObjectType  ObjectType
	Payload     ObjectPayload
}

// NewObject returns an unmined object carrying payload.  The expiry is
// truncated to whole seconds since that is all the wire format holds.
func NewObject(expires time.Time, payload ObjectPayload) *Object {
	return &Object{
		ExpiresTime: time.Unix(expires.Unix(), 0),
		ObjectType:  payload.ObjectType(),
		Payload:     payload,
	}
}

// Version returns the object version from the payload.
func (o *Object) Version() uint64 {
	return o.Payload.Version()
}

// Stream returns the stream the object belongs to.
func (o *Object) Stream() uint64 {
	return o.Payload.Stream()
}

// Encode writes the object without a nonce: expiry, type, version, stream
// and payload.  These are the bytes proof of work is computed over.
func (o *Object) Encode(w io.Writer) error {
	if err := o.encodeHeader(w); err != nil {
		return err
	}
	return o.Payload.Encode(w)
}

func (o *Object) encodeHeader(w io.Writer) error {
	if err := writeUint64(w, uint64(o.ExpiresTime.Unix())); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(o.ObjectType)); err != nil {
		return err
	}
	if err := WriteVarInt(w, o.Payload.Version()); err != nil {
		return err
	}
	return WriteVarInt(w, o.Payload.Stream())
}

// Bytes returns the encoded object without a nonce.
func (o *Object) Bytes() []byte {
	var buf bytes.Buffer
	// Payload encoders only fail when the writer does.
	_ = o.Encode(&buf)
	return buf.Bytes()
}

// BytesToSign returns the data covered by a pubkey signature: the object
// header followed by the pubkey body without the signature.  Version 4
// pubkeys have to be decrypted first.
func (o *Object) BytesToSign() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.encodeHeader(&buf); err != nil {
		return nil, err
	}

	switch p := o.Payload.(type) {
	case *V3Pubkey:
		if err := p.encodeUnsigned(&buf); err != nil {
			return nil, err
		}
	case *V4Pubkey:
		if p.decrypted == nil {
			return nil, ErrNotDecrypted
		}
		buf.Write(p.tag)
		if err := p.decrypted.encodeUnsigned(&buf); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%T objects are not signed", o.Payload)
	}
	return buf.Bytes(), nil
}

// decodeObject reads an object header and its payload from r.  length is
// the number of bytes left in the frame.
func decodeObject(r io.Reader, length uint32, o *Object) error {
	expires, err := readUint64(r)
	if err != nil {
		return err
	}
	objType, err := readUint32(r)
	if err != nil {
		return err
	}
	version, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	stream, err := ReadVarInt(r)
	if err != nil {
		return err
	}

	used := uint32(8 + 4 + VarIntSerializeSize(version) +
		VarIntSerializeSize(stream))
	if used > length {
		return messageError("decodeObject", ErrMalformed,
			"object header exceeds payload length")
	}
	data := make([]byte, length-used)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	o.ExpiresTime = time.Unix(int64(expires), 0)
	o.ObjectType = ObjectType(objType)
	o.Payload = decodeObjectPayload(o.ObjectType, version, stream, data)
	return nil
}

// MsgObject implements the Message interface and represents a bitmessage
// object message: an Object together with the nonce that proves the work
// done on it.
//
// The inventory vector is computed once when the message is created or
// decoded, so the message must not be modified afterwards.
type MsgObject struct {
	Nonce uint64
	Object

	iv InvVect
}

// NewMsgObject returns the mined form of obj.
func NewMsgObject(nonce uint64, obj *Object) *MsgObject {
	msg := &MsgObject{Nonce: nonce, Object: *obj}
	msg.iv = NewInvVect(msg.Bytes())
	return msg
}

// Decode decodes r using the bitmessage protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgObject) Decode(r io.Reader, length uint32) error {
	if length < 8 {
		return messageError("MsgObject.Decode", ErrMalformed,
			"object message too short")
	}
	// The vector is the hash of the bytes as received.
	var raw bytes.Buffer
	raw.Grow(int(length))
	r = io.TeeReader(r, &raw)

	nonce, err := readUint64(r)
	if err != nil {
		return err
	}
	msg.Nonce = nonce
	if err := decodeObject(r, length-8, &msg.Object); err != nil {
		return err
	}
	msg.iv = NewInvVect(raw.Bytes())
	return nil
}

// Encode encodes the receiver to w using the bitmessage protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgObject) Encode(w io.Writer) error {
	if err := writeUint64(w, msg.Nonce); err != nil {
		return err
	}
	return msg.Object.Encode(w)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgObject) Command() string {
	return CmdObject
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgObject) MaxPayloadLength() uint32 {
	return MaxObjectPayloadLength
}

// Bytes returns the complete encoded object, nonce included.
func (msg *MsgObject) Bytes() []byte {
	var buf bytes.Buffer
	_ = msg.Encode(&buf)
	return buf.Bytes()
}

// InvVect returns the inventory vector identifying the object.
func (msg *MsgObject) InvVect() InvVect {
	if msg.iv != (InvVect{}) {
		return msg.iv
	}
	return NewInvVect(msg.Bytes())
}

// DecodeMsgObject parses an object message payload as it is kept in
// inventory storage.
func DecodeMsgObject(b []byte) (*MsgObject, error) {
	msg := &MsgObject{}
	r := bytes.NewReader(b)
	if err := msg.Decode(r, uint32(len(b))); err != nil {
		return nil, asMalformed(CmdObject, err)
	}
	return msg, nil
}
