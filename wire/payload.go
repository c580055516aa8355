package wire

import (
	"bytes"
	"io"
)

// ObjectPayload is the part of an object that follows its header.  Every
// variant knows the version and stream it was sent with so the object can
// be encoded again byte for byte.
type ObjectPayload interface {
	ObjectType() ObjectType
	Version() uint64
	Stream() uint64

	// Encode writes the payload body.  It only fails when w does.
	Encode(w io.Writer) error
}

// decodeObjectPayload parses data according to the object type and version.
// Anything that is not understood, fails to parse or leaves bytes behind is
// kept as a GenericPayload so it can still be stored and relayed.
func decodeObjectPayload(objType ObjectType, version, stream uint64, data []byte) ObjectPayload {
	r := bytes.NewReader(data)

	var p ObjectPayload
	var err error
	switch objType {
	case ObjectTypeGetPubkey:
		p, err = decodeGetPubkey(r, version, stream)
	case ObjectTypePubkey:
		p, err = decodePubkey(r, version, stream)
	case ObjectTypeMsg:
		p, err = decodeEncryptedMsg(r, version, stream)
	case ObjectTypeBroadcast:
		p, err = decodeBroadcast(r, version, stream)
	}
	if p == nil || err != nil || r.Len() != 0 {
		return NewGenericPayload(objType, version, stream, data)
	}
	return p
}

// GenericPayload is an object payload this package cannot interpret.  The
// bytes are kept verbatim.
type GenericPayload struct {
	objType ObjectType
	version uint64
	stream  uint64
	data    []byte
}

// NewGenericPayload returns an opaque payload.
func NewGenericPayload(objType ObjectType, version, stream uint64, data []byte) *GenericPayload {
	return &GenericPayload{
		objType: objType,
		version: version,
		stream:  stream,
		data:    data,
	}
}

// ObjectType returns the type from the object header.
func (p *GenericPayload) ObjectType() ObjectType { return p.objType }

// Version returns the version from the object header.
func (p *GenericPayload) Version() uint64 { return p.version }

// Stream returns the stream from the object header.
func (p *GenericPayload) Stream() uint64 { return p.stream }

// Data returns the raw payload bytes.
func (p *GenericPayload) Data() []byte { return p.data }

// Encode writes the raw payload bytes.
func (p *GenericPayload) Encode(w io.Writer) error {
	_, err := w.Write(p.data)
	return err
}

// GetPubkey is a request for the pubkey of an address.  Addresses up to
// version 3 are asked for by ripe, version 4 addresses by tag.
type GetPubkey struct {
	version uint64
	stream  uint64
	ripe    []byte
	tag     []byte
}

const (
	ripeSize = 20
	tagSize  = 32
)

// NewGetPubkeyRipe returns a request for a version 2 or 3 pubkey.
func NewGetPubkeyRipe(version, stream uint64, ripe []byte) *GetPubkey {
	return &GetPubkey{version: version, stream: stream, ripe: ripe}
}

// NewGetPubkeyTag returns a request for a version 4 pubkey.
func NewGetPubkeyTag(stream uint64, tag []byte) *GetPubkey {
	return &GetPubkey{version: 4, stream: stream, tag: tag}
}

func decodeGetPubkey(r io.Reader, version, stream uint64) (ObjectPayload, error) {
	size := ripeSize
	switch version {
	case 2, 3:
	case 4:
		size = tagSize
	default:
		return nil, nil
	}

	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	if version == 4 {
		return NewGetPubkeyTag(stream, b), nil
	}
	return NewGetPubkeyRipe(version, stream, b), nil
}

// ObjectType returns ObjectTypeGetPubkey.
func (p *GetPubkey) ObjectType() ObjectType { return ObjectTypeGetPubkey }

// Version returns the version of the requested address.
func (p *GetPubkey) Version() uint64 { return p.version }

// Stream returns the stream of the requested address.
func (p *GetPubkey) Stream() uint64 { return p.stream }

// Ripe returns the ripe of the requested address, nil for version 4.
func (p *GetPubkey) Ripe() []byte { return p.ripe }

// Tag returns the tag of the requested address, nil before version 4.
func (p *GetPubkey) Tag() []byte { return p.tag }

// Encode writes the ripe or the tag.
func (p *GetPubkey) Encode(w io.Writer) error {
	b := p.ripe
	if p.version >= 4 {
		b = p.tag
	}
	_, err := w.Write(b)
	return err
}

// EncryptedMsg is a person to person message.  Only the recipient can make
// sense of it, for everybody else it is an opaque encrypted blob.
type EncryptedMsg struct {
	stream    uint64
	encrypted []byte
}

// NewEncryptedMsg returns a version 1 msg payload.
func NewEncryptedMsg(stream uint64, encrypted []byte) *EncryptedMsg {
	return &EncryptedMsg{stream: stream, encrypted: encrypted}
}

func decodeEncryptedMsg(r *bytes.Reader, version, stream uint64) (ObjectPayload, error) {
	if version != 1 {
		return nil, nil
	}
	b := make([]byte, r.Len())
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return NewEncryptedMsg(stream, b), nil
}

// ObjectType returns ObjectTypeMsg.
func (p *EncryptedMsg) ObjectType() ObjectType { return ObjectTypeMsg }

// Version returns 1.
func (p *EncryptedMsg) Version() uint64 { return 1 }

// Stream returns the stream of the recipient.
func (p *EncryptedMsg) Stream() uint64 { return p.stream }

// Encrypted returns the encrypted message.
func (p *EncryptedMsg) Encrypted() []byte { return p.encrypted }

// Encode writes the encrypted message.
func (p *EncryptedMsg) Encode(w io.Writer) error {
	_, err := w.Write(p.encrypted)
	return err
}

// Broadcast is a message to everybody subscribed to the sending address.
// Version 5 broadcasts carry the tag of the sender so subscribers can pick
// them out without trying to decrypt everything.
type Broadcast struct {
	version   uint64
	stream    uint64
	tag       []byte
	encrypted []byte
}

// NewBroadcast returns a broadcast payload.  tag is ignored for version 4.
func NewBroadcast(version, stream uint64, tag, encrypted []byte) *Broadcast {
	if version < 5 {
		tag = nil
	}
	return &Broadcast{
		version:   version,
		stream:    stream,
		tag:       tag,
		encrypted: encrypted,
	}
}

func decodeBroadcast(r *bytes.Reader, version, stream uint64) (ObjectPayload, error) {
	var tag []byte
	switch version {
	case 4:
	case 5:
		tag = make([]byte, tagSize)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	encrypted := make([]byte, r.Len())
	if _, err := io.ReadFull(r, encrypted); err != nil {
		return nil, err
	}
	return NewBroadcast(version, stream, tag, encrypted), nil
}

// ObjectType returns ObjectTypeBroadcast.
func (p *Broadcast) ObjectType() ObjectType { return ObjectTypeBroadcast }

// Version returns 4 or 5.
func (p *Broadcast) Version() uint64 { return p.version }

// Stream returns the stream of the sender.
func (p *Broadcast) Stream() uint64 { return p.stream }

// Tag returns the tag of the sending address, nil for version 4.
func (p *Broadcast) Tag() []byte { return p.tag }

// Encrypted returns the encrypted broadcast.
func (p *Broadcast) Encrypted() []byte { return p.encrypted }

// Encode writes the tag, if any, and the encrypted broadcast.
func (p *Broadcast) Encode(w io.Writer) error {
	if p.version >= 5 {
		if _, err := w.Write(p.tag); err != nil {
			return err
		}
	}
	_, err := w.Write(p.encrypted)
	return err
}
