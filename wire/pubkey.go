package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrNotDecrypted is returned when the keys of a version 4 pubkey are
// requested before it was decrypted.
var ErrNotDecrypted = errors.New("pubkey is not decrypted")

const (
	// keySize is the size of a public key on the wire.  The leading 0x04
	// of the uncompressed form is not transmitted.
	keySize = 64

	// maxSignatureLen bounds the signature of a pubkey.
	maxSignatureLen = 1000
)

// Pubkey is implemented by all pubkey object payloads.
type Pubkey interface {
	ObjectPayload

	// SigningKey returns the 65 byte uncompressed signing key.
	SigningKey() ([]byte, error)

	// EncryptionKey returns the 65 byte uncompressed encryption key.
	EncryptionKey() ([]byte, error)
}

// Decrypter decrypts data encrypted for the holder of an address key.
type Decrypter interface {
	Decrypt(data []byte) ([]byte, error)
}

// Encrypter encrypts data for the holder of an address key.
type Encrypter interface {
	Encrypt(plain []byte) ([]byte, error)
}

// fullKey returns key in its 65 byte form.
func fullKey(key []byte) []byte {
	if len(key) == keySize {
		return append([]byte{0x04}, key...)
	}
	return key
}

func writeKey(w io.Writer, key []byte) error {
	if len(key) != keySize+1 {
		return messageError("writeKey", ErrMalformed,
			fmt.Sprintf("public key must be %d bytes, got %d",
				keySize+1, len(key)))
	}
	_, err := w.Write(key[1:])
	return err
}

func readKey(r io.Reader) ([]byte, error) {
	key := make([]byte, keySize+1)
	key[0] = 0x04
	if _, err := io.ReadFull(r, key[1:]); err != nil {
		return nil, err
	}
	return key, nil
}

// V2Pubkey is the oldest pubkey still around.  It is neither signed nor
// does it announce proof of work parameters.
type V2Pubkey struct {
	stream        uint64
	behavior      uint32
	signingKey    []byte
	encryptionKey []byte
}

// NewV2Pubkey returns a version 2 pubkey.  Keys may be given in their 64 or
// 65 byte form.
func NewV2Pubkey(stream uint64, behavior uint32, signingKey, encryptionKey []byte) *V2Pubkey {
	return &V2Pubkey{
		stream:        stream,
		behavior:      behavior,
		signingKey:    fullKey(signingKey),
		encryptionKey: fullKey(encryptionKey),
	}
}

func decodeV2Body(r io.Reader, stream uint64) (*V2Pubkey, error) {
	behavior, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	sk, err := readKey(r)
	if err != nil {
		return nil, err
	}
	ek, err := readKey(r)
	if err != nil {
		return nil, err
	}
	return &V2Pubkey{
		stream:        stream,
		behavior:      behavior,
		signingKey:    sk,
		encryptionKey: ek,
	}, nil
}

func (p *V2Pubkey) encodeBody(w io.Writer) error {
	if err := writeUint32(w, p.behavior); err != nil {
		return err
	}
	if err := writeKey(w, p.signingKey); err != nil {
		return err
	}
	return writeKey(w, p.encryptionKey)
}

// ObjectType returns ObjectTypePubkey.
func (p *V2Pubkey) ObjectType() ObjectType { return ObjectTypePubkey }

// Version returns 2.
func (p *V2Pubkey) Version() uint64 { return 2 }

// Stream returns the stream of the address.
func (p *V2Pubkey) Stream() uint64 { return p.stream }

// Behavior returns the behavior bitfield.
func (p *V2Pubkey) Behavior() uint32 { return p.behavior }

// SigningKey returns the signing key.
func (p *V2Pubkey) SigningKey() ([]byte, error) { return p.signingKey, nil }

// EncryptionKey returns the encryption key.
func (p *V2Pubkey) EncryptionKey() ([]byte, error) { return p.encryptionKey, nil }

// Encode writes the behavior bitfield and both keys.
func (p *V2Pubkey) Encode(w io.Writer) error {
	return p.encodeBody(w)
}

// V3Pubkey extends version 2 with the proof of work the owner demands for
// messages sent to it, and a signature over the object.
type V3Pubkey struct {
	V2Pubkey
	nonceTrialsPerByte uint64
	extraBytes         uint64
	signature          []byte
}

// NewV3Pubkey returns a version 3 pubkey.  The signature may be nil while the
// object is being built.
func NewV3Pubkey(stream uint64, behavior uint32, signingKey, encryptionKey []byte,
	nonceTrialsPerByte, extraBytes uint64, signature []byte) *V3Pubkey {

	return &V3Pubkey{
		V2Pubkey:           *NewV2Pubkey(stream, behavior, signingKey, encryptionKey),
		nonceTrialsPerByte: nonceTrialsPerByte,
		extraBytes:         extraBytes,
		signature:          signature,
	}
}

func decodeV3Body(r io.Reader, stream uint64) (*V3Pubkey, error) {
	v2, err := decodeV2Body(r, stream)
	if err != nil {
		return nil, err
	}
	ntpb, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	extra, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	sig, err := ReadVarBytes(r, maxSignatureLen, "signature")
	if err != nil {
		return nil, err
	}
	return &V3Pubkey{
		V2Pubkey:           *v2,
		nonceTrialsPerByte: ntpb,
		extraBytes:         extra,
		signature:          sig,
	}, nil
}

// WithSignature returns a copy of the pubkey carrying sig.
func (p *V3Pubkey) WithSignature(sig []byte) *V3Pubkey {
	c := *p
	c.signature = sig
	return &c
}

// Version returns 3.
func (p *V3Pubkey) Version() uint64 { return 3 }

// NonceTrialsPerByte returns the proof of work the owner demands per byte.
func (p *V3Pubkey) NonceTrialsPerByte() uint64 { return p.nonceTrialsPerByte }

// ExtraBytes returns the length the owner adds to every payload when
// computing the proof of work target.
func (p *V3Pubkey) ExtraBytes() uint64 { return p.extraBytes }

// Signature returns the DER encoded signature.
func (p *V3Pubkey) Signature() []byte { return p.signature }

func (p *V3Pubkey) encodeUnsigned(w io.Writer) error {
	if err := p.encodeBody(w); err != nil {
		return err
	}
	if err := WriteVarInt(w, p.nonceTrialsPerByte); err != nil {
		return err
	}
	return WriteVarInt(w, p.extraBytes)
}

// Encode writes the version 2 fields, the proof of work parameters and the
// signature.
func (p *V3Pubkey) Encode(w io.Writer) error {
	if err := p.encodeUnsigned(w); err != nil {
		return err
	}
	return WriteVarBytes(w, p.signature)
}

// V4Pubkey is a version 3 pubkey encrypted with a key derived from the
// address, so only those who know the address can read it.  The tag lets
// them find it.  A V4Pubkey is either still encrypted or fully decrypted.
type V4Pubkey struct {
	stream    uint64
	tag       []byte
	encrypted []byte
	decrypted *V3Pubkey
}

// NewV4Pubkey returns an encrypted version 4 pubkey.
func NewV4Pubkey(stream uint64, tag, encrypted []byte) *V4Pubkey {
	return &V4Pubkey{stream: stream, tag: tag, encrypted: encrypted}
}

// EncryptV4Pubkey encrypts the body of pubkey with e and returns the version
// 4 pubkey carrying it.  The result counts as decrypted.
func EncryptV4Pubkey(tag []byte, pubkey *V3Pubkey, e Encrypter) (*V4Pubkey, error) {
	var plain bytes.Buffer
	if err := pubkey.Encode(&plain); err != nil {
		return nil, err
	}
	encrypted, err := e.Encrypt(plain.Bytes())
	if err != nil {
		return nil, err
	}
	return &V4Pubkey{
		stream:    pubkey.stream,
		tag:       tag,
		encrypted: encrypted,
		decrypted: pubkey,
	}, nil
}

// ObjectType returns ObjectTypePubkey.
func (p *V4Pubkey) ObjectType() ObjectType { return ObjectTypePubkey }

// Version returns 4.
func (p *V4Pubkey) Version() uint64 { return 4 }

// Stream returns the stream of the address.
func (p *V4Pubkey) Stream() uint64 { return p.stream }

// Tag returns the tag of the address.
func (p *V4Pubkey) Tag() []byte { return p.tag }

// Encrypted returns the encrypted pubkey body.
func (p *V4Pubkey) Encrypted() []byte { return p.encrypted }

// IsDecrypted reports whether the keys are available.
func (p *V4Pubkey) IsDecrypted() bool { return p.decrypted != nil }

// Decrypted returns the embedded version 3 pubkey, or nil while the pubkey
// is encrypted.
func (p *V4Pubkey) Decrypted() *V3Pubkey { return p.decrypted }

// SigningKey returns the signing key, or ErrNotDecrypted.
func (p *V4Pubkey) SigningKey() ([]byte, error) {
	if p.decrypted == nil {
		return nil, ErrNotDecrypted
	}
	return p.decrypted.SigningKey()
}

// EncryptionKey returns the encryption key, or ErrNotDecrypted.
func (p *V4Pubkey) EncryptionKey() ([]byte, error) {
	if p.decrypted == nil {
		return nil, ErrNotDecrypted
	}
	return p.decrypted.EncryptionKey()
}

// Decrypt returns a decrypted copy of the pubkey.  The receiver is left
// untouched whether decryption works or not.
func (p *V4Pubkey) Decrypt(d Decrypter) (*V4Pubkey, error) {
	plain, err := d.Decrypt(p.encrypted)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(plain)
	body, err := decodeV3Body(r, p.stream)
	if err != nil {
		return nil, asMalformed("pubkey", err)
	}
	if r.Len() != 0 {
		return nil, messageError("V4Pubkey.Decrypt", ErrMalformed,
			fmt.Sprintf("%d trailing bytes after decrypted pubkey", r.Len()))
	}

	c := *p
	c.decrypted = body
	return &c, nil
}

// Encode writes the tag and the encrypted body.
func (p *V4Pubkey) Encode(w io.Writer) error {
	if _, err := w.Write(p.tag); err != nil {
		return err
	}
	_, err := w.Write(p.encrypted)
	return err
}

func decodePubkey(r *bytes.Reader, version, stream uint64) (ObjectPayload, error) {
	switch version {
	case 2:
		return decodeV2Body(r, stream)
	case 3:
		return decodeV3Body(r, stream)
	case 4:
		tag := make([]byte, tagSize)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, err
		}
		encrypted := make([]byte, r.Len())
		if _, err := io.ReadFull(r, encrypted); err != nil {
			return nil, err
		}
		return NewV4Pubkey(stream, tag, encrypted), nil
	}
	return nil, nil
}
