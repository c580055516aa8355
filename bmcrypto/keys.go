package bmcrypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec"
)

// PublicKeySize is the length of an uncompressed secp256k1 public key,
// including the leading 0x04 marker.
const PublicKeySize = 65

// ErrInvalidSignature is returned when a DER signature cannot be parsed.
var ErrInvalidSignature = errors.New("bmcrypto: malformed signature")

// ParsePublicKey parses a 65 byte uncompressed secp256k1 public key.  Keys
// of 64 bytes, as they are transmitted on the wire, are accepted as well.
func ParsePublicKey(key []byte) (*btcec.PublicKey, error) {
	if len(key) == PublicKeySize-1 {
		key = append([]byte{0x04}, key...)
	}
	return btcec.ParsePubKey(key, btcec.S256())
}

// Sign creates a DER encoded ECDSA signature of the SHA-256 digest of data.
func Sign(priv *btcec.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := priv.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// VerifySignature reports whether sig is a valid signature of data made by
// the owner of pubKey.  Older clients signed the SHA-1 digest rather than the
// SHA-256 digest, so both are tried.
func VerifySignature(pubKey, data, sig []byte) bool {
	key, err := ParsePublicKey(pubKey)
	if err != nil {
		return false
	}
	signature, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	if signature.Verify(digest[:], key) {
		return true
	}
	return signature.Verify(Sha1(data), key)
}

// Encrypt encrypts plain for the owner of pubKey using ECIES with
// AES-256-CBC and HMAC-SHA256, which is the format Bitmessage objects use.
func Encrypt(pubKey *btcec.PublicKey, plain []byte) ([]byte, error) {
	return btcec.Encrypt(pubKey, plain)
}

// Decrypt reverses Encrypt with the recipient's private key.
func Decrypt(priv *btcec.PrivateKey, data []byte) ([]byte, error) {
	return btcec.Decrypt(priv, data)
}

// AddressKeys derives the tag and the shared private key of an address from
// its version, stream and ripe.  Anyone who knows the address can compute
// both, which is what allows version 4 pubkeys and version 5 broadcasts to be
// filtered by tag and decrypted without any other secret.
func AddressKeys(version, stream uint64, ripe []byte) ([]byte, *btcec.PrivateKey) {
	buf := appendVarInt(nil, version)
	buf = appendVarInt(buf, stream)
	buf = append(buf, ripe...)

	h := DoubleSha512(buf)
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), h[:32])
	tag := make([]byte, 32)
	copy(tag, h[32:])
	return tag, priv
}

// AddressDecrypter decrypts data addressed to the holder of an address key.
// It satisfies the decrypter interface of the wire package.
type AddressDecrypter struct {
	Key *btcec.PrivateKey
}

// Decrypt decrypts data with the address key.
func (d AddressDecrypter) Decrypt(data []byte) ([]byte, error) {
	return Decrypt(d.Key, data)
}

// appendVarInt is the Bitmessage variable length integer encoding.  The wire
// package has the streaming version; this one exists so key derivation does
// not depend on it.
func appendVarInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= 0xffff:
		b = append(b, 0xfd, 0, 0)
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(v))
	case v <= 0xffffffff:
		b = append(b, 0xfe, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(b[len(b)-4:], uint32(v))
	default:
		b = append(b, 0xff, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(b[len(b)-8:], v)
	}
	return b
}

// AddressEncrypter encrypts data for the holder of an address key.
type AddressEncrypter struct {
	Key *btcec.PublicKey
}

// Encrypt encrypts plain for the address key.
func (e AddressEncrypter) Encrypt(plain []byte) ([]byte, error) {
	return Encrypt(e.Key, plain)
}
