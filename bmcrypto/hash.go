package bmcrypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/ripemd160"
)

// Sha512 returns the SHA-512 digest of the concatenation of all chunks.
func Sha512(chunks ...[]byte) []byte {
	return digest(sha512.New(), chunks)
}

// DoubleSha512 returns SHA-512 applied to the SHA-512 digest of the
// concatenation of all chunks.
func DoubleSha512(chunks ...[]byte) []byte {
	first := Sha512(chunks...)
	second := sha512.Sum512(first)
	return second[:]
}

// Ripemd160 returns the RIPEMD-160 digest of the concatenation of all chunks.
func Ripemd160(chunks ...[]byte) []byte {
	return digest(ripemd160.New(), chunks)
}

// Sha1 returns the SHA-1 digest of the concatenation of all chunks.  It is
// only kept around for verifying legacy signatures.
func Sha1(chunks ...[]byte) []byte {
	return digest(sha1.New(), chunks)
}

// Ripe returns the ripe hash of a key pair, which is the value Bitmessage
// addresses are built around: RIPEMD160(SHA512(signingKey || encryptionKey)).
// Both keys are expected in their 65 byte uncompressed form.
func Ripe(signingKey, encryptionKey []byte) []byte {
	return Ripemd160(Sha512(signingKey, encryptionKey))
}

// RandomBytes returns n bytes from the system's cryptographically secure
// random source.  A broken entropy source is not something the node can
// recover from, so it panics instead of returning an error.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("bmcrypto: unable to read random bytes: " + err.Error())
	}
	return b
}

// RandomUint64 returns a cryptographically random uint64 value.
func RandomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func digest(h hash.Hash, chunks [][]byte) []byte {
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// abcSha512 is the SHA-512 digest of "abc" from FIPS 180-2.
var abcSha512 = []byte{
	0xdd, 0xaf, 0x35, 0xa1, 0x93, 0x61, 0x7a, 0xba, 0xcc, 0x41, 0x73, 0x49,
	0xae, 0x20, 0x41, 0x31, 0x12, 0xe6, 0xfa, 0x4e, 0x89, 0xa9, 0x7e, 0xa2,
	0x0a, 0x9e, 0xee, 0xe6, 0x4b, 0x55, 0xd3, 0x9a, 0x21, 0x92, 0x99, 0x2a,
	0x27, 0x4f, 0xc1, 0xa8, 0x36, 0xba, 0x3c, 0x23, 0xa3, 0xfe, 0xeb, 0xbd,
	0x45, 0x4d, 0x44, 0x23, 0x64, 0x3c, 0xe8, 0x0e, 0x2a, 0x9a, 0xc9, 0x4f,
	0xa5, 0x4c, 0xa4, 0x9f,
}

// SelfTest checks that the hash functions produce known answers and that the
// random source is readable.  It is meant to be called once at startup; any
// error means the process must not continue.
func SelfTest() error {
	if !bytesEqual(Sha512([]byte("a"), []byte("bc")), abcSha512) {
		return errors.New("bmcrypto: sha512 known answer test failed")
	}
	if _, err := RandomUint64(); err != nil {
		return fmt.Errorf("bmcrypto: random source unavailable: %w", err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
