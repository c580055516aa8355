package bmcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

func TestDigests(t *testing.T) {
	tests := []struct {
		name string
		fn   func(...[]byte) []byte
		in   [][]byte
		want string
	}{
		{
			name: "sha512 abc",
			fn:   Sha512,
			in:   [][]byte{[]byte("abc")},
			want: "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a" +
				"2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f",
		},
		{
			name: "ripemd160 abc",
			fn:   Ripemd160,
			in:   [][]byte{[]byte("a"), []byte("bc")},
			want: "8eb208f7e05d987a9b044a8e98c6b087f15a0bfc",
		},
		{
			name: "sha1 abc",
			fn:   Sha1,
			in:   [][]byte{[]byte("ab"), []byte("c")},
			want: "a9993e364706816aba3e25717850c26c9cd0d89d",
		},
	}

	for _, test := range tests {
		got := test.fn(test.in...)
		require.Equal(t, test.want, hex.EncodeToString(got), test.name)
	}
}

func TestDoubleSha512(t *testing.T) {
	first := Sha512([]byte("abc"))
	want := Sha512(first)
	require.Equal(t, want, DoubleSha512([]byte("a"), []byte("b"), []byte("c")))
	require.Len(t, DoubleSha512(), 64)
}

func TestRandomBytes(t *testing.T) {
	a := RandomBytes(32)
	b := RandomBytes(32)
	require.Len(t, a, 32)
	require.False(t, bytes.Equal(a, b))
	require.NoError(t, SelfTest())
}

func TestSignAndVerify(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	pub := priv.PubKey().SerializeUncompressed()

	data := []byte("object header and pubkey body")
	sig, err := Sign(priv, data)
	require.NoError(t, err)

	require.True(t, VerifySignature(pub, data, sig))
	require.True(t, VerifySignature(pub[1:], data, sig), "wire form key")
	require.False(t, VerifySignature(pub, []byte("tampered"), sig))
	require.False(t, VerifySignature(pub, data, []byte{0x30, 0x01}))
}

func TestEncryptDecrypt(t *testing.T) {
	ripe := Ripemd160([]byte("some keys"))
	tag, priv := AddressKeys(4, 1, ripe)
	require.Len(t, tag, 32)

	tag2, priv2 := AddressKeys(4, 1, ripe)
	require.Equal(t, tag, tag2)
	require.Equal(t, priv.Serialize(), priv2.Serialize())

	otherTag, _ := AddressKeys(4, 2, ripe)
	require.NotEqual(t, tag, otherTag)

	plain := []byte("embedded v3 pubkey body")
	enc, err := Encrypt(priv.PubKey(), plain)
	require.NoError(t, err)

	got, err := AddressDecrypter{Key: priv}.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	_, wrong := AddressKeys(3, 1, ripe)
	_, err = Decrypt(wrong, enc)
	require.Error(t, err)
}

func TestAppendVarInt(t *testing.T) {
	tests := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0}},
		{0xfc, []byte{0xfc}},
		{0xfd, []byte{0xfd, 0x00, 0xfd}},
		{0x10000, []byte{0xfe, 0x00, 0x01, 0x00, 0x00}},
		{0x100000000, []byte{0xff, 0, 0, 0, 1, 0, 0, 0, 0}},
	}
	for _, test := range tests {
		require.Equal(t, test.want, appendVarInt(nil, test.in))
	}
}
