package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Carcophan/Jabit/bmcrypto"
	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

var testExpiry = time.Unix(1700000000, 0)

func testKey(t *testing.T) (*btcec.PrivateKey, []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return priv, priv.PubKey().SerializeUncompressed()
}

func objectRoundTrip(t *testing.T, payload ObjectPayload) *MsgObject {
	t.Helper()
	msg := NewMsgObject(0x0102030405060708, NewObject(testExpiry, payload))
	got, ok := roundTrip(t, msg).(*MsgObject)
	require.True(t, ok)
	require.Equal(t, msg.Bytes(), got.Bytes())
	require.Equal(t, msg.InvVect(), got.InvVect())
	return got
}

func TestPubkeyRoundTrip(t *testing.T) {
	_, sk := testKey(t)
	_, ek := testKey(t)

	v2 := NewV2Pubkey(1, 0x01, sk[1:], ek[1:])
	got := objectRoundTrip(t, v2)
	require.Equal(t, v2, got.Payload)

	pk := got.Payload.(Pubkey)
	key, err := pk.SigningKey()
	require.NoError(t, err)
	require.Equal(t, sk, key)
	key, err = pk.EncryptionKey()
	require.NoError(t, err)
	require.Equal(t, ek, key)

	v3 := NewV3Pubkey(2, 0x01, sk, ek, 1000, 1000, []byte{0x30, 0x02, 0x01})
	got = objectRoundTrip(t, v3)
	require.Equal(t, v3, got.Payload)
	require.EqualValues(t, 3, got.Version())
	require.EqualValues(t, 2, got.Stream())

	v4 := NewV4Pubkey(1, bytes.Repeat([]byte{7}, 32), []byte("ciphertext"))
	got = objectRoundTrip(t, v4)
	require.Equal(t, v4, got.Payload)

	_, err = got.Payload.(Pubkey).SigningKey()
	require.ErrorIs(t, err, ErrNotDecrypted)
	_, err = got.Payload.(Pubkey).EncryptionKey()
	require.ErrorIs(t, err, ErrNotDecrypted)
}

func TestV3PubkeySignature(t *testing.T) {
	priv, sk := testKey(t)
	_, ek := testKey(t)

	unsigned := NewV3Pubkey(1, 0, sk, ek, 1000, 1000, nil)
	data, err := NewObject(testExpiry, unsigned).BytesToSign()
	require.NoError(t, err)

	sig, err := bmcrypto.Sign(priv, data)
	require.NoError(t, err)
	signed := unsigned.WithSignature(sig)
	require.Nil(t, unsigned.Signature())

	got := objectRoundTrip(t, signed)
	toVerify, err := got.BytesToSign()
	require.NoError(t, err)
	require.Equal(t, data, toVerify)
	require.True(t, bmcrypto.VerifySignature(sk, toVerify, got.Payload.(*V3Pubkey).Signature()))

	_, err = NewObject(testExpiry, NewV2Pubkey(1, 0, sk, ek)).BytesToSign()
	require.Error(t, err)
}

type testCipher struct {
	key byte
}

func (c testCipher) Encrypt(plain []byte) ([]byte, error) {
	out := make([]byte, len(plain))
	for i, b := range plain {
		out[i] = b ^ c.key
	}
	return out, nil
}

func (c testCipher) Decrypt(data []byte) ([]byte, error) {
	return c.Encrypt(data)
}

type failingDecrypter struct{}

func (failingDecrypter) Decrypt([]byte) ([]byte, error) {
	return nil, errors.New("wrong key")
}

func TestV4PubkeyDecrypt(t *testing.T) {
	_, sk := testKey(t)
	_, ek := testKey(t)
	tag := bytes.Repeat([]byte{9}, 32)

	body := NewV3Pubkey(1, 1, sk, ek, 320, 14000, []byte{1, 2, 3})
	v4, err := EncryptV4Pubkey(tag, body, testCipher{key: 0x5a})
	require.NoError(t, err)
	require.True(t, v4.IsDecrypted())

	got := objectRoundTrip(t, v4)
	received := got.Payload.(*V4Pubkey)
	require.False(t, received.IsDecrypted())
	require.Equal(t, tag, received.Tag())

	_, err = received.Decrypt(failingDecrypter{})
	require.Error(t, err)
	require.False(t, received.IsDecrypted())

	// Decrypting with the wrong key yields garbage that does not parse.
	_, err = received.Decrypt(testCipher{key: 0x33})
	require.Error(t, err)

	decrypted, err := received.Decrypt(testCipher{key: 0x5a})
	require.NoError(t, err)
	require.False(t, received.IsDecrypted())
	require.Equal(t, body, decrypted.Decrypted())

	key, err := decrypted.SigningKey()
	require.NoError(t, err)
	require.Equal(t, sk, key)

	// Decryption does not change what goes on the wire.
	require.Equal(t, got.Bytes(), NewMsgObject(got.Nonce, &Object{
		ExpiresTime: got.ExpiresTime,
		ObjectType:  got.ObjectType,
		Payload:     decrypted,
	}).Bytes())
}

func TestV4PubkeyWithBtcecKeys(t *testing.T) {
	_, sk := testKey(t)
	_, ek := testKey(t)

	ripe := bmcrypto.Ripe(sk, ek)
	tag, priv := bmcrypto.AddressKeys(4, 1, ripe)

	body := NewV3Pubkey(1, 1, sk, ek, 1000, 1000, []byte{0x30})
	v4, err := EncryptV4Pubkey(tag, body, bmcrypto.AddressEncrypter{Key: priv.PubKey()})
	require.NoError(t, err)

	got := objectRoundTrip(t, v4)
	decrypted, err := got.Payload.(*V4Pubkey).Decrypt(bmcrypto.AddressDecrypter{Key: priv})
	require.NoError(t, err)
	require.Equal(t, body, decrypted.Decrypted())
}

func TestOtherPayloadsRoundTrip(t *testing.T) {
	tag := bytes.Repeat([]byte{3}, 32)
	ripe := bytes.Repeat([]byte{4}, 20)

	tests := []struct {
		name    string
		payload ObjectPayload
	}{
		{"getpubkey v3", NewGetPubkeyRipe(3, 1, ripe)},
		{"getpubkey v4", NewGetPubkeyTag(1, tag)},
		{"msg", NewEncryptedMsg(1, []byte("secret"))},
		{"broadcast v4", NewBroadcast(4, 1, nil, []byte("news"))},
		{"broadcast v5", NewBroadcast(5, 1, tag, []byte("news"))},
		{"generic", NewGenericPayload(42, 1, 1, []byte("whatever"))},
	}

	for _, test := range tests {
		got := objectRoundTrip(t, test.payload)
		require.Equal(t, test.payload, got.Payload, test.name)
		require.Equal(t, test.payload.ObjectType(), got.ObjectType, test.name)
	}
}

func TestUnknownObjectVersionIsKept(t *testing.T) {
	data := []byte("payload of a pubkey version nobody knows yet")
	msg := NewMsgObject(5, NewObject(testExpiry,
		NewGenericPayload(ObjectTypePubkey, 99, 1, data)))

	got, err := DecodeMsgObject(msg.Bytes())
	require.NoError(t, err)

	generic, ok := got.Payload.(*GenericPayload)
	require.True(t, ok)
	require.Equal(t, data, generic.Data())
	require.EqualValues(t, 99, got.Version())
	require.Equal(t, msg.Bytes(), got.Bytes())
	require.Equal(t, msg.InvVect(), got.InvVect())
}

func TestObjectParseFallback(t *testing.T) {
	_, sk := testKey(t)
	_, ek := testKey(t)

	var body bytes.Buffer
	require.NoError(t, NewV2Pubkey(1, 0, sk, ek).Encode(&body))
	full := body.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", full[:len(full)-1]},
		{"trailing bytes", append(append([]byte(nil), full...), 0)},
		{"three bytes", []byte{1, 2, 3}},
	}

	for _, test := range tests {
		payload := decodeObjectPayload(ObjectTypePubkey, 2, 1, test.data)
		generic, ok := payload.(*GenericPayload)
		require.True(t, ok, test.name)
		require.Equal(t, test.data, generic.Data(), test.name)
	}

	payload := decodeObjectPayload(ObjectTypePubkey, 2, 1, full)
	require.IsType(t, &V2Pubkey{}, payload)
}

func TestDecodeMsgObjectMalformed(t *testing.T) {
	_, err := DecodeMsgObject([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)

	// Header cut short after the expiry.
	_, err = DecodeMsgObject(make([]byte, 16))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestObjectTypeString(t *testing.T) {
	require.Equal(t, "pubkey", ObjectTypePubkey.String())
	require.Equal(t, "Unknown ObjectType (42)", ObjectType(42).String())
}

func TestInvVectComputedOnCreation(t *testing.T) {
	msg := NewMsgObject(7, NewObject(testExpiry,
		NewGenericPayload(ObjectTypeMsg, 1, 1, []byte("hash me once"))))
	want := NewInvVect(msg.Bytes())
	require.Equal(t, want, msg.iv)
	require.Equal(t, want, msg.InvVect())

	got, err := DecodeMsgObject(msg.Bytes())
	require.NoError(t, err)
	require.Equal(t, want, got.iv)
	require.Equal(t, want, got.InvVect())

	// Messages built by hand compute the vector on demand.
	bare := &MsgObject{Nonce: msg.Nonce, Object: msg.Object}
	require.Equal(t, want, bare.InvVect())
}
