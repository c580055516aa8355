package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarInt(t *testing.T) {
	tests := []struct {
		in  uint64
		buf []byte
	}{
		{0, []byte{0x00}},
		{0xfc, []byte{0xfc}},
		{0xfd, []byte{0xfd, 0x00, 0xfd}},
		{0xffff, []byte{0xfd, 0xff, 0xff}},
		{0x10000, []byte{0xfe, 0x00, 0x01, 0x00, 0x00}},
		{0xffffffff, []byte{0xfe, 0xff, 0xff, 0xff, 0xff}},
		{0x100000000, []byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{0xffffffffffffffff, bytes.Repeat([]byte{0xff}, 9)},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		require.NoError(t, WriteVarInt(&buf, test.in))
		require.Equal(t, test.buf, buf.Bytes(), "%x", test.in)
		require.Equal(t, len(test.buf), VarIntSerializeSize(test.in))

		got, err := ReadVarInt(bytes.NewReader(test.buf))
		require.NoError(t, err)
		require.Equal(t, test.in, got)
	}
}

func TestVarIntNonCanonical(t *testing.T) {
	tests := [][]byte{
		{0xfd, 0x00, 0xfc},
		{0xfe, 0x00, 0x00, 0xff, 0xff},
		{0xff, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff},
	}

	for _, buf := range tests {
		_, err := ReadVarInt(bytes.NewReader(buf))
		require.ErrorIs(t, err, ErrMalformed, "%x", buf)
	}
}

func TestVarIntShortRead(t *testing.T) {
	_, err := ReadVarInt(bytes.NewReader([]byte{0xfe, 0x01}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestVarBytesLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVarString(&buf, "hello"))

	_, err := ReadVarString(bytes.NewReader(buf.Bytes()), 4)
	require.ErrorIs(t, err, ErrOversized)

	s, err := ReadVarString(bytes.NewReader(buf.Bytes()), 5)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestVarIntList(t *testing.T) {
	var buf bytes.Buffer
	list := []uint64{1, 0xfd, 0x10000}
	require.NoError(t, WriteVarIntList(&buf, list))

	got, err := ReadVarIntList(bytes.NewReader(buf.Bytes()), 3, "streams")
	require.NoError(t, err)
	require.Equal(t, list, got)

	_, err = ReadVarIntList(bytes.NewReader(buf.Bytes()), 2, "streams")
	require.ErrorIs(t, err, ErrOversized)
}

func TestInvVect(t *testing.T) {
	a := NewInvVect([]byte("a"))
	b := NewInvVect([]byte("b"))
	require.NotEqual(t, a, b)
	require.Equal(t, a, NewInvVect([]byte("a")))
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, -b.Compare(a), a.Compare(b))
	require.Len(t, a.String(), 64)

	c, err := InvVectFromBytes(a[:])
	require.NoError(t, err)
	require.Equal(t, a, c)

	_, err = InvVectFromBytes(a[:31])
	require.ErrorIs(t, err, ErrMalformed)
}
