package ci

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	buf, err := Encode(3, []byte{10, 0, 0, 5})
	require.NoError(t, err)
	assert.Equal(t, "03060a000005", hex.EncodeToString(buf))

	o, rest, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, uint8(3), o.Type)
	assert.Equal(t, 6, o.Len())
	assert.Equal(t, uint32(0x0a000005), o.Uint32At(0))
}

func TestEncodeTooLong(t *testing.T) {
	_, err := Encode(5, make([]byte, 254))
	assert.True(t, errors.Is(err, ErrOptionTooLong))
	_, err = Encode(5, make([]byte, 253))
	assert.NoError(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	testList := []struct {
		name string
		hex  string
	}{
		{name: "one byte", hex: "03"},
		{name: "length 0", hex: "0300"},
		{name: "length 1", hex: "0301aa"},
		{name: "length beyond buffer", hex: "03060a0000"},
	}
	for _, c := range testList {
		t.Run(c.name, func(t *testing.T) {
			buf, err := hex.DecodeString(c.hex)
			require.NoError(t, err)
			_, _, err = Decode(buf)
			assert.True(t, errors.Is(err, ErrMalformedOption), "got %v", err)
		})
	}
}

func TestParse(t *testing.T) {
	// compress VJ, addr 0.0.0.0, ms-dns1 0.0.0.0, complete
	buf, err := hex.DecodeString("0206002d0f01030600000000810600000000" + "0602")
	require.NoError(t, err)
	opts, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, opts, 4)
	assert.Equal(t, uint16(0x2d), opts[0].Uint16At(0))
	assert.Equal(t, uint8(129), opts[2].Type)
	assert.Equal(t, 2, opts[3].Len())

	var again []byte
	for _, o := range opts {
		enc, err := o.Serialize()
		require.NoError(t, err)
		again = append(again, enc...)
	}
	assert.Equal(t, buf, again)

	_, err = Parse(append(buf, 0x03, 0x09, 0x00))
	assert.True(t, errors.Is(err, ErrMalformedOption))
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(10)
	addr := Uint32(3, 0x0a000001)
	require.True(t, b.Fits(addr))
	b.Add(addr)
	assert.Equal(t, 4, b.Room())
	big := Uint32(129, 0)
	assert.False(t, b.Fits(big))
	assert.Panics(t, func() { b.Add(big) })
	b.Add(New(6, nil))
	assert.Equal(t, "03060a0000010602", hex.EncodeToString(b.Bytes()))
}

func TestEqual(t *testing.T) {
	assert.True(t, Uint32(3, 1).Equal(Uint32(3, 1)))
	assert.False(t, Uint32(3, 1).Equal(Uint32(3, 2)))
	assert.False(t, Uint32(3, 1).Equal(Uint32(129, 1)))
}
