// Package ci implements the configuration option (CI) codec used by PPP control protocols.
// An option is encoded as [Type][Length][Value...], Length is one byte and includes the 2 bytes header.
package ci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the length of option type and length fields
	HeaderLen = 2
	// MaxLen is the max encoded length of a single option
	MaxLen = 255
)

var (
	// ErrMalformedOption is returned when an option's length field is less than 2 or exceeds the buffer
	ErrMalformedOption = errors.New("malformed configuration option")
	// ErrOptionTooLong is returned when the encoded option doesn't fit in 255 bytes
	ErrOptionTooLong = errors.New("configuration option too long")
)

// Option is a single configuration option
type Option struct {
	Type  uint8
	Value []byte
}

// New returns an Option of kind t with value v
func New(t uint8, v []byte) Option {
	return Option{Type: t, Value: v}
}

// Uint16 returns an Option of kind t with a 2 bytes big endian value
func Uint16(t uint8, v uint16) Option {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Option{Type: t, Value: buf}
}

// Uint32 returns an Option of kind t with a 4 bytes big endian value
func Uint32(t uint8, v uint32) Option {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Option{Type: t, Value: buf}
}

// Len returns the encoded length of o
func (o Option) Len() int {
	return len(o.Value) + HeaderLen
}

// Equal returns true if b has same type and value
func (o Option) Equal(b Option) bool {
	return o.Type == b.Type && bytes.Equal(o.Value, b.Value)
}

// Uint16At returns the 2 bytes big endian value at offset i of o.Value, 0 if out of range
func (o Option) Uint16At(i int) uint16 {
	if i < 0 || len(o.Value) < i+2 {
		return 0
	}
	return binary.BigEndian.Uint16(o.Value[i : i+2])
}

// Uint32At returns the 4 bytes big endian value at offset i of o.Value, 0 if out of range
func (o Option) Uint32At(i int) uint32 {
	if i < 0 || len(o.Value) < i+4 {
		return 0
	}
	return binary.BigEndian.Uint32(o.Value[i : i+4])
}

// Serialize o into bytes
func (o Option) Serialize() ([]byte, error) {
	return Encode(o.Type, o.Value)
}

func (o Option) String() string {
	return fmt.Sprintf("%d:%x", o.Type, o.Value)
}

// Encode returns [kind][len(value)+2][value]
func Encode(kind uint8, value []byte) ([]byte, error) {
	l := len(value) + HeaderLen
	if l > MaxLen {
		return nil, fmt.Errorf("%w: type %d length %d", ErrOptionTooLong, kind, l)
	}
	buf := make([]byte, l)
	buf[0] = kind
	buf[1] = uint8(l)
	copy(buf[HeaderLen:], value)
	return buf, nil
}

// Decode the first option in buf, return the option and rest of buf;
// the returned Value shares memory with buf.
func Decode(buf []byte) (Option, []byte, error) {
	if len(buf) < HeaderLen {
		return Option{}, buf, fmt.Errorf("%w: %d bytes left", ErrMalformedOption, len(buf))
	}
	l := int(buf[1])
	if l < HeaderLen || l > len(buf) {
		return Option{}, buf, fmt.Errorf("%w: type %d length %d, %d bytes left", ErrMalformedOption, buf[0], l, len(buf))
	}
	return Option{Type: buf[0], Value: buf[HeaderLen:l]}, buf[l:], nil
}

// Parse all options in buf
func Parse(buf []byte) ([]Option, error) {
	var r []Option
	for len(buf) > 0 {
		o, rest, err := Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to parse option #%d, %w", len(r)+1, err)
		}
		r = append(r, o)
		buf = rest
	}
	return r, nil
}

