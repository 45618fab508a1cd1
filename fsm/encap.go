package fsm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the length of code, id and length fields
const HeaderLen = 4

var (
	// ErrShortPacket is returned when the packet is shorter than header or its length field
	ErrShortPacket = errors.New("short control packet")
	// ErrBadLength is returned when the length field is less than HeaderLen
	ErrBadLength = errors.New("illegal control packet length")
)

// Pkt is a control protocol packet
type Pkt struct {
	Code MsgCode
	ID   uint8
	// Len is the value of length field, set by Parse
	Len uint16
	// Data is everything after the header, could be options, terminate reason or rejected packet
	Data []byte
}

// Serialize into bytes
func (p *Pkt) Serialize() []byte {
	buf := make([]byte, HeaderLen+len(p.Data))
	buf[0] = uint8(p.Code)
	buf[1] = p.ID
	binary.BigEndian.PutUint16(buf[2:4], uint16(HeaderLen+len(p.Data)))
	copy(buf[HeaderLen:], p.Data)
	return buf
}

// Parse buf into p, bytes beyond the length field are ignored; p.Data shares memory with buf
func (p *Pkt) Parse(buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("%w, %d bytes", ErrShortPacket, len(buf))
	}
	p.Code = MsgCode(buf[0])
	p.ID = buf[1]
	p.Len = binary.BigEndian.Uint16(buf[2:4])
	if p.Len < HeaderLen {
		return fmt.Errorf("%w %d", ErrBadLength, p.Len)
	}
	if int(p.Len) > len(buf) {
		return fmt.Errorf("%w, length field %d but only %d bytes", ErrShortPacket, p.Len, len(buf))
	}
	p.Data = buf[HeaderLen:p.Len]
	return nil
}

// String return a string representation of p, options are printed by printer if not nil
func (p Pkt) String() string {
	return p.Format(nil)
}

// Format returns a string representation of p, printer is used to print options of Conf* packets
func (p Pkt) Format(printer func([]byte) string) string {
	s := fmt.Sprintf("Code:%v ID:%d", p.Code, p.ID)
	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		if printer != nil {
			return s + " " + printer(p.Data)
		}
	case CodeTerminateRequest, CodeTerminateAck:
		if len(p.Data) > 0 {
			return s + fmt.Sprintf(" %q", string(p.Data))
		}
		return s
	case CodeCodeReject:
		var rej Pkt
		if rej.Parse(p.Data) == nil {
			return s + fmt.Sprintf(" rejected code %v id %d", rej.Code, rej.ID)
		}
	}
	if len(p.Data) > 0 {
		s += fmt.Sprintf(" %x", p.Data)
	}
	return s
}
