package link

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hujun-open/zouncp/fsm"
)

var (
	// ErrShortFrame is returned when a frame is too short to carry a protocol field and payload
	ErrShortFrame = errors.New("short PPP frame")
	// ErrUnknownProtocol is returned when no NCP is registered for the protocol
	ErrUnknownProtocol = errors.New("unknown PPP protocol")
)

const minFrameLen = 4

// EncodeFrame returns a PPP frame, i.e. the 2 bytes protocol field followed by payload
func EncodeFrame(proto fsm.ProtocolNumber, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.PPP{PPPType: layers.PPPType(proto)},
		gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v frame, %w", proto, err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame returns protocol and payload of a PPP frame;
// a leading ff03 address and control field and a compressed 1 byte protocol field are accepted.
// payload shares memory with frame.
func DecodeFrame(frame []byte) (fsm.ProtocolNumber, []byte, error) {
	if len(frame) < minFrameLen {
		return 0, nil, fmt.Errorf("%w, %d bytes", ErrShortFrame, len(frame))
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypePPP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if l := pkt.Layer(layers.LayerTypePPP); l != nil {
		ppp := l.(*layers.PPP)
		return fsm.ProtocolNumber(ppp.PPPType), ppp.Payload, nil
	}
	if el := pkt.ErrorLayer(); el != nil {
		return 0, nil, fmt.Errorf("failed to decode PPP frame, %w", el.Error())
	}
	return 0, nil, fmt.Errorf("failed to decode PPP frame")
}
