package ipcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"inet.af/netaddr"
)

// IPv4 is an IPv4 address, zero means unknown
type IPv4 [4]byte

// IPv4From returns the IPv4 in first 4 bytes of b
func IPv4From(b []byte) (a IPv4) {
	copy(a[:], b)
	return
}

// IPv4FromUint32 returns the IPv4 of host order v
func IPv4FromUint32(v uint32) (a IPv4) {
	binary.BigEndian.PutUint32(a[:], v)
	return
}

// IsZero returns true if a is 0.0.0.0
func (a IPv4) IsZero() bool {
	return a == IPv4{}
}

// IP returns a as net.IP
func (a IPv4) IP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3]).To4()
}

// Netaddr returns a as netaddr.IP
func (a IPv4) Netaddr() netaddr.IP {
	return netaddr.IPv4(a[0], a[1], a[2], a[3])
}

func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// naturalMask returns the classful netmask of a
func naturalMask(a IPv4) IPv4 {
	switch {
	case a[0] < 128:
		return IPv4{255, 0, 0, 0}
	case a[0] < 192:
		return IPv4{255, 255, 0, 0}
	}
	return IPv4{255, 255, 255, 0}
}

// Options is the set of IPCP options, an IPCP instance keeps four of them:
// what we want, what we allow peer to use, what we got and what peer has
type Options struct {
	// NegAddr negotiates IP-Address option
	NegAddr bool
	// OldAddrs negotiates the old IP-Addresses option
	OldAddrs bool
	// ReqAddr asks peer to send its address via an unsolicited Nak
	ReqAddr      bool
	DefaultRoute bool
	ProxyARP     bool
	// NegVJ negotiates VJ compression
	NegVJ bool
	// OldVJ uses the short (old) form of the VJ compression option
	OldVJ bool
	// AcceptLocal accepts peer's idea of our address
	AcceptLocal bool
	// AcceptRemote accepts peer's idea of its address
	AcceptRemote bool
	ReqDNS1      bool
	ReqDNS2      bool
	ReqWINS1     bool
	ReqWINS2     bool
	VJProtocol   uint16
	MaxSlotIndex uint8
	// CFlag is the compress slot ID flag
	CFlag   bool
	OurAddr IPv4
	HisAddr IPv4
	DNS     [2]IPv4
	WINS    [2]IPv4
}

// DefaultWant returns the default wanted options
func DefaultWant() Options {
	return Options{
		NegAddr:      true,
		OldAddrs:     true,
		NegVJ:        true,
		VJProtocol:   VJProtocol,
		MaxSlotIndex: MaxStates - 1,
		CFlag:        true,
	}
}

// DefaultAllow returns the default allowed options
func DefaultAllow() Options {
	return Options{
		NegAddr:      true,
		OldAddrs:     true,
		NegVJ:        true,
		VJProtocol:   VJProtocol,
		MaxSlotIndex: MaxStates - 1,
		CFlag:        true,
		ProxyARP:     true,
		DefaultRoute: true,
	}
}
