package ipxcp

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"
	"net"
	"strings"

	"github.com/hujun-open/myaddr"
)

// Node is an IPX node number, zero means unknown
type Node [6]byte

// NodeFrom returns the Node in first 6 bytes of b
func NodeFrom(b []byte) (n Node) {
	copy(n[:], b)
	return
}

// ParseNode parses 12 hex digits, optionally separated by ':' or '-'
func ParseNode(s string) (Node, error) {
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	buf, err := hex.DecodeString(s)
	if err != nil {
		return Node{}, fmt.Errorf("invalid IPX node %q, %w", s, err)
	}
	if len(buf) != len(Node{}) {
		return Node{}, fmt.Errorf("invalid IPX node %q, expect 6 bytes", s)
	}
	return NodeFrom(buf), nil
}

// IsZero returns true if n is all zero
func (n Node) IsZero() bool {
	return n == Node{}
}

// HardwareAddr returns n as net.HardwareAddr
func (n Node) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), n[:]...))
}

func (n Node) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X", n[0], n[1], n[2], n[3], n[4], n[5])
}

// randomNode returns 00-00 followed by 4 random bytes
func randomNode() Node {
	var n Node
	v := rand.Uint32()
	n[2], n[3], n[4], n[5] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return n
}

// nextNode returns n+1
func nextNode(n Node) (Node, error) {
	r, err := myaddr.IncMACAddr(n.HardwareAddr(), big.NewInt(1))
	if err != nil {
		return n, err
	}
	if len(r) > len(n) {
		return n, fmt.Errorf("node %v overflows", n)
	}
	var next Node
	copy(next[len(next)-len(r):], r)
	return next, nil
}

// Options is the set of IPXCP options, an IPXCP instance keeps four of them:
// what we want, what we allow peer to use, what we got and what peer has
type Options struct {
	// NegNode negotiates IPX-Node-Number option
	NegNode bool
	// NegNN negotiates IPX-Network-Number option
	NegNN bool
	// ReqNN asks peer for its node number via an unsolicited Nak, at most once
	ReqNN       bool
	NegName     bool
	NegComplete bool
	NegRouter   bool
	// AcceptLocal accepts peer's idea of our node number
	AcceptLocal bool
	// AcceptRemote accepts peer's idea of its node number
	AcceptRemote bool
	// AcceptNetwork accepts a larger network number from peer
	AcceptNetwork bool
	// TriedRIP is set once RIP has been suggested to peer
	TriedRIP   bool
	HisNetwork uint32
	OurNetwork uint32
	// Network is the final network number, set when IPXCP goes up
	Network uint32
	HisNode Node
	OurNode Node
	// Name is the router name
	Name   string
	Router RoutingSet
}

// DefaultWant returns the options we want by default
func DefaultWant() Options {
	return Options{
		NegNN:       true,
		NegComplete: true,
	}
}

// DefaultAllow returns the options peer could use by default
func DefaultAllow() Options {
	return Options{
		NegNode:     true,
		NegNN:       true,
		NegName:     true,
		NegComplete: true,
		NegRouter:   true,
	}
}
