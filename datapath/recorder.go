package datapath

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/ipcp"
	"github.com/hujun-open/zouncp/ipxcp"
)

// SendFunc sends a data frame of proto to peer
type SendFunc func(proto fsm.ProtocolNumber, payload []byte) error

// DataHandler receives data frames from peer
type DataHandler interface {
	Deliver(proto fsm.ProtocolNumber, payload []byte)
}

// Call is an interface operation recorded by Recorder
type Call struct {
	Unit int
	Name string
	Args string
}

func (c Call) String() string {
	if c.Args == "" {
		return fmt.Sprintf("%d:%v", c.Unit, c.Name)
	}
	return fmt.Sprintf("%d:%v %v", c.Unit, c.Name, c.Args)
}

// Recorder implements ipcp.Interface, ipxcp.Interface and DataHandler without touching the system,
// it records every call and keeps the resulting interface state
type Recorder struct {
	mux        *sync.Mutex
	calls      []Call
	upCount    int
	npModes    map[fsm.ProtocolNumber]fsm.NPMode
	addrs      map[int][2]ipcp.IPv4
	ipxNetwork uint32
	ipxNode    ipxcp.Node
	delivered  map[fsm.ProtocolNumber]int
}

// NewRecorder returns a new Recorder
func NewRecorder() *Recorder {
	return &Recorder{
		mux:       new(sync.Mutex),
		npModes:   make(map[fsm.ProtocolNumber]fsm.NPMode),
		addrs:     make(map[int][2]ipcp.IPv4),
		delivered: make(map[fsm.ProtocolNumber]int),
	}
}

func (r *Recorder) add(unit int, name string, args ...interface{}) {
	r.calls = append(r.calls, Call{Unit: unit, Name: name, Args: strings.TrimSpace(fmt.Sprintln(args...))})
}

// Calls returns recorded calls
func (r *Recorder) Calls() []Call {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]Call(nil), r.calls...)
}

// IsUp returns true if interface is up
func (r *Recorder) IsUp() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.upCount > 0
}

// NPMode returns NP mode of proto, default is drop
func (r *Recorder) NPMode(proto fsm.ProtocolNumber) fsm.NPMode {
	r.mux.Lock()
	defer r.mux.Unlock()
	if mode, ok := r.npModes[proto]; ok {
		return mode
	}
	return fsm.NPModeDrop
}

// Addr returns our and peer's IPv4 address of unit
func (r *Recorder) Addr(unit int) (our, his ipcp.IPv4) {
	r.mux.Lock()
	defer r.mux.Unlock()
	a := r.addrs[unit]
	return a[0], a[1]
}

// IPXAddr returns the IPX network and node
func (r *Recorder) IPXAddr() (uint32, ipxcp.Node) {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.ipxNetwork, r.ipxNode
}

// Delivered returns number of data frames of proto delivered
func (r *Recorder) Delivered(proto fsm.ProtocolNumber) int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.delivered[proto]
}

// SetVJComp implements ipcp.Interface
func (r *Recorder) SetVJComp(unit int, on, cidComp bool, maxSlotIndex uint8) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "vj", on, cidComp, maxSlotIndex)
	return nil
}

// SetAddr implements ipcp.Interface
func (r *Recorder) SetAddr(unit int, our, his, mask ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "addr", our, his, mask)
	r.addrs[unit] = [2]ipcp.IPv4{our, his}
	return nil
}

// ClearAddr implements ipcp.Interface
func (r *Recorder) ClearAddr(unit int, our, his ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "clearaddr", our, his)
	delete(r.addrs, unit)
	return nil
}

// Up implements ipcp.Interface and ipxcp.Interface
func (r *Recorder) Up(unit int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "up")
	r.upCount++
	return nil
}

// Down implements ipcp.Interface and ipxcp.Interface
func (r *Recorder) Down(unit int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "down")
	if r.upCount > 0 {
		r.upCount--
	}
	return nil
}

// SetNPMode implements ipcp.Interface and ipxcp.Interface
func (r *Recorder) SetNPMode(unit int, proto fsm.ProtocolNumber, mode fsm.NPMode) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "npmode", proto, mode)
	r.npModes[proto] = mode
	return nil
}

// SetDefaultRoute implements ipcp.Interface
func (r *Recorder) SetDefaultRoute(unit int, our, his ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "defaultroute", our, his)
	return nil
}

// ClearDefaultRoute implements ipcp.Interface
func (r *Recorder) ClearDefaultRoute(unit int, our, his ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "cleardefaultroute", our, his)
	return nil
}

// SetProxyARP implements ipcp.Interface
func (r *Recorder) SetProxyARP(unit int, his ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "proxyarp", his)
	return nil
}

// ClearProxyARP implements ipcp.Interface
func (r *Recorder) ClearProxyARP(unit int, his ipcp.IPv4) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "clearproxyarp", his)
	return nil
}

// SetIPXAddr implements ipxcp.Interface
func (r *Recorder) SetIPXAddr(unit int, network uint32, node ipxcp.Node) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "ipxaddr", fmt.Sprintf("%08x", network), node)
	r.ipxNetwork, r.ipxNode = network, node
	return nil
}

// ClearIPXAddr implements ipxcp.Interface
func (r *Recorder) ClearIPXAddr(unit int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.add(unit, "clearipxaddr")
	r.ipxNetwork, r.ipxNode = 0, ipxcp.Node{}
	return nil
}

// Deliver implements DataHandler
func (r *Recorder) Deliver(proto fsm.ProtocolNumber, payload []byte) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.delivered[proto]++
}
