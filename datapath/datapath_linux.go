// Package datapath implements the data path of a PPP unit;
// on linux TUNIF configures a TUN interface as IPCP and IPXCP go up and down, and relays IPv4 packets.
// IPX packets are not relayed since linux has no IPX stack, the IPX address is only recorded.
package datapath

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/ipcp"
	"github.com/hujun-open/zouncp/ipxcp"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// TUNIF is the TUN interface of a PPP unit
type TUNIF struct {
	intf         *water.Interface
	nlink        netlink.Link
	send         SendFunc
	maxFrameSize int
	logger       *zap.Logger
	mux          *sync.Mutex
	upCount      int
	npModes      map[fsm.ProtocolNumber]fsm.NPMode
	ipxNetwork   uint32
	ipxNode      ipxcp.Node
}

// DefaultMaxFrameSize is the default max PPP frame size could be received from the TUN interface
const DefaultMaxFrameSize = 1500

// NewTUNIf creates a new TUN interface named name, IPv4 packets read from it are sent to peer via send
// once IPv4 NP mode is pass; the TUN interface is closed when ctx is cancelled.
func NewTUNIf(ctx context.Context, name string, send SendFunc, logger *zap.Logger) (*TUNIF, error) {
	var err error
	r := &TUNIF{
		send:         send,
		maxFrameSize: DefaultMaxFrameSize,
		logger:       zap.NewNop(),
		mux:          new(sync.Mutex),
		npModes:      make(map[fsm.ProtocolNumber]fsm.NPMode),
	}
	if logger != nil {
		r.logger = logger.Named("datapath")
	}
	cfg := water.Config{
		DeviceType: water.TUN,
	}
	cfg.Name = name
	r.intf, err = water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN if %v, %w", cfg.Name, err)
	}
	r.nlink, err = netlink.LinkByName(r.intf.Name())
	if err != nil {
		r.intf.Close()
		return nil, fmt.Errorf("failed to find TUN if %v, %w", r.intf.Name(), err)
	}
	go r.recv(ctx)
	return r, nil
}

// Name returns the interface name
func (tif *TUNIF) Name() string {
	return tif.intf.Name()
}

// SetMTU sets MTU of the interface based on peer's MRU
func (tif *TUNIF) SetMTU(peermru uint16) error {
	mtu := int(peermru)
	if mtu < 576 {
		mtu = 576
	}
	if err := netlink.LinkSetMTU(tif.nlink, mtu); err != nil {
		return fmt.Errorf("failed to set MTU %d on %v, %w", mtu, tif.Name(), err)
	}
	return nil
}

// SetVJComp implements ipcp.Interface, TUN has no VJ decompressor so it is only logged
func (tif *TUNIF) SetVJComp(unit int, on, cidComp bool, maxSlotIndex uint8) error {
	tif.logger.Sugar().Debugf("unit %d VJ compression %v, cid compression %v, max slot %d", unit, on, cidComp, maxSlotIndex)
	return nil
}

func hostAddr(a ipcp.IPv4) (*netlink.Addr, error) {
	return netlink.ParseAddr(fmt.Sprintf("%v/32", a))
}

// SetAddr implements ipcp.Interface, it adds our address with his as the peer address
func (tif *TUNIF) SetAddr(unit int, our, his, mask ipcp.IPv4) error {
	addr, err := hostAddr(our)
	if err != nil {
		return fmt.Errorf("failed to parse %v as v4 addr, %w", our, err)
	}
	if !his.IsZero() {
		addr.Peer = &net.IPNet{IP: his.IP(), Mask: net.CIDRMask(32, 32)}
	}
	if err = netlink.AddrAdd(tif.nlink, addr); err != nil {
		return fmt.Errorf("failed to add addr %v, %w", addr, err)
	}
	tif.logger.Sugar().Infof("added %v peer %v mask %v to %v", our, his, mask, tif.Name())
	return nil
}

// ClearAddr implements ipcp.Interface
func (tif *TUNIF) ClearAddr(unit int, our, his ipcp.IPv4) error {
	if our.IsZero() {
		return nil
	}
	addr, err := hostAddr(our)
	if err != nil {
		return fmt.Errorf("failed to parse %v as v4 addr, %w", our, err)
	}
	if !his.IsZero() {
		addr.Peer = &net.IPNet{IP: his.IP(), Mask: net.CIDRMask(32, 32)}
	}
	if err = netlink.AddrDel(tif.nlink, addr); err != nil {
		return fmt.Errorf("failed to remove addr %v, %w", addr, err)
	}
	return nil
}

// Up implements ipcp.Interface and ipxcp.Interface, the link is brought up by the first caller
func (tif *TUNIF) Up(unit int) error {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	if tif.upCount == 0 {
		if err := netlink.LinkSetUp(tif.nlink); err != nil {
			return fmt.Errorf("failed to bring the TUN if %v up, %w", tif.Name(), err)
		}
	}
	tif.upCount++
	return nil
}

// Down implements ipcp.Interface and ipxcp.Interface, the link is brought down by the last caller
func (tif *TUNIF) Down(unit int) error {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	if tif.upCount == 0 {
		return nil
	}
	tif.upCount--
	if tif.upCount == 0 {
		if err := netlink.LinkSetDown(tif.nlink); err != nil {
			return fmt.Errorf("failed to bring the TUN if %v down, %w", tif.Name(), err)
		}
	}
	return nil
}

// SetNPMode implements ipcp.Interface and ipxcp.Interface
func (tif *TUNIF) SetNPMode(unit int, proto fsm.ProtocolNumber, mode fsm.NPMode) error {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	tif.npModes[proto] = mode
	return nil
}

func (tif *TUNIF) npMode(proto fsm.ProtocolNumber) fsm.NPMode {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	if mode, ok := tif.npModes[proto]; ok {
		return mode
	}
	return fsm.NPModeDrop
}

func (tif *TUNIF) defaultRoute(his ipcp.IPv4) *netlink.Route {
	r := &netlink.Route{
		LinkIndex: tif.nlink.Attrs().Index,
		Dst:       &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)},
		Scope:     netlink.SCOPE_LINK,
	}
	if !his.IsZero() {
		r.Gw = his.IP()
		r.Scope = netlink.SCOPE_UNIVERSE
	}
	return r
}

// SetDefaultRoute implements ipcp.Interface, it adds a default route via the interface
func (tif *TUNIF) SetDefaultRoute(unit int, our, his ipcp.IPv4) error {
	r := tif.defaultRoute(his)
	if err := netlink.RouteAdd(r); err != nil {
		return fmt.Errorf("failed to add default route via %v, %w", tif.Name(), err)
	}
	tif.logger.Sugar().Infof("added default route via %v gw %v", tif.Name(), his)
	return nil
}

// ClearDefaultRoute implements ipcp.Interface
func (tif *TUNIF) ClearDefaultRoute(unit int, our, his ipcp.IPv4) error {
	if err := netlink.RouteDel(tif.defaultRoute(his)); err != nil {
		return fmt.Errorf("failed to remove default route via %v, %w", tif.Name(), err)
	}
	return nil
}

func (tif *TUNIF) proxyNeigh(his ipcp.IPv4) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex: tif.nlink.Attrs().Index,
		Family:    netlink.FAMILY_V4,
		Flags:     netlink.NTF_PROXY,
		IP:        his.IP(),
	}
}

// SetProxyARP implements ipcp.Interface, it adds a proxy neighbor entry of his
func (tif *TUNIF) SetProxyARP(unit int, his ipcp.IPv4) error {
	if err := netlink.NeighAdd(tif.proxyNeigh(his)); err != nil {
		return fmt.Errorf("failed to add proxy ARP entry %v, %w", his, err)
	}
	return nil
}

// ClearProxyARP implements ipcp.Interface
func (tif *TUNIF) ClearProxyARP(unit int, his ipcp.IPv4) error {
	if err := netlink.NeighDel(tif.proxyNeigh(his)); err != nil {
		return fmt.Errorf("failed to remove proxy ARP entry %v, %w", his, err)
	}
	return nil
}

// SetIPXAddr implements ipxcp.Interface
func (tif *TUNIF) SetIPXAddr(unit int, network uint32, node ipxcp.Node) error {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	tif.ipxNetwork, tif.ipxNode = network, node
	tif.logger.Sugar().Infof("IPX address of %v is %08x:%v", tif.Name(), network, node)
	return nil
}

// ClearIPXAddr implements ipxcp.Interface
func (tif *TUNIF) ClearIPXAddr(unit int) error {
	tif.mux.Lock()
	defer tif.mux.Unlock()
	tif.ipxNetwork, tif.ipxNode = 0, ipxcp.Node{}
	return nil
}

// Deliver implements DataHandler, it writes IPv4 packets received from peer to the TUN interface
func (tif *TUNIF) Deliver(proto fsm.ProtocolNumber, payload []byte) {
	if proto != fsm.ProtoIPv4 {
		tif.logger.Sugar().Debugf("dropped %v packet, not supported by TUN", proto)
		return
	}
	if _, err := tif.intf.Write(payload); err != nil {
		tif.logger.Sugar().Errorf("failed to send to TUN interface, %v", err)
	}
}

// Close the TUN interface
func (tif *TUNIF) Close() error {
	return tif.intf.Close()
}

const minimalIPPktSize = 20 //ipv4 header

// recv reads packets from the TUN interface and sends them to peer
func (tif *TUNIF) recv(ctx context.Context) {
	go func() {
		<-ctx.Done()
		tif.intf.Close()
	}()
	for {
		b := make([]byte, tif.maxFrameSize)
		n, err := tif.intf.Read(b)
		if err != nil {
			select {
			case <-ctx.Done():
				tif.logger.Info("recv routine stopped")
			default:
				tif.logger.Sugar().Errorf("failed to read, %v", err)
			}
			return
		}
		if n < minimalIPPktSize || b[0]>>4 != 4 {
			continue
		}
		if tif.npMode(fsm.ProtoIPv4) != fsm.NPModePass {
			continue
		}
		if err := tif.send(fsm.ProtoIPv4, b[:n]); err != nil {
			tif.logger.Sugar().Debugf("failed to send to peer, %v", err)
		}
	}
}
