package config

import (
	"fmt"
	"strings"

	"github.com/hujun-open/zouncp/ipcp"
	"github.com/hujun-open/zouncp/ipxcp"
	"inet.af/netaddr"
)

func parseIPv4(s string) (ipcp.IPv4, error) {
	if s == "" {
		return ipcp.IPv4{}, nil
	}
	ip, err := netaddr.ParseIP(s)
	if err != nil || !ip.Is4() {
		return ipcp.IPv4{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidConfig, s)
	}
	return ipcp.IPv4(ip.As4()), nil
}

func parseIPv4List(list []string, max int) (r [2]ipcp.IPv4, err error) {
	if len(list) > max {
		return r, fmt.Errorf("%w: at most %d addresses", ErrInvalidConfig, max)
	}
	for i, s := range list {
		if r[i], err = parseIPv4(s); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Build returns ipcp.Config, wanted and allowed options of c
func (c IPCPConfig) Build(s Scripts, ifname string) (cfg ipcp.Config, want, allow ipcp.Options, err error) {
	want, allow = ipcp.DefaultWant(), ipcp.DefaultAllow()
	if want.OurAddr, err = parseIPv4(c.Local); err != nil {
		return
	}
	if want.HisAddr, err = parseIPv4(c.Remote); err != nil {
		return
	}
	want.AcceptLocal = c.AcceptLocal
	want.AcceptRemote = c.AcceptRemote
	want.NegVJ, allow.NegVJ = c.VJ, c.VJ
	if c.VJ {
		if c.VJMaxSlots < 2 || c.VJMaxSlots > ipcp.MaxStates {
			err = fmt.Errorf("%w: vj_max_slots must be in [2, %d]", ErrInvalidConfig, ipcp.MaxStates)
			return
		}
		want.MaxSlotIndex = uint8(c.VJMaxSlots - 1)
		allow.MaxSlotIndex = want.MaxSlotIndex
		want.CFlag, allow.CFlag = c.VJSlotComp, c.VJSlotComp
	}
	want.OldAddrs, allow.OldAddrs = c.OldAddrs, c.OldAddrs
	want.DefaultRoute = c.DefaultRoute
	want.ProxyARP = c.ProxyARP
	if allow.DNS, err = parseIPv4List(c.DNS, 2); err != nil {
		return
	}
	if allow.WINS, err = parseIPv4List(c.WINS, 2); err != nil {
		return
	}
	cfg = ipcp.Config{
		UsePeerDNS:  c.UsePeerDNS,
		UsePeerWINS: c.UsePeerWINS,
		NoRemoteIP:  c.NoRemoteIP,
		AskForLocal: c.AskForLocal,
		IfName:      ifname,
		UpScript:    s.IPUp,
		DownScript:  s.IPDown,
	}
	for _, ps := range c.AllowedRemote {
		prefix, perr := netaddr.ParseIPPrefix(ps)
		if perr != nil {
			err = fmt.Errorf("%w: allowed_remote %q, %v", ErrInvalidConfig, ps, perr)
			return
		}
		cfg.AllowedRemote = append(cfg.AllowedRemote, prefix)
	}
	return
}

func parseNode(s string) (ipxcp.Node, error) {
	if s == "" {
		return ipxcp.Node{}, nil
	}
	n, err := ipxcp.ParseNode(s)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return n, nil
}

func parseRouting(name string) (ipxcp.RoutingProtocol, error) {
	switch strings.ToLower(name) {
	case "rip", "rip_sap", "rip-sap":
		return ipxcp.RoutingRIPSAP, nil
	case "nlsp":
		return ipxcp.RoutingNLSP, nil
	case "none":
		return ipxcp.RoutingNone, nil
	}
	return 0, fmt.Errorf("%w: unknown routing protocol %q", ErrInvalidConfig, name)
}

// Build returns ipxcp.Config, wanted and allowed options of c
func (c IPXCPConfig) Build(s Scripts, ifname string) (cfg ipxcp.Config, want, allow ipxcp.Options, err error) {
	want, allow = ipxcp.DefaultWant(), ipxcp.DefaultAllow()
	want.OurNetwork = c.Network
	if want.OurNode, err = parseNode(c.LocalNode); err != nil {
		return
	}
	if want.HisNode, err = parseNode(c.RemoteNode); err != nil {
		return
	}
	if !want.OurNode.IsZero() {
		want.NegNode = true
	}
	if len(c.RouterName) > ipxcp.MaxNameLen {
		err = fmt.Errorf("%w: router_name longer than %d", ErrInvalidConfig, ipxcp.MaxNameLen)
		return
	}
	want.Name = c.RouterName
	want.NegName = c.RouterName != ""
	for _, name := range c.Routing {
		var r ipxcp.RoutingProtocol
		if r, err = parseRouting(name); err != nil {
			return
		}
		want.Router |= r.Bit()
		allow.Router |= r.Bit()
	}
	allow.AcceptLocal = c.AcceptLocal
	allow.AcceptRemote = c.AcceptRemote
	allow.AcceptNetwork = c.AcceptNetwork
	cfg = ipxcp.Config{
		IfName:     ifname,
		UpScript:   s.IPXUp,
		DownScript: s.IPXDown,
	}
	return
}
