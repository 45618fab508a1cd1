package ipxcp

import "fmt"

// OptionType is the IPXCP option type
type OptionType uint8

// list of IPXCP option types
const (
	OpNetworkNumber         OptionType = 1
	OpNodeNumber            OptionType = 2
	OpCompressionProtocol   OptionType = 3
	OpRoutingProtocol       OptionType = 4
	OpRouterName            OptionType = 5
	OpConfigurationComplete OptionType = 6
)

func (t OptionType) String() string {
	switch t {
	case OpNetworkNumber:
		return "NetworkNumber"
	case OpNodeNumber:
		return "NodeNumber"
	case OpCompressionProtocol:
		return "CompressionProtocol"
	case OpRoutingProtocol:
		return "RoutingProtocol"
	case OpRouterName:
		return "RouterName"
	case OpConfigurationComplete:
		return "ConfigurationComplete"
	}
	return fmt.Sprintf("unknown (%d)", uint8(t))
}

// encoded option length, lenProtocol and lenName are the minimum
const (
	lenNetwork  = 6
	lenNode     = 8
	lenProtocol = 4
	lenName     = 3
	lenComplete = 2
)

// RoutingProtocol is the value of Routing-Protocol option
type RoutingProtocol uint16

// list of routing protocols
const (
	RoutingNone   RoutingProtocol = 0
	RoutingRIPSAP RoutingProtocol = 2
	RoutingNLSP   RoutingProtocol = 4
)

func (r RoutingProtocol) String() string {
	switch r {
	case RoutingNone:
		return "NONE"
	case RoutingRIPSAP:
		return "RIP"
	case RoutingNLSP:
		return "NLSP"
	}
	return fmt.Sprintf("unknown (%d)", uint16(r))
}

// Bit returns the bit of r in a routing protocol set, 0 if r can't be in a set
func (r RoutingProtocol) Bit() RoutingSet {
	if r > 15 {
		return 0
	}
	return RoutingSet(1) << r
}

// RoutingSet is a bitmask of RoutingProtocol
type RoutingSet uint16

// Has returns true if r is in s
func (s RoutingSet) Has(r RoutingProtocol) bool {
	return r.Bit() != 0 && s&r.Bit() != 0
}

// external returns the value sent in Routing-Protocol option for s
func (s RoutingSet) external() RoutingProtocol {
	if s.Has(RoutingNone) {
		return RoutingNone
	}
	return RoutingRIPSAP
}

// scriptString returns the routing protocols of s as passed to ipx-up script
func (s RoutingSet) scriptString(neg bool) string {
	var r string
	if neg && !s.Has(RoutingNone) {
		if s.Has(RoutingRIPSAP) {
			r = "RIP"
		}
		if s.Has(RoutingNLSP) {
			if r != "" {
				r += " "
			}
			r += "NLSP"
		}
	}
	if r == "" {
		return "NONE"
	}
	return r
}

// MaxNameLen is the max length of router name kept from peer
const MaxNameLen = 48
