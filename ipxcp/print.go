package ipxcp

import (
	"fmt"
	"strings"

	"github.com/hujun-open/zouncp/ci"
)

// Print returns a human readable form of IPXCP options in buf
func Print(buf []byte) string {
	var parts []string
	rest := buf
	for len(rest) > 0 {
		o, r, err := ci.Decode(rest)
		if err != nil {
			parts = append(parts, fmt.Sprintf("<malformed %x>", rest))
			break
		}
		rest = r
		parts = append(parts, "<"+printOption(o)+">")
	}
	return strings.Join(parts, " ")
}

func printOption(o ci.Option) string {
	switch OptionType(o.Type) {
	case OpNetworkNumber:
		if o.Len() == lenNetwork {
			return fmt.Sprintf("network %08x", o.Uint32At(0))
		}
	case OpNodeNumber:
		if o.Len() == lenNode {
			return fmt.Sprintf("node %v", NodeFrom(o.Value))
		}
	case OpCompressionProtocol:
		if o.Len() >= 4 {
			s := fmt.Sprintf("compression 0x%04x", o.Uint16At(0))
			if o.Len() > 4 {
				s += fmt.Sprintf(" %x", o.Value[2:])
			}
			return s
		}
	case OpRoutingProtocol:
		if o.Len() >= lenProtocol {
			return fmt.Sprintf("router %v", RoutingProtocol(o.Uint16At(0)))
		}
	case OpRouterName:
		if o.Len() >= lenName {
			return fmt.Sprintf("name %q", string(o.Value))
		}
	case OpConfigurationComplete:
		if o.Len() == lenComplete {
			return "complete"
		}
	}
	return fmt.Sprintf("%v %x", OptionType(o.Type), o.Value)
}
