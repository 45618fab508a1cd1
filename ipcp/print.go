package ipcp

import (
	"fmt"
	"strings"

	"github.com/hujun-open/zouncp/ci"
)

// Print returns a human readable form of IPCP options in buf
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
	case OpIPAddresses:
		if o.Len() == lenAddresses {
			return fmt.Sprintf("addrs %v %v", IPv4From(o.Value[0:4]), IPv4From(o.Value[4:8]))
		}
	case OpIPCompressionProtocol:
		if o.Len() == lenOldVJ || o.Len() == lenVJ {
			s := "compress "
			switch proto := o.Uint16At(0); proto {
			case VJProtocol:
				s += "VJ"
			case OldVJProtocol:
				s += "old-VJ"
			default:
				s += fmt.Sprintf("0x%x", proto)
			}
			if o.Len() == lenVJ {
				s += fmt.Sprintf(" %d %d", o.Value[2], o.Value[3])
			}
			return s
		}
	case OpIPAddress:
		if o.Len() == lenAddr {
			return fmt.Sprintf("addr %v", IPv4From(o.Value))
		}
	case OpPrimaryDNSServerAddress, OpSecondaryDNSServerAddress:
		if o.Len() == lenAddr {
			n := 1
			if OptionType(o.Type) == OpSecondaryDNSServerAddress {
				n = 2
			}
			return fmt.Sprintf("ms-dns%d %v", n, IPv4From(o.Value))
		}
	case OpPrimaryNBNSServerAddress, OpSecondaryNBNSServerAddress:
		if o.Len() == lenAddr {
			return fmt.Sprintf("ms-wins %v", IPv4From(o.Value))
		}
	}
	return fmt.Sprintf("%v %x", OptionType(o.Type), o.Value)
}
