package ipcp

import "fmt"

// OptionType is the IPCP option type
type OptionType uint8

// list of IPCP option types
const (
	OpIPAddresses                OptionType = 1
	OpIPCompressionProtocol      OptionType = 2
	OpIPAddress                  OptionType = 3
	OpPrimaryDNSServerAddress    OptionType = 129
	OpPrimaryNBNSServerAddress   OptionType = 130
	OpSecondaryDNSServerAddress  OptionType = 131
	OpSecondaryNBNSServerAddress OptionType = 132
)

func (t OptionType) String() string {
	switch t {
	case OpIPAddresses:
		return "IPAddresses"
	case OpIPCompressionProtocol:
		return "IPCompressionProtocol"
	case OpIPAddress:
		return "IPAddress"
	case OpPrimaryDNSServerAddress:
		return "PrimaryDNSServerAddress"
	case OpPrimaryNBNSServerAddress:
		return "PrimaryNBNSServerAddress"
	case OpSecondaryDNSServerAddress:
		return "SecondaryDNSServerAddress"
	case OpSecondaryNBNSServerAddress:
		return "SecondaryNBNSServerAddress"
	}
	return fmt.Sprintf("unknown (%d)", uint8(t))
}

// encoded option length
const (
	lenAddresses = 10
	lenVJ        = 6
	lenOldVJ     = 4
	lenAddr      = 6
)

const (
	// VJProtocol is the Van Jacobson compressed TCP/IP protocol number
	VJProtocol uint16 = 0x002d
	// OldVJProtocol is the protocol number used by old (RFC1172) implementations
	OldVJProtocol uint16 = 0x0037
	// MaxStates is the max number of VJ compression slots
	MaxStates = 16
)
