package fsm

import "fmt"

// MsgCode is the control protocol message code
type MsgCode uint8

// control protocol message codes
const (
	CodeConfigureRequest MsgCode = 1
	CodeConfigureAck     MsgCode = 2
	CodeConfigureNak     MsgCode = 3
	CodeConfigureReject  MsgCode = 4
	CodeTerminateRequest MsgCode = 5
	CodeTerminateAck     MsgCode = 6
	CodeCodeReject       MsgCode = 7
	// CodeProtocolReject is LCP only
	CodeProtocolReject MsgCode = 8
)

func (code MsgCode) String() string {
	switch code {
	case CodeConfigureRequest:
		return "ConfReq"
	case CodeConfigureAck:
		return "ConfACK"
	case CodeConfigureNak:
		return "ConfNak"
	case CodeConfigureReject:
		return "ConfReject"
	case CodeTerminateRequest:
		return "TermReq"
	case CodeTerminateAck:
		return "TermACK"
	case CodeCodeReject:
		return "CodeReject"
	case CodeProtocolReject:
		return "ProtoReject"
	}
	return fmt.Sprintf("unknown (%d)", uint8(code))
}

// State is the control protocol state
type State uint32

// control protocol states as defined in RFC1661
const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "ReqSent"
	case StateAckRcvd:
		return "AckRcvd"
	case StateAckSent:
		return "AckSent"
	case StateOpened:
		return "Opened"
	}
	return fmt.Sprintf("unknow (%d)", s)
}

// negotiating returns true if s is one of ReqSent, AckRcvd, AckSent
func (s State) negotiating() bool {
	switch s {
	case StateReqSent, StateAckRcvd, StateAckSent:
		return true
	}
	return false
}

// ProtocolNumber is the PPP protocol number
type ProtocolNumber uint16

// list of PPP protocol numbers
const (
	ProtoNone            ProtocolNumber = 0
	ProtoIPv4            ProtocolNumber = 0x0021
	ProtoNovellIPX       ProtocolNumber = 0x002b
	ProtoVJCompressed    ProtocolNumber = 0x002d
	ProtoVJUncompressed  ProtocolNumber = 0x002f
	ProtoOldVJCompressed ProtocolNumber = 0x0037
	ProtoIPv6            ProtocolNumber = 0x0057
	ProtoIPCP            ProtocolNumber = 0x8021
	ProtoIPXCP           ProtocolNumber = 0x802b
	ProtoIPv6CP          ProtocolNumber = 0x8057
	ProtoLCP             ProtocolNumber = 0xc021
	ProtoPAP             ProtocolNumber = 0xc023
	ProtoCHAP            ProtocolNumber = 0xc223
)

func (val ProtocolNumber) String() string {
	switch val {
	case ProtoNone:
		return "None"
	case ProtoIPv4:
		return "IPv4"
	case ProtoNovellIPX:
		return "NovellIPX"
	case ProtoVJCompressed:
		return "VJCompressedTCPIP"
	case ProtoVJUncompressed:
		return "VJUncompressedTCPIP"
	case ProtoOldVJCompressed:
		return "OldVJCompressedTCPIP"
	case ProtoIPv6:
		return "IPv6"
	case ProtoIPCP:
		return "IPCP"
	case ProtoIPXCP:
		return "IPXCP"
	case ProtoIPv6CP:
		return "IPv6CP"
	case ProtoLCP:
		return "LCP"
	case ProtoPAP:
		return "PAP"
	case ProtoCHAP:
		return "CHAP"
	}
	return fmt.Sprintf("0x%04x", uint16(val))
}

// NPMode is what to do with data packets of a network protocol
type NPMode uint8

// list of NPMode
const (
	NPModePass NPMode = iota
	NPModeDrop
	NPModeError
	NPModeQueue
)

func (m NPMode) String() string {
	switch m {
	case NPModePass:
		return "pass"
	case NPModeDrop:
		return "drop"
	case NPModeError:
		return "error"
	case NPModeQueue:
		return "queue"
	}
	return fmt.Sprintf("unknown (%d)", uint8(m))
}
